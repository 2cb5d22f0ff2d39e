package pickup

import "errors"

var (
	// ErrNotFound means the referenced request, parent or child does not exist.
	ErrNotFound = errors.New("pickup: not found")

	// ErrInvalidState means referential integrity is broken (parent or child
	// vanished) or the request is in a terminal state that forbids the change.
	ErrInvalidState = errors.New("pickup: invalid state")

	// ErrAlreadyDone signals an idempotent no-op: the request was already
	// handed over. Callers treat it as success without side effects.
	ErrAlreadyDone = errors.New("pickup: already handed over")

	// ErrInvalidInput wraps validation failures of caller-supplied values.
	ErrInvalidInput = errors.New("pickup: invalid input")
)
