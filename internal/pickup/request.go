// Package pickup implements the pickup request lifecycle: creation with
// anti-duplicate collapsing, staleness expiry, guard handoff and the parent
// closing message.
package pickup

import (
	"fmt"
	"time"
)

type Status string

const (
	// StatusPending is the initial state: created, not yet announced.
	StatusPending    Status = "PENDING"
	StatusAnnounced  Status = "ANNOUNCED"
	StatusHandedOver Status = "HANDED_OVER"
	StatusExpired    Status = "EXPIRED"
)

// OpenStatuses lists the states in which a request is still actionable.
var OpenStatuses = []Status{StatusPending, StatusAnnounced}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusAnnounced:  {},
		StatusHandedOver: {},
		StatusExpired:    {},
	},
	StatusAnnounced: {
		StatusHandedOver: {},
		StatusExpired:    {},
	},
}

// ParseStatus converts a stored status string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown pickup status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAnnounced, StatusHandedOver, StatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the request can still be announced or handed over.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusAnnounced
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusHandedOver || s == StatusExpired
}

// CanTransition reports whether from -> to is a legal status change.
// The amendment self-loop does not change status and is not a transition.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Request is one outstanding or resolved request to collect a child.
type Request struct {
	ID             string     `json:"id"`
	ParentID       int64      `json:"parent_id"`
	ChildID        int64      `json:"child_id"`
	ArrivalMinutes int        `json:"arrival_minutes"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	HandedOverAt   *time.Time `json:"handed_over_at,omitempty"`
	HandedOverBy   string     `json:"handed_over_by,omitempty"`
	LastAnnounceAt *time.Time `json:"last_announce_at,omitempty"`
	NextAnnounceAt *time.Time `json:"next_announce_at,omitempty"`
	AnnounceCount  int        `json:"announce_count"`
}

// Parent is the identity record of a registered parent.
type Parent struct {
	ID         int64     `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	FullName   string    `json:"full_name"`
	Phone      string    `json:"phone,omitempty"`
	IsVerified bool      `json:"is_verified"`
	IsBlocked  bool      `json:"is_blocked"`
	CreatedAt  time.Time `json:"created_at"`
}

// Child belongs to exactly one parent.
type Child struct {
	ID        int64  `json:"id"`
	ParentID  int64  `json:"parent_id"`
	FullName  string `json:"full_name"`
	ClassName string `json:"class_name"`
}

// Handoff is the committed result of a handed-over request together with
// the records needed to notify the parent.
type Handoff struct {
	Request Request
	Parent  Parent
	Child   Child
}

// Filter narrows ListPickups results. Zero values mean "any".
type Filter struct {
	Status   Status
	ParentID int64
	Limit    int
}
