// Package policy decides whether automatic voice announcements are currently
// permitted. The decision combines a process-wide VoiceMode, changed by
// admins at runtime, with a daily time window in a reference timezone.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // reference timezone must resolve without system zoneinfo
)

type VoiceMode string

const (
	ModeAuto     VoiceMode = "AUTO"
	ModeForceOn  VoiceMode = "FORCE_ON"
	ModeForceOff VoiceMode = "FORCE_OFF"
)

// ModeKey is the KV key under which the last admin-set mode is persisted.
const ModeKey = "voice_mode"

// DefaultTimezone is the school's local zone.
const DefaultTimezone = "Asia/Tashkent"

// ParseVoiceMode accepts the canonical names and the short admin aliases
// "auto", "on" and "off".
func ParseVoiceMode(raw string) (VoiceMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "auto", "":
		return ModeAuto, nil
	case "on", "force_on", "force-on":
		return ModeForceOn, nil
	case "off", "force_off", "force-off":
		return ModeForceOff, nil
	}
	return "", fmt.Errorf("unknown voice mode %q (want auto, on or off)", raw)
}

func (m VoiceMode) Valid() bool {
	return m == ModeAuto || m == ModeForceOn || m == ModeForceOff
}

// ModeStore persists the voice mode. persistence.Store satisfies it.
type ModeStore interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// VoiceSettings holds the process-wide voice mode. Reads and writes are
// last-write-wins; readers never block on persistence.
type VoiceSettings struct {
	mu    sync.RWMutex
	mode  VoiceMode
	store ModeStore // nil = memory only
}

// NewVoiceSettings creates settings starting in initial (AUTO if invalid).
func NewVoiceSettings(initial VoiceMode, store ModeStore) *VoiceSettings {
	if !initial.Valid() {
		initial = ModeAuto
	}
	return &VoiceSettings{mode: initial, store: store}
}

// Restore loads a previously persisted mode. A missing or unparseable value
// keeps the current mode.
func (v *VoiceSettings) Restore(ctx context.Context) (VoiceMode, error) {
	if v.store == nil {
		return v.Mode(), nil
	}
	raw, err := v.store.KVGet(ctx, ModeKey)
	if err != nil {
		return v.Mode(), fmt.Errorf("restore voice mode: %w", err)
	}
	if raw == "" {
		return v.Mode(), nil
	}
	mode, err := ParseVoiceMode(raw)
	if err != nil {
		return v.Mode(), nil
	}
	v.mu.Lock()
	v.mode = mode
	v.mu.Unlock()
	return mode, nil
}

func (v *VoiceSettings) Mode() VoiceMode {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mode
}

// SetMode changes the mode and persists it. The in-memory value is updated
// even when persistence fails.
func (v *VoiceSettings) SetMode(ctx context.Context, mode VoiceMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid voice mode %q", mode)
	}
	v.mu.Lock()
	v.mode = mode
	v.mu.Unlock()
	if v.store == nil {
		return nil
	}
	if err := v.store.KVSet(ctx, ModeKey, string(mode)); err != nil {
		return fmt.Errorf("persist voice mode: %w", err)
	}
	return nil
}

// Window is a daily [Start, End] interval, both ends inclusive, expressed as
// offsets from local midnight in Location. Start > End wraps past midnight.
type Window struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

// DefaultWindow is 14:00-19:00 in DefaultTimezone.
func DefaultWindow() Window {
	return Window{
		Start:    14 * time.Hour,
		End:      19 * time.Hour,
		Location: LoadLocation(DefaultTimezone),
	}
}

// LoadLocation resolves name, falling back to UTC for an empty or unknown name.
func LoadLocation(name string) *time.Location {
	if strings.TrimSpace(name) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(raw string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", raw, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether now's local time of day falls inside the window.
func (w Window) Contains(now time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	tod := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	if w.Start <= w.End {
		return tod >= w.Start && tod <= w.End
	}
	return tod >= w.Start || tod <= w.End
}

// Policy answers whether automatic announcements are permitted right now.
type Policy struct {
	settings *VoiceSettings
	window   Window
}

func New(settings *VoiceSettings, window Window) *Policy {
	if settings == nil {
		settings = NewVoiceSettings(ModeAuto, nil)
	}
	if window.Location == nil {
		window.Location = time.UTC
	}
	return &Policy{settings: settings, window: window}
}

// IsActive: FORCE_ON is always active, FORCE_OFF never, AUTO only inside
// the window.
func (p *Policy) IsActive(now time.Time) bool {
	switch p.settings.Mode() {
	case ModeForceOn:
		return true
	case ModeForceOff:
		return false
	default:
		return p.window.Contains(now)
	}
}

func (p *Policy) Settings() *VoiceSettings {
	return p.settings
}

// Location is the reference timezone used for windows and calendar days.
func (p *Policy) Location() *time.Location {
	return p.window.Location
}

func (p *Policy) Window() Window {
	return p.window
}
