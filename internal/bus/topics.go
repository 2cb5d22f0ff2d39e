package bus

import "time"

// Pickup lifecycle topics.
const (
	TopicPickupCreated    = "pickup.created"
	TopicPickupUpdated    = "pickup.updated"
	TopicPickupAnnounced  = "pickup.announced"
	TopicPickupHandedOver = "pickup.handed_over"
	TopicPickupExpired    = "pickup.expired"
)

// Runtime topics.
const (
	TopicVoiceModeChanged = "voice.mode_changed"
	TopicConfigReloaded   = "config.reloaded"
	TopicDeliveryFailed   = "delivery.failed"
)

// PickupEvent describes a change to one pickup request.
type PickupEvent struct {
	RequestID      string    `json:"request_id"`
	ParentID       int64     `json:"parent_id"`
	ChildID        int64     `json:"child_id"`
	Status         string    `json:"status"`
	ArrivalMinutes int       `json:"arrival_minutes"`
	AnnounceCount  int       `json:"announce_count,omitempty"`
	Operator       string    `json:"operator,omitempty"`
	At             time.Time `json:"at"`
}

// ExpiredEvent summarizes one expiry sweep that changed rows.
type ExpiredEvent struct {
	Count  int64     `json:"count"`
	Cutoff time.Time `json:"cutoff"`
}

type VoiceModeEvent struct {
	Mode   string `json:"mode"`
	Source string `json:"source"`
}

// DeliveryFailedEvent is published when a best-effort outbound message or
// announcement could not be delivered.
type DeliveryFailedEvent struct {
	Channel   string `json:"channel"`
	Target    string `json:"target"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
}

// ConfigReloadedEvent is published after a config file change was applied.
type ConfigReloadedEvent struct {
	Files       []string `json:"files"`
	Fingerprint string   `json:"fingerprint"`
	VoiceMode   string   `json:"voice_mode"`
}
