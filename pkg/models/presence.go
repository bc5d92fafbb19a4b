package models

import "time"

// PresenceStatus is a user's liveness state within a document
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is ephemeral per-(user, document) liveness and location
// state. It is refreshed by every presence-bearing message and expires when
// not refreshed within the tracker's TTL.
type PresenceRecord struct {
	UserID       string         `json:"user_id"`
	DocumentID   string         `json:"document_id"`
	Status       PresenceStatus `json:"status"`
	LastActivity time.Time      `json:"last_activity"`
	CurrentCell  string         `json:"current_cell,omitempty"`
	DeviceType   string         `json:"device_type,omitempty"`
	ColorCode    string         `json:"color_code,omitempty"`
}
