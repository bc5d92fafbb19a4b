package models

import "time"

// SessionStatus is the lifecycle state of a collaboration session
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SessionInfo is a point-in-time snapshot of a collaboration session's
// metadata, safe to hand to transport and control layers.
type SessionInfo struct {
	ID             string        `json:"id"`
	DocumentID     string        `json:"document_id"`
	Participants   []string      `json:"participants"`
	CurrentVersion int           `json:"current_version"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastModifiedAt time.Time     `json:"last_modified_at"`
}

// Role grants a level of access to a session
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleOwner:  3,
}

// Allows reports whether the role grants at least the access of required
func (r Role) Allows(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Valid reports whether the role is one of the known roles
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}
