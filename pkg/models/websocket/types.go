// Package websocket defines the wire envelope exchanged between clients and
// the sync hub. Messages are JSON; Type selects which fields are meaningful.
package websocket

import (
	"github.com/gridmesh/collab-sync/pkg/models"
)

// Message types sent by clients
const (
	TypeJoin     = "join"
	TypeUpdate   = "update"
	TypePresence = "presence"
	TypeLeave    = "leave"
)

// Message types sent by the server
const (
	TypeSync       = "sync"
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
	TypeError      = "ERROR"
)

// Message is the envelope for every frame on the bidirectional channel
type Message struct {
	Type        string                 `json:"type"`
	SessionID   string                 `json:"session_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	BaseVersion int                    `json:"base_version,omitempty"`
	Version     int                    `json:"version,omitempty"`
	ChangeSet   *models.ChangeSet      `json:"change_set,omitempty"`
	Presence    *models.PresenceRecord `json:"presence,omitempty"`
	Data        *models.Document       `json:"data,omitempty"`
	Error       *Error                 `json:"error,omitempty"`
}

// Error carries a machine-readable code alongside the human-readable message
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Error codes for the ERROR message type
const (
	ErrCodeInvalidMessage   = 4000
	ErrCodeSessionNotFound  = 4001
	ErrCodeSessionEnded     = 4002
	ErrCodeNotAParticipant  = 4003
	ErrCodeVersionNotFound  = 4004
	ErrCodeMalformedDelta   = 4005
	ErrCodeInvalidCell      = 4006
	ErrCodeConnectionClosed = 4007
	ErrCodePermissionDenied = 4008
	ErrCodeServerError      = 4009
)

// NewError creates an Error with the given code and message
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}
