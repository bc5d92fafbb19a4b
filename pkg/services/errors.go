package services

import "github.com/pkg/errors"

// Service errors
var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrSessionEnded            = errors.New("session ended")
	ErrNotAParticipant         = errors.New("not a session participant")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrInvalidRole             = errors.New("invalid role")
)
