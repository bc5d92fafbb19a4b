package services

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gridmesh/collab-sync/pkg/models"
)

// PermissionService tracks per-session role grants. Roles form a strict
// hierarchy: owner > editor > viewer.
type PermissionService struct {
	mu     sync.RWMutex
	grants map[string]map[string]models.Role
}

// NewPermissionService creates an empty permission registry
func NewPermissionService() *PermissionService {
	return &PermissionService{grants: make(map[string]map[string]models.Role)}
}

// Grant assigns role to userID within the session, replacing any prior grant
func (p *PermissionService) Grant(sessionID, userID string, role models.Role) error {
	if !role.Valid() {
		return errors.Wrapf(ErrInvalidRole, "role %q", role)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	users, ok := p.grants[sessionID]
	if !ok {
		users = make(map[string]models.Role)
		p.grants[sessionID] = users
	}
	users[userID] = role
	return nil
}

// Revoke removes the user's grant within the session
func (p *PermissionService) Revoke(sessionID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.grants[sessionID], userID)
}

// Role returns the user's granted role within the session
func (p *PermissionService) Role(sessionID, userID string) (models.Role, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	role, ok := p.grants[sessionID][userID]
	return role, ok
}

// Check verifies the user holds at least the required role
func (p *PermissionService) Check(sessionID, userID string, required models.Role) error {
	role, ok := p.Role(sessionID, userID)
	if !ok || !role.Allows(required) {
		return errors.Wrapf(ErrInsufficientPermissions,
			"user %s needs %s on session %s", userID, required, sessionID)
	}
	return nil
}
