package services

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/gridmesh/collab-sync/pkg/collaboration"
	"github.com/gridmesh/collab-sync/pkg/models"
	"github.com/gridmesh/collab-sync/pkg/observability"
	"github.com/gridmesh/collab-sync/pkg/versions"
)

// SessionManager is the control surface over live sessions: one active
// session per document, looked up by session id or document id. It gates
// every operation through the permission service; the per-document
// serialization stays inside Session, the manager only ever locks its own
// registry.
type SessionManager struct {
	mu         sync.RWMutex
	byID       map[string]*Session
	byDocument map[string]*Session

	store       versions.Store
	resolver    *collaboration.Resolver
	permissions *PermissionService
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewSessionManager creates a session registry over the given store and
// resolver
func NewSessionManager(store versions.Store, resolver *collaboration.Resolver, logger observability.Logger, metrics observability.MetricsClient) *SessionManager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &SessionManager{
		byID:        make(map[string]*Session),
		byDocument:  make(map[string]*Session),
		store:       store,
		resolver:    resolver,
		permissions: NewPermissionService(),
		logger:      logger.WithPrefix("sessions"),
		metrics:     metrics,
	}
}

// Permissions exposes the permission surface for control layers
func (m *SessionManager) Permissions() *PermissionService {
	return m.permissions
}

// Start returns the document's live session, creating one when none is
// active. The creating user becomes the session owner; later joiners are
// granted editor.
func (m *SessionManager) Start(ctx context.Context, documentID, userID string) (*Session, error) {
	m.mu.RLock()
	existing := m.byDocument[documentID]
	m.mu.RUnlock()

	if existing != nil && existing.Info().Status == models.SessionActive {
		return existing, m.join(existing, userID)
	}

	session, err := NewSession(ctx, documentID, userID, m.store, m.resolver, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Lost a race to another starter: reuse theirs
	if current := m.byDocument[documentID]; current != nil && current.Info().Status == models.SessionActive {
		m.mu.Unlock()
		return current, m.join(current, userID)
	}
	m.byID[session.ID()] = session
	m.byDocument[documentID] = session
	m.mu.Unlock()

	if err := m.permissions.Grant(session.ID(), userID, models.RoleOwner); err != nil {
		return nil, err
	}
	return session, nil
}

func (m *SessionManager) join(s *Session, userID string) error {
	if err := s.Join(userID); err != nil {
		return err
	}
	if _, ok := m.permissions.Role(s.ID(), userID); !ok {
		return m.permissions.Grant(s.ID(), userID, models.RoleEditor)
	}
	return nil
}

// Get looks a session up by id
func (m *SessionManager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}
	return s, nil
}

// Join adds a participant to the session and grants editor when the user has
// no role yet
func (m *SessionManager) Join(ctx context.Context, sessionID, userID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return m.join(s, userID)
}

// Leave removes a participant from the session
func (m *SessionManager) Leave(ctx context.Context, sessionID, userID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.Leave(userID)
	return nil
}

// End forces a session to Ended
func (m *SessionManager) End(ctx context.Context, sessionID, userID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if err := m.permissions.Check(sessionID, userID, models.RoleOwner); err != nil {
		return err
	}
	s.End()
	return nil
}

// ApplyChange commits a change through the session; editor role required
func (m *SessionManager) ApplyChange(ctx context.Context, sessionID, userID string, cs models.ChangeSet, expectedBase int) (models.ChangeSet, models.VersionEntry, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return models.ChangeSet{}, models.VersionEntry{}, err
	}
	if err := m.permissions.Check(sessionID, userID, models.RoleEditor); err != nil {
		return models.ChangeSet{}, models.VersionEntry{}, err
	}
	return s.ApplyChange(ctx, userID, cs, expectedBase)
}

// History returns the session document's version log; viewer role required
func (m *SessionManager) History(ctx context.Context, sessionID, userID string) ([]models.VersionEntry, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.permissions.Check(sessionID, userID, models.RoleViewer); err != nil {
		return nil, err
	}
	return s.History(ctx)
}

// Compare returns the change set between two versions; viewer role required
func (m *SessionManager) Compare(ctx context.Context, sessionID, userID string, v1, v2 int) (models.ChangeSet, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return models.ChangeSet{}, err
	}
	if err := m.permissions.Check(sessionID, userID, models.RoleViewer); err != nil {
		return models.ChangeSet{}, err
	}
	return s.Compare(ctx, v1, v2)
}

// Revert appends a version restoring target's content; editor role required
func (m *SessionManager) Revert(ctx context.Context, sessionID, userID string, target int) (models.VersionEntry, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return models.VersionEntry{}, err
	}
	if err := m.permissions.Check(sessionID, userID, models.RoleEditor); err != nil {
		return models.VersionEntry{}, err
	}
	return s.Revert(ctx, userID, target)
}

// Merge merges source into target; editor role required
func (m *SessionManager) Merge(ctx context.Context, sessionID, userID string, source, target int) (models.VersionEntry, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return models.VersionEntry{}, err
	}
	if err := m.permissions.Check(sessionID, userID, models.RoleEditor); err != nil {
		return models.VersionEntry{}, err
	}
	return s.Merge(ctx, userID, source, target)
}

// Grant assigns a role; only owners may grant
func (m *SessionManager) Grant(ctx context.Context, sessionID, granterID, userID string, role models.Role) error {
	if _, err := m.Get(sessionID); err != nil {
		return err
	}
	if err := m.permissions.Check(sessionID, granterID, models.RoleOwner); err != nil {
		return err
	}
	return m.permissions.Grant(sessionID, userID, role)
}

// Revoke removes a role; only owners may revoke
func (m *SessionManager) Revoke(ctx context.Context, sessionID, granterID, userID string) error {
	if _, err := m.Get(sessionID); err != nil {
		return err
	}
	if err := m.permissions.Check(sessionID, granterID, models.RoleOwner); err != nil {
		return err
	}
	m.permissions.Revoke(sessionID, userID)
	return nil
}

// CheckPermission verifies userID holds at least the required role
func (m *SessionManager) CheckPermission(ctx context.Context, sessionID, userID string, required models.Role) error {
	if _, err := m.Get(sessionID); err != nil {
		return err
	}
	return m.permissions.Check(sessionID, userID, required)
}
