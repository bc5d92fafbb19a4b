// Package services hosts the collaboration session state machine, the
// session registry, and the permission surface exposed to control layers.
package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gridmesh/collab-sync/pkg/collaboration"
	"github.com/gridmesh/collab-sync/pkg/models"
	"github.com/gridmesh/collab-sync/pkg/observability"
	"github.com/gridmesh/collab-sync/pkg/versions"
)

// Session binds a document to its current participants and version pointer.
// All mutation of the document routes through ApplyChange under the session
// mutex — that mutex is the per-document serialization point: version
// assignment and conflict resolution never interleave for one document,
// while different documents proceed fully in parallel.
type Session struct {
	mu             sync.Mutex
	id             string
	documentID     string
	participants   map[string]struct{}
	currentVersion int
	status         models.SessionStatus
	createdAt      time.Time
	lastModifiedAt time.Time

	store    versions.Store
	resolver *collaboration.Resolver
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewSession creates an Active session for the document with the starting
// user as its only participant. The version pointer picks up the document's
// existing head, 0 for a document with no history.
func NewSession(ctx context.Context, documentID, userID string, store versions.Store, resolver *collaboration.Resolver, logger observability.Logger, metrics observability.MetricsClient) (*Session, error) {
	head, err := store.Head(ctx, documentID)
	if err != nil {
		return nil, errors.Wrap(err, "read document head")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}

	now := time.Now().UTC()
	s := &Session{
		id:             uuid.New().String(),
		documentID:     documentID,
		participants:   map[string]struct{}{userID: {}},
		currentVersion: head,
		status:         models.SessionActive,
		createdAt:      now,
		lastModifiedAt: now,
		store:          store,
		resolver:       resolver,
		logger:         logger.WithPrefix("session"),
		metrics:        metrics,
	}

	s.logger.Info("Session started", map[string]interface{}{
		"session_id":  s.id,
		"document_id": documentID,
		"user_id":     userID,
		"version":     head,
	})
	metrics.IncrementCounter("sessions_started", 1)
	return s, nil
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// DocumentID returns the document this session edits
func (s *Session) DocumentID() string { return s.documentID }

// Info returns a point-in-time snapshot of the session metadata
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]string, 0, len(s.participants))
	for p := range s.participants {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	return models.SessionInfo{
		ID:             s.id,
		DocumentID:     s.documentID,
		Participants:   participants,
		CurrentVersion: s.currentVersion,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastModifiedAt: s.lastModifiedAt,
	}
}

// Join adds a participant. Joining twice is a no-op.
func (s *Session) Join(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != models.SessionActive {
		return errors.Wrapf(ErrSessionEnded, "session %s", s.id)
	}
	s.participants[userID] = struct{}{}
	s.lastModifiedAt = time.Now().UTC()
	return nil
}

// Leave removes a participant. When the last participant leaves the session
// transitions to Ended but is retained for late history queries.
func (s *Session) Leave(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.participants, userID)
	s.lastModifiedAt = time.Now().UTC()
	if len(s.participants) == 0 && s.status == models.SessionActive {
		s.status = models.SessionEnded
		s.logger.Info("Session ended, last participant left", map[string]interface{}{
			"session_id": s.id,
		})
	}
}

// End forces the session to Ended regardless of participant count
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = models.SessionEnded
	s.lastModifiedAt = time.Now().UTC()
}

// Snapshot returns the current document state and version for a joining
// client
func (s *Session) Snapshot(ctx context.Context) (*models.Document, int, error) {
	s.mu.Lock()
	version := s.currentVersion
	s.mu.Unlock()

	if version == 0 {
		return models.NewDocument(s.documentID), 0, nil
	}
	doc, err := s.store.StateAt(ctx, s.documentID, version)
	if err != nil {
		return nil, 0, err
	}
	return doc, version, nil
}

// ApplyChange commits a participant's change set. expectedBase is the version
// the participant last observed.
//
// When expectedBase equals the current version the change applies directly.
// When another write landed first, the change is three-way merged against the
// common base and the *resolved* change set is returned — callers must apply
// the returned change set, not the one they sent, to stay convergent.
func (s *Session) ApplyChange(ctx context.Context, userID string, cs models.ChangeSet, expectedBase int) (models.ChangeSet, models.VersionEntry, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		s.metrics.RecordLatency("session.apply_change", time.Since(start))
	}()

	if s.status != models.SessionActive {
		return models.ChangeSet{}, models.VersionEntry{}, errors.Wrapf(ErrSessionEnded, "session %s", s.id)
	}
	if _, ok := s.participants[userID]; !ok {
		return models.ChangeSet{}, models.VersionEntry{}, errors.Wrapf(ErrNotAParticipant, "user %s in session %s", userID, s.id)
	}
	if err := cs.Validate(); err != nil {
		return models.ChangeSet{}, models.VersionEntry{}, err
	}
	if expectedBase > s.currentVersion || expectedBase < 0 {
		return models.ChangeSet{}, models.VersionEntry{}, errors.Wrapf(versions.ErrVersionNotFound,
			"base version %d, document %s is at %d", expectedBase, s.documentID, s.currentVersion)
	}

	if expectedBase == s.currentVersion {
		// No concurrent write landed; commit as-is.
		entry, err := s.store.Append(ctx, s.documentID, userID, cs, "", s.currentVersion)
		if err != nil {
			if errors.Is(err, versions.ErrVersionConflict) {
				// Another writer appended to this document without
				// holding the session lock. History integrity is
				// gone; fail loudly rather than continue.
				panic(fmt.Sprintf("serialization violated for document %s: %v", s.documentID, err))
			}
			return models.ChangeSet{}, models.VersionEntry{}, err
		}
		s.currentVersion = entry.Version
		s.lastModifiedAt = entry.Timestamp
		return cs, entry, nil
	}

	resolved, entry, err := s.applyConcurrent(ctx, userID, cs, expectedBase)
	if err != nil {
		return models.ChangeSet{}, models.VersionEntry{}, err
	}
	s.currentVersion = entry.Version
	s.lastModifiedAt = entry.Timestamp
	s.metrics.IncrementCounter("changes_resolved", 1)
	return resolved, entry, nil
}

// applyConcurrent handles the path where another write committed after the
// caller's base version. Caller holds s.mu.
func (s *Session) applyConcurrent(ctx context.Context, userID string, cs models.ChangeSet, expectedBase int) (models.ChangeSet, models.VersionEntry, error) {
	base, err := s.store.StateAt(ctx, s.documentID, expectedBase)
	if err != nil {
		return models.ChangeSet{}, models.VersionEntry{}, err
	}
	head, err := s.store.StateAt(ctx, s.documentID, s.currentVersion)
	if err != nil {
		return models.ChangeSet{}, models.VersionEntry{}, err
	}

	mine := base.Clone()
	if err := cs.ApplyTo(mine); err != nil {
		return models.ChangeSet{}, models.VersionEntry{}, err
	}

	history, err := s.store.History(ctx, s.documentID)
	if err != nil {
		return models.ChangeSet{}, models.VersionEntry{}, err
	}
	headEntry := history[s.currentVersion-1]

	meta := collaboration.ConflictMeta{
		DocumentID:   s.documentID,
		MineAuthor:   userID,
		TheirsAuthor: headEntry.AuthorID,
		MineAt:       time.Now().UTC(),
		TheirsAt:     headEntry.Timestamp,
	}
	// "theirs" is the committed head: it was merged into the document
	// first and wins genuine conflicts under the default policy.
	merged, err := s.resolver.ResolveDocument(base, mine, head, meta)
	if err != nil {
		return models.ChangeSet{}, models.VersionEntry{}, err
	}

	resolved := models.DiffDocuments(head, merged)
	entry, err := s.store.Append(ctx, s.documentID, userID, resolved, "resolved concurrent change", s.currentVersion)
	if err != nil {
		if errors.Is(err, versions.ErrVersionConflict) {
			panic(fmt.Sprintf("serialization violated for document %s: %v", s.documentID, err))
		}
		return models.ChangeSet{}, models.VersionEntry{}, err
	}

	s.logger.Debug("Concurrent change resolved", map[string]interface{}{
		"session_id":  s.id,
		"document_id": s.documentID,
		"base":        expectedBase,
		"version":     entry.Version,
		"user_id":     userID,
	})
	return resolved, entry, nil
}

// Revert appends a new version equal in content to target, moving the
// session pointer to it
func (s *Session) Revert(ctx context.Context, userID string, target int) (models.VersionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != models.SessionActive {
		return models.VersionEntry{}, errors.Wrapf(ErrSessionEnded, "session %s", s.id)
	}
	if _, ok := s.participants[userID]; !ok {
		return models.VersionEntry{}, errors.Wrapf(ErrNotAParticipant, "user %s in session %s", userID, s.id)
	}

	entry, err := s.store.Revert(ctx, s.documentID, userID, target)
	if err != nil {
		return models.VersionEntry{}, err
	}
	s.currentVersion = entry.Version
	s.lastModifiedAt = entry.Timestamp
	return entry, nil
}

// Merge merges source into target and appends the result, moving the session
// pointer to it
func (s *Session) Merge(ctx context.Context, userID string, source, target int) (models.VersionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != models.SessionActive {
		return models.VersionEntry{}, errors.Wrapf(ErrSessionEnded, "session %s", s.id)
	}
	if _, ok := s.participants[userID]; !ok {
		return models.VersionEntry{}, errors.Wrapf(ErrNotAParticipant, "user %s in session %s", userID, s.id)
	}

	entry, err := s.store.Merge(ctx, s.documentID, userID, source, target, s.resolver)
	if err != nil {
		return models.VersionEntry{}, err
	}
	s.currentVersion = entry.Version
	s.lastModifiedAt = entry.Timestamp
	return entry, nil
}

// History returns the document's full version log
func (s *Session) History(ctx context.Context) ([]models.VersionEntry, error) {
	entries, err := s.store.History(ctx, s.documentID)
	if errors.Is(err, versions.ErrVersionNotFound) {
		// A session on a document nobody has written to yet
		return nil, nil
	}
	return entries, err
}

// Compare returns the change set between two historical versions
func (s *Session) Compare(ctx context.Context, v1, v2 int) (models.ChangeSet, error) {
	return s.store.Compare(ctx, s.documentID, v1, v2)
}
