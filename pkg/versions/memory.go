package versions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gridmesh/collab-sync/pkg/collaboration"
	"github.com/gridmesh/collab-sync/pkg/models"
	"github.com/gridmesh/collab-sync/pkg/observability"
)

// MemoryStore keeps version logs in memory. Each document has its own lock,
// so appends to different documents never contend.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[string]*docLog
	logger observability.Logger
}

type docLog struct {
	mu      sync.Mutex
	entries []models.VersionEntry
	// head state cached so appends do not replay the whole log
	state *models.Document
}

// NewMemoryStore creates an empty in-memory version store
func NewMemoryStore(logger observability.Logger) *MemoryStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &MemoryStore{
		logs:   make(map[string]*docLog),
		logger: logger.WithPrefix("versions"),
	}
}

func (s *MemoryStore) log(documentID string, create bool) (*docLog, bool) {
	s.mu.RLock()
	l, ok := s.logs[documentID]
	s.mu.RUnlock()
	if ok || !create {
		return l, ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[documentID]; ok {
		return l, true
	}
	l = &docLog{state: models.NewDocument(documentID)}
	s.logs[documentID] = l
	return l, true
}

// Append commits cs as the next version of the document
func (s *MemoryStore) Append(ctx context.Context, documentID, authorID string, cs models.ChangeSet, comment string, expectedHead int) (models.VersionEntry, error) {
	l, _ := s.log(documentID, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	return s.appendLocked(l, documentID, authorID, cs, comment, expectedHead)
}

func (s *MemoryStore) appendLocked(l *docLog, documentID, authorID string, cs models.ChangeSet, comment string, expectedHead int) (models.VersionEntry, error) {
	head := len(l.entries)
	if expectedHead != head {
		return models.VersionEntry{}, errors.Wrapf(ErrVersionConflict,
			"document %s is at version %d, append expected %d", documentID, head, expectedHead)
	}

	// Apply to a clone first so a change set that does not fit the head
	// state rejects cleanly without touching the log.
	next := l.state.Clone()
	if err := cs.ApplyTo(next); err != nil {
		return models.VersionEntry{}, err
	}

	entry := models.VersionEntry{
		Version:    head + 1,
		DocumentID: documentID,
		AuthorID:   authorID,
		Timestamp:  time.Now().UTC(),
		ChangeSet:  cs,
		Comment:    comment,
	}
	l.entries = append(l.entries, entry)
	l.state = next

	if l.entries[len(l.entries)-1].Version != len(l.entries) {
		// Version assignment happened outside the log lock. History is
		// already inconsistent, so fail loudly.
		panic(fmt.Sprintf("version log for document %s is non-contiguous at %d", documentID, entry.Version))
	}

	s.logger.Debug("Version appended", map[string]interface{}{
		"document_id": documentID,
		"version":     entry.Version,
		"author_id":   authorID,
	})
	return entry, nil
}

// Head returns the current head version; 0 for unknown documents
func (s *MemoryStore) Head(ctx context.Context, documentID string) (int, error) {
	l, ok := s.log(documentID, false)
	if !ok {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries), nil
}

// History returns every entry for the document in version order
func (s *MemoryStore) History(ctx context.Context, documentID string) ([]models.VersionEntry, error) {
	l, ok := s.log(documentID, false)
	if !ok {
		return nil, errors.Wrapf(ErrVersionNotFound, "unknown document %s", documentID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.VersionEntry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// StateAt reconstructs the document state at the given version
func (s *MemoryStore) StateAt(ctx context.Context, documentID string, version int) (*models.Document, error) {
	l, ok := s.log(documentID, false)
	if !ok {
		return nil, errors.Wrapf(ErrVersionNotFound, "unknown document %s", documentID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if version == len(l.entries) {
		return l.state.Clone(), nil
	}
	return stateFromEntries(documentID, l.entries, version)
}

// Revert appends a new version equal in content to targetVersion
func (s *MemoryStore) Revert(ctx context.Context, documentID, authorID string, targetVersion int) (models.VersionEntry, error) {
	l, ok := s.log(documentID, false)
	if !ok {
		return models.VersionEntry{}, errors.Wrapf(ErrVersionNotFound, "unknown document %s", documentID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	target, err := stateFromEntries(documentID, l.entries, targetVersion)
	if err != nil {
		return models.VersionEntry{}, err
	}

	cs := models.DiffDocuments(l.state, target)
	comment := fmt.Sprintf("revert to version %d", targetVersion)
	return s.appendLocked(l, documentID, authorID, cs, comment, len(l.entries))
}

// Compare returns the change set between two historical states
func (s *MemoryStore) Compare(ctx context.Context, documentID string, v1, v2 int) (models.ChangeSet, error) {
	l, ok := s.log(documentID, false)
	if !ok {
		return models.ChangeSet{}, errors.Wrapf(ErrVersionNotFound, "unknown document %s", documentID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	a, err := stateFromEntries(documentID, l.entries, v1)
	if err != nil {
		return models.ChangeSet{}, err
	}
	b, err := stateFromEntries(documentID, l.entries, v2)
	if err != nil {
		return models.ChangeSet{}, err
	}
	return models.DiffDocuments(a, b), nil
}

// Merge merges sourceVersion into targetVersion and appends the result
func (s *MemoryStore) Merge(ctx context.Context, documentID, authorID string, sourceVersion, targetVersion int, resolver *collaboration.Resolver) (models.VersionEntry, error) {
	l, ok := s.log(documentID, false)
	if !ok {
		return models.VersionEntry{}, errors.Wrapf(ErrVersionNotFound, "unknown document %s", documentID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cs, err := mergeFromEntries(documentID, l.entries, sourceVersion, targetVersion, resolver)
	if err != nil {
		return models.VersionEntry{}, err
	}

	comment := fmt.Sprintf("merge version %d into %d", sourceVersion, targetVersion)
	return s.appendLocked(l, documentID, authorID, cs, comment, len(l.entries))
}
