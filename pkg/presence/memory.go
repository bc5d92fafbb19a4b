package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gridmesh/collab-sync/pkg/models"
)

// MemoryTracker keeps presence records in process memory, partitioned per
// document. Suitable for single-process deployments and tests.
type MemoryTracker struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.RWMutex
	docs map[string]map[string]models.PresenceRecord

	cbMu      sync.RWMutex
	callbacks []EventFunc
}

// NewMemoryTracker creates a tracker with the given TTL (DefaultTTL if zero)
func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTracker{
		ttl:  ttl,
		now:  time.Now,
		docs: make(map[string]map[string]models.PresenceRecord),
	}
}

// OnChange registers a callback for presence events
func (t *MemoryTracker) OnChange(fn EventFunc) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

func (t *MemoryTracker) notify(evt Event) {
	t.cbMu.RLock()
	callbacks := t.callbacks
	t.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(evt)
	}
}

// Touch upserts the record and resets its TTL
func (t *MemoryTracker) Touch(ctx context.Context, record models.PresenceRecord) error {
	if record.Status == "" {
		record.Status = models.PresenceOnline
	}
	record.LastActivity = t.now()

	t.mu.Lock()
	users, ok := t.docs[record.DocumentID]
	if !ok {
		users = make(map[string]models.PresenceRecord)
		t.docs[record.DocumentID] = users
	}
	users[record.UserID] = record
	t.mu.Unlock()

	t.notify(Event{Type: EventTouched, Record: record})
	return nil
}

// Get returns the live record for (userID, documentID)
func (t *MemoryTracker) Get(ctx context.Context, userID, documentID string) (models.PresenceRecord, bool, error) {
	t.mu.RLock()
	record, ok := t.docs[documentID][userID]
	t.mu.RUnlock()

	if !ok {
		return models.PresenceRecord{}, false, nil
	}
	if t.expired(record) {
		// Lazy eviction on read
		t.mu.Lock()
		if cur, still := t.docs[documentID][userID]; still && cur.LastActivity.Equal(record.LastActivity) {
			delete(t.docs[documentID], userID)
		}
		t.mu.Unlock()
		return models.PresenceRecord{}, false, nil
	}
	return record, true, nil
}

// ListByDocument returns all live records for a document, expired ones evicted
func (t *MemoryTracker) ListByDocument(ctx context.Context, documentID string) ([]models.PresenceRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.docs[documentID]
	out := make([]models.PresenceRecord, 0, len(users))
	for userID, record := range users {
		if t.expired(record) {
			delete(users, userID)
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Remove deletes the record for (userID, documentID)
func (t *MemoryTracker) Remove(ctx context.Context, userID, documentID string) error {
	t.mu.Lock()
	record, ok := t.docs[documentID][userID]
	if ok {
		delete(t.docs[documentID], userID)
	}
	t.mu.Unlock()

	if ok {
		record.Status = models.PresenceOffline
		t.notify(Event{Type: EventRemoved, Record: record})
	}
	return nil
}

func (t *MemoryTracker) expired(record models.PresenceRecord) bool {
	return t.now().Sub(record.LastActivity) > t.ttl
}
