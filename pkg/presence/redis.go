package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/gridmesh/collab-sync/pkg/models"
	"github.com/gridmesh/collab-sync/pkg/observability"
)

// RedisTracker stores presence records in Redis with a TTL per record, so
// presence survives process restarts and is shared across hub instances.
// Redis expires records itself; the per-document index set is swept lazily
// when listed.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
	logger observability.Logger

	cbMu      sync.RWMutex
	callbacks []EventFunc
}

// NewRedisTracker creates a tracker backed by the given Redis client
func NewRedisTracker(client *redis.Client, ttl time.Duration, logger observability.Logger) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RedisTracker{
		client: client,
		ttl:    ttl,
		logger: logger.WithPrefix("presence"),
	}
}

func recordKey(documentID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", documentID, userID)
}

func indexKey(documentID string) string {
	return fmt.Sprintf("presence:%s", documentID)
}

// OnChange registers a callback for presence events
func (t *RedisTracker) OnChange(fn EventFunc) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

func (t *RedisTracker) notify(evt Event) {
	t.cbMu.RLock()
	callbacks := t.callbacks
	t.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(evt)
	}
}

// Touch upserts the record and resets its TTL
func (t *RedisTracker) Touch(ctx context.Context, record models.PresenceRecord) error {
	if record.Status == "" {
		record.Status = models.PresenceOnline
	}
	record.LastActivity = time.Now().UTC()

	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encode presence record")
	}

	pipe := t.client.TxPipeline()
	pipe.Set(ctx, recordKey(record.DocumentID, record.UserID), raw, t.ttl)
	pipe.SAdd(ctx, indexKey(record.DocumentID), record.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "write presence record")
	}

	t.notify(Event{Type: EventTouched, Record: record})
	return nil
}

// Get returns the live record for (userID, documentID)
func (t *RedisTracker) Get(ctx context.Context, userID, documentID string) (models.PresenceRecord, bool, error) {
	raw, err := t.client.Get(ctx, recordKey(documentID, userID)).Bytes()
	if err == redis.Nil {
		return models.PresenceRecord{}, false, nil
	}
	if err != nil {
		return models.PresenceRecord{}, false, errors.Wrap(err, "read presence record")
	}

	var record models.PresenceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return models.PresenceRecord{}, false, errors.Wrap(err, "decode presence record")
	}
	return record, true, nil
}

// ListByDocument returns all live records for a document. Users whose record
// has expired are removed from the document index.
func (t *RedisTracker) ListByDocument(ctx context.Context, documentID string) ([]models.PresenceRecord, error) {
	userIDs, err := t.client.SMembers(ctx, indexKey(documentID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read presence index")
	}

	out := make([]models.PresenceRecord, 0, len(userIDs))
	var stale []interface{}
	for _, userID := range userIDs {
		record, ok, err := t.Get(ctx, userID, documentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			stale = append(stale, userID)
			continue
		}
		out = append(out, record)
	}

	if len(stale) > 0 {
		if err := t.client.SRem(ctx, indexKey(documentID), stale...).Err(); err != nil {
			t.logger.Warn("Failed to sweep stale presence index entries", map[string]interface{}{
				"document_id": documentID,
				"error":       err.Error(),
			})
		}
	}
	return out, nil
}

// Remove deletes the record for (userID, documentID)
func (t *RedisTracker) Remove(ctx context.Context, userID, documentID string) error {
	record, ok, err := t.Get(ctx, userID, documentID)
	if err != nil {
		return err
	}

	pipe := t.client.TxPipeline()
	pipe.Del(ctx, recordKey(documentID, userID))
	pipe.SRem(ctx, indexKey(documentID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "delete presence record")
	}

	if ok {
		record.Status = models.PresenceOffline
		t.notify(Event{Type: EventRemoved, Record: record})
	}
	return nil
}
