package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/collab-sync/pkg/models"
)

var _ Tracker = (*RedisTracker)(nil)

func newTestRedisTracker(t *testing.T, ttl time.Duration) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTracker(client, ttl, nil), mr
}

func TestRedisTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("touch then get", func(t *testing.T) {
		tracker, _ := newTestRedisTracker(t, time.Minute)
		require.NoError(t, tracker.Touch(ctx, models.PresenceRecord{
			UserID:      "u1",
			DocumentID:  "doc-1",
			CurrentCell: "B2",
			ColorCode:   "#ff0000",
		}))

		record, ok, err := tracker.Get(ctx, "u1", "doc-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.PresenceOnline, record.Status)
		assert.Equal(t, "B2", record.CurrentCell)
		assert.Equal(t, "#ff0000", record.ColorCode)
	})

	t.Run("ttl expiry sweeps the index", func(t *testing.T) {
		tracker, mr := newTestRedisTracker(t, time.Minute)
		require.NoError(t, tracker.Touch(ctx, models.PresenceRecord{UserID: "u1", DocumentID: "doc-1"}))
		require.NoError(t, tracker.Touch(ctx, models.PresenceRecord{UserID: "u2", DocumentID: "doc-1"}))

		mr.FastForward(30 * time.Second)
		require.NoError(t, tracker.Touch(ctx, models.PresenceRecord{UserID: "u1", DocumentID: "doc-1"}))
		mr.FastForward(45 * time.Second)

		// u2's record expired in Redis; the list sweep drops it from the index
		assert.False(t, mr.Exists(recordKey("doc-1", "u2")))

		records, err := tracker.ListByDocument(ctx, "doc-1")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "u1", records[0].UserID)
	})

	t.Run("remove deletes record and index entry", func(t *testing.T) {
		tracker, mr := newTestRedisTracker(t, time.Minute)
		require.NoError(t, tracker.Touch(ctx, models.PresenceRecord{UserID: "u1", DocumentID: "doc-1"}))

		var removed []Event
		tracker.OnChange(func(evt Event) {
			if evt.Type == EventRemoved {
				removed = append(removed, evt)
			}
		})

		require.NoError(t, tracker.Remove(ctx, "u1", "doc-1"))

		_, ok, err := tracker.Get(ctx, "u1", "doc-1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, mr.Exists(recordKey("doc-1", "u1")))

		require.Len(t, removed, 1)
		assert.Equal(t, models.PresenceOffline, removed[0].Record.Status)
	})
}
