// Package presence tracks which users are live in which documents and where
// their cursor is. Records are ephemeral: they expire when not refreshed
// within the TTL and are safe to lose on restart. Expiry is lazy — swept on
// read, no background timer.
package presence

import (
	"context"
	"time"

	"github.com/gridmesh/collab-sync/pkg/models"
)

// DefaultTTL matches the source system's one hour presence window
const DefaultTTL = time.Hour

// EventType distinguishes presence change notifications
type EventType string

const (
	EventTouched EventType = "touched"
	EventRemoved EventType = "removed"
)

// Event notifies the broadcast layer of a presence change so peers can see
// live cursors
type Event struct {
	Type   EventType
	Record models.PresenceRecord
}

// EventFunc receives presence change events
type EventFunc func(Event)

// Tracker maps (document, user) to liveness and location state
type Tracker interface {
	// Touch upserts the record and resets its TTL
	Touch(ctx context.Context, record models.PresenceRecord) error

	// Get returns the live record for (userID, documentID), or false when
	// absent or expired
	Get(ctx context.Context, userID, documentID string) (models.PresenceRecord, bool, error)

	// ListByDocument returns all live records for a document. Expired
	// records are excluded and evicted.
	ListByDocument(ctx context.Context, documentID string) ([]models.PresenceRecord, error)

	// Remove deletes the record for (userID, documentID)
	Remove(ctx context.Context, userID, documentID string) error

	// OnChange registers a callback invoked after every Touch and Remove
	OnChange(fn EventFunc)
}
