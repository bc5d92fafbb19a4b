package models

import "time"

// VersionEntry is one committed change in a document's append-only history.
// Entries are immutable once appended; Version is strictly increasing per
// document with no gaps.
type VersionEntry struct {
	Version    int       `json:"version" db:"version"`
	DocumentID string    `json:"document_id" db:"document_id"`
	AuthorID   string    `json:"author_id" db:"author_id"`
	Timestamp  time.Time `json:"timestamp" db:"created_at"`
	ChangeSet  ChangeSet `json:"change_set" db:"-"`
	Comment    string    `json:"comment,omitempty" db:"comment"`
}
