// Package versions maintains the append-only version history of every
// document. Version numbers are strictly increasing with no gaps, assigned
// under a per-document serialization point; history is never truncated or
// rewritten — revert and merge append new versions.
package versions

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gridmesh/collab-sync/pkg/collaboration"
	"github.com/gridmesh/collab-sync/pkg/models"
)

var (
	// ErrVersionNotFound is returned for references to unknown documents
	// or version numbers
	ErrVersionNotFound = errors.New("version not found")

	// ErrVersionConflict is returned when an append's expected head does
	// not match the current head. The caller must re-read the head and
	// retry; no append is ever silently lost.
	ErrVersionConflict = errors.New("version conflict")
)

// Store is an ordered log of committed change sets per document
type Store interface {
	// Append commits a change set as the next version. expectedHead must
	// equal the current head version; ErrVersionConflict otherwise.
	Append(ctx context.Context, documentID, authorID string, cs models.ChangeSet, comment string, expectedHead int) (models.VersionEntry, error)

	// Head returns the current head version, 0 for a document with no
	// history yet
	Head(ctx context.Context, documentID string) (int, error)

	// History returns all entries for the document in version order
	History(ctx context.Context, documentID string) ([]models.VersionEntry, error)

	// StateAt reconstructs the document state at the given version by
	// replaying the log from genesis. Version 0 is the empty document.
	StateAt(ctx context.Context, documentID string, version int) (*models.Document, error)

	// Revert appends a new version whose content equals the state at
	// targetVersion. Intermediate history is left untouched.
	Revert(ctx context.Context, documentID, authorID string, targetVersion int) (models.VersionEntry, error)

	// Compare returns the change set that transforms the state at v1 into
	// the state at v2, without mutating anything
	Compare(ctx context.Context, documentID string, v1, v2 int) (models.ChangeSet, error)

	// Merge three-way-merges sourceVersion into targetVersion against
	// their common ancestor and appends the result as a new version
	Merge(ctx context.Context, documentID, authorID string, sourceVersion, targetVersion int, resolver *collaboration.Resolver) (models.VersionEntry, error)
}

// stateFromEntries replays entries from genesis up to and including version
func stateFromEntries(documentID string, entries []models.VersionEntry, version int) (*models.Document, error) {
	if version < 0 || version > len(entries) {
		return nil, errors.Wrapf(ErrVersionNotFound, "document %s has no version %d", documentID, version)
	}
	doc := models.NewDocument(documentID)
	for _, e := range entries[:version] {
		if err := e.ChangeSet.ApplyTo(doc); err != nil {
			// An entry that does not apply to the state it was
			// committed against means the log itself is corrupt.
			panic(errors.Wrapf(err, "corrupt version log for document %s at version %d", documentID, e.Version).Error())
		}
	}
	return doc, nil
}

// mergeEntry computes the merge of source into target for a document whose
// full history is given, returning the resolved state and the change set
// from head to that state.
func mergeFromEntries(documentID string, entries []models.VersionEntry, source, target int, resolver *collaboration.Resolver) (models.ChangeSet, error) {
	if source < 1 || source > len(entries) || target < 1 || target > len(entries) {
		return models.ChangeSet{}, errors.Wrapf(ErrVersionNotFound,
			"document %s has no versions %d/%d", documentID, source, target)
	}

	// With a linear history the common ancestor of two versions is simply
	// the earlier of the two.
	ancestor := source
	if target < ancestor {
		ancestor = target
	}

	base, err := stateFromEntries(documentID, entries, ancestor)
	if err != nil {
		return models.ChangeSet{}, err
	}
	mine, err := stateFromEntries(documentID, entries, target)
	if err != nil {
		return models.ChangeSet{}, err
	}
	theirs, err := stateFromEntries(documentID, entries, source)
	if err != nil {
		return models.ChangeSet{}, err
	}

	meta := collaboration.ConflictMeta{
		DocumentID:   documentID,
		MineAuthor:   entries[target-1].AuthorID,
		TheirsAuthor: entries[source-1].AuthorID,
		MineAt:       entries[target-1].Timestamp,
		TheirsAt:     entries[source-1].Timestamp,
	}
	resolved, err := resolver.ResolveDocument(base, mine, theirs, meta)
	if err != nil {
		return models.ChangeSet{}, err
	}

	head, err := stateFromEntries(documentID, entries, len(entries))
	if err != nil {
		return models.ChangeSet{}, err
	}
	return models.DiffDocuments(head, resolved), nil
}
