package versions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/gridmesh/collab-sync/pkg/collaboration"
	"github.com/gridmesh/collab-sync/pkg/models"
	"github.com/gridmesh/collab-sync/pkg/observability"
)

// Schema is the table backing the Postgres store. The primary key enforces
// gap-free uniqueness per document; assignment happens inside a transaction
// holding the document's head row.
const Schema = `
CREATE TABLE IF NOT EXISTS document_versions (
    document_id TEXT        NOT NULL,
    version     INTEGER     NOT NULL,
    author_id   TEXT        NOT NULL,
    comment     TEXT        NOT NULL DEFAULT '',
    change_set  JSONB       NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (document_id, version)
);`

// PostgresStore persists version logs in Postgres via sqlx
type PostgresStore struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewPostgresStore wraps an open database handle and ensures the schema
func NewPostgresStore(ctx context.Context, db *sqlx.DB, logger observability.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, errors.Wrap(err, "ensure document_versions schema")
	}
	return &PostgresStore{db: db, logger: logger.WithPrefix("versions.pg")}, nil
}

type versionRow struct {
	DocumentID string    `db:"document_id"`
	Version    int       `db:"version"`
	AuthorID   string    `db:"author_id"`
	Comment    string    `db:"comment"`
	ChangeSet  []byte    `db:"change_set"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r versionRow) toEntry() (models.VersionEntry, error) {
	var cs models.ChangeSet
	if err := json.Unmarshal(r.ChangeSet, &cs); err != nil {
		return models.VersionEntry{}, errors.Wrapf(err, "decode change set for %s@%d", r.DocumentID, r.Version)
	}
	return models.VersionEntry{
		Version:    r.Version,
		DocumentID: r.DocumentID,
		AuthorID:   r.AuthorID,
		Timestamp:  r.CreatedAt,
		ChangeSet:  cs,
		Comment:    r.Comment,
	}, nil
}

// Append commits cs as the next version of the document
func (s *PostgresStore) Append(ctx context.Context, documentID, authorID string, cs models.ChangeSet, comment string, expectedHead int) (models.VersionEntry, error) {
	entries, err := s.historyTx(ctx, documentID)
	if err != nil {
		return models.VersionEntry{}, err
	}

	// Validate the change set against the head state before writing
	head, err := stateFromEntries(documentID, entries, len(entries))
	if err != nil {
		return models.VersionEntry{}, err
	}
	if err := cs.ApplyTo(head.Clone()); err != nil {
		return models.VersionEntry{}, err
	}

	return s.appendTx(ctx, documentID, authorID, cs, comment, expectedHead)
}

func (s *PostgresStore) appendTx(ctx context.Context, documentID, authorID string, cs models.ChangeSet, comment string, expectedHead int) (models.VersionEntry, error) {
	raw, err := json.Marshal(cs)
	if err != nil {
		return models.VersionEntry{}, errors.Wrap(err, "encode change set")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.VersionEntry{}, errors.Wrap(err, "begin append transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var head int
	err = tx.GetContext(ctx, &head,
		`SELECT version FROM document_versions WHERE document_id = $1 ORDER BY version DESC LIMIT 1 FOR UPDATE`,
		documentID)
	if err == sql.ErrNoRows {
		head = 0
	} else if err != nil {
		return models.VersionEntry{}, errors.Wrap(err, "read head version")
	}

	if head != expectedHead {
		return models.VersionEntry{}, errors.Wrapf(ErrVersionConflict,
			"document %s is at version %d, append expected %d", documentID, head, expectedHead)
	}

	var row versionRow
	err = tx.GetContext(ctx, &row,
		`INSERT INTO document_versions (document_id, version, author_id, comment, change_set)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING document_id, version, author_id, comment, change_set, created_at`,
		documentID, head+1, authorID, comment, raw)
	if err != nil {
		// On an empty document the head SELECT locks no row, so two
		// racing first appends can both observe head 0. The loser then
		// trips the primary key; surface that as the same conflict a
		// stale head produces.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return models.VersionEntry{}, errors.Wrapf(ErrVersionConflict,
				"document %s version %d already written", documentID, head+1)
		}
		return models.VersionEntry{}, errors.Wrap(err, "insert version")
	}
	if err := tx.Commit(); err != nil {
		return models.VersionEntry{}, errors.Wrap(err, "commit append")
	}

	s.logger.Debug("Version appended", map[string]interface{}{
		"document_id": documentID,
		"version":     row.Version,
		"author_id":   authorID,
	})
	return row.toEntry()
}

// Head returns the current head version; 0 for unknown documents
func (s *PostgresStore) Head(ctx context.Context, documentID string) (int, error) {
	var head int
	err := s.db.GetContext(ctx, &head,
		`SELECT COALESCE(MAX(version), 0) FROM document_versions WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, errors.Wrap(err, "read head version")
	}
	return head, nil
}

func (s *PostgresStore) historyTx(ctx context.Context, documentID string) ([]models.VersionEntry, error) {
	var rows []versionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT document_id, version, author_id, comment, change_set, created_at
		 FROM document_versions WHERE document_id = $1 ORDER BY version`, documentID)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}

	entries := make([]models.VersionEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// History returns every entry for the document in version order
func (s *PostgresStore) History(ctx context.Context, documentID string) ([]models.VersionEntry, error) {
	entries, err := s.historyTx(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Wrapf(ErrVersionNotFound, "unknown document %s", documentID)
	}
	return entries, nil
}

// StateAt reconstructs the document state at the given version
func (s *PostgresStore) StateAt(ctx context.Context, documentID string, version int) (*models.Document, error) {
	entries, err := s.History(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return stateFromEntries(documentID, entries, version)
}

// Revert appends a new version equal in content to targetVersion
func (s *PostgresStore) Revert(ctx context.Context, documentID, authorID string, targetVersion int) (models.VersionEntry, error) {
	entries, err := s.History(ctx, documentID)
	if err != nil {
		return models.VersionEntry{}, err
	}
	target, err := stateFromEntries(documentID, entries, targetVersion)
	if err != nil {
		return models.VersionEntry{}, err
	}
	head, err := stateFromEntries(documentID, entries, len(entries))
	if err != nil {
		return models.VersionEntry{}, err
	}

	cs := models.DiffDocuments(head, target)
	comment := fmt.Sprintf("revert to version %d", targetVersion)
	return s.appendTx(ctx, documentID, authorID, cs, comment, len(entries))
}

// Compare returns the change set between two historical states
func (s *PostgresStore) Compare(ctx context.Context, documentID string, v1, v2 int) (models.ChangeSet, error) {
	entries, err := s.History(ctx, documentID)
	if err != nil {
		return models.ChangeSet{}, err
	}
	a, err := stateFromEntries(documentID, entries, v1)
	if err != nil {
		return models.ChangeSet{}, err
	}
	b, err := stateFromEntries(documentID, entries, v2)
	if err != nil {
		return models.ChangeSet{}, err
	}
	return models.DiffDocuments(a, b), nil
}

// Merge merges sourceVersion into targetVersion and appends the result
func (s *PostgresStore) Merge(ctx context.Context, documentID, authorID string, sourceVersion, targetVersion int, resolver *collaboration.Resolver) (models.VersionEntry, error) {
	entries, err := s.History(ctx, documentID)
	if err != nil {
		return models.VersionEntry{}, err
	}
	cs, err := mergeFromEntries(documentID, entries, sourceVersion, targetVersion, resolver)
	if err != nil {
		return models.VersionEntry{}, err
	}

	comment := fmt.Sprintf("merge version %d into %d", sourceVersion, targetVersion)
	return s.appendTx(ctx, documentID, authorID, cs, comment, len(entries))
}
