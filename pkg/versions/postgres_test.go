package versions

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/collab-sync/pkg/diffpatch"
	"github.com/gridmesh/collab-sync/pkg/models"
)

var versionColumns = []string{"document_id", "version", "author_id", "comment", "change_set", "created_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS document_versions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresStore(context.Background(), sqlx.NewDb(mockDB, "sqlmock"), nil)
	require.NoError(t, err)
	return store, mock
}

// firstChange writes A1 into an empty document; raw is its stored JSON form
func firstChange(t *testing.T) (models.ChangeSet, []byte) {
	t.Helper()
	cs := models.ChangeSet{Changes: []models.CellChange{
		models.SetCellChange(models.NewDocument("doc-1"), "Sheet1", "A1", models.Cell{Value: "Hello"}),
	}}
	raw, err := json.Marshal(cs)
	require.NoError(t, err)
	return cs, raw
}

func TestPostgresStoreAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("first append writes version 1", func(t *testing.T) {
		store, mock := newMockStore(t)
		cs, raw := firstChange(t)

		mock.ExpectQuery("SELECT document_id, version, author_id").
			WillReturnRows(sqlmock.NewRows(versionColumns))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT version FROM document_versions").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO document_versions").
			WillReturnRows(sqlmock.NewRows(versionColumns).
				AddRow("doc-1", 1, "u1", "", raw, time.Now().UTC()))
		mock.ExpectCommit()

		entry, err := store.Append(ctx, "doc-1", "u1", cs, "", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, entry.Version)
		assert.Equal(t, "u1", entry.AuthorID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale expected head is rejected", func(t *testing.T) {
		store, mock := newMockStore(t)
		_, raw := firstChange(t)

		mock.ExpectQuery("SELECT document_id, version, author_id").
			WillReturnRows(sqlmock.NewRows(versionColumns).
				AddRow("doc-1", 1, "u1", "", raw, time.Now().UTC()))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT version FROM document_versions").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
		mock.ExpectRollback()

		_, err := store.Append(ctx, "doc-1", "u2", models.ChangeSet{}, "", 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrVersionConflict))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("racing first appends surface a version conflict", func(t *testing.T) {
		// With no rows yet the head SELECT locks nothing, so both racers
		// see head 0 and the loser hits the primary key instead
		store, mock := newMockStore(t)
		cs, _ := firstChange(t)

		mock.ExpectQuery("SELECT document_id, version, author_id").
			WillReturnRows(sqlmock.NewRows(versionColumns))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT version FROM document_versions").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO document_versions").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err := store.Append(ctx, "doc-1", "u2", cs, "", 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrVersionConflict))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("change set against the wrong base never reaches the database", func(t *testing.T) {
		store, mock := newMockStore(t)
		_, raw := firstChange(t)

		// Head state has A1 = Hello; this change set expects an empty A1
		stale := models.ChangeSet{Changes: []models.CellChange{
			models.SetCellChange(models.NewDocument("doc-1"), "Sheet1", "A1", models.Cell{Value: "other"}),
		}}

		mock.ExpectQuery("SELECT document_id, version, author_id").
			WillReturnRows(sqlmock.NewRows(versionColumns).
				AddRow("doc-1", 1, "u1", "", raw, time.Now().UTC()))

		_, err := store.Append(ctx, "doc-1", "u2", stale, "", 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, diffpatch.ErrMalformedDelta))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStoreHead(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))

	head, err := store.Head(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, head)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreHistoryUnknownDocument(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT document_id, version, author_id").
		WillReturnRows(sqlmock.NewRows(versionColumns))

	_, err := store.History(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
