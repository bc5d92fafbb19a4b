package services

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/collab-sync/pkg/collaboration"
	"github.com/gridmesh/collab-sync/pkg/models"
	"github.com/gridmesh/collab-sync/pkg/versions"
)

func newTestManager(t *testing.T) *SessionManager {
	t.Helper()
	store := versions.NewMemoryStore(nil)
	resolver := collaboration.NewResolver(collaboration.TheirsWinPolicy{}, nil, nil)
	return NewSessionManager(store, resolver, nil, nil)
}

func TestSessionManagerStart(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	t.Run("creator becomes owner", func(t *testing.T) {
		s, err := m.Start(ctx, "doc-1", "u1")
		require.NoError(t, err)

		role, ok := m.Permissions().Role(s.ID(), "u1")
		require.True(t, ok)
		assert.Equal(t, models.RoleOwner, role)
	})

	t.Run("second start joins the existing session", func(t *testing.T) {
		s1, err := m.Start(ctx, "doc-2", "u1")
		require.NoError(t, err)
		s2, err := m.Start(ctx, "doc-2", "u2")
		require.NoError(t, err)

		assert.Equal(t, s1.ID(), s2.ID())
		assert.Equal(t, []string{"u1", "u2"}, s2.Info().Participants)

		role, _ := m.Permissions().Role(s2.ID(), "u2")
		assert.Equal(t, models.RoleEditor, role)
	})

	t.Run("unknown session id", func(t *testing.T) {
		_, err := m.Get("missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSessionNotFound))
	})
}

func TestSessionManagerPermissions(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	s, err := m.Start(ctx, "doc-1", "owner")
	require.NoError(t, err)
	sessionID := s.ID()
	require.NoError(t, m.Join(ctx, sessionID, "editor"))
	require.NoError(t, m.Join(ctx, sessionID, "viewer"))
	require.NoError(t, m.Grant(ctx, sessionID, "owner", "viewer", models.RoleViewer))

	seed := models.ChangeSet{Changes: []models.CellChange{
		models.SetCellChange(models.NewDocument("doc-1"), "Sheet1", "A1", models.Cell{Value: "x"}),
	}}

	t.Run("editor can apply changes", func(t *testing.T) {
		_, entry, err := m.ApplyChange(ctx, sessionID, "editor", seed, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, entry.Version)
	})

	t.Run("viewer cannot apply changes", func(t *testing.T) {
		_, _, err := m.ApplyChange(ctx, sessionID, "viewer", seed, 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInsufficientPermissions))
	})

	t.Run("viewer can read history", func(t *testing.T) {
		history, err := m.History(ctx, sessionID, "viewer")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("non-owner cannot grant", func(t *testing.T) {
		err := m.Grant(ctx, sessionID, "editor", "someone", models.RoleEditor)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInsufficientPermissions))
	})

	t.Run("revoked user loses access", func(t *testing.T) {
		require.NoError(t, m.Revoke(ctx, sessionID, "owner", "viewer"))
		_, err := m.History(ctx, sessionID, "viewer")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInsufficientPermissions))
	})

	t.Run("check permission surface", func(t *testing.T) {
		assert.NoError(t, m.CheckPermission(ctx, sessionID, "owner", models.RoleOwner))
		assert.Error(t, m.CheckPermission(ctx, sessionID, "editor", models.RoleOwner))
	})

	t.Run("only owner can end", func(t *testing.T) {
		err := m.End(ctx, sessionID, "editor")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInsufficientPermissions))

		require.NoError(t, m.End(ctx, sessionID, "owner"))
		assert.Equal(t, models.SessionEnded, s.Info().Status)
	})
}

func TestSessionManagerRevertCompareMerge(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	s, err := m.Start(ctx, "doc-1", "u1")
	require.NoError(t, err)
	sessionID := s.ID()

	state := models.NewDocument("doc-1")
	for _, v := range []string{"one", "two", "three"} {
		cs := models.ChangeSet{Changes: []models.CellChange{
			models.SetCellChange(state, "Sheet1", "A1", models.Cell{Value: v}),
		}}
		_, _, err := m.ApplyChange(ctx, sessionID, "u1", cs, s.Info().CurrentVersion)
		require.NoError(t, err)
		require.NoError(t, cs.ApplyTo(state))
	}

	t.Run("compare", func(t *testing.T) {
		cs, err := m.Compare(ctx, sessionID, "u1", 1, 3)
		require.NoError(t, err)
		assert.False(t, cs.IsEmpty())
	})

	t.Run("revert", func(t *testing.T) {
		entry, err := m.Revert(ctx, sessionID, "u1", 2)
		require.NoError(t, err)
		assert.Equal(t, 4, entry.Version)
	})

	t.Run("merge", func(t *testing.T) {
		entry, err := m.Merge(ctx, sessionID, "u1", 3, 4)
		require.NoError(t, err)
		assert.Equal(t, 5, entry.Version)
	})
}
