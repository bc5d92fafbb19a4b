package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/collab-sync/pkg/collaboration"
	"github.com/gridmesh/collab-sync/pkg/models"
	ws "github.com/gridmesh/collab-sync/pkg/models/websocket"
	"github.com/gridmesh/collab-sync/pkg/presence"
	"github.com/gridmesh/collab-sync/pkg/services"
	"github.com/gridmesh/collab-sync/pkg/versions"
)

func newTestHub(t *testing.T) (*httptest.Server, *services.SessionManager) {
	t.Helper()
	store := versions.NewMemoryStore(nil)
	resolver := collaboration.NewResolver(collaboration.TheirsWinPolicy{}, nil, nil)
	mgr := services.NewSessionManager(store, resolver, nil, nil)
	hub := NewServer(mgr, presence.NewMemoryTracker(0), nil, nil, nil, Config{})

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	return srv, mgr
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": []string{userID}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ws.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

// readType reads frames until one of the wanted type arrives, skipping
// interleaved presence and membership traffic
func readType(t *testing.T, conn *websocket.Conn, want string) ws.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		var msg ws.Message
		err := wsjson.Read(ctx, conn, &msg)
		cancel()
		require.NoError(t, err)
		if msg.Type == want {
			return msg
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, sessionID string) ws.Message {
	t.Helper()
	send(t, conn, ws.Message{Type: ws.TypeJoin, SessionID: sessionID})
	return readType(t, conn, ws.TypeSync)
}

func TestHubJoinAndSync(t *testing.T) {
	ctx := context.Background()
	srv, mgr := newTestHub(t)
	session, err := mgr.Start(ctx, "doc-1", "alice")
	require.NoError(t, err)

	alice := dial(t, srv, "alice")
	sync := join(t, alice, session.ID())
	assert.Equal(t, 0, sync.Version)
	require.NotNil(t, sync.Data)
	assert.Equal(t, "doc-1", sync.Data.ID)

	bob := dial(t, srv, "bob")
	join(t, bob, session.ID())

	joined := readType(t, alice, ws.TypeUserJoined)
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, session.ID(), joined.SessionID)
}

func TestHubJoinErrors(t *testing.T) {
	srv, _ := newTestHub(t)

	t.Run("unknown session", func(t *testing.T) {
		conn := dial(t, srv, "alice")
		send(t, conn, ws.Message{Type: ws.TypeJoin, SessionID: "missing"})
		msg := readType(t, conn, ws.TypeError)
		assert.Equal(t, ws.ErrCodeSessionNotFound, msg.Error.Code)
	})

	t.Run("missing session id", func(t *testing.T) {
		conn := dial(t, srv, "alice")
		send(t, conn, ws.Message{Type: ws.TypeJoin})
		msg := readType(t, conn, ws.TypeError)
		assert.Equal(t, ws.ErrCodeInvalidMessage, msg.Error.Code)
	})

	t.Run("update before join", func(t *testing.T) {
		conn := dial(t, srv, "alice")
		cs := models.ChangeSet{Changes: []models.CellChange{
			models.SetCellChange(models.NewDocument("doc-1"), "Sheet1", "A1", models.Cell{Value: "x"}),
		}}
		send(t, conn, ws.Message{Type: ws.TypeUpdate, ChangeSet: &cs})
		msg := readType(t, conn, ws.TypeError)
		assert.Equal(t, ws.ErrCodeInvalidMessage, msg.Error.Code)
	})
}

func TestHubUpdateBroadcast(t *testing.T) {
	ctx := context.Background()
	srv, mgr := newTestHub(t)
	session, err := mgr.Start(ctx, "doc-1", "alice")
	require.NoError(t, err)

	alice := dial(t, srv, "alice")
	join(t, alice, session.ID())
	bob := dial(t, srv, "bob")
	join(t, bob, session.ID())

	t.Run("accepted change reaches peers", func(t *testing.T) {
		cs := models.ChangeSet{Changes: []models.CellChange{
			models.SetCellChange(models.NewDocument("doc-1"), "Sheet1", "A1", models.Cell{Value: "Hello"}),
		}}
		send(t, alice, ws.Message{Type: ws.TypeUpdate, SessionID: session.ID(), ChangeSet: &cs, BaseVersion: 0})

		msg := readType(t, bob, ws.TypeUpdate)
		assert.Equal(t, "alice", msg.UserID)
		assert.Equal(t, 1, msg.Version)
		require.NotNil(t, msg.ChangeSet)

		state := models.NewDocument("doc-1")
		require.NoError(t, msg.ChangeSet.ApplyTo(state))
		a1, ok := state.CellAt("Sheet1", "A1")
		require.True(t, ok)
		assert.Equal(t, "Hello", a1.Value)
	})

	t.Run("stale base is merged and the resolved delta broadcast", func(t *testing.T) {
		// bob writes B1 against version 0 while the document is at 1
		cs := models.ChangeSet{Changes: []models.CellChange{
			models.SetCellChange(models.NewDocument("doc-1"), "Sheet1", "B1", models.Cell{Value: "Z"}),
		}}
		send(t, bob, ws.Message{Type: ws.TypeUpdate, SessionID: session.ID(), ChangeSet: &cs, BaseVersion: 0})

		msg := readType(t, alice, ws.TypeUpdate)
		assert.Equal(t, "bob", msg.UserID)
		assert.Equal(t, 2, msg.Version)
		require.NotNil(t, msg.ChangeSet)

		// alice applies the resolved delta to her version 1 state and
		// converges with the server
		state := models.NewDocument("doc-1")
		state.SetCell("Sheet1", "A1", models.Cell{Value: "Hello"})
		require.NoError(t, msg.ChangeSet.ApplyTo(state))

		doc, version, err := session.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, version)
		assert.True(t, state.Equal(doc))
	})

	t.Run("malformed update errors to sender only", func(t *testing.T) {
		send(t, alice, ws.Message{Type: ws.TypeUpdate, SessionID: session.ID()})
		msg := readType(t, alice, ws.TypeError)
		assert.Equal(t, ws.ErrCodeInvalidMessage, msg.Error.Code)

		// bob sees no traffic from the rejected message
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		var stray ws.Message
		err := wsjson.Read(ctx, bob, &stray)
		require.Error(t, err)
	})
}

func TestHubPresenceRelay(t *testing.T) {
	ctx := context.Background()
	srv, mgr := newTestHub(t)
	session, err := mgr.Start(ctx, "doc-1", "alice")
	require.NoError(t, err)

	alice := dial(t, srv, "alice")
	join(t, alice, session.ID())
	bob := dial(t, srv, "bob")
	join(t, bob, session.ID())

	send(t, alice, ws.Message{Type: ws.TypePresence, Presence: &models.PresenceRecord{
		CurrentCell: "B2",
		DeviceType:  "desktop",
	}})

	var msg ws.Message
	for {
		msg = readType(t, bob, ws.TypePresence)
		if msg.Presence != nil && msg.Presence.CurrentCell == "B2" {
			break
		}
	}
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, "desktop", msg.Presence.DeviceType)
}

func TestHubDisconnectCleanup(t *testing.T) {
	ctx := context.Background()
	srv, mgr := newTestHub(t)
	session, err := mgr.Start(ctx, "doc-1", "alice")
	require.NoError(t, err)

	alice := dial(t, srv, "alice")
	join(t, alice, session.ID())
	bob := dial(t, srv, "bob")
	join(t, bob, session.ID())
	readType(t, alice, ws.TypeUserJoined)

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, ""))

	left := readType(t, alice, ws.TypeUserLeft)
	assert.Equal(t, "bob", left.UserID)

	assert.Eventually(t, func() bool {
		participants := session.Info().Participants
		return len(participants) == 1 && participants[0] == "alice"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHubExplicitLeave(t *testing.T) {
	ctx := context.Background()
	srv, mgr := newTestHub(t)
	session, err := mgr.Start(ctx, "doc-1", "alice")
	require.NoError(t, err)

	alice := dial(t, srv, "alice")
	join(t, alice, session.ID())
	bob := dial(t, srv, "bob")
	join(t, bob, session.ID())
	readType(t, alice, ws.TypeUserJoined)

	send(t, bob, ws.Message{Type: ws.TypeLeave})

	left := readType(t, alice, ws.TypeUserLeft)
	assert.Equal(t, "bob", left.UserID)
}

func TestHubRejectsAnonymousUpgrade(t *testing.T) {
	srv, _ := newTestHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
