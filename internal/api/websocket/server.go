// Package websocket is the per-document broadcast fan-out for collaborative
// editing. It accepts client connections, routes their messages through the
// session layer, and relays accepted deltas, presence updates and membership
// events to every other participant of the same document.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gridmesh/collab-sync/pkg/collaboration"
	"github.com/gridmesh/collab-sync/pkg/diffpatch"
	"github.com/gridmesh/collab-sync/pkg/models"
	ws "github.com/gridmesh/collab-sync/pkg/models/websocket"
	"github.com/gridmesh/collab-sync/pkg/observability"
	"github.com/gridmesh/collab-sync/pkg/presence"
	"github.com/gridmesh/collab-sync/pkg/services"
	"github.com/gridmesh/collab-sync/pkg/versions"
)

// ErrConnectionClosed rejects work arriving for a connection that has
// already entered teardown
var ErrConnectionClosed = errors.New("connection closed")

// Config holds hub tuning knobs
type Config struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// DefaultConfig returns the hub defaults
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 1 << 20,
	}
}

// IdentityFunc yields the verified user id for an upgrade request. Token
// verification itself happens upstream; by the time a request reaches the
// hub its identity is trusted.
type IdentityFunc func(r *http.Request) (string, error)

// HeaderIdentity reads the verified user id from the given header
func HeaderIdentity(header string) IdentityFunc {
	return func(r *http.Request) (string, error) {
		userID := r.Header.Get(header)
		if userID == "" {
			return "", errors.New("missing user identity")
		}
		return userID, nil
	}
}

// Server owns connection bookkeeping for every document and fans accepted
// changes out to participants
type Server struct {
	sessions *services.SessionManager
	presence presence.Tracker
	identify IdentityFunc
	logger   observability.Logger
	metrics  observability.MetricsClient
	config   Config

	mu          sync.RWMutex
	connections map[string]*Connection
	byDocument  map[string]map[string]*Connection
}

// NewServer creates a hub over the given session manager and presence
// tracker. Presence changes are relayed to document peers so cursors stay
// live.
func NewServer(sessions *services.SessionManager, tracker presence.Tracker, identify IdentityFunc, logger observability.Logger, metrics observability.MetricsClient, config Config) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if identify == nil {
		identify = HeaderIdentity("X-User-ID")
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultConfig().PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultConfig().SendBuffer
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultConfig().MaxMessageSize
	}

	s := &Server{
		sessions:    sessions,
		presence:    tracker,
		identify:    identify,
		logger:      logger.WithPrefix("synchub"),
		metrics:     metrics,
		config:      config,
		connections: make(map[string]*Connection),
		byDocument:  make(map[string]map[string]*Connection),
	}
	tracker.OnChange(s.relayPresence)
	return s
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	c := &Connection{
		ID:     uuid.New().String(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, s.config.SendBuffer),
		closed: make(chan struct{}),
		hub:    s,
	}

	s.mu.Lock()
	s.connections[c.ID] = c
	s.mu.Unlock()
	s.metrics.IncrementCounter("connections_opened", 1)

	go c.writePump()
	c.readPump(r.Context())
}

// register indexes a joined connection under its document
func (s *Server) register(c *Connection, documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.byDocument[documentID]
	if !ok {
		conns = make(map[string]*Connection)
		s.byDocument[documentID] = conns
	}
	conns[c.ID] = c
}

// dropConnection tears a connection down exactly once: deregistration,
// session leave, presence removal and the user_left broadcast. Any update
// still in flight for the connection is rejected with ErrConnectionClosed
// because closed is marked before cleanup runs.
func (s *Server) dropConnection(c *Connection) {
	c.closeOnce.Do(func() {
		close(c.closed)

		sessionID, documentID := c.session()

		s.mu.Lock()
		delete(s.connections, c.ID)
		if documentID != "" {
			delete(s.byDocument[documentID], c.ID)
			if len(s.byDocument[documentID]) == 0 {
				delete(s.byDocument, documentID)
			}
		}
		s.mu.Unlock()

		if sessionID != "" {
			// Leave routes through the same per-document
			// serialization point as ApplyChange.
			if err := s.sessions.Leave(context.Background(), sessionID, c.UserID); err != nil {
				s.logger.Warn("Session leave on disconnect failed", map[string]interface{}{
					"session_id": sessionID,
					"user_id":    c.UserID,
					"error":      err.Error(),
				})
			}
			if err := s.presence.Remove(context.Background(), c.UserID, documentID); err != nil {
				s.logger.Warn("Presence removal on disconnect failed", map[string]interface{}{
					"user_id": c.UserID,
					"error":   err.Error(),
				})
			}
			s.broadcast(documentID, c.ID, &ws.Message{
				Type:      ws.TypeUserLeft,
				SessionID: sessionID,
				UserID:    c.UserID,
			})
		}

		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		s.metrics.IncrementCounter("connections_closed", 1)
	})
}

// broadcast sends msg to every connection of the document except exclude.
// It runs outside any session lock; a slow connection gets its message
// dropped rather than stalling writers.
func (s *Server) broadcast(documentID, excludeConnID string, msg *ws.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast", map[string]interface{}{
			"type":  msg.Type,
			"error": err.Error(),
		})
		return
	}

	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.byDocument[documentID]))
	for id, c := range s.byDocument[documentID] {
		if id != excludeConnID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(raw)
	}
	s.metrics.IncrementCounter("messages_broadcast", float64(len(targets)))
}

// relayPresence forwards presence changes to the document's other
// participants
func (s *Server) relayPresence(evt presence.Event) {
	record := evt.Record
	msg := &ws.Message{
		Type:     ws.TypePresence,
		UserID:   record.UserID,
		Presence: &record,
	}

	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.byDocument[record.DocumentID]))
	for _, c := range s.byDocument[record.DocumentID] {
		if c.UserID != record.UserID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, c := range targets {
		c.enqueue(raw)
	}
}

// processMessage dispatches one inbound frame. Errors are reported to the
// sender only; the hub and all other connections stay up.
func (s *Server) processMessage(ctx context.Context, c *Connection, msg *ws.Message) {
	switch msg.Type {
	case ws.TypeJoin:
		s.handleJoin(ctx, c, msg)
	case ws.TypeUpdate:
		s.handleUpdate(ctx, c, msg)
	case ws.TypePresence:
		s.handlePresence(ctx, c, msg)
	case ws.TypeLeave:
		s.dropConnection(c)
	default:
		c.sendError(ws.ErrCodeInvalidMessage, "unknown message type "+msg.Type)
	}
}

func (s *Server) handleJoin(ctx context.Context, c *Connection, msg *ws.Message) {
	if msg.SessionID == "" {
		c.sendError(ws.ErrCodeInvalidMessage, "join requires session_id")
		return
	}

	session, err := s.sessions.Get(msg.SessionID)
	if err != nil {
		c.sendError(errorCode(err), err.Error())
		return
	}
	if err := s.sessions.Join(ctx, msg.SessionID, c.UserID); err != nil {
		c.sendError(errorCode(err), err.Error())
		return
	}

	documentID := session.DocumentID()
	c.setSession(msg.SessionID, documentID)
	s.register(c, documentID)

	if err := s.presence.Touch(ctx, models.PresenceRecord{
		UserID:     c.UserID,
		DocumentID: documentID,
	}); err != nil {
		s.logger.Warn("Presence touch on join failed", map[string]interface{}{
			"user_id": c.UserID,
			"error":   err.Error(),
		})
	}

	doc, version, err := session.Snapshot(ctx)
	if err != nil {
		c.sendError(errorCode(err), err.Error())
		return
	}
	c.sendMessage(&ws.Message{
		Type:      ws.TypeSync,
		SessionID: msg.SessionID,
		Data:      doc,
		Version:   version,
	})

	s.broadcast(documentID, c.ID, &ws.Message{
		Type:      ws.TypeUserJoined,
		SessionID: msg.SessionID,
		UserID:    c.UserID,
	})
	s.logger.Info("Participant joined", map[string]interface{}{
		"session_id":  msg.SessionID,
		"document_id": documentID,
		"user_id":     c.UserID,
	})
}

func (s *Server) handleUpdate(ctx context.Context, c *Connection, msg *ws.Message) {
	sessionID, documentID := c.session()
	if sessionID == "" {
		c.sendError(ws.ErrCodeInvalidMessage, "update before join")
		return
	}
	if msg.ChangeSet == nil {
		c.sendError(ws.ErrCodeInvalidMessage, "update requires change_set")
		return
	}

	// A disconnect may race an in-flight update from the same connection;
	// once teardown has begun the change must not be applied.
	select {
	case <-c.closed:
		c.sendError(ws.ErrCodeConnectionClosed, ErrConnectionClosed.Error())
		return
	default:
	}

	resolved, entry, err := s.sessions.ApplyChange(ctx, sessionID, c.UserID, *msg.ChangeSet, msg.BaseVersion)
	if err != nil {
		c.sendError(errorCode(err), err.Error())
		return
	}

	if err := s.presence.Touch(ctx, models.PresenceRecord{
		UserID:     c.UserID,
		DocumentID: documentID,
	}); err != nil {
		s.logger.Warn("Presence touch on update failed", map[string]interface{}{
			"user_id": c.UserID,
			"error":   err.Error(),
		})
	}

	// Broadcast the returned change set, not the one the client sent:
	// when the change was merged against a concurrent write they differ,
	// and peers must apply the resolved delta to converge.
	s.broadcast(documentID, c.ID, &ws.Message{
		Type:      ws.TypeUpdate,
		SessionID: sessionID,
		UserID:    c.UserID,
		ChangeSet: &resolved,
		Version:   entry.Version,
	})
	s.metrics.IncrementCounter("changes_accepted", 1)
}

func (s *Server) handlePresence(ctx context.Context, c *Connection, msg *ws.Message) {
	_, documentID := c.session()
	if documentID == "" {
		c.sendError(ws.ErrCodeInvalidMessage, "presence before join")
		return
	}

	record := models.PresenceRecord{UserID: c.UserID, DocumentID: documentID}
	if msg.Presence != nil {
		record.Status = msg.Presence.Status
		record.CurrentCell = msg.Presence.CurrentCell
		record.DeviceType = msg.Presence.DeviceType
		record.ColorCode = msg.Presence.ColorCode
	}
	if err := s.presence.Touch(ctx, record); err != nil {
		c.sendError(ws.ErrCodeServerError, err.Error())
	}
}

// errorCode maps core errors to wire error codes
func errorCode(err error) int {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		return ws.ErrCodeSessionNotFound
	case errors.Is(err, services.ErrSessionEnded):
		return ws.ErrCodeSessionEnded
	case errors.Is(err, services.ErrNotAParticipant):
		return ws.ErrCodeNotAParticipant
	case errors.Is(err, services.ErrInsufficientPermissions):
		return ws.ErrCodePermissionDenied
	case errors.Is(err, versions.ErrVersionNotFound):
		return ws.ErrCodeVersionNotFound
	case errors.Is(err, diffpatch.ErrMalformedDelta):
		return ws.ErrCodeMalformedDelta
	case errors.Is(err, collaboration.ErrInvalidCell):
		return ws.ErrCodeInvalidCell
	case errors.Is(err, models.ErrInvalidChange):
		return ws.ErrCodeInvalidMessage
	case errors.Is(err, ErrConnectionClosed):
		return ws.ErrCodeConnectionClosed
	default:
		return ws.ErrCodeServerError
	}
}
