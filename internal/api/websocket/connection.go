package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	ws "github.com/gridmesh/collab-sync/pkg/models/websocket"
)

// Connection is one client socket. The read pump owns inbound dispatch; the
// write pump is the only goroutine that writes to the socket, draining the
// buffered send channel and keeping the connection alive with pings.
type Connection struct {
	ID     string
	UserID string

	conn *websocket.Conn
	send chan []byte
	hub  *Server

	mu         sync.RWMutex
	sessionID  string
	documentID string

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Connection) setSession(sessionID, documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.documentID = documentID
}

func (c *Connection) session() (sessionID, documentID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.documentID
}

// readPump reads frames until the socket closes, dispatching each through
// the hub. Messages from one connection are processed in order.
func (c *Connection) readPump(ctx context.Context) {
	defer c.hub.dropConnection(c)

	for {
		var msg ws.Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.hub.logger.Debug("Read loop ended", map[string]interface{}{
					"connection_id": c.ID,
					"user_id":       c.UserID,
					"error":         err.Error(),
				})
			}
			return
		}
		c.hub.processMessage(ctx, c, &msg)
	}
}

// writePump drains the send channel and emits pings. Exits when the
// connection closes; a write failure tears the connection down.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case raw := <-c.send:
			if err := c.write(raw); err != nil {
				c.hub.dropConnection(c)
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.hub.config.WriteTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.hub.dropConnection(c)
				return
			}
		}
	}
}

func (c *Connection) write(raw []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.config.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, raw)
}

// enqueue hands a marshaled frame to the write pump without blocking. A full
// buffer means the client cannot keep up; the frame is dropped and the client
// recovers on its next sync.
func (c *Connection) enqueue(raw []byte) {
	select {
	case <-c.closed:
	case c.send <- raw:
	default:
		c.hub.metrics.IncrementCounter("messages_dropped", 1)
		c.hub.logger.Warn("Send buffer full, dropping message", map[string]interface{}{
			"connection_id": c.ID,
			"user_id":       c.UserID,
		})
	}
}

func (c *Connection) sendMessage(msg *ws.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("Failed to marshal message", map[string]interface{}{
			"type":  msg.Type,
			"error": err.Error(),
		})
		return
	}
	c.enqueue(raw)
}

// sendError reports a failure to this connection only. Other participants
// never observe another client's rejected message.
func (c *Connection) sendError(code int, message string) {
	c.sendMessage(&ws.Message{
		Type:  ws.TypeError,
		Error: ws.NewError(code, message),
	})
}
