// Package server manages individual WebSocket connections, handling
// read/write pumps, rate limiting, and per-connection lifecycle state.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong after a transport ping.
	pongWait = 60 * time.Second

	// Transport ping period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frame buffer per connection.
	sendBufferSize = 256
)

// Connection is the context of one live client connection: its identity,
// transport handle, optional role and group, and liveness timestamps.
//
// The role, groupID, lastSeenAt, and closed fields are owned by the router's
// run loop and must only be touched there.
type Connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	router *Router
	addr   string
	log    *slog.Logger

	role       ClientRole
	groupID    string
	createdAt  time.Time
	lastSeenAt time.Time
	closed     bool

	limiter        *rateLimiter
	maxMessageSize int64
}

func newConnection(conn *websocket.Conn, router *Router, addr string) *Connection {
	cfg := router.cfg
	now := time.Now()
	id := uuid.NewString()

	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Connection{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		router:         router,
		addr:           addr,
		log:            router.log.With("connectionId", id),
		createdAt:      now,
		lastSeenAt:     now,
		limiter:        newRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRefillInterval),
		maxMessageSize: cfg.MaxMessageSize,
	}
}

// ID returns the router-assigned connection identifier.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) readPump() {
	defer func() {
		c.router.drop(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("connection.close_error", "error", err)
		}
	}()

	c.refreshReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.refreshReadDeadline()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		c.refreshReadDeadline()

		if !c.limiter.allow() {
			c.log.Debug("connection.rate_limited", "addr", c.addr)
			continue
		}

		if !c.router.deliver(c, raw) {
			return
		}
	}
}

func (c *Connection) refreshReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("connection.read_deadline_error", "error", err)
	}
}

// logReadError classifies a read failure: expected closes log at debug,
// everything else at warn. All of them end the pump.
func (c *Connection) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("connection.frame_too_large", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("connection.closed_by_peer", "error", err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug("connection.closed", "error", err)
	default:
		c.log.Warn("connection.read_error", "error", err)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("connection.close_error", "error", err)
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Debug("connection.write_deadline_error", "error", err)
				return
			}
			if !ok {
				// The router closed the send channel; tell the peer.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					c.log.Debug("connection.close_write_error", "error", err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Debug("connection.write_error", "error", err)
				}
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Debug("connection.write_deadline_error", "error", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Debug("connection.ping_error", "error", err)
				}
				return
			}
		}
	}
}

// isExpectedCloseError reports whether an error is routine connection
// teardown noise rather than a fault worth surfacing.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
