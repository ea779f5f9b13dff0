// Package server routes protocol signals between connections via the Router
// type: it owns the connection table, the group membership index, presence,
// and session state, and fans data updates out to the right recipients.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

type inboundFrame struct {
	conn *Connection
	raw  []byte
}

// Router is the connection-routing core of the gateway. All mutable state is
// owned by the run loop goroutine and reached only through the register,
// unregister, and frame channels, so every registry mutation is serialized
// without locks.
type Router struct {
	cfg      Config
	log      *slog.Logger
	presence *PresenceRegistry
	sessions *SessionStore

	connections map[string]*Connection
	groups      map[string]map[string]struct{}

	register   chan *Connection
	unregister chan *Connection
	frames     chan inboundFrame

	// stopped is closed when the run loop has exited; senders select against
	// it so pump goroutines never block on a dead loop.
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewRouter creates a router with empty registries. It does nothing until
// its run loop is started by the Hub.
func NewRouter(cfg Config, logger *slog.Logger) *Router {
	return &Router{
		cfg:         cfg,
		log:         logger,
		presence:    NewPresenceRegistry(),
		sessions:    NewSessionStore(),
		connections: make(map[string]*Connection),
		groups:      make(map[string]map[string]struct{}),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		frames:      make(chan inboundFrame),
		stopped:     make(chan struct{}),
	}
}

// Presence exposes the presence registry for read access.
func (r *Router) Presence() *PresenceRegistry {
	return r.presence
}

// Sessions exposes the session store for read access.
func (r *Router) Sessions() *SessionStore {
	return r.sessions
}

// Register hands a new connection to the run loop. It returns false when the
// router has stopped, in which case the caller owns closing the transport.
func (r *Router) Register(c *Connection) bool {
	select {
	case r.register <- c:
		return true
	case <-r.stopped:
		return false
	}
}

// drop asks the run loop to tear a connection down. Safe to call multiple
// times and after the router has stopped.
func (r *Router) drop(c *Connection) {
	select {
	case r.unregister <- c:
	case <-r.stopped:
	}
}

// deliver queues an inbound frame for dispatch, preserving the arrival order
// of frames from a single connection. Returns false once the router stopped.
func (r *Router) deliver(c *Connection, raw []byte) bool {
	select {
	case r.frames <- inboundFrame{conn: c, raw: raw}:
		return true
	case <-r.stopped:
		return false
	}
}

// run is the router's event loop. One event (register, frame, unregister) is
// processed to completion before the next, which is what makes the paired
// membership/context updates atomic.
func (r *Router) run(ctx context.Context) {
	defer close(r.stopped)

	for {
		select {
		case <-ctx.Done():
			r.shutdownConnections()
			return

		case c := <-r.register:
			r.attach(c)
			r.startPumps(c)

		case c := <-r.unregister:
			r.detach(c)

		case frame := <-r.frames:
			r.dispatch(frame.conn, frame.raw)
		}
	}
}

// attach admits a connection into the live table and greets it. No group
// membership yet; that comes from identify.
func (r *Router) attach(c *Connection) {
	r.connections[c.id] = c
	r.log.Info("connection.open", "connectionId", c.id, "addr", c.addr)
	r.sendReady(c)
}

func (r *Router) startPumps(c *Connection) {
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		c.writePump()
	}()
	go func() {
		defer r.wg.Done()
		c.readPump()
	}()
}

// detach removes a connection and runs the group-leave transition, which
// broadcasts a DOWN presence record when the group empties. Idempotent.
func (r *Router) detach(c *Connection) {
	if _, ok := r.connections[c.id]; !ok {
		return
	}
	lastGroup := c.groupID
	delete(r.connections, c.id)
	r.leaveGroup(c)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	r.log.Info("connection.closed", "connectionId", c.id, "groupId", lastGroup)
}

// dispatch is the per-message state machine: parse, refresh liveness, then
// branch on the signal type with an unknown-type fallback.
func (r *Router) dispatch(c *Connection, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		r.log.Warn("router.bad_json", "connectionId", c.id, "bytes", len(raw))
		r.sendError(c, CodeBadJSON, "Unable to parse message")
		return
	}

	c.lastSeenAt = time.Now()

	kind := signalKind(env)
	r.log.Debug("router.message", "connectionId", c.id, "type", kind, "groupId", r.effectiveGroup(c, env))

	switch kind {
	case TypeIdentify:
		r.handleIdentify(c, env)
	case TypeHeartbeat:
		// Liveness timestamp already refreshed above; nothing else to do.
	case TypeDataUpdate:
		r.handleDataUpdate(c, env)
	default:
		r.sendError(c, CodeUnknownType, "Unsupported signal: "+kind)
	}
}

func (r *Router) handleIdentify(c *Connection, env Envelope) {
	if !hasPayload(env) {
		r.sendError(c, CodeInvalidIdentify, "Identify payload is required")
		return
	}

	var payload IdentifyPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.sendError(c, CodeInvalidIdentify, "Malformed identify payload")
		return
	}

	c.role = payload.ClientType
	if payload.GroupID != "" {
		r.assignGroup(c, payload.GroupID)
	}
	r.log.Info("router.identify", "connectionId", c.id, "role", c.role, "groupId", c.groupID)

	if c.groupID != "" {
		details := map[string]any{"role": string(c.role)}
		if payload.Metadata != nil {
			details["metadata"] = payload.Metadata
		}
		info := r.presence.Set(c.groupID, PresencePatch{Status: StatusUp, Details: details})
		r.broadcastPresence(c.groupID, info)
	}

	r.sendReady(c)
}

func (r *Router) handleDataUpdate(c *Connection, env Envelope) {
	groupID := r.effectiveGroup(c, env)

	out := env
	out.GroupID = groupID
	if out.TS == 0 {
		out.TS = nowMillis()
	}
	frame := mustMarshal(out)

	r.log.Debug("router.data_update", "connectionId", c.id, "groupId", groupID, "sessionId", env.SessionID)

	if groupID != "" {
		r.broadcastToGroup(groupID, frame)
	} else {
		r.broadcastAll(frame)
	}

	if groupID != "" && env.SessionID != "" && hasPayload(env) {
		var payload DataPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil && payload.Meta != nil {
			r.sessions.Upsert(groupID, env.SessionID, *payload.Meta)
		}
	}
}

// effectiveGroup resolves the group a message addresses: its own groupId if
// present, else the sender's current group.
func (r *Router) effectiveGroup(c *Connection, env Envelope) string {
	if env.GroupID != "" {
		return env.GroupID
	}
	return c.groupID
}

// assignGroup moves a connection into the target group, leaving its current
// one first. Re-assigning to the same group is a no-op.
func (r *Router) assignGroup(c *Connection, groupID string) {
	if c.groupID == groupID {
		return
	}
	if c.groupID != "" {
		r.leaveGroup(c)
	}

	c.groupID = groupID
	members, ok := r.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		r.groups[groupID] = members
	}
	members[c.id] = struct{}{}
}

// leaveGroup removes a connection from its current group. When the group
// empties, the group is pruned from the index and its presence record is
// merged to DOWN. The broadcast that follows reaches nobody; the state
// transition is what later joiners observe.
func (r *Router) leaveGroup(c *Connection) {
	previous := c.groupID
	if previous == "" {
		return
	}

	c.groupID = ""
	members := r.groups[previous]
	delete(members, c.id)
	if members != nil && len(members) == 0 {
		delete(r.groups, previous)
		info := r.presence.Set(previous, PresencePatch{Status: StatusDown})
		r.broadcastPresence(previous, info)
	}
}

func (r *Router) broadcastPresence(groupID string, info PresenceInfo) {
	env := newEnvelope(TypePresenceUpdate, groupID, PresencePayload{GroupID: groupID, Info: info})
	r.broadcastToGroup(groupID, mustMarshal(env))
}

// broadcastToGroup fans a frame out to every member of a group. A member
// whose send buffer is full is dropped after the pass; one bad peer must not
// block delivery to the rest.
func (r *Router) broadcastToGroup(groupID string, frame []byte) {
	members, ok := r.groups[groupID]
	if !ok {
		return
	}

	targets := make([]*Connection, 0, len(members))
	for id := range members {
		if c, ok := r.connections[id]; ok {
			targets = append(targets, c)
		}
	}

	failed := r.sendToAll(targets, frame)
	r.log.Debug("router.broadcast.group", "groupId", groupID, "size", len(targets))
	r.dropFailed(failed)
}

// broadcastAll fans a frame out to every live connection, sender included.
func (r *Router) broadcastAll(frame []byte) {
	targets := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		targets = append(targets, c)
	}

	failed := r.sendToAll(targets, frame)
	r.log.Debug("router.broadcast.all", "delivered", len(targets)-len(failed))
	r.dropFailed(failed)
}

func (r *Router) sendToAll(targets []*Connection, frame []byte) []*Connection {
	var failed []*Connection
	for _, c := range targets {
		if !r.sendFrame(c, frame) {
			failed = append(failed, c)
		}
	}
	return failed
}

func (r *Router) dropFailed(failed []*Connection) {
	for _, c := range failed {
		r.log.Warn("router.send_buffer_full", "connectionId", c.id, "addr", c.addr)
		r.detach(c)
	}
}

// sendFrame queues a frame on a connection's buffered send channel without
// blocking. It reports false for closed connections or full buffers.
func (r *Router) sendFrame(c *Connection, frame []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// sendReady greets a connection with its id, the heartbeat policy, and the
// presence of its current group when it has one.
func (r *Router) sendReady(c *Connection) {
	payload := ReadyPayload{
		ConnectionID: c.id,
		Heartbeat:    r.cfg.heartbeatPolicy(),
	}
	if c.groupID != "" {
		info := r.presence.Get(c.groupID)
		payload.Presence = &info
	}

	env := newEnvelope(TypeReady, c.groupID, payload)
	if !r.sendFrame(c, mustMarshal(env)) {
		r.log.Warn("router.ready_undelivered", "connectionId", c.id)
	}
	r.log.Debug("router.ready_sent", "connectionId", c.id, "groupId", c.groupID)
}

func (r *Router) sendError(c *Connection, code, message string) {
	env := newEnvelope(TypeError, c.groupID, ErrorPayload{Code: code, Message: message})
	if !r.sendFrame(c, mustMarshal(env)) {
		r.log.Warn("router.error_undelivered", "connectionId", c.id, "code", code)
	}
	r.log.Warn("router.error_sent", "connectionId", c.id, "code", code, "groupId", c.groupID)
}

// shutdownConnections closes every transport during hub stop. The pump
// goroutines observe the closed connections and exit on their own.
func (r *Router) shutdownConnections() {
	r.log.Info("router.shutdown", "connections", len(r.connections))

	for _, c := range r.connections {
		c.closed = true
		// Closing send unblocks the write pump; closing the transport
		// unblocks the read pump.
		close(c.send)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				r.log.Debug("router.shutdown_close_error", "connectionId", c.id, "error", err)
			}
		}
	}
	r.connections = make(map[string]*Connection)
	r.groups = make(map[string]map[string]struct{})
}

// mustMarshal encodes an outbound envelope. Envelope and its payload types
// cannot fail to marshal.
func mustMarshal(env Envelope) []byte {
	frame, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return frame
}
