// Package server defines the wire protocol spoken by the relay gateway:
// the message envelope shared by every frame and the typed payloads of the
// known inbound and outbound signals.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// ClientRole identifies what kind of peer a connection claims to be.
type ClientRole string

// Known client roles accepted in an identify payload.
const (
	RoleAppClient   ClientRole = "app-client"
	RoleServiceNode ClientRole = "service-node"
	RoleDashboard   ClientRole = "dashboard"
)

// Inbound and outbound signal type tags.
const (
	TypeIdentify       = "identify"
	TypeHeartbeat      = "heartbeat"
	TypeDataUpdate     = "data_update"
	TypeReady          = "ready"
	TypePresenceUpdate = "presence_update"
	TypeError          = "error"
)

// Error codes carried in error envelopes.
const (
	CodeBadJSON         = "BAD_JSON"
	CodeInvalidIdentify = "INVALID_IDENTIFY"
	CodeUnknownType     = "UNKNOWN_TYPE"
)

// ErrBadJSON reports a frame that could not be parsed as JSON at all.
var ErrBadJSON = errors.New("frame is not valid JSON")

// Envelope is the uniform wrapper for every message on the wire. Payload is
// kept raw so data updates can be relayed without reshaping the sender's
// content.
type Envelope struct {
	Type      string          `json:"type"`
	TS        int64           `json:"ts,omitempty"`
	TraceID   string          `json:"traceId,omitempty"`
	Version   string          `json:"version,omitempty"`
	GroupID   string          `json:"groupId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IdentifyPayload is the required payload of an identify signal.
type IdentifyPayload struct {
	ClientType ClientRole     `json:"clientType"`
	GroupID    string         `json:"groupId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DataPayload is the payload of a data_update signal. Data is opaque to the
// router; Meta, when present together with a session id, feeds the session
// store.
type DataPayload struct {
	Data json.RawMessage `json:"data,omitempty"`
	Meta *SessionMeta    `json:"meta,omitempty"`
}

// HeartbeatPolicy advertises the cadence clients should ping at. The router
// never enforces the timeout; it is informational.
type HeartbeatPolicy struct {
	IntervalMs int64 `json:"intervalMs"`
	TimeoutMs  int64 `json:"timeoutMs"`
}

// ReadyPayload greets a connection with its assigned id, the heartbeat
// policy, and the presence of its current group when it has one.
type ReadyPayload struct {
	ConnectionID string          `json:"connectionId"`
	Heartbeat    HeartbeatPolicy `json:"heartbeat"`
	Presence     *PresenceInfo   `json:"presence,omitempty"`
}

// PresencePayload announces a group's merged presence record.
type PresencePayload struct {
	GroupID string       `json:"groupId"`
	Info    PresenceInfo `json:"info"`
}

// ErrorPayload reports a protocol error back to the offending connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// decodeEnvelope parses a raw text frame. It returns ErrBadJSON when the
// frame is not JSON. A frame that is valid JSON but not envelope-shaped
// (an array, a bare string, a non-string type field) decodes to an Envelope
// with an empty Type so the dispatcher can route it to the unknown fallback.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		return env, nil
	}
	if !json.Valid(raw) {
		return Envelope{}, ErrBadJSON
	}
	return Envelope{}, nil
}

// signalKind normalizes a decoded type tag, mapping the missing or
// non-string case to "unknown".
func signalKind(env Envelope) string {
	if env.Type == "" {
		return "unknown"
	}
	return env.Type
}

// hasPayload reports whether an envelope carries a usable payload. JSON null
// counts as absent.
func hasPayload(env Envelope) bool {
	trimmed := bytes.TrimSpace(env.Payload)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// newEnvelope builds an outbound envelope with ts set to now, marshaling the
// typed payload. Marshal failure cannot happen for the payload types above.
func newEnvelope(msgType, groupID string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return Envelope{
		Type:    msgType,
		TS:      nowMillis(),
		GroupID: groupID,
		Payload: raw,
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
