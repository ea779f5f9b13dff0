// Package testhelpers provides common utilities for testing the relay
// gateway: spinning up a gateway behind httptest, dialing WebSocket clients,
// and reading protocol envelopes with deadlines.
package testhelpers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groupcast/relay/internal/server"
)

// StartGateway boots a gateway with default test configuration (optionally
// customized) behind an httptest server. Both are torn down via t.Cleanup,
// gateway first so hijacked WebSocket connections are gone before the HTTP
// listener closes.
func StartGateway(t *testing.T, customize func(cfg *server.Config)) (*server.Gateway, *httptest.Server) {
	t.Helper()

	cfg := server.DefaultConfig()
	if customize != nil {
		customize(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gateway := server.NewGateway(cfg, logger)
	if err := gateway.Start(); err != nil {
		t.Fatalf("Failed to start gateway: %v", err)
	}

	ts := httptest.NewServer(gateway.Routes())
	t.Cleanup(func() {
		if err := gateway.Shutdown(5 * time.Second); err != nil {
			t.Logf("gateway shutdown: %v", err)
		}
		ts.Close()
	})

	return gateway, ts
}

// WSURL converts an httptest server URL into the ws:// URL of the given path.
func WSURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// Dial opens a WebSocket connection and registers its cleanup.
func Dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, err := DialWithOrigin(url, "")
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialWithOrigin opens a WebSocket connection, optionally sending an Origin
// header, and returns the raw error for tests asserting rejection.
func DialWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ReadEnvelope reads the next envelope from the connection, failing the test
// after the timeout.
func ReadEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) server.Envelope {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read envelope: %v", err)
	}

	var env server.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Failed to decode envelope %s: %v", raw, err)
	}
	return env
}

// WaitForType reads envelopes until one of the wanted type arrives,
// discarding others. Fails the test when the timeout elapses first.
func WaitForType(t *testing.T, conn *websocket.Conn, msgType string, timeout time.Duration) server.Envelope {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %q envelope", msgType)
		}
		env := ReadEnvelope(t, conn, remaining)
		if env.Type == msgType {
			return env
		}
	}
}

// SendJSON marshals and sends a message as one text frame.
func SendJSON(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()

	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
}

// SendIdentify sends an identify signal for the given role and group.
func SendIdentify(t *testing.T, conn *websocket.Conn, clientType, groupID string) {
	t.Helper()

	payload := map[string]any{"clientType": clientType}
	if groupID != "" {
		payload["groupId"] = groupID
	}
	SendJSON(t, conn, map[string]any{
		"type":    "identify",
		"ts":      time.Now().UnixMilli(),
		"payload": payload,
	})
}

// ExpectNoMessage asserts that nothing arrives on the connection within the
// window.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, received %s", raw)
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

// UnmarshalPayload decodes an envelope payload into target.
func UnmarshalPayload(t *testing.T, env server.Envelope, target any) {
	t.Helper()

	if err := json.Unmarshal(env.Payload, target); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", env.Type, err)
	}
}
