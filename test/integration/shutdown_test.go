package integration

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/groupcast/relay/internal/server"
	"github.com/groupcast/relay/test/testhelpers"
)

func TestShutdownClosesLiveConnections(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gateway := server.NewGateway(server.DefaultConfig(), logger)
	if err := gateway.Start(); err != nil {
		t.Fatalf("Failed to start gateway: %v", err)
	}
	ts := httptest.NewServer(gateway.Routes())
	defer ts.Close()

	conn := testhelpers.Dial(t, testhelpers.WSURL(ts, "/ws"))
	testhelpers.WaitForType(t, conn, "ready", 2*time.Second)

	if err := gateway.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// The client observes the teardown as a read failure shortly after.
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected read to fail after gateway shutdown")
	}
}

func TestShutdownRefusesLateConnections(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gateway := server.NewGateway(server.DefaultConfig(), logger)
	if err := gateway.Start(); err != nil {
		t.Fatalf("Failed to start gateway: %v", err)
	}
	ts := httptest.NewServer(gateway.Routes())
	defer ts.Close()

	if err := gateway.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// The upgrade may still succeed at the HTTP layer, but the router
	// refuses the registration and closes the transport immediately.
	conn, err := testhelpers.DialWithOrigin(testhelpers.WSURL(ts, "/ws"), "")
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected no service after shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gateway := server.NewGateway(server.DefaultConfig(), logger)
	if err := gateway.Start(); err != nil {
		t.Fatalf("Failed to start gateway: %v", err)
	}

	if err := gateway.Shutdown(time.Second); err != nil {
		t.Fatalf("First shutdown failed: %v", err)
	}
	if err := gateway.Shutdown(time.Second); err != nil {
		t.Errorf("Second shutdown should be a no-op, got %v", err)
	}
}
