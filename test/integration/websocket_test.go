package integration

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groupcast/relay/internal/server"
	"github.com/groupcast/relay/test/testhelpers"
)

const readTimeout = 2 * time.Second

func TestReadyIsFirstMessage(t *testing.T) {
	_, ts := testhelpers.StartGateway(t, nil)

	conn := testhelpers.Dial(t, testhelpers.WSURL(ts, "/ws"))

	env := testhelpers.ReadEnvelope(t, conn, readTimeout)
	if env.Type != "ready" {
		t.Fatalf("Expected first message to be ready, got %q", env.Type)
	}
	if env.TS == 0 {
		t.Error("ready envelope is missing ts")
	}

	var payload server.ReadyPayload
	testhelpers.UnmarshalPayload(t, env, &payload)
	if payload.ConnectionID == "" {
		t.Error("ready payload is missing connectionId")
	}
	if payload.Heartbeat.IntervalMs <= 0 || payload.Heartbeat.TimeoutMs <= 0 {
		t.Errorf("ready payload advertises no heartbeat policy: %+v", payload.Heartbeat)
	}
	if payload.Presence != nil {
		t.Error("fresh connection should have no presence in its greeting")
	}
}

func TestIdentifyBroadcastsPresenceToGroup(t *testing.T) {
	_, ts := testhelpers.StartGateway(t, nil)
	url := testhelpers.WSURL(ts, "/ws")

	first := testhelpers.Dial(t, url)
	testhelpers.WaitForType(t, first, "ready", readTimeout)
	testhelpers.SendIdentify(t, first, "app-client", "group-a")

	// The identifying member sees the presence broadcast, then a fresh ready.
	presenceEnv := testhelpers.ReadEnvelope(t, first, readTimeout)
	if presenceEnv.Type != "presence_update" {
		t.Fatalf("Expected presence_update after identify, got %q", presenceEnv.Type)
	}
	var presence server.PresencePayload
	testhelpers.UnmarshalPayload(t, presenceEnv, &presence)
	if presence.GroupID != "group-a" || presence.Info.Status != server.StatusUp {
		t.Errorf("Unexpected presence payload: %+v", presence)
	}

	readyEnv := testhelpers.ReadEnvelope(t, first, readTimeout)
	if readyEnv.Type != "ready" {
		t.Fatalf("Expected fresh ready after identify, got %q", readyEnv.Type)
	}
	var ready server.ReadyPayload
	testhelpers.UnmarshalPayload(t, readyEnv, &ready)
	if ready.Presence == nil || ready.Presence.Status != server.StatusUp {
		t.Errorf("Fresh ready should reflect UP presence, got %+v", ready.Presence)
	}

	// A second member joining the group notifies every member, the first
	// included.
	second := testhelpers.Dial(t, url)
	testhelpers.WaitForType(t, second, "ready", readTimeout)
	testhelpers.SendIdentify(t, second, "dashboard", "group-a")

	env := testhelpers.WaitForType(t, first, "presence_update", readTimeout)
	testhelpers.UnmarshalPayload(t, env, &presence)
	if presence.Info.Status != server.StatusUp {
		t.Errorf("Expected UP broadcast to existing member, got %+v", presence.Info)
	}
	testhelpers.WaitForType(t, second, "presence_update", readTimeout)
}

func TestBadJSONReturnsError(t *testing.T) {
	_, ts := testhelpers.StartGateway(t, nil)

	conn := testhelpers.Dial(t, testhelpers.WSURL(ts, "/ws"))
	testhelpers.WaitForType(t, conn, "ready", readTimeout)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{this is not json")); err != nil {
		t.Fatalf("Failed to send raw message: %v", err)
	}

	env := testhelpers.ReadEnvelope(t, conn, readTimeout)
	if env.Type != "error" {
		t.Fatalf("Expected error envelope, got %q", env.Type)
	}
	var payload server.ErrorPayload
	testhelpers.UnmarshalPayload(t, env, &payload)
	if payload.Code != "BAD_JSON" {
		t.Errorf("Expected BAD_JSON, got %q", payload.Code)
	}

	// Exactly one error and nothing else.
	testhelpers.ExpectNoMessage(t, conn, 200*time.Millisecond)
}

func TestUnknownTypeReturnsError(t *testing.T) {
	_, ts := testhelpers.StartGateway(t, nil)

	conn := testhelpers.Dial(t, testhelpers.WSURL(ts, "/ws"))
	testhelpers.WaitForType(t, conn, "ready", readTimeout)

	testhelpers.SendJSON(t, conn, map[string]any{"type": "mystery"})

	env := testhelpers.ReadEnvelope(t, conn, readTimeout)
	var payload server.ErrorPayload
	testhelpers.UnmarshalPayload(t, env, &payload)
	if payload.Code != "UNKNOWN_TYPE" {
		t.Errorf("Expected UNKNOWN_TYPE, got %q", payload.Code)
	}
	if !strings.Contains(payload.Message, "mystery") {
		t.Errorf("Error message should name the unrecognized type, got %q", payload.Message)
	}
}

func TestIdentifyWithoutPayloadReturnsError(t *testing.T) {
	_, ts := testhelpers.StartGateway(t, nil)

	conn := testhelpers.Dial(t, testhelpers.WSURL(ts, "/ws"))
	testhelpers.WaitForType(t, conn, "ready", readTimeout)

	testhelpers.SendJSON(t, conn, map[string]any{"type": "identify", "ts": time.Now().UnixMilli()})

	env := testhelpers.ReadEnvelope(t, conn, readTimeout)
	var payload server.ErrorPayload
	testhelpers.UnmarshalPayload(t, env, &payload)
	if payload.Code != "INVALID_IDENTIFY" {
		t.Errorf("Expected INVALID_IDENTIFY, got %q", payload.Code)
	}
}

func TestHeartbeatProducesNoResponse(t *testing.T) {
	_, ts := testhelpers.StartGateway(t, nil)

	conn := testhelpers.Dial(t, testhelpers.WSURL(ts, "/ws"))
	testhelpers.WaitForType(t, conn, "ready", readTimeout)

	testhelpers.SendJSON(t, conn, map[string]any{"type": "heartbeat", "ts": time.Now().UnixMilli()})
	testhelpers.ExpectNoMessage(t, conn, 200*time.Millisecond)
}
