package integration

import (
	"testing"
	"time"

	"github.com/groupcast/relay/internal/server"
	"github.com/groupcast/relay/test/testhelpers"
)

func TestLastMemberDisconnectTransitionsPresenceDown(t *testing.T) {
	gateway, ts := testhelpers.StartGateway(t, nil)
	url := testhelpers.WSURL(ts, "/ws")

	conn := testhelpers.Dial(t, url)
	joinGroup(t, conn, "app-client", "group-a")

	if status := gateway.Router().Presence().Get("group-a").Status; status != server.StatusUp {
		t.Fatalf("Expected UP after join, got %q", status)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Failed to close connection: %v", err)
	}

	if !waitForStatus(gateway, "group-a", server.StatusDown, readTimeout) {
		t.Fatalf("Presence did not transition to DOWN, still %q",
			gateway.Router().Presence().Get("group-a").Status)
	}
}

func TestNonLastMemberDisconnectKeepsPresenceUp(t *testing.T) {
	gateway, ts := testhelpers.StartGateway(t, nil)
	url := testhelpers.WSURL(ts, "/ws")

	first := testhelpers.Dial(t, url)
	second := testhelpers.Dial(t, url)
	joinGroup(t, first, "app-client", "group-a")
	joinGroup(t, second, "app-client", "group-a")

	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close connection: %v", err)
	}

	// Give the unregister a moment to land, then confirm no DOWN happened.
	time.Sleep(200 * time.Millisecond)
	if status := gateway.Router().Presence().Get("group-a").Status; status != server.StatusUp {
		t.Errorf("Expected UP while a member remains, got %q", status)
	}
}

func TestRejoinAfterDownBroadcastsUp(t *testing.T) {
	gateway, ts := testhelpers.StartGateway(t, nil)
	url := testhelpers.WSURL(ts, "/ws")

	first := testhelpers.Dial(t, url)
	joinGroup(t, first, "app-client", "group-a")
	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close connection: %v", err)
	}
	if !waitForStatus(gateway, "group-a", server.StatusDown, readTimeout) {
		t.Fatal("Presence did not transition to DOWN")
	}

	second := testhelpers.Dial(t, url)
	testhelpers.WaitForType(t, second, "ready", readTimeout)
	testhelpers.SendIdentify(t, second, "app-client", "group-a")

	env := testhelpers.WaitForType(t, second, "presence_update", readTimeout)
	var presence server.PresencePayload
	testhelpers.UnmarshalPayload(t, env, &presence)
	if presence.Info.Status != server.StatusUp {
		t.Errorf("Expected UP broadcast on rejoin, got %q", presence.Info.Status)
	}
}

func waitForStatus(gateway *server.Gateway, groupID string, want server.PresenceStatus, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if gateway.Router().Presence().Get(groupID).Status == want {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
