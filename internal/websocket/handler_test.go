package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/presence"
	"chatrelay/internal/websocket"
	"chatrelay/pkg/types"
)

// gatewayFixture wires registry, broadcaster, and handler the way the
// application does, behind a live test server.
type gatewayFixture struct {
	registry *websocket.Registry
	server   *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	registry := websocket.NewRegistry(zerolog.Nop())
	broadcaster := presence.NewBroadcaster(registry, zerolog.Nop())
	registry.OnChange(broadcaster.MembershipChanged)
	require.NoError(t, broadcaster.Start(context.Background()))
	t.Cleanup(func() { _ = broadcaster.Stop() })

	handler := websocket.NewHandler(registry, broadcaster, websocket.HandlerOptions{
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     100 * time.Millisecond,
		ReadTimeout:      time.Second,
		WriteTimeout:     time.Second,
		SendBuffer:       16,
		AllowedOrigin:    "*",
	}, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.HandleWebSocket)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &gatewayFixture{registry: registry, server: server}
}

func (f *gatewayFixture) dial(t *testing.T, userID string) *gws.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if userID != "" {
		url += "?userId=" + userID
	}
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "failed to dial gateway")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitForPresence reads frames until a getOnlineUsers snapshot equals want
// as a set. Broadcasts may be coalesced or superseded, so intermediate
// snapshots are skipped.
func waitForPresence(t *testing.T, conn *gws.Conn, want []string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	wanted := make(map[string]bool, len(want))
	for _, id := range want {
		wanted[id] = true
	}

	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var event types.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("connection closed while waiting for presence %v: %v", want, err)
		}
		if event.Event != types.EventOnlineUsers {
			continue
		}
		var users []string
		require.NoError(t, json.Unmarshal(event.Data, &users))
		if len(users) != len(wanted) {
			continue
		}
		match := true
		for _, id := range users {
			if !wanted[id] {
				match = false
				break
			}
		}
		if match {
			return
		}
	}
	t.Fatalf("never observed presence snapshot %v", want)
}

func TestHandler_RegistersIdentifiedConnection(t *testing.T) {
	fixture := newGatewayFixture(t)

	client := fixture.dial(t, "alice")
	waitForPresence(t, client, []string{"alice"})

	require.Eventually(t, func() bool {
		_, ok := fixture.registry.Lookup("alice")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_AcceptsUnidentifiedConnection(t *testing.T) {
	fixture := newGatewayFixture(t)

	anon := fixture.dial(t, "")
	// The connection is accepted and receives presence even though it will
	// never appear in the online set.
	waitForPresence(t, anon, []string{})
	assert.Empty(t, fixture.registry.Snapshot())
}

func TestHandler_MalformedUserIDStaysUnregistered(t *testing.T) {
	fixture := newGatewayFixture(t)

	client := fixture.dial(t, "not%20a%20valid%20id%21")
	waitForPresence(t, client, []string{})
	assert.Empty(t, fixture.registry.Snapshot())
}

func TestHandler_DisconnectBroadcastsAbsence(t *testing.T) {
	fixture := newGatewayFixture(t)

	alice := fixture.dial(t, "alice")
	bob := fixture.dial(t, "bob")

	waitForPresence(t, alice, []string{"alice", "bob"})
	waitForPresence(t, bob, []string{"alice", "bob"})

	require.NoError(t, bob.Close())

	// Every surviving connection observes a snapshot without bob.
	waitForPresence(t, alice, []string{"alice"})
	require.Eventually(t, func() bool {
		_, ok := fixture.registry.Lookup("bob")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ReplacementSurvivesStaleClose(t *testing.T) {
	fixture := newGatewayFixture(t)

	first := fixture.dial(t, "alice")
	waitForPresence(t, first, []string{"alice"})

	second := fixture.dial(t, "alice")
	waitForPresence(t, second, []string{"alice"})

	// Closing the displaced connection must not knock the newer one out of
	// the registry.
	require.NoError(t, first.Close())

	time.Sleep(200 * time.Millisecond)
	_, ok := fixture.registry.Lookup("alice")
	assert.True(t, ok, "stale close removed the live connection")
	assert.Equal(t, []string{"alice"}, fixture.registry.Snapshot())
}

func TestHandler_HeartbeatKeepsIdleConnectionAlive(t *testing.T) {
	fixture := newGatewayFixture(t)

	client := fixture.dial(t, "alice")
	waitForPresence(t, client, []string{"alice"})

	// Idle well past the server read timeout; pings answered by the
	// default pong handler keep the session registered.
	deadline := time.Now().Add(1500 * time.Millisecond)
	require.NoError(t, client.SetReadDeadline(deadline.Add(time.Second)))
	for time.Now().Before(deadline) {
		if _, _, err := client.ReadMessage(); err != nil {
			break
		}
	}

	_, ok := fixture.registry.Lookup("alice")
	assert.True(t, ok, "idle connection was dropped despite heartbeat")
}
