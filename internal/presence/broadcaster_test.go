package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/websocket"
	"chatrelay/pkg/types"
)

var testUpgrader = gws.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeSnapshot is a Snapshotter with a settable online set.
type fakeSnapshot struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeSnapshot) set(users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = users
}

func (f *fakeSnapshot) Snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

func newTestConnection(t *testing.T) (*websocket.Connection, *gws.Conn) {
	t.Helper()

	serverConns := make(chan *gws.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade test connection: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case serverSide := <-serverConns:
		conn := websocket.NewConnection(serverSide, "", 16, time.Second, zerolog.Nop())
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server side of test connection")
		return nil, nil
	}
}

// readPresence reads frames until a getOnlineUsers event arrives.
func readPresence(t *testing.T, conn *gws.Conn) []string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var event types.Event
		require.NoError(t, conn.ReadJSON(&event))
		if event.Event != types.EventOnlineUsers {
			continue
		}
		var users []string
		require.NoError(t, json.Unmarshal(event.Data, &users))
		return users
	}
}

func startBroadcaster(t *testing.T, snapshots Snapshotter) *Broadcaster {
	t.Helper()

	b := NewBroadcaster(snapshots, zerolog.Nop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func TestBroadcaster_StartStopLifecycle(t *testing.T) {
	b := NewBroadcaster(&fakeSnapshot{}, zerolog.Nop())

	require.NoError(t, b.Start(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, b.Stop())
	assert.ErrorIs(t, b.Stop(), ErrNotRunning)
}

func TestBroadcaster_AttachTriggersSnapshot(t *testing.T) {
	snapshots := &fakeSnapshot{}
	snapshots.set("alice")
	b := startBroadcaster(t, snapshots)

	conn, client := newTestConnection(t)
	b.Attach(conn)

	assert.Equal(t, []string{"alice"}, readPresence(t, client))
	assert.Equal(t, map[string]int{"open_connections": 1}, b.Stats())
}

func TestBroadcaster_FanOutReachesAllConnections(t *testing.T) {
	snapshots := &fakeSnapshot{}
	b := startBroadcaster(t, snapshots)

	conn1, client1 := newTestConnection(t)
	conn2, client2 := newTestConnection(t)
	b.Attach(conn1)
	b.Attach(conn2)

	snapshots.set("alice", "bob")
	b.MembershipChanged()

	for _, client := range []*gws.Conn{client1, client2} {
		users := readPresence(t, client)
		for len(users) != 2 {
			users = readPresence(t, client)
		}
		assert.Equal(t, []string{"alice", "bob"}, users)
	}
}

func TestBroadcaster_FailedSendDoesNotAbortFanOut(t *testing.T) {
	snapshots := &fakeSnapshot{}
	snapshots.set("alice")
	b := startBroadcaster(t, snapshots)

	dead, _ := newTestConnection(t)
	live, liveClient := newTestConnection(t)
	b.Attach(dead)
	b.Attach(live)

	// The closed connection fails its send; delivery to the rest of the
	// audience must still happen.
	require.NoError(t, dead.Close())
	b.MembershipChanged()

	assert.Equal(t, []string{"alice"}, readPresence(t, liveClient))
}

func TestBroadcaster_DetachIsIdempotent(t *testing.T) {
	b := NewBroadcaster(&fakeSnapshot{}, zerolog.Nop())

	conn, _ := newTestConnection(t)
	b.Attach(conn)
	b.Detach(conn)
	b.Detach(conn)

	assert.Equal(t, map[string]int{"open_connections": 0}, b.Stats())
}

func TestBroadcaster_MembershipChangedNeverBlocks(t *testing.T) {
	b := NewBroadcaster(&fakeSnapshot{}, zerolog.Nop())

	// Not started: signals must coalesce into the one-slot channel instead
	// of blocking the caller (a connection lifecycle goroutine).
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.MembershipChanged()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MembershipChanged blocked")
	}
}
