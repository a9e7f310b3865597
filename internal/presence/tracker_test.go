package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/demandhub/pkg/realtime"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topic = "demand:42"

func setupTransport(t *testing.T) (*realtime.Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := realtime.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func connect(t *testing.T, transport Transport, userID string, opts ...Option) *Tracker {
	t.Helper()
	tr := NewTracker(transport, User{ID: userID, DisplayName: "User " + userID}, opts...)
	require.NoError(t, tr.Connect(context.Background(), topic))
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr
}

func userIDs(records []realtime.PresenceRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.UserID
	}
	return ids
}

// orderedTransport records the order of untrack and unsubscribe.
type orderedTransport struct {
	*realtime.Client
	mu    sync.Mutex
	calls []string
}

func (o *orderedTransport) record(call string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call)
}

func (o *orderedTransport) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

func (o *orderedTransport) Subscribe(ctx context.Context, topic string, onStatus realtime.StatusFunc) (*realtime.Subscription, error) {
	return o.Client.Subscribe(ctx, topic, func(s realtime.Status, err error) {
		if s == realtime.StatusClosed {
			o.record("unsubscribe")
		}
		onStatus(s, err)
	})
}

func (o *orderedTransport) Untrack(ctx context.Context, topic string, rec realtime.PresenceRecord) error {
	o.record("untrack")
	return o.Client.Untrack(ctx, topic, rec)
}

func TestConnect(t *testing.T) {
	client, _ := setupTransport(t)
	alice := NewTracker(client, User{ID: "alice", DisplayName: "Alice"})
	assert.Equal(t, StateDisconnected, alice.State())

	require.NoError(t, alice.Connect(context.Background(), topic))
	defer alice.Close(context.Background())

	assert.Equal(t, StateConnected, alice.State())
	assert.Equal(t, topic, alice.Topic())
	assert.True(t, alice.IsUserOnline("alice"))
	assert.Empty(t, alice.Viewers(), "self is never a viewer")

	err := alice.Connect(context.Background(), topic)
	assert.ErrorIs(t, err, ErrNotDisconnected)
}

func TestRosterFollowsSync(t *testing.T) {
	client, _ := setupTransport(t)

	alice := connect(t, client, "alice")
	bobTab1 := connect(t, client, "bob")
	bobTab2 := connect(t, client, "bob")

	require.Eventually(t, func() bool { return len(alice.Viewers()) == 2 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"bob", "bob"}, userIDs(alice.Viewers()), "each session is its own viewer entry")
	assert.ElementsMatch(t, []string{"alice", "bob"}, userIDs(alice.OnlineUsers()), "online users are de-duplicated")
	assert.True(t, alice.IsUserOnline("bob"))
	assert.Equal(t, []string{"alice"}, userIDs(bobTab1.Viewers()))

	require.NoError(t, bobTab1.Close(context.Background()))
	require.Eventually(t, func() bool { return len(alice.Viewers()) == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, alice.IsUserOnline("bob"), "bob still has a tab open")

	require.NoError(t, bobTab2.Close(context.Background()))
	require.Eventually(t, func() bool { return !alice.IsUserOnline("bob") }, time.Second, 10*time.Millisecond)
}

func TestCloseUntracksBeforeUnsubscribing(t *testing.T) {
	client, _ := setupTransport(t)
	transport := &orderedTransport{Client: client}

	tr := NewTracker(transport, User{ID: "alice"})
	require.NoError(t, tr.Connect(context.Background(), topic))
	require.NoError(t, tr.Close(context.Background()))

	require.Eventually(t, func() bool { return len(transport.get()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"untrack", "unsubscribe"}, transport.get())
	assert.Equal(t, StateDisconnected, tr.State())
	assert.False(t, tr.IsUserOnline("alice"))

	roster, err := client.Roster(context.Background(), topic)
	require.NoError(t, err)
	assert.Empty(t, roster)

	assert.NoError(t, tr.Close(context.Background()), "closing twice is harmless")
}

func TestSwitch(t *testing.T) {
	client, _ := setupTransport(t)
	ctx := context.Background()

	tr := NewTracker(client, User{ID: "alice"})
	require.NoError(t, tr.Connect(ctx, "demand:1"))
	require.NoError(t, tr.Switch(ctx, "demand:2"))
	defer tr.Close(ctx)

	assert.Equal(t, "demand:2", tr.Topic())
	assert.Equal(t, StateConnected, tr.State())

	old, err := client.Roster(ctx, "demand:1")
	require.NoError(t, err)
	assert.Empty(t, old)

	current, err := client.Roster(ctx, "demand:2")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, userIDs(current))
}

func TestConnectFailureDegrades(t *testing.T) {
	client, err := realtime.NewClient(&redis.Options{Addr: "localhost:1", MaxRetries: -1}, "test-instance")
	require.NoError(t, err)
	defer client.Close()

	tr := NewTracker(client, User{ID: "alice"})
	err = tr.Connect(context.Background(), topic)
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, tr.State())
	assert.False(t, tr.IsUserOnline("alice"))
	assert.NoError(t, tr.Close(context.Background()))
}

func TestHeartbeatReloadsRoster(t *testing.T) {
	client, mr := setupTransport(t)

	var mu sync.Mutex
	changes := 0
	alice := connect(t, client, "alice",
		WithHeartbeat(50*time.Millisecond),
		WithOnChange(func() {
			mu.Lock()
			defer mu.Unlock()
			changes++
		}))

	// A session written without any broadcast is only seen via the heartbeat
	now := time.Now().UnixMilli()
	carol := realtime.PresenceRecord{SessionKey: "carol-1", UserID: "carol", OnlineAtMs: now, SeenAtMs: now}
	data, err := json.Marshal(carol)
	require.NoError(t, err)
	mr.HSet(realtime.PresenceKey("test-instance", topic), carol.SessionKey, string(data))

	require.Eventually(t, func() bool { return alice.IsUserOnline("carol") }, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Greater(t, changes, 1)
	mu.Unlock()
}

func TestDroppedSubscriptionDegradesAndReconnects(t *testing.T) {
	client, _ := setupTransport(t)
	ctx := context.Background()

	tr := NewTracker(client, User{ID: "alice"}, WithHeartbeat(20*time.Millisecond))
	connCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, tr.Connect(connCtx, topic))
	require.True(t, tr.IsUserOnline("alice"))

	// Ending the subscription's context drops it without Close
	cancel()
	require.Eventually(t, func() bool { return tr.State() == StateDisconnected }, time.Second, 10*time.Millisecond)
	assert.False(t, tr.IsUserOnline("alice"))

	// The heartbeat must not bring the roster back
	time.Sleep(100 * time.Millisecond)
	assert.False(t, tr.IsUserOnline("alice"))
	assert.Equal(t, StateDisconnected, tr.State())

	roster, err := client.Roster(ctx, topic)
	require.NoError(t, err)
	assert.Empty(t, roster, "a dropped session is untracked")

	require.NoError(t, tr.Connect(ctx, topic))
	assert.Equal(t, StateConnected, tr.State())
	assert.True(t, tr.IsUserOnline("alice"))

	closed := make(chan error, 1)
	go func() { closed <- tr.Close(ctx) }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after reconnecting")
	}
	assert.Equal(t, StateDisconnected, tr.State())

	roster, err = client.Roster(ctx, topic)
	require.NoError(t, err)
	assert.Empty(t, roster)
}

// gatedTransport holds Track until the test releases it.
type gatedTransport struct {
	*realtime.Client
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTransport) Track(ctx context.Context, topic string, rec realtime.PresenceRecord) error {
	close(g.entered)
	<-g.release
	return g.Client.Track(ctx, topic, rec)
}

func TestCloseWhileConnecting(t *testing.T) {
	client, _ := setupTransport(t)
	ctx := context.Background()
	transport := &gatedTransport{Client: client, entered: make(chan struct{}), release: make(chan struct{})}

	tr := NewTracker(transport, User{ID: "alice"})
	connected := make(chan error, 1)
	go func() { connected <- tr.Connect(ctx, topic) }()

	<-transport.entered
	assert.Equal(t, StateConnecting, tr.State())
	require.NoError(t, tr.Close(ctx))
	close(transport.release)

	select {
	case err := <-connected:
		assert.ErrorIs(t, err, ErrClosedWhileConnecting)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, StateDisconnected, tr.State())
	assert.False(t, tr.IsUserOnline("alice"))

	roster, err := client.Roster(ctx, topic)
	require.NoError(t, err)
	assert.Empty(t, roster, "the abandoned session is untracked")

	require.NoError(t, tr.Connect(ctx, topic), "the tracker can connect again")
	require.NoError(t, tr.Close(ctx))
}
