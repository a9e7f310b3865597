package changefeed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/demandhub/internal/cache"
	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/pkg/realtime"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestFeed(t *testing.T) (*Feed, *realtime.Client) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := realtime.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return New(client), client
}

// eventRecorder collects events delivered on the subscription goroutine.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) get() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func publish(t *testing.T, client *realtime.Client, kind realtime.ChangeKind, rowID, teamID, boardID string) {
	t.Helper()
	err := client.PublishRowChange(context.Background(), &realtime.RowChange{
		Table:   demand.Table,
		Kind:    kind,
		RowID:   rowID,
		Columns: map[string]string{"id": rowID, "team_id": teamID, "board_id": boardID},
	})
	require.NoError(t, err)
}

func TestMask(t *testing.T) {
	assert.True(t, Mask(0).Matches(realtime.ChangeDelete))
	assert.True(t, MaskAll.Matches(realtime.ChangeInsert))
	assert.True(t, (MaskInsert | MaskDelete).Matches(realtime.ChangeDelete))
	assert.False(t, MaskInsert.Matches(realtime.ChangeUpdate))

	m, err := ParseMask("insert, DELETE")
	require.NoError(t, err)
	assert.Equal(t, MaskInsert|MaskDelete, m)

	m, err = ParseMask("ALL")
	require.NoError(t, err)
	assert.Equal(t, MaskAll, m)

	_, err = ParseMask("TRUNCATE")
	assert.Error(t, err)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers matching events with their kind", func(t *testing.T) {
		feed, client := setupTestFeed(t)
		rec := &eventRecorder{}

		var statuses []realtime.Status
		var mu sync.Mutex
		onStatus := func(s realtime.Status, err error) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, s)
		}

		sub, err := feed.Subscribe(ctx, Spec{
			Table:  demand.Table,
			Filter: Filter{Column: "id", Value: "42"},
			Mask:   MaskUpdate | MaskDelete,
		}, rec.record, onStatus)
		require.NoError(t, err)

		publish(t, client, realtime.ChangeInsert, "42", "team-1", "b")
		publish(t, client, realtime.ChangeUpdate, "43", "team-1", "b")
		publish(t, client, realtime.ChangeUpdate, "42", "team-1", "b")
		publish(t, client, realtime.ChangeDelete, "42", "team-1", "b")

		require.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 10*time.Millisecond)
		events := rec.get()
		assert.Equal(t, realtime.ChangeUpdate, events[0].Kind)
		assert.Equal(t, realtime.ChangeDelete, events[1].Kind)
		assert.Equal(t, "42", events[1].Change.RowID)

		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(statuses) == 2
		}, time.Second, 10*time.Millisecond)
		mu.Lock()
		assert.Equal(t, []realtime.Status{realtime.StatusSubscribed, realtime.StatusClosed}, statuses)
		mu.Unlock()

		assert.Zero(t, feed.Open())
		assert.NoError(t, feed.Close())
	})

	t.Run("subscriptions on one table are independent", func(t *testing.T) {
		feed, client := setupTestFeed(t)
		a, b := &eventRecorder{}, &eventRecorder{}

		subA, err := feed.Subscribe(ctx, Spec{Table: demand.Table}, a.record, nil)
		require.NoError(t, err)
		subB, err := feed.Subscribe(ctx, Spec{Table: demand.Table, Filter: Filter{Column: "team_id", Value: "team-2"}}, b.record, nil)
		require.NoError(t, err)

		publish(t, client, realtime.ChangeInsert, "1", "team-1", "")
		require.Eventually(t, func() bool { return len(a.get()) == 1 }, time.Second, 10*time.Millisecond)

		require.NoError(t, subA.Close())
		publish(t, client, realtime.ChangeInsert, "2", "team-2", "")

		require.Eventually(t, func() bool { return len(b.get()) == 1 }, time.Second, 10*time.Millisecond)
		assert.Len(t, a.get(), 1, "closed subscription receives nothing more")
		assert.Equal(t, "2", b.get()[0].Change.RowID)

		require.NoError(t, subB.Close())
		assert.NoError(t, feed.Close())
	})

	t.Run("close from inside the callback", func(t *testing.T) {
		feed, client := setupTestFeed(t)

		var sub *Subscription
		var calls atomic.Int32
		ready := make(chan struct{})
		sub, err := feed.Subscribe(ctx, Spec{Table: demand.Table}, func(ev Event) {
			<-ready
			calls.Add(1)
			sub.Close()
		}, nil)
		require.NoError(t, err)
		close(ready)

		publish(t, client, realtime.ChangeInsert, "1", "t", "")
		publish(t, client, realtime.ChangeInsert, "2", "t", "")

		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("subscription never released")
		}
		assert.Equal(t, int32(1), calls.Load())
		assert.NoError(t, feed.Close())
	})

	t.Run("resubscribe after close", func(t *testing.T) {
		feed, client := setupTestFeed(t)
		rec := &eventRecorder{}

		sub, err := feed.Subscribe(ctx, Spec{Table: demand.Table}, rec.record, nil)
		require.NoError(t, err)
		require.NoError(t, sub.Close())

		sub, err = feed.Subscribe(ctx, Spec{Table: demand.Table}, rec.record, nil)
		require.NoError(t, err)
		defer sub.Close()

		publish(t, client, realtime.ChangeInsert, "1", "t", "")
		require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 10*time.Millisecond)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		feed, _ := setupTestFeed(t)
		_, err := feed.Subscribe(ctx, Spec{}, func(Event) {}, nil)
		assert.Error(t, err)
		_, err = feed.Subscribe(ctx, Spec{Table: demand.Table}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("transport failure surfaces as error status", func(t *testing.T) {
		client, err := realtime.NewClient(&redis.Options{Addr: "localhost:1", MaxRetries: -1}, "test-instance")
		require.NoError(t, err)
		defer client.Close()

		var got []realtime.Status
		_, err = New(client).Subscribe(ctx, Spec{Table: demand.Table}, func(Event) {}, func(s realtime.Status, err error) {
			got = append(got, s)
		})
		assert.Error(t, err)
		assert.Equal(t, []realtime.Status{realtime.StatusError}, got)
	})
}

func TestCloseReportsLeaks(t *testing.T) {
	feed, _ := setupTestFeed(t)

	sub, err := feed.Subscribe(context.Background(), Spec{Table: demand.Table}, func(Event) {}, nil)
	require.NoError(t, err)

	err = feed.Close()
	assert.ErrorIs(t, err, ErrLeakedSubscriptions)
	assert.Contains(t, err.Error(), "1 still open")

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("leaked subscription was not released")
	}

	_, err = feed.Subscribe(context.Background(), Spec{Table: demand.Table}, func(Event) {}, nil)
	assert.ErrorIs(t, err, ErrFeedClosed)
}

func TestResubscribeAfterDrop(t *testing.T) {
	feed, client := setupTestFeed(t)
	spec := Spec{Table: demand.Table, Filter: Filter{Column: "team_id", Value: "team-1"}, Mask: MaskAll}

	var mu sync.Mutex
	var statuses []realtime.Status
	onStatus := func(s realtime.Status, err error) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	dropped, err := feed.Subscribe(subCtx, spec, func(Event) {}, onStatus)
	require.NoError(t, err)

	cancel()
	select {
	case <-dropped.Done():
	case <-time.After(time.Second):
		t.Fatal("dropped subscription was not released")
	}
	require.Eventually(t, func() bool { return feed.Open() == 0 }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []realtime.Status{realtime.StatusSubscribed, realtime.StatusClosed}, statuses)
	mu.Unlock()
	assert.NoError(t, dropped.Close(), "closing a dropped subscription is harmless")

	rec := &eventRecorder{}
	sub, err := feed.Subscribe(context.Background(), spec, rec.record, nil)
	require.NoError(t, err)

	publish(t, client, realtime.ChangeUpdate, "d1", "team-1", "board-1")
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "d1", rec.get()[0].Change.RowID)

	require.NoError(t, sub.Close())
	assert.NoError(t, feed.Close(), "nothing leaked")
}

func TestWatchDemandInvalidatesOnlyItsKey(t *testing.T) {
	ctx := context.Background()
	feed, client := setupTestFeed(t)

	var fetches atomic.Int32
	release := make(chan struct{})
	c := cache.New(cache.WithFreshFor(time.Minute))
	defer c.Close()
	c.Register(cache.TagDemand, func(ctx context.Context, key cache.Key) (any, error) {
		if fetches.Add(1) > 2 {
			<-release
		}
		return key.ID, nil
	})

	_, err := c.Read(ctx, cache.DemandKey("42"))
	require.NoError(t, err)
	_, err = c.Read(ctx, cache.DemandKey("43"))
	require.NoError(t, err)

	sub, err := feed.WatchDemand(ctx, "42", c, nil)
	require.NoError(t, err)
	defer sub.Close()

	publish(t, client, realtime.ChangeUpdate, "42", "team-1", "")

	require.Eventually(t, func() bool {
		v, _ := c.Peek(cache.DemandKey("42"))
		return v.Stale
	}, time.Second, 10*time.Millisecond)

	v43, _ := c.Peek(cache.DemandKey("43"))
	assert.False(t, v43.Stale)

	require.Eventually(t, func() bool { return fetches.Load() == 3 }, time.Second, 10*time.Millisecond,
		"refetch scheduled")
	close(release)
	require.Eventually(t, func() bool {
		v, _ := c.Peek(cache.DemandKey("42"))
		return !v.Stale
	}, time.Second, 10*time.Millisecond)

	publish(t, client, realtime.ChangeDelete, "42", "team-1", "")
	require.Eventually(t, func() bool {
		_, ok := c.Peek(cache.DemandKey("42"))
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTeamKeys(t *testing.T) {
	ev := Event{Kind: realtime.ChangeUpdate, Change: &realtime.RowChange{
		RowID:   "42",
		Columns: map[string]string{"board_id": "b1"},
	}}
	assert.Equal(t, []cache.Key{
		cache.TeamDemandsKey("t"),
		cache.BoardDemandsKey("b1"),
		cache.DemandKey("42"),
	}, TeamKeys("t", ev))

	ev.Kind = realtime.ChangeDelete
	ev.Change.Columns = nil
	assert.Equal(t, []cache.Key{cache.TeamDemandsKey("t")}, TeamKeys("t", ev))
}
