package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedFetcher counts calls and blocks each fetch until released.
type gatedFetcher struct {
	calls   atomic.Int32
	started chan Key
	release chan struct{}
	mu      sync.Mutex
	value   any
	err     error
}

func newGatedFetcher(value any) *gatedFetcher {
	return &gatedFetcher{
		started: make(chan Key, 16),
		release: make(chan struct{}),
		value:   value,
	}
}

func (f *gatedFetcher) fetch(ctx context.Context, key Key) (any, error) {
	f.calls.Add(1)
	f.started <- key
	<-f.release
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

func (f *gatedFetcher) set(value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = value
}

// instantFetcher returns immediately with a value derived from a counter.
type instantFetcher struct {
	calls atomic.Int32
}

func (f *instantFetcher) fetch(ctx context.Context, key Key) (any, error) {
	n := f.calls.Add(1)
	return key.String() + "#" + string(rune('0'+n)), nil
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for refetch")
		return nil
	}
}

func TestNewKey(t *testing.T) {
	a := NewKey("demands-list", "", map[string]string{"board_id": "X", "limit": "50"})
	b := NewKey("demands-list", "", map[string]string{"limit": "50", "board_id": "X"})
	assert.Equal(t, a, b, "parameter order must not matter")
	assert.Equal(t, "X", a.Param("board_id"))
	assert.Equal(t, "", a.Param("missing"))

	assert.NotEqual(t, NewKey("demand", "42", nil), NewKey("demand", "43", nil))
	assert.NotEqual(t, BoardDemandsKey("X"), TeamDemandsKey("X"))
	assert.Equal(t, "[demand 42]", DemandKey("42").String())
}

func TestRead(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches missing entry then serves it fresh", func(t *testing.T) {
		f := &instantFetcher{}
		c := New(WithFreshFor(time.Minute))
		defer c.Close()
		c.Register(TagDemand, f.fetch)

		v, err := c.Read(ctx, DemandKey("42"))
		require.NoError(t, err)
		assert.False(t, v.Stale)
		assert.Equal(t, "[demand 42]#1", v.Data)

		v, err = c.Read(ctx, DemandKey("42"))
		require.NoError(t, err)
		assert.False(t, v.Stale)
		assert.Equal(t, int32(1), f.calls.Load())
	})

	t.Run("entry older than freshness window is served stale and revalidated", func(t *testing.T) {
		now := time.Unix(1_700_000_000, 0)
		var mu sync.Mutex
		clock := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}

		f := &instantFetcher{}
		c := New(WithFreshFor(30*time.Second), WithClock(clock))
		defer c.Close()
		c.Register(TagDemand, f.fetch)

		_, err := c.Read(ctx, DemandKey("42"))
		require.NoError(t, err)

		mu.Lock()
		now = now.Add(31 * time.Second)
		mu.Unlock()

		v, err := c.Read(ctx, DemandKey("42"))
		require.NoError(t, err)
		assert.True(t, v.Stale)
		assert.Equal(t, "[demand 42]#1", v.Data)

		require.Eventually(t, func() bool {
			v, ok := c.Peek(DemandKey("42"))
			return ok && !v.Stale && v.Data == "[demand 42]#2"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("missing fetcher", func(t *testing.T) {
		c := New()
		defer c.Close()

		_, err := c.Read(ctx, NewKey("nope", "1", nil))
		assert.ErrorIs(t, err, ErrNoFetcher)
	})

	t.Run("fetch error is returned and nothing cached", func(t *testing.T) {
		c := New()
		defer c.Close()
		c.Register(TagDemand, func(ctx context.Context, key Key) (any, error) {
			return nil, errors.New("store down")
		})

		_, err := c.Read(ctx, DemandKey("42"))
		assert.EqualError(t, err, "store down")
		_, ok := c.Peek(DemandKey("42"))
		assert.False(t, ok)
	})

	t.Run("honours context", func(t *testing.T) {
		f := newGatedFetcher("v")
		c := New()
		defer c.Close()
		c.Register(TagDemand, f.fetch)
		defer close(f.release)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.Read(cctx, DemandKey("42"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestInvalidateCoalescesRefetches(t *testing.T) {
	ctx := context.Background()
	key := BoardDemandsKey("X")

	f := newGatedFetcher([]string{"a"})
	c := New(WithFreshFor(time.Minute))
	defer c.Close()
	c.Register(TagDemandsList, f.fetch)

	// Prime the entry
	go func() { f.release <- struct{}{} }()
	_, err := c.Read(ctx, key)
	require.NoError(t, err)
	<-f.started

	f.set([]string{"a", "b"})
	first := c.Invalidate(key)

	select {
	case <-f.started:
	case <-time.After(time.Second):
		t.Fatal("refetch never started")
	}

	v, ok := c.Peek(key)
	require.True(t, ok)
	assert.True(t, v.Stale)

	// Invalidated again while the refetch is in flight
	second := c.Invalidate(key)

	close(f.release)
	assert.NoError(t, waitErr(t, first))
	assert.NoError(t, waitErr(t, second))

	assert.Equal(t, int32(2), f.calls.Load(), "one prime fetch plus exactly one refetch")

	v, ok = c.Peek(key)
	require.True(t, ok)
	assert.False(t, v.Stale)
	assert.Equal(t, []string{"a", "b"}, v.Data)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()

	t.Run("only the named key goes stale", func(t *testing.T) {
		f := newGatedFetcher("v")
		c := New(WithFreshFor(time.Minute))
		defer c.Close()
		c.Register(TagDemand, f.fetch)

		go func() {
			f.release <- struct{}{}
			f.release <- struct{}{}
		}()
		_, err := c.Read(ctx, DemandKey("42"))
		require.NoError(t, err)
		_, err = c.Read(ctx, DemandKey("43"))
		require.NoError(t, err)
		<-f.started
		<-f.started

		done := c.Invalidate(DemandKey("42"))
		<-f.started

		v42, _ := c.Peek(DemandKey("42"))
		v43, _ := c.Peek(DemandKey("43"))
		assert.True(t, v42.Stale)
		assert.False(t, v43.Stale)

		close(f.release)
		assert.NoError(t, waitErr(t, done))
	})

	t.Run("unknown key is a no-op", func(t *testing.T) {
		f := &instantFetcher{}
		c := New()
		defer c.Close()
		c.Register(TagDemand, f.fetch)

		assert.NoError(t, waitErr(t, c.Invalidate(DemandKey("42"))))
		assert.Zero(t, f.calls.Load())
	})

	t.Run("matching by tag", func(t *testing.T) {
		f := &instantFetcher{}
		c := New(WithFreshFor(time.Minute))
		defer c.Close()
		c.Register(TagDemand, f.fetch)
		c.Register(TagDemandsList, f.fetch)

		for _, k := range []Key{DemandKey("1"), TeamDemandsKey("t"), BoardDemandsKey("b")} {
			_, err := c.Read(ctx, k)
			require.NoError(t, err)
		}

		n := c.InvalidateMatching(MatchTag(TagDemandsList))
		assert.Equal(t, 2, n)
	})
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	f := &instantFetcher{}
	c := New(WithFreshFor(time.Minute))
	defer c.Close()
	c.Register(TagDemandsList, f.fetch)

	list := TeamDemandsKey("team-1")
	_, err := c.Read(ctx, list)
	require.NoError(t, err)

	require.NoError(t, c.Write(DemandKey("42"), "fresh row", list))

	v, ok := c.Peek(DemandKey("42"))
	require.True(t, ok)
	assert.Equal(t, "fresh row", v.Data)
	assert.False(t, v.Stale)

	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, time.Second, 10*time.Millisecond,
		"dependent list must be refetched")
}

func TestLateFetchDoesNotOverwriteWrite(t *testing.T) {
	ctx := context.Background()
	key := DemandKey("42")

	f := newGatedFetcher("old")
	c := New(WithFreshFor(time.Minute))
	defer c.Close()
	c.Register(TagDemand, f.fetch)

	go func() { f.release <- struct{}{} }()
	_, err := c.Read(ctx, key)
	require.NoError(t, err)
	<-f.started

	done := c.Invalidate(key)
	<-f.started

	require.NoError(t, c.Write(key, "written"))
	close(f.release)
	require.NoError(t, waitErr(t, done))

	v, _ := c.Peek(key)
	assert.Equal(t, "written", v.Data)
}

func TestWatch(t *testing.T) {
	c := New()
	changes, cancel := c.Watch(DemandKey("42"))

	require.NoError(t, c.Write(DemandKey("42"), "a"))
	require.NoError(t, c.Write(DemandKey("42"), "b"))

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}

	cancel()
	cancel()

	_, ok := <-changes
	assert.False(t, ok, "cancel closes the channel")

	other, _ := c.Watch(DemandKey("43"))
	require.NoError(t, c.Close())
	_, ok = <-other
	assert.False(t, ok, "close ends every watch")
}

func TestClose(t *testing.T) {
	c := New()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Read(context.Background(), DemandKey("42"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Write(DemandKey("42"), "x"), ErrClosed)
	assert.ErrorIs(t, waitErr(t, c.Invalidate(DemandKey("42"))), ErrClosed)
}

func TestKeysThatRenderAlikeFetchSeparately(t *testing.T) {
	pair := Key{Tag: "a", ID: "b"}
	spaced := Key{Tag: "a b"}
	require.Equal(t, pair.String(), spaced.String())
	assert.NotEqual(t, pair.identity(), spaced.identity())

	c := New()
	t.Cleanup(func() { c.Close() })

	gated := newGatedFetcher("pair")
	c.Register("a", gated.fetch)
	c.Register("a b", func(ctx context.Context, key Key) (any, error) {
		return "spaced", nil
	})

	ctx := context.Background()
	pairDone := make(chan View, 1)
	go func() {
		v, err := c.Read(ctx, pair)
		assert.NoError(t, err)
		pairDone <- v
	}()
	<-gated.started

	// With the pair fetch still in flight, the other key must not join it
	v, err := c.Read(ctx, spaced)
	require.NoError(t, err)
	assert.Equal(t, "spaced", v.Data)

	close(gated.release)
	assert.Equal(t, "pair", (<-pairDone).Data)
}
