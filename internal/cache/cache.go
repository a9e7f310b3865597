// Package cache is a request/response cache keyed by resource identity and
// query parameters.
//
// Entries are filled by per-tag fetchers. An entry becomes stale when it is
// invalidated or when it is older than the freshness window; reading a stale
// entry returns the cached data marked stale and schedules a background
// refetch. At most one fetch per key is in flight at any time and its result
// satisfies every caller waiting on that key.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache closed")

	// ErrNoFetcher is returned when no fetcher is registered for a key's tag.
	ErrNoFetcher = errors.New("no fetcher registered")
)

// DefaultFreshFor is the freshness window used when none is configured.
const DefaultFreshFor = 5 * time.Second

// Fetcher loads the data for a key from the backing store.
type Fetcher func(ctx context.Context, key Key) (any, error)

// View is a read-only snapshot of an entry handed to callers.
type View struct {
	Key       Key
	Data      any
	FetchedAt time.Time
	Stale     bool
}

type entry struct {
	data      any
	fetchedAt time.Time
	stale     bool
	gen       uint64 // bumped on every store; guards against late fetch results
}

// Cache owns every entry; callers only ever see Views.
// The cache is thread-safe and can be used concurrently from multiple goroutines.
type Cache struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	fetchers map[string]Fetcher
	watchers map[Key]map[chan struct{}]struct{}
	closed   bool

	group    singleflight.Group
	freshFor time.Duration
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithFreshFor sets how long an entry is served without revalidation.
// Zero means every read after the first revalidates in the background.
func WithFreshFor(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.freshFor = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[Key]*entry),
		fetchers: make(map[string]Fetcher),
		watchers: make(map[Key]map[chan struct{}]struct{}),
		freshFor: DefaultFreshFor,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register installs the fetcher for every key with the given tag.
func (c *Cache) Register(tag string, fetch Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[tag] = fetch
}

// Read returns the entry for key. A missing entry is fetched before Read
// returns. A stale entry is returned as is, with Stale set, and a background
// refetch is scheduled.
func (c *Cache) Read(ctx context.Context, key Key) (View, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return View{}, ErrClosed
	}

	if e, ok := c.entries[key]; ok {
		view := c.viewLocked(key, e)
		c.mu.Unlock()
		if view.Stale {
			c.refetch(key)
		}
		return view, nil
	}
	c.mu.Unlock()

	select {
	case res := <-c.refetch(key):
		if res.Err != nil {
			return View{}, res.Err
		}
		return View{Key: key, Data: res.Val, FetchedAt: c.now()}, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Peek returns the entry for key without fetching or revalidating.
func (c *Cache) Peek(key Key) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return View{}, false
	}
	return c.viewLocked(key, e), true
}

// Invalidate marks the entry stale and schedules a refetch. The returned
// channel receives the outcome of the refetch that satisfied this call, which
// may be one already in flight. Invalidating a key that was never read is a
// no-op: nobody holds data to refresh.
func (c *Cache) Invalidate(key Key) <-chan error {
	done := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done <- ErrClosed
		close(done)
		return done
	}

	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		done <- nil
		close(done)
		return done
	}
	e.stale = true
	c.notifyLocked(key)
	c.mu.Unlock()

	results := c.refetch(key)
	go func() {
		res := <-results
		done <- res.Err
		close(done)
	}()
	return done
}

// InvalidateMatching invalidates every cached key selected by match and
// returns how many were invalidated.
func (c *Cache) InvalidateMatching(match func(Key) bool) int {
	c.mu.Lock()
	var keys []Key
	for key := range c.entries {
		if match(key) {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.Invalidate(key)
	}
	return len(keys)
}

// Write stores data for key after a successful mutation and invalidates the
// dependent keys (for example the lists that include the mutated row).
func (c *Cache) Write(key Key, data any, dependents ...Key) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.storeLocked(key, data)
	c.mu.Unlock()

	for _, dep := range dependents {
		c.Invalidate(dep)
	}
	return nil
}

// Remove drops an entry, e.g. after its row was deleted.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.notifyLocked(key)
	}
}

// Watch returns a channel signalled whenever the entry for key changes
// (stored, invalidated or removed). Signals are coalesced: a slow reader sees
// one pending signal, not one per change. Call cancel to stop watching.
func (c *Cache) Watch(key Key) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(ch)
		return ch, func() {}
	}

	if c.watchers[key] == nil {
		c.watchers[key] = make(map[chan struct{}]struct{})
	}
	c.watchers[key][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.watchers[key][ch]; ok {
				delete(c.watchers[key], ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Close discards every entry and ends every watch. Fetches still in flight
// complete but their results are dropped.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = make(map[Key]*entry)
	for key, set := range c.watchers {
		for ch := range set {
			close(ch)
		}
		delete(c.watchers, key)
	}
	return nil
}

// refetch starts a fetch for key or joins the one in flight.
func (c *Cache) refetch(key Key) <-chan singleflight.Result {
	return c.group.DoChan(key.identity(), func() (interface{}, error) {
		c.mu.Lock()
		fetch, ok := c.fetchers[key.Tag]
		var gen uint64
		if e, exists := c.entries[key]; exists {
			gen = e.gen
		}
		c.mu.Unlock()

		if !ok {
			return nil, fmt.Errorf("%w for tag %q", ErrNoFetcher, key.Tag)
		}

		// Fetches are not cancelled on Close; late results are discarded instead
		data, err := fetch(context.Background(), key)
		if err != nil {
			log.Printf("[Cache] Refetch of %s failed: %v", key, err)
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return data, nil
		}
		if e, exists := c.entries[key]; exists && e.gen != gen {
			// A Write landed while we were fetching; it is newer than us
			return e.data, nil
		}
		c.storeLocked(key, data)
		return data, nil
	})
}

func (c *Cache) storeLocked(key Key, data any) {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.data = data
	e.fetchedAt = c.now()
	e.stale = false
	e.gen++
	c.notifyLocked(key)
}

func (c *Cache) viewLocked(key Key, e *entry) View {
	return View{
		Key:       key,
		Data:      e.data,
		FetchedAt: e.fetchedAt,
		Stale:     e.stale || c.now().Sub(e.fetchedAt) > c.freshFor,
	}
}

func (c *Cache) notifyLocked(key Key) {
	for ch := range c.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
