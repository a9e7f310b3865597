// Package changefeed turns row changes published by the store into
// caller-supplied callbacks, typically cache invalidations.
//
// A Feed hands out independent subscriptions; several may watch the same
// table without interfering. Every subscription must be closed by its owner.
// Closing the Feed with subscriptions still open is reported as a leak.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dyluth/demandhub/pkg/realtime"
)

// ErrLeakedSubscriptions is returned by Feed.Close when subscriptions were
// still open. They are closed before Close returns.
var ErrLeakedSubscriptions = errors.New("leaked change-feed subscriptions")

// ErrFeedClosed is returned when subscribing on a closed feed.
var ErrFeedClosed = errors.New("change feed closed")

// Mask selects which change kinds a subscription receives.
type Mask uint8

const (
	MaskInsert Mask = 1 << iota
	MaskUpdate
	MaskDelete

	// MaskAll receives every change kind. The zero Mask means the same.
	MaskAll = MaskInsert | MaskUpdate | MaskDelete
)

// Matches reports whether kind is selected by the mask.
func (m Mask) Matches(kind realtime.ChangeKind) bool {
	if m == 0 {
		m = MaskAll
	}
	switch kind {
	case realtime.ChangeInsert:
		return m&MaskInsert != 0
	case realtime.ChangeUpdate:
		return m&MaskUpdate != 0
	case realtime.ChangeDelete:
		return m&MaskDelete != 0
	default:
		return false
	}
}

// ParseMask parses a comma separated list of change kinds, or "ALL".
func ParseMask(s string) (Mask, error) {
	var m Mask
	for _, part := range strings.Split(s, ",") {
		switch strings.ToUpper(strings.TrimSpace(part)) {
		case "ALL", "*", "":
			m |= MaskAll
		case string(realtime.ChangeInsert):
			m |= MaskInsert
		case string(realtime.ChangeUpdate):
			m |= MaskUpdate
		case string(realtime.ChangeDelete):
			m |= MaskDelete
		default:
			return 0, fmt.Errorf("unknown change kind %q (must be INSERT, UPDATE, DELETE or ALL)", part)
		}
	}
	return m, nil
}

// Filter restricts a subscription to rows whose column equals Value.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

func (f Filter) matches(change *realtime.RowChange) bool {
	if f.Column == "" {
		return true
	}
	if f.Column == "id" {
		return change.RowID == f.Value
	}
	return change.Columns[f.Column] == f.Value
}

// Spec describes one subscription.
type Spec struct {
	Table  string
	Filter Filter
	Mask   Mask
}

// Event is delivered for every matching change.
type Event struct {
	Kind   realtime.ChangeKind
	Change *realtime.RowChange
}

// EventFunc receives matching events. It runs on the subscription's
// goroutine, in transport order.
type EventFunc func(Event)

// Source opens table subscriptions. *realtime.Client implements it.
type Source interface {
	SubscribeTable(ctx context.Context, table string, onStatus realtime.StatusFunc) (*realtime.TableSubscription, error)
}

// Feed hands out change-feed subscriptions and tracks the ones still open.
type Feed struct {
	source Source

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a feed on top of source.
func New(source Source) *Feed {
	return &Feed{
		source: source,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe opens one subscription for spec. onEvent is required; onStatus
// is optional and receives the transport status transitions. The feed never
// reconnects on its own: after an error or close, subscribe again.
func (f *Feed) Subscribe(ctx context.Context, spec Spec, onEvent EventFunc, onStatus realtime.StatusFunc) (*Subscription, error) {
	if spec.Table == "" {
		return nil, fmt.Errorf("table cannot be empty")
	}
	if onEvent == nil {
		return nil, fmt.Errorf("event callback cannot be nil")
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrFeedClosed
	}

	ts, err := f.source.SubscribeTable(ctx, spec.Table, onStatus)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{feed: f, spec: spec, table: ts}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		ts.Close()
		return nil, ErrFeedClosed
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go sub.run(onEvent)
	return sub, nil
}

// Open returns how many subscriptions are currently open.
func (f *Feed) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every subscription still open. If there were any, it returns
// an error wrapping ErrLeakedSubscriptions.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	leaked := make([]*Subscription, 0, len(f.subs))
	for sub := range f.subs {
		leaked = append(leaked, sub)
	}
	f.mu.Unlock()

	for _, sub := range leaked {
		log.Printf("[ChangeFeed] Closing leaked subscription on %s", sub.spec.Table)
		sub.Close()
	}

	if len(leaked) > 0 {
		return fmt.Errorf("%w: %d still open", ErrLeakedSubscriptions, len(leaked))
	}
	return nil
}

func (f *Feed) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

// Subscription is one open change-feed subscription.
type Subscription struct {
	feed   *Feed
	spec   Spec
	table  *realtime.TableSubscription
	closed atomic.Bool
	once   sync.Once
}

// Spec returns what this subscription was opened with.
func (s *Subscription) Spec() Spec {
	return s.spec
}

// Done is closed once the underlying channel is released.
func (s *Subscription) Done() <-chan struct{} {
	return s.table.Done()
}

// Close releases the channel. Events already buffered are discarded.
// Safe to call multiple times, including from the event callback.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.table.Close()
		s.feed.remove(s)
	})
	return nil
}

func (s *Subscription) run(onEvent EventFunc) {
	events := s.table.Events()
	errs := s.table.Errors()

	for {
		select {
		case change, ok := <-events:
			if !ok {
				// Dropped by the transport; it no longer counts as open
				s.feed.remove(s)
				return
			}
			if s.closed.Load() {
				continue
			}
			if !s.spec.Mask.Matches(change.Kind) || !s.spec.Filter.matches(change) {
				continue
			}
			onEvent(Event{Kind: change.Kind, Change: change})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[ChangeFeed] Skipping malformed change on %s: %v", s.spec.Table, err)
		}
	}
}
