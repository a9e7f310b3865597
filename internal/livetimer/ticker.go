package livetimer

import (
	"sync"
	"time"
)

// RenderFunc receives every recomputed display. ok is false when nothing
// should be shown.
type RenderFunc func(display string, ok bool)

// Ticker re-renders a live timer: once when created, once per interval while
// the timer is active, and immediately on every Update. Render runs on the
// ticker's own goroutine. Close stops it for good.
type Ticker struct {
	render   RenderFunc
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	input Input

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// TickerOption configures a Ticker.
type TickerOption func(*Ticker)

// WithInterval overrides the one second refresh.
func WithInterval(d time.Duration) TickerOption {
	return func(t *Ticker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TickerOption {
	return func(t *Ticker) {
		t.now = now
	}
}

// NewTicker starts rendering in.
func NewTicker(in Input, render RenderFunc, opts ...TickerOption) *Ticker {
	t := &Ticker{
		render:   render,
		interval: time.Second,
		now:      time.Now,
		input:    in,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.run()
	return t
}

// Update replaces the input and re-renders right away.
func (t *Ticker) Update(in Input) {
	t.mu.Lock()
	t.input = in
	t.mu.Unlock()

	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Close stops the ticker and waits for any render in progress to finish.
// No render happens after Close returns.
func (t *Ticker) Close() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Ticker) current() Input {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input
}

func (t *Ticker) emit(in Input) {
	select {
	case <-t.stop:
		return
	default:
	}
	t.render(Display(in, t.now()))
}

func (t *Ticker) run() {
	defer close(t.done)

	var ticker *time.Ticker
	var tick <-chan time.Time
	reset := func(active bool) {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tick = nil
		}
		if active {
			ticker = time.NewTicker(t.interval)
			tick = ticker.C
		}
	}
	defer func() { reset(false) }()

	in := t.current()
	t.emit(in)
	reset(in.Active)

	for {
		select {
		case <-t.stop:
			return
		case <-t.kick:
			in = t.current()
			t.emit(in)
			reset(in.Active)
		case <-tick:
			t.emit(in)
		}
	}
}
