// Package typing coordinates "is typing" indicators on a conversation topic.
//
// The sending side is edge triggered: the first NotifyActivity broadcasts
// is_typing=true, later calls only push back the idle deadline, and Stop (or
// the idle deadline) broadcasts is_typing=false once. The receiving side
// keeps the set of remote users currently typing. Every sweep interval the
// whole set is cleared, which bounds how long a lost "false" can keep
// someone on screen.
package typing

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dyluth/demandhub/pkg/realtime"
)

const (
	// DefaultIdleTimeout is how long after the last activity typing stops.
	DefaultIdleTimeout = 2 * time.Second

	// DefaultSweepInterval is how often the typing set is cleared.
	DefaultSweepInterval = 5 * time.Second

	resolveTimeout   = 2 * time.Second
	broadcastTimeout = 2 * time.Second
)

// ErrClosed is returned by a closed coordinator.
var ErrClosed = errors.New("typing coordinator closed")

// Transport is the realtime surface the coordinator needs.
// *realtime.Client implements it.
type Transport interface {
	Broadcast(ctx context.Context, env *realtime.Envelope) error
	Subscribe(ctx context.Context, topic string, onStatus realtime.StatusFunc) (*realtime.Subscription, error)
}

// Coordinator owns the local user's typing state on one topic and, once
// listening, the set of remote users typing there.
// It is safe for concurrent use.
type Coordinator struct {
	transport Transport
	topic     string
	selfID    string
	resolver  ProfileResolver
	idle      time.Duration
	sweep     time.Duration
	onChange  func()

	mu        sync.Mutex
	typing    bool
	idleTimer *time.Timer
	idleGen   uint64
	typers    []Profile
	sub       *realtime.Subscription
	stop      chan struct{}
	sweeping  chan struct{} // closed when the sweep goroutine has exited
	closed    bool
	wg        sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.idle = d
		}
	}
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.sweep = d
		}
	}
}

// WithOnChange registers a callback run whenever the typing set changes.
func WithOnChange(fn func()) Option {
	return func(c *Coordinator) {
		c.onChange = fn
	}
}

// NewCoordinator creates a coordinator for topic acting as selfID.
// resolver may be nil, in which case typers are shown by user id.
func NewCoordinator(transport Transport, topic, selfID string, resolver ProfileResolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: transport,
		topic:     topic,
		selfID:    selfID,
		resolver:  resolver,
		idle:      DefaultIdleTimeout,
		sweep:     DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NotifyActivity records local typing activity. Only the transition from
// not typing to typing is broadcast; while typing it just re-arms the idle
// timer.
func (c *Coordinator) NotifyActivity(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	c.armIdleLocked()
	if c.typing {
		c.mu.Unlock()
		return nil
	}
	c.typing = true
	c.mu.Unlock()

	if err := c.broadcast(ctx, true); err != nil {
		// Nobody saw the true edge, so the next activity must send it again
		c.mu.Lock()
		c.typing = false
		c.disarmIdleLocked()
		c.mu.Unlock()
		return err
	}
	return nil
}

// Stop cancels the idle timer and, if the local user was typing, broadcasts
// that they stopped. Calling it again is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.disarmIdleLocked()
	if !c.typing {
		c.mu.Unlock()
		return nil
	}
	c.typing = false
	c.mu.Unlock()

	return c.broadcast(ctx, false)
}

// IsTyping reports whether the local user is marked typing.
func (c *Coordinator) IsTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Listen subscribes to the topic and starts maintaining the typing set.
// After the subscription drops, Listen may be called again to resubscribe.
func (c *Coordinator) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sub != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.transport.Subscribe(ctx, c.topic, func(status realtime.Status, err error) {
		if status == realtime.StatusError {
			log.Printf("[Typing] Channel error on %s: %v", c.topic, err)
		}
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || c.sub != nil {
		c.mu.Unlock()
		sub.Close()
		if c.closed {
			return ErrClosed
		}
		return nil
	}
	c.sub = sub
	c.stop = make(chan struct{})
	c.sweeping = make(chan struct{})
	stop, sweeping := c.stop, c.sweeping
	c.wg.Add(2)
	c.mu.Unlock()

	go c.receive(sub)
	go c.sweepLoop(stop, sweeping)
	return nil
}

// Typers returns the remote users currently typing, in arrival order.
func (c *Coordinator) Typers() []Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Profile(nil), c.typers...)
}

// Close stops local typing, cancels the timers and unsubscribes.
func (c *Coordinator) Close(ctx context.Context) error {
	stopErr := c.Stop(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.typers = nil
	if c.stop != nil {
		close(c.stop)
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	c.wg.Wait()
	return stopErr
}

func (c *Coordinator) broadcast(ctx context.Context, isTyping bool) error {
	env := realtime.NewTypingEnvelope(c.topic, c.selfID, isTyping)
	if err := c.transport.Broadcast(ctx, env); err != nil {
		log.Printf("[Typing] Failed to broadcast is_typing=%t on %s: %v", isTyping, c.topic, err)
		return err
	}
	return nil
}

func (c *Coordinator) armIdleLocked() {
	c.disarmIdleLocked()
	gen := c.idleGen
	c.idleTimer = time.AfterFunc(c.idle, func() { c.idleExpired(gen) })
}

func (c *Coordinator) disarmIdleLocked() {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Coordinator) idleExpired(gen uint64) {
	c.mu.Lock()
	// A timer that fired while being replaced must not stop the new session
	if gen != c.idleGen {
		c.mu.Unlock()
		return
	}
	c.disarmIdleLocked()
	if !c.typing {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	c.broadcast(ctx, false)
}

func (c *Coordinator) receive(sub *realtime.Subscription) {
	defer c.wg.Done()

	events := sub.Events()
	errs := sub.Errors()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				c.dropped(sub)
				return
			}
			if env.Kind != realtime.KindTyping {
				continue
			}
			c.apply(sub, env.Typing)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[Typing] Subscription error: %v", err)
		}
	}
}

// dropped handles the subscription ending without Close. The typing set is
// emptied and the sweep stopped, leaving the coordinator ready to Listen
// again.
func (c *Coordinator) dropped(sub *realtime.Subscription) {
	c.mu.Lock()
	if c.sub != sub {
		c.mu.Unlock()
		return
	}
	c.sub = nil
	cleared := len(c.typers) > 0
	c.typers = nil
	close(c.stop)
	c.stop = nil
	sweeping := c.sweeping
	c.mu.Unlock()

	<-sweeping
	sub.Close()
	log.Printf("[Typing] Subscription on %s ended", c.topic)
	if cleared {
		c.changed()
	}
}

func (c *Coordinator) apply(sub *realtime.Subscription, sig *realtime.TypingSignal) {
	// Our own broadcasts come back to us
	if sig.UserID == c.selfID {
		return
	}

	if !sig.IsTyping {
		c.mu.Lock()
		removed := c.removeLocked(sig.UserID)
		c.mu.Unlock()
		if removed {
			c.changed()
		}
		return
	}

	c.mu.Lock()
	present := c.indexLocked(sig.UserID) >= 0
	c.mu.Unlock()
	if present {
		return
	}

	profile := c.resolve(sig.UserID)

	c.mu.Lock()
	if c.sub != sub || c.indexLocked(sig.UserID) >= 0 {
		c.mu.Unlock()
		return
	}
	c.typers = append(c.typers, profile)
	c.mu.Unlock()
	c.changed()
}

func (c *Coordinator) resolve(userID string) Profile {
	fallback := Profile{UserID: userID, DisplayName: userID}
	if c.resolver == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	profile, err := c.resolver.Resolve(ctx, userID)
	if err != nil {
		log.Printf("[Typing] Failed to resolve profile for %s: %v", userID, err)
		return fallback
	}
	profile.UserID = userID
	return profile
}

func (c *Coordinator) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer c.wg.Done()
	defer close(done)

	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			cleared := len(c.typers) > 0
			c.typers = nil
			c.mu.Unlock()
			if cleared {
				c.changed()
			}
		}
	}
}

func (c *Coordinator) indexLocked(userID string) int {
	for i, p := range c.typers {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (c *Coordinator) removeLocked(userID string) bool {
	i := c.indexLocked(userID)
	if i < 0 {
		return false
	}
	c.typers = append(c.typers[:i], c.typers[i+1:]...)
	return true
}

func (c *Coordinator) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}
