// Package presence maintains the roster of who is connected to a topic.
//
// A Tracker moves disconnected → connecting → connected. Once connected it
// has tracked itself and keeps a roster that is replaced wholesale by every
// presence-sync; join and leave envelopes are only logged. Transport failures
// never propagate to readers: the roster empties and IsUserOnline reports
// false until the next Connect.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/demandhub/internal/eventlog"
	"github.com/dyluth/demandhub/pkg/realtime"
	"github.com/google/uuid"
)

// State of a Tracker.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrNotDisconnected is returned by Connect on a tracker that is already
// connecting or connected.
var ErrNotDisconnected = errors.New("presence tracker already connected")

// ErrClosedWhileConnecting is returned by a Connect that Close overtook.
var ErrClosedWhileConnecting = errors.New("presence tracker closed while connecting")

const releaseTimeout = 2 * time.Second

// Transport is the realtime surface the tracker needs.
// *realtime.Client implements it.
type Transport interface {
	Subscribe(ctx context.Context, topic string, onStatus realtime.StatusFunc) (*realtime.Subscription, error)
	Track(ctx context.Context, topic string, rec realtime.PresenceRecord) error
	Refresh(ctx context.Context, topic string, rec realtime.PresenceRecord) error
	Untrack(ctx context.Context, topic string, rec realtime.PresenceRecord) error
	Roster(ctx context.Context, topic string) ([]realtime.PresenceRecord, error)
}

// User is the local user announced by the tracker.
type User struct {
	ID          string
	DisplayName string
	AvatarRef   string
}

// Tracker is the presence state for one topic at a time.
// It is safe for concurrent use.
type Tracker struct {
	transport Transport
	self      realtime.PresenceRecord
	heartbeat time.Duration
	onChange  func()
	events    *eventlog.Logger

	mu      sync.Mutex
	state   State
	topic   string
	tracked realtime.PresenceRecord // self as announced on the current topic
	roster  []realtime.PresenceRecord
	sub     *realtime.Subscription
	stop    chan struct{}
	beating chan struct{} // closed when the heartbeat goroutine has exited
	abandon bool          // Close was called while connecting
	wg      sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHeartbeat sets how often the local session re-asserts itself.
// It should be well under the transport's presence lease.
func WithHeartbeat(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.heartbeat = d
		}
	}
}

// WithOnChange registers a callback run after every roster replacement.
func WithOnChange(fn func()) Option {
	return func(t *Tracker) {
		t.onChange = fn
	}
}

// WithEventLog sends state transitions to an event logger.
func WithEventLog(l *eventlog.Logger) Option {
	return func(t *Tracker) {
		t.events = l
	}
}

// NewTracker creates a disconnected tracker for user. Every tracker owns a
// fresh session key, so two trackers for one user are two roster entries.
func NewTracker(transport Transport, user User, opts ...Option) *Tracker {
	t := &Tracker{
		transport: transport,
		self: realtime.PresenceRecord{
			SessionKey:  uuid.New().String(),
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			AvatarRef:   user.AvatarRef,
		},
		heartbeat: realtime.DefaultPresenceLease / 3,
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionKey identifies this tracker's roster entry.
func (t *Tracker) SessionKey() string {
	return t.self.SessionKey
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Topic returns the topic the tracker is connected or connecting to.
func (t *Tracker) Topic() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topic
}

// Connect subscribes to topic, tracks the local session and loads the
// roster. On failure the tracker is left disconnected and nothing is tracked.
func (t *Tracker) Connect(ctx context.Context, topic string) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return ErrNotDisconnected
	}
	t.state = StateConnecting
	t.topic = topic
	t.mu.Unlock()

	sub, err := t.transport.Subscribe(ctx, topic, t.onStatus)
	if err != nil {
		t.fail(topic, "subscribe", err)
		return fmt.Errorf("failed to subscribe to presence on %s: %w", topic, err)
	}

	self := t.self
	self.OnlineAtMs = time.Now().UnixMilli()
	if err := t.transport.Track(ctx, topic, self); err != nil {
		sub.Close()
		t.fail(topic, "track", err)
		return fmt.Errorf("failed to track presence on %s: %w", topic, err)
	}

	roster, err := t.transport.Roster(ctx, topic)
	if err != nil {
		// The sync published by Track still reaches us; start empty
		log.Printf("[Presence] Failed to load roster for %s: %v", topic, err)
		roster = nil
	}

	t.mu.Lock()
	if t.abandon {
		t.abandon = false
		t.state = StateDisconnected
		t.roster = nil
		t.mu.Unlock()

		t.release(topic, self, sub)
		return ErrClosedWhileConnecting
	}
	t.tracked = self
	t.sub = sub
	t.state = StateConnected
	t.stop = make(chan struct{})
	t.beating = make(chan struct{})
	t.setRosterLocked(roster)
	stop, beating := t.stop, t.beating
	t.wg.Add(2)
	t.mu.Unlock()

	go t.receive(sub)
	go t.beat(topic, self, stop, beating)

	t.events.Info("presence_connected", map[string]interface{}{
		"topic":       topic,
		"session_key": self.SessionKey,
	})
	t.changed()
	return nil
}

// Close untracks the local session and then unsubscribes. It is safe to call
// on a disconnected tracker. The untrack error, if any, is returned after the
// subscription has been released.
//
// Closing a tracker that is still connecting makes that Connect untrack and
// fail with ErrClosedWhileConnecting instead of committing.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.sub == nil {
		if t.state == StateConnecting {
			t.abandon = true
		}
		t.mu.Unlock()
		return nil
	}
	sub, topic, self, beating := t.sub, t.topic, t.tracked, t.beating
	t.sub = nil
	t.state = StateDisconnected
	t.roster = nil
	close(t.stop)
	t.mu.Unlock()

	// A refresh still in flight would re-add the session after the untrack
	<-beating

	// Untrack must always precede unsubscribe
	untrackErr := t.transport.Untrack(ctx, topic, self)
	if untrackErr != nil {
		log.Printf("[Presence] Failed to untrack from %s: %v", topic, untrackErr)
	}

	sub.Close()
	t.wg.Wait()

	t.events.Info("presence_disconnected", map[string]interface{}{"topic": topic})
	t.changed()

	if untrackErr != nil {
		return fmt.Errorf("failed to untrack presence on %s: %w", topic, untrackErr)
	}
	return nil
}

// Switch moves the tracker to another topic (resource id change).
func (t *Tracker) Switch(ctx context.Context, topic string) error {
	if err := t.Close(ctx); err != nil {
		log.Printf("[Presence] %v", err)
	}
	return t.Connect(ctx, topic)
}

// IsUserOnline reports whether any session of userID is on the roster.
func (t *Tracker) IsUserOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range t.roster {
		if rec.UserID == userID {
			return true
		}
	}
	return false
}

// OnlineUsers returns one record per online user, in roster order.
func (t *Tracker) OnlineUsers() []realtime.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(t.roster))
	users := make([]realtime.PresenceRecord, 0, len(t.roster))
	for _, rec := range t.roster {
		if seen[rec.UserID] {
			continue
		}
		seen[rec.UserID] = true
		users = append(users, rec)
	}
	return users
}

// Viewers returns every session on the roster except those of the local
// user. A remote user with two tabs open appears twice.
func (t *Tracker) Viewers() []realtime.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	viewers := make([]realtime.PresenceRecord, 0, len(t.roster))
	for _, rec := range t.roster {
		if rec.UserID == t.self.UserID {
			continue
		}
		viewers = append(viewers, rec)
	}
	return viewers
}

func (t *Tracker) receive(sub *realtime.Subscription) {
	defer t.wg.Done()

	events := sub.Events()
	errs := sub.Errors()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				t.dropped(sub)
				return
			}
			t.apply(sub, env)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[Presence] Subscription error: %v", err)
		}
	}
}

func (t *Tracker) apply(sub *realtime.Subscription, env *realtime.Envelope) {
	switch env.Kind {
	case realtime.KindPresenceSync:
		t.mu.Lock()
		if t.sub != sub {
			// Late delivery after Close or Switch
			t.mu.Unlock()
			return
		}
		t.setRosterLocked(env.Presences)
		t.mu.Unlock()
		t.changed()

	case realtime.KindPresenceJoin, realtime.KindPresenceLeave:
		for _, rec := range env.Presences {
			log.Printf("[Presence] %s %s on %s", rec.UserID, env.Kind, env.Topic)
		}
	}
}

// dropped handles the subscription ending without Close: presence becomes
// unavailable rather than stale. The heartbeat is stopped and the session is
// untracked before the tracker reports disconnected, so a later Connect
// starts from a clean slate.
func (t *Tracker) dropped(sub *realtime.Subscription) {
	t.mu.Lock()
	if t.sub != sub {
		t.mu.Unlock()
		return
	}
	t.sub = nil
	t.roster = nil
	close(t.stop)
	topic, self, beating := t.topic, t.tracked, t.beating
	t.mu.Unlock()

	t.events.Warn("presence_unavailable", map[string]interface{}{"topic": topic})
	t.changed()

	<-beating
	t.release(topic, self, sub)

	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
}

// release is the best-effort cleanup of a session nobody will close:
// untrack, then unsubscribe.
func (t *Tracker) release(topic string, self realtime.PresenceRecord, sub *realtime.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := t.transport.Untrack(ctx, topic, self); err != nil {
		log.Printf("[Presence] Failed to untrack from %s: %v", topic, err)
	}
	sub.Close()
}

func (t *Tracker) beat(topic string, self realtime.PresenceRecord, stop <-chan struct{}, done chan<- struct{}) {
	defer t.wg.Done()
	defer close(done)

	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.heartbeat)
			if err := t.transport.Refresh(ctx, topic, self); err != nil {
				log.Printf("[Presence] Heartbeat on %s failed: %v", topic, err)
				cancel()
				continue
			}
			roster, err := t.transport.Roster(ctx, topic)
			cancel()
			if err != nil {
				log.Printf("[Presence] Failed to reload roster for %s: %v", topic, err)
				continue
			}

			t.mu.Lock()
			select {
			case <-stop:
				t.mu.Unlock()
				return
			default:
			}
			t.setRosterLocked(roster)
			t.mu.Unlock()
			t.changed()
		}
	}
}

func (t *Tracker) onStatus(status realtime.Status, err error) {
	if status == realtime.StatusError {
		log.Printf("[Presence] Channel error: %v", err)
	}
}

func (t *Tracker) fail(topic, step string, err error) {
	t.mu.Lock()
	t.state = StateDisconnected
	t.abandon = false
	t.roster = nil
	t.mu.Unlock()

	t.events.Warn("presence_unavailable", map[string]interface{}{
		"topic": topic,
		"step":  step,
		"error": err,
	})
}

func (t *Tracker) setRosterLocked(roster []realtime.PresenceRecord) {
	t.roster = append([]realtime.PresenceRecord(nil), roster...)
}

func (t *Tracker) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}
