package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultPresenceLease is how long a tracked session stays on the roster
// without being re-tracked.
const DefaultPresenceLease = 30 * time.Second

// Client provides instance-scoped realtime operations over Redis.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb           *redis.Client
	instanceName  string
	presenceLease time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithPresenceLease overrides DefaultPresenceLease.
func WithPresenceLease(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.presenceLease = d
		}
	}
}

// NewClient creates a new realtime client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string, opts ...Option) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	c := &Client{
		rdb:           redis.NewClient(redisOpts),
		instanceName:  instanceName,
		presenceLease: DefaultPresenceLease,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// InstanceName returns the namespace this client operates in.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// PresenceLease returns the configured presence lease.
func (c *Client) PresenceLease() time.Duration {
	return c.presenceLease
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Broadcast publishes an envelope on its topic channel.
// Broadcasts are fire-and-forget: nothing is stored and nobody acknowledges.
func (c *Client) Broadcast(ctx context.Context, env *Envelope) error {
	if env.ID == "" {
		env.ID = ulid.Make().String()
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := c.rdb.Publish(ctx, TopicChannel(c.instanceName, env.Topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s envelope: %w", env.Kind, err)
	}
	return nil
}

// PublishRowChange publishes a row change on its table channel.
// Callers must only publish after the underlying write was acknowledged.
func (c *Client) PublishRowChange(ctx context.Context, change *RowChange) error {
	if change.ID == "" {
		change.ID = ulid.Make().String()
	}
	if change.CommittedAtMs == 0 {
		change.CommittedAtMs = time.Now().UnixMilli()
	}
	if err := change.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal row change: %w", err)
	}

	if err := c.rdb.Publish(ctx, TableChannel(c.instanceName, change.Table), data).Err(); err != nil {
		return fmt.Errorf("failed to publish row change: %w", err)
	}
	return nil
}

// Track adds or refreshes the given session on the topic's roster, then
// publishes a presence-join followed by a presence-sync with the full roster.
func (c *Client) Track(ctx context.Context, topic string, rec PresenceRecord) error {
	now := time.Now().UnixMilli()
	if rec.OnlineAtMs == 0 {
		rec.OnlineAtMs = now
	}
	rec.SeenAtMs = now

	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid presence: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	if err := c.rdb.HSet(ctx, PresenceKey(c.instanceName, topic), rec.SessionKey, data).Err(); err != nil {
		return fmt.Errorf("failed to track presence: %w", err)
	}

	if err := c.Broadcast(ctx, NewPresenceEnvelope(KindPresenceJoin, topic, []PresenceRecord{rec})); err != nil {
		return err
	}
	return c.publishSync(ctx, topic)
}

// Refresh extends the lease of a tracked session without broadcasting.
// Used as a heartbeat; peers learn about it on the next sync.
func (c *Client) Refresh(ctx context.Context, topic string, rec PresenceRecord) error {
	rec.SeenAtMs = time.Now().UnixMilli()
	if rec.OnlineAtMs == 0 {
		rec.OnlineAtMs = rec.SeenAtMs
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	if err := c.rdb.HSet(ctx, PresenceKey(c.instanceName, topic), rec.SessionKey, data).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// Untrack removes the session from the topic's roster, then publishes a
// presence-leave followed by a presence-sync. Untracking an unknown session
// still publishes the sync.
func (c *Client) Untrack(ctx context.Context, topic string, rec PresenceRecord) error {
	if err := c.rdb.HDel(ctx, PresenceKey(c.instanceName, topic), rec.SessionKey).Err(); err != nil {
		return fmt.Errorf("failed to untrack presence: %w", err)
	}

	if err := c.Broadcast(ctx, NewPresenceEnvelope(KindPresenceLeave, topic, []PresenceRecord{rec})); err != nil {
		return err
	}
	return c.publishSync(ctx, topic)
}

// Roster returns the live sessions tracked on a topic.
// Sessions whose lease expired are removed as a side effect.
func (c *Client) Roster(ctx context.Context, topic string) ([]PresenceRecord, error) {
	key := PresenceKey(c.instanceName, topic)

	hash, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence roster: %w", err)
	}

	cutoff := time.Now().Add(-c.presenceLease).UnixMilli()
	roster, expired, err := rosterFromHash(hash, cutoff)
	if err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		if err := c.rdb.HDel(ctx, key, expired...).Err(); err != nil {
			return nil, fmt.Errorf("failed to evict expired presence: %w", err)
		}
	}

	return roster, nil
}

func (c *Client) publishSync(ctx context.Context, topic string) error {
	roster, err := c.Roster(ctx, topic)
	if err != nil {
		return err
	}
	return c.Broadcast(ctx, NewPresenceEnvelope(KindPresenceSync, topic, roster))
}

// Subscribe subscribes to every envelope published on a topic.
// onStatus (optional) receives StatusSubscribed once Redis confirms the
// subscription, StatusError if it cannot, and StatusClosed when the
// subscription ends. Caller must call Close when done.
func (c *Client) Subscribe(ctx context.Context, topic string, onStatus StatusFunc) (*Subscription, error) {
	pubsub, err := c.subscribe(ctx, TopicChannel(c.instanceName, topic), onStatus)
	if err != nil {
		return nil, err
	}

	s := newStream(ctx, pubsub, DecodeEnvelope, onStatus)
	return &Subscription{stream: s}, nil
}

// SubscribeTable subscribes to every row change published for a table.
// Status reporting follows Subscribe.
func (c *Client) SubscribeTable(ctx context.Context, table string, onStatus StatusFunc) (*TableSubscription, error) {
	pubsub, err := c.subscribe(ctx, TableChannel(c.instanceName, table), onStatus)
	if err != nil {
		return nil, err
	}

	s := newStream(ctx, pubsub, DecodeRowChange, onStatus)
	return &TableSubscription{stream: s}, nil
}

// subscribe opens a Pub/Sub connection and waits for the server confirmation,
// so that anything published after it returns is delivered.
func (c *Client) subscribe(ctx context.Context, channel string, onStatus StatusFunc) (*redis.PubSub, error) {
	pubsub := c.rdb.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		onStatus.notify(StatusError, err)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	onStatus.notify(StatusSubscribed, nil)
	return pubsub, nil
}
