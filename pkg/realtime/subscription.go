package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Status is the lifecycle state reported for a subscription.
type Status string

const (
	// StatusSubscribed is reported once Redis confirmed the subscription
	StatusSubscribed Status = "subscribed"

	// StatusError is reported when the subscription could not be established
	StatusError Status = "error"

	// StatusClosed is reported exactly once when the subscription ends,
	// whether by Close, context cancellation or a dropped connection
	StatusClosed Status = "closed"
)

// StatusFunc receives subscription status transitions. err is set only for StatusError.
type StatusFunc func(status Status, err error)

func (f StatusFunc) notify(status Status, err error) {
	if f != nil {
		f(status, err)
	}
}

// stream pumps decoded Pub/Sub payloads into buffered channels.
type stream[T any] struct {
	events chan T
	errors chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// newStream starts the pump goroutine. Events are delivered on a buffered
// channel (size 10); decode failures are reported on the error channel and
// the message is skipped.
func newStream[T any](ctx context.Context, pubsub *redis.PubSub, decode func(string) (T, error), onStatus StatusFunc) *stream[T] {
	subCtx, cancel := context.WithCancel(ctx)

	s := &stream[T]{
		events: make(chan T, 10),
		errors: make(chan error, 10),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer onStatus.notify(StatusClosed, nil)
		defer close(s.done)
		defer close(s.events)
		defer close(s.errors)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				event, err := decode(msg.Payload)
				if err != nil {
					select {
					case s.errors <- fmt.Errorf("failed to decode message on %s: %w", msg.Channel, err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case s.events <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return s
}

// close cancels the pump and waits until the Redis subscription is released.
func (s *stream[T]) close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Subscription is an active subscription to a topic's envelopes.
// Caller must call Close() when done to release the channel.
type Subscription struct {
	stream *stream[*Envelope]
}

// Events returns the channel of validated envelopes.
// The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan *Envelope {
	return s.stream.events
}

// Errors returns the channel of non-fatal decode errors.
func (s *Subscription) Errors() <-chan error {
	return s.stream.errors
}

// Done is closed once the subscription has fully released its channel.
func (s *Subscription) Done() <-chan struct{} {
	return s.stream.done
}

// Close stops the subscription and blocks until its Redis channel is released.
// Safe to call multiple times.
func (s *Subscription) Close() error {
	s.stream.close()
	return nil
}

// TableSubscription is an active subscription to a table's row changes.
type TableSubscription struct {
	stream *stream[*RowChange]
}

// Events returns the channel of validated row changes.
func (s *TableSubscription) Events() <-chan *RowChange {
	return s.stream.events
}

// Errors returns the channel of non-fatal decode errors.
func (s *TableSubscription) Errors() <-chan error {
	return s.stream.errors
}

// Done is closed once the subscription has fully released its channel.
func (s *TableSubscription) Done() <-chan struct{} {
	return s.stream.done
}

// Close stops the subscription and blocks until its Redis channel is released.
func (s *TableSubscription) Close() error {
	s.stream.close()
	return nil
}
