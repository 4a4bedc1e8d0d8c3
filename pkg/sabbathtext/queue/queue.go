// Package queue provides lease-based message queues with at-least-once
// delivery.
//
// A leased message is invisible to other consumers until its visibility
// timeout passes. Every lease issues a new LeaseToken, and DeleteMessage and
// ExtendTimeout only succeed for the holder of the current token. Consumers
// inspect DequeueCount to divert poison messages; the queue itself never
// gives up on a message before it expires.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
)

// MinVisibilityTimeout is the shortest lease GetMessage accepts.
const MinVisibilityTimeout = time.Second

// Message is one queued item as seen by a consumer.
type Message struct {
	ID              string    `json:"id"`
	Body            string    `json:"body"`
	InsertionTime   time.Time `json:"insertion_time"`
	ExpirationTime  time.Time `json:"expiration_time"`
	NextVisibleTime time.Time `json:"next_visible_time"`
	DequeueCount    int       `json:"dequeue_count"`
	LeaseToken      string    `json:"lease_token,omitempty"`
}

// Store is a lease-based queue.
// Implementations must be safe for concurrent use.
type Store interface {
	// AddMessage enqueues body. It becomes leasable after visibilityDelay
	// and expires after lifespan.
	AddMessage(ctx context.Context, body string, visibilityDelay, lifespan time.Duration) error

	// GetMessage leases the oldest eligible message for visibilityTimeout.
	// Returns (nil, nil) when nothing is eligible.
	GetMessage(ctx context.Context, visibilityTimeout time.Duration) (*Message, error)

	// DeleteMessage removes a message the caller holds the lease for.
	// Returns ErrMessageNotFound if it is gone or was re-leased.
	DeleteMessage(ctx context.Context, msg *Message) error

	// ExtendTimeout hides the message for timeout from now and writes the
	// new lease token into msg. Returns ErrMessageNotFound like DeleteMessage.
	ExtendTimeout(ctx context.Context, msg *Message, timeout time.Duration) error
}

// Sentinel errors for queue operations.
var (
	// ErrMessageNotFound indicates the message was deleted or the caller's
	// lease token is stale.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidVisibilityTimeout indicates a lease shorter than MinVisibilityTimeout.
	ErrInvalidVisibilityTimeout = errors.New("visibility timeout must be at least 1s")

	// ErrInvalidArgument indicates a negative delay or timeout, or a
	// non-positive lifespan.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrQueueClosed indicates the queue has been closed.
	ErrQueueClosed = errors.New("queue closed")
)

// MessageError wraps a failed operation on a specific message.
type MessageError struct {
	Op        string
	Queue     string
	MessageID string
	Err       error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("queue %s: %s message %s: %v", e.Queue, e.Op, e.MessageID, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// Option configures a queue.
type Option func(*options)

type options struct {
	clock clock.Clock
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.OrReal(o.clock)
	return o
}

// WithClock sets the time source for visibility and expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func validateAdd(visibilityDelay, lifespan time.Duration) error {
	if visibilityDelay < 0 {
		return fmt.Errorf("%w: negative visibility delay %s", ErrInvalidArgument, visibilityDelay)
	}
	if lifespan <= 0 {
		return fmt.Errorf("%w: lifespan must be positive, got %s", ErrInvalidArgument, lifespan)
	}
	return nil
}

func validateLease(visibilityTimeout time.Duration) error {
	if visibilityTimeout < MinVisibilityTimeout {
		return ErrInvalidVisibilityTimeout
	}
	return nil
}

func validateExtend(timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidArgument, timeout)
	}
	return nil
}

// newMessageID returns a lexically sortable, time-ordered ID.
func newMessageID() string {
	return ulid.Make().String()
}

func newLeaseToken() string {
	return uuid.NewString()
}

// leasable reports whether m can be leased at now.
func (m *Message) leasable(now time.Time) bool {
	return !now.Before(m.NextVisibleTime) && m.live(now)
}

func (m *Message) live(now time.Time) bool {
	return now.Before(m.ExpirationTime)
}
