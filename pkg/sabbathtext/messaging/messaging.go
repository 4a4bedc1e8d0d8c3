// Package messaging delivers text messages at most once per tracking ID.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
)

// Message is an outbound text.
type Message struct {
	To   string `json:"to"`
	Body string `json:"body"`
	// Kind labels the message for records, e.g. "welcome".
	Kind string `json:"kind,omitempty"`
}

// Sender sends a message. Implementations must be idempotent per
// trackingID: a repeated call for a delivered message reports true without
// sending again.
type Sender interface {
	SendMessage(ctx context.Context, msg Message, trackingID string) (bool, error)
}

// Transport hands a message to an SMS provider.
type Transport interface {
	Deliver(ctx context.Context, msg Message) error
}

// trackerRowKey is the row of a tracker within its tracking ID partition.
const trackerRowKey = "message"

// Tracker records a send attempt, keyed by tracking ID.
//
// ClaimedAt marks the sender currently delivering. It is cleared when a
// delivery fails, so the next attempt may take over at once.
type Tracker struct {
	kvstore.Entity
	To          string     `json:"to"`
	Kind        string     `json:"kind,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// DefaultClaimTimeout is how long a delivery claim blocks other senders.
const DefaultClaimTimeout = time.Minute

// TrackedSender makes a Transport idempotent with a tracker store.
type TrackedSender struct {
	trackers     kvstore.Store[Tracker]
	transport    Transport
	clock        clock.Clock
	logger       *slog.Logger
	claimTimeout time.Duration
}

// SenderOption configures a TrackedSender.
type SenderOption func(*TrackedSender)

// WithClaimTimeout sets how long an undelivered claim is honored before
// another sender may take it over. It should cover one delivery attempt.
func WithClaimTimeout(d time.Duration) SenderOption {
	return func(s *TrackedSender) {
		if d > 0 {
			s.claimTimeout = d
		}
	}
}

// NewTrackedSender creates a sender. A nil clock uses the real clock and a
// nil logger uses slog.Default().
func NewTrackedSender(trackers kvstore.Store[Tracker], transport Transport, clk clock.Clock, logger *slog.Logger, opts ...SenderOption) *TrackedSender {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TrackedSender{
		trackers:     trackers,
		transport:    transport,
		clock:        clock.OrReal(clk),
		logger:       logger,
		claimTimeout: DefaultClaimTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendMessage implements Sender.
//
// Only the caller holding the tracker's claim delivers. A fresh tracker is
// claimed by whoever inserts it. An undelivered tracker whose claim was
// released or has gone stale is taken over with a compare-and-swap, so
// exactly one of several racing callers wins. Callers that find the message
// delivered report true; callers that lose the claim report false without
// sending.
func (s *TrackedSender) SendMessage(ctx context.Context, msg Message, trackingID string) (bool, error) {
	now := s.clock.Now()
	claim := &Tracker{
		Entity:    kvstore.Entity{PartitionKey: trackingID, RowKey: trackerRowKey},
		To:        msg.To,
		Kind:      msg.Kind,
		ClaimedAt: &now,
	}
	tracker, err := s.trackers.InsertOrGet(ctx, claim)
	if err != nil {
		return false, fmt.Errorf("claim tracker: %w", err)
	}
	logger := s.logger.With(slog.String("tracking_id", trackingID))

	if tracker != claim {
		if tracker.Delivered {
			logger.Debug("message already delivered")
			return true, nil
		}
		if tracker.ClaimedAt != nil && now.Sub(*tracker.ClaimedAt) < s.claimTimeout {
			logger.Debug("message is being delivered by another sender")
			return false, nil
		}
		tracker.ClaimedAt = &now
		if err := s.trackers.Update(ctx, tracker); err != nil {
			if errors.Is(err, kvstore.ErrETagMismatch) || errors.Is(err, kvstore.ErrEntityNotFound) {
				logger.Debug("lost tracker claim to another sender")
				return false, nil
			}
			return false, fmt.Errorf("claim tracker: %w", err)
		}
		logger.Info("retrying undelivered message")
	}

	if err := s.transport.Deliver(ctx, msg); err != nil {
		s.releaseClaim(ctx, logger, tracker)
		return false, fmt.Errorf("deliver message: %w", err)
	}

	delivered := s.clock.Now()
	tracker.Delivered = true
	tracker.DeliveredAt = &delivered
	if err := s.trackers.Update(ctx, tracker); err != nil {
		// The message went out; a retry after the claim goes stale may send
		// it again.
		logger.Warn("failed to mark message delivered", slog.String("error", err.Error()))
	}
	return true, nil
}

// releaseClaim clears a claim after a failed delivery.
func (s *TrackedSender) releaseClaim(ctx context.Context, logger *slog.Logger, tracker *Tracker) {
	tracker.ClaimedAt = nil
	if err := s.trackers.Update(context.WithoutCancel(ctx), tracker); err != nil {
		logger.Warn("failed to release tracker claim", slog.String("error", err.Error()))
	}
}

// ErrTransportFailed is returned by RecordingTransport when told to fail.
var ErrTransportFailed = errors.New("transport failed")

// RecordingTransport keeps delivered messages in memory, for tests and local
// runs.
type RecordingTransport struct {
	mu       sync.Mutex
	sent     []Message
	failures int
}

// Deliver implements Transport.
func (t *RecordingTransport) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return ErrTransportFailed
	}
	t.sent = append(t.sent, msg)
	return nil
}

// FailNext makes the next n deliveries fail.
func (t *RecordingTransport) FailNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
}

// Sent returns a copy of the delivered messages.
func (t *RecordingTransport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.sent...)
}

// LogTransport writes messages to a logger instead of sending them.
type LogTransport struct {
	Logger *slog.Logger
}

// Deliver implements Transport.
func (t LogTransport) Deliver(_ context.Context, msg Message) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("text message",
		slog.String("to", msg.To),
		slog.String("kind", msg.Kind),
		slog.String("body", msg.Body))
	return nil
}
