package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
)

// ErrInvalidReference indicates a compensation message body that does not
// name a checkpoint.
var ErrInvalidReference = errors.New("invalid checkpoint reference")

// ClientConfig configures a CompensationClient.
type ClientConfig struct {
	// MessageLifespan is how long a pointer stays in the queue.
	// Default: 7 days
	MessageLifespan time.Duration

	// VisibilityTimeout is the lease taken by GetCheckpointMessage.
	// Default: 1 minute
	VisibilityTimeout time.Duration

	// Logger receives warnings about failed cleanups.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultClientConfig provides reasonable defaults.
var DefaultClientConfig = ClientConfig{
	MessageLifespan:   7 * 24 * time.Hour,
	VisibilityTimeout: time.Minute,
}

// CompensationClient couples the checkpoint store with the compensation
// queue. Creating a checkpoint always enqueues a pointer to it; deleting the
// pointer is how recovery tracking ends.
type CompensationClient struct {
	checkpoints kvstore.Store[Checkpoint]
	queue       queue.Store
	cfg         ClientConfig
}

// NewCompensationClient creates a client. Zero config fields take defaults.
func NewCompensationClient(checkpoints kvstore.Store[Checkpoint], q queue.Store, cfg ClientConfig) *CompensationClient {
	if cfg.MessageLifespan <= 0 {
		cfg.MessageLifespan = DefaultClientConfig.MessageLifespan
	}
	if cfg.VisibilityTimeout < queue.MinVisibilityTimeout {
		cfg.VisibilityTimeout = DefaultClientConfig.VisibilityTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CompensationClient{checkpoints: checkpoints, queue: q, cfg: cfg}
}

// InsertOrGetCheckpoint stores cp unless a checkpoint already exists at its
// identity. Only a newly created checkpoint gets a pointer message, visible
// after visibilityDelay. The returned bool reports creation; when false the
// returned checkpoint is the one already stored.
func (c *CompensationClient) InsertOrGetCheckpoint(ctx context.Context, cp *Checkpoint, visibilityDelay time.Duration) (*Checkpoint, bool, error) {
	stored, err := c.checkpoints.InsertOrGet(ctx, cp)
	if err != nil {
		return nil, false, fmt.Errorf("insert checkpoint: %w", err)
	}
	if stored != cp {
		return stored, false, nil
	}

	if err := c.QueueCheckpoint(ctx, cp, visibilityDelay); err != nil {
		// Without a pointer nothing would ever recover this checkpoint, and
		// retries would see it as in progress. Remove it so the caller can
		// start over.
		if delErr := c.checkpoints.Delete(context.WithoutCancel(ctx), cp); delErr != nil {
			c.cfg.Logger.Warn("failed to remove unqueued checkpoint",
				slog.String("account_id", cp.AccountID()),
				slog.String("tracking_id", cp.TrackingID()),
				slog.String("error", delErr.Error()))
		}
		return nil, false, err
	}
	return cp, true, nil
}

// QueueCheckpoint enqueues another pointer to cp, visible after delay. The
// pointer lives for MessageLifespan past the moment it becomes visible, so
// a delay longer than the lifespan still yields a leasable pointer.
func (c *CompensationClient) QueueCheckpoint(ctx context.Context, cp *Checkpoint, delay time.Duration) error {
	body, err := cp.Reference().Marshal()
	if err != nil {
		return fmt.Errorf("encode reference: %w", err)
	}
	if err := c.queue.AddMessage(ctx, body, delay, delay+c.cfg.MessageLifespan); err != nil {
		return fmt.Errorf("queue checkpoint: %w", err)
	}
	return nil
}

// GetCheckpointMessage leases the next pointer, or returns nil if none is
// visible.
func (c *CompensationClient) GetCheckpointMessage(ctx context.Context) (*queue.Message, error) {
	return c.queue.GetMessage(ctx, c.cfg.VisibilityTimeout)
}

// GetCheckpoint dereferences a pointer message. It returns (nil, nil) when
// the checkpoint no longer exists.
func (c *CompensationClient) GetCheckpoint(ctx context.Context, msg *queue.Message) (*Checkpoint, error) {
	ref, err := ParseReference(msg.Body)
	if err != nil {
		return nil, err
	}
	return c.checkpoints.Get(ctx, ref.PartitionKey, ref.RowKey)
}

// DeleteCheckpointMessage ends recovery tracking for msg.
func (c *CompensationClient) DeleteCheckpointMessage(ctx context.Context, msg *queue.Message) error {
	return c.queue.DeleteMessage(ctx, msg)
}

// ExtendMessageTimeout keeps msg hidden for timeout from now.
func (c *CompensationClient) ExtendMessageTimeout(ctx context.Context, msg *queue.Message, timeout time.Duration) error {
	return c.queue.ExtendTimeout(ctx, msg, timeout)
}

// UpdateCheckpoint writes cp, which must carry the current ETag.
func (c *CompensationClient) UpdateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	return c.checkpoints.Update(ctx, cp)
}
