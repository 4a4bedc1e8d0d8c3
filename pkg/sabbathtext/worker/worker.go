// Package worker runs the checkpoint recovery loop.
//
// The compensation queue holds a pointer for every checkpoint that may need
// attention. A CheckpointWorker leases pointers one at a time and either
// garbage-collects them, defers them, or resumes the operation they point at.
// Any number of workers may share a queue; they coordinate only through
// queue leases and checkpoint ETags.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	sterrors "github.com/randalmurphal/sabbathtext/pkg/sabbathtext/errors"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/observability"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/operation"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
)

// Iteration outcomes, as recorded in metrics.
const (
	OutcomeIdle      = "idle"
	OutcomePoison    = "poison"
	OutcomeMissing   = "missing"
	OutcomeCollected = "collected"
	OutcomeDeferred  = "deferred"
	OutcomeRequeued  = "requeued"
	OutcomeResumed   = "resumed"
	OutcomePending   = "pending"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
)

// Config configures a CheckpointWorker.
type Config struct {
	// PoisonThreshold is the dequeue count above which a pointer is
	// dead-lettered instead of processed.
	// Default: 5
	PoisonThreshold int

	// IdleDelay is returned by RunOnce when the queue is empty or an
	// iteration failed.
	// Default: 5 seconds
	IdleDelay time.Duration

	// Concurrency is the number of loops Run starts.
	// Default: 1
	Concurrency int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Clock   clock.Clock
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	PoisonThreshold: 5,
	IdleDelay:       5 * time.Second,
	Concurrency:     1,
}

// CheckpointWorker resumes interrupted operations.
type CheckpointWorker struct {
	client      *checkpoint.CompensationClient
	resumer     operation.Resumer
	deadLetters kvstore.Store[DeadLetter]
	cfg         Config
}

// New creates a worker. resumer is usually an *operation.Registry. Zero
// config fields take defaults.
func New(client *checkpoint.CompensationClient, resumer operation.Resumer, deadLetters kvstore.Store[DeadLetter], cfg Config) *CheckpointWorker {
	if cfg.PoisonThreshold <= 0 {
		cfg.PoisonThreshold = DefaultConfig.PoisonThreshold
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultConfig.IdleDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig.Concurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	return &CheckpointWorker{client: client, resumer: resumer, deadLetters: deadLetters, cfg: cfg}
}

// Run processes pointers until ctx is cancelled, with Concurrency loops.
// Iteration errors are logged and do not stop the loops.
func (w *CheckpointWorker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(loop int) {
			defer wg.Done()
			w.loop(ctx, w.cfg.Logger.With(slog.Int("loop", loop)))
		}(i)
	}
	wg.Wait()
}

func (w *CheckpointWorker) loop(ctx context.Context, logger *slog.Logger) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("worker iteration failed", slog.String("error", err.Error()))
		}
		timer.Reset(delay)
	}
}

// RunOnce handles at most one pointer and returns how long to wait before
// the next call: zero after work was done, the idle delay otherwise.
func (w *CheckpointWorker) RunOnce(ctx context.Context) (time.Duration, error) {
	msg, err := w.client.GetCheckpointMessage(ctx)
	if err != nil {
		w.record(ctx, OutcomeError)
		return w.cfg.IdleDelay, err
	}
	if msg == nil {
		w.record(ctx, OutcomeIdle)
		return w.cfg.IdleDelay, nil
	}

	outcome, err := w.process(ctx, msg)
	w.record(ctx, outcome)
	if err != nil {
		return w.cfg.IdleDelay, err
	}
	return 0, nil
}

func (w *CheckpointWorker) process(ctx context.Context, msg *queue.Message) (string, error) {
	logger := w.cfg.Logger.With(slog.String("message_id", msg.ID))

	if msg.DequeueCount > w.cfg.PoisonThreshold {
		observability.LogPoisonMessage(logger, msg.ID, msg.DequeueCount)
		w.cfg.Metrics.RecordPoisonMessage(ctx)
		return OutcomePoison, w.divert(ctx, msg, ReasonPoison)
	}

	cp, err := w.client.GetCheckpoint(ctx, msg)
	if errors.Is(err, checkpoint.ErrInvalidReference) {
		logger.Warn("dead-lettering unreadable pointer", slog.String("error", err.Error()))
		return OutcomePoison, w.divert(ctx, msg, ReasonInvalidReference)
	}
	if err != nil {
		return OutcomeError, err
	}
	if cp == nil {
		logger.Debug("checkpoint is gone, dropping pointer")
		return OutcomeMissing, w.release(ctx, msg)
	}

	logger = observability.EnrichLogger(logger, cp.AccountID(), cp.TrackingID(), cp.OperationType)
	if cp.Status.IsTerminal() {
		return OutcomeCollected, w.release(ctx, msg)
	}

	now := w.cfg.Clock.Now()
	if cp.Status == checkpoint.StatusDelayedProcessing && cp.ProcessAfter != nil && cp.ProcessAfter.After(now) {
		wait := max(cp.ProcessAfter.Sub(now), queue.MinVisibilityTimeout)
		if now.Add(wait + w.cfg.IdleDelay).After(msg.ExpirationTime) {
			// The pointer would expire before the checkpoint is due. Hand
			// the checkpoint to a fresh pointer first, then drop this one.
			logger.Info("checkpoint due after pointer expiry, requeueing",
				slog.Time("process_after", *cp.ProcessAfter),
				slog.Time("pointer_expires", msg.ExpirationTime))
			if err := w.client.QueueCheckpoint(ctx, cp, wait); err != nil {
				return OutcomeError, err
			}
			return OutcomeRequeued, w.release(ctx, msg)
		}
		logger.Debug("checkpoint not due, deferring", slog.Duration("wait", wait))
		if err := w.client.ExtendMessageTimeout(ctx, msg, wait); err != nil && !errors.Is(err, queue.ErrMessageNotFound) {
			return OutcomeError, err
		}
		return OutcomeDeferred, nil
	}

	if cp.Status == checkpoint.StatusInProgress {
		// The owner died before delaying or finishing: unwind, don't resume.
		cp.Status = checkpoint.StatusCancelling
		if err := w.client.UpdateCheckpoint(ctx, cp); err != nil {
			if sterrors.IsConflict(err) {
				// The owner is still writing. Let the lease lapse and look again.
				logger.Debug("checkpoint changed while cancelling")
				return OutcomeConflict, nil
			}
			return OutcomeError, err
		}
		logger.Info("cancelling abandoned operation")
	}

	status, err := w.resumer.Resume(ctx, cp)
	if err != nil {
		logger.Error("resume failed",
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
		return OutcomeError, err
	}
	if !status.IsTerminal() {
		return OutcomePending, nil
	}
	logger.Info("operation recovered", slog.String("status", string(status)))
	return OutcomeResumed, w.release(ctx, msg)
}

// divert moves msg to the dead letter store.
func (w *CheckpointWorker) divert(ctx context.Context, msg *queue.Message, reason string) error {
	if err := storeDeadLetter(ctx, w.deadLetters, msg, reason); err != nil {
		return err
	}
	return w.release(ctx, msg)
}

// release deletes msg. Losing the lease to another worker is not an error.
func (w *CheckpointWorker) release(ctx context.Context, msg *queue.Message) error {
	err := w.client.DeleteCheckpointMessage(ctx, msg)
	if errors.Is(err, queue.ErrMessageNotFound) {
		w.cfg.Logger.Debug("pointer lease lost before delete", slog.String("message_id", msg.ID))
		return nil
	}
	return err
}

func (w *CheckpointWorker) record(ctx context.Context, outcome string) {
	w.cfg.Metrics.RecordWorkerIteration(ctx, outcome)
}
