// Package operation is the resumable state-machine framework behind every
// business operation.
//
// An operation is a sequence of named states. Before each side effect it
// persists its state and payload in a checkpoint, so that after a crash the
// recovery worker can load the checkpoint and re-enter at the last durable
// state. Handlers must be idempotent: entering a state twice must look the
// same as entering it once.
//
// A typical Run:
//
//	resp, err := op.Start(ctx, accountID, trackingID, payload)
//	if err != nil || resp != nil {
//		return resp, err // failed, finished earlier, or still running elsewhere
//	}
//	return op.process(ctx, payload)
//
// and a typical Resume:
//
//	if err := op.Load(cp, payload); err != nil {
//		return "", err
//	}
//	return op.dispatch(ctx, payload)
package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/observability"
)

// ErrNotStarted indicates a transition before Start or Load.
var ErrNotStarted = errors.New("operation has no checkpoint")

// CheckpointData is the framework part of every operation payload.
// Operations embed it in their own payload struct.
type CheckpointData[R any, S ~string] struct {
	OperationType  string       `json:"operation_type"`
	OperationState S            `json:"operation_state"`
	Response       *Response[R] `json:"response,omitempty"`
}

// Data returns d. Embedding CheckpointData makes a payload pointer a Payload.
func (d *CheckpointData[R, S]) Data() *CheckpointData[R, S] {
	return d
}

// Payload is an operation's serializable checkpoint payload.
type Payload[R any, S ~string] interface {
	Data() *CheckpointData[R, S]
}

// Config holds what Base needs from its environment.
type Config struct {
	OperationType string
	Compensation  *checkpoint.CompensationClient
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       observability.MetricsRecorder
	Spans         observability.SpanManager

	// ExpectedLatency delays the recovery pointer created by Start, so the
	// worker only looks at the checkpoint once the invocation should have
	// finished.
	ExpectedLatency time.Duration
}

// Base implements checkpoint transitions for one operation invocation.
// R is the success response body and S the operation's state enum.
// A Base is not safe for concurrent use; concurrent invocations each get
// their own.
type Base[R any, S ~string] struct {
	cfg     Config
	cp      *checkpoint.Checkpoint
	logger  *slog.Logger
	started time.Time
}

// NewBase creates a Base. Nil Clock, Logger, Metrics and Spans take
// defaults.
func NewBase[R any, S ~string](cfg Config) *Base[R, S] {
	cfg.Clock = clock.OrReal(cfg.Clock)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Base[R, S]{cfg: cfg, logger: cfg.Logger}
}

// OperationType returns the registry tag.
func (b *Base[R, S]) OperationType() string { return b.cfg.OperationType }

// Logger returns a logger carrying the invocation's identity once started.
func (b *Base[R, S]) Logger() *slog.Logger { return b.logger }

// Clock returns the operation's time source.
func (b *Base[R, S]) Clock() clock.Clock { return b.cfg.Clock }

// Spans returns the span manager.
func (b *Base[R, S]) Spans() observability.SpanManager { return b.cfg.Spans }

// Checkpoint returns the adopted checkpoint, or nil before Start or Load.
func (b *Base[R, S]) Checkpoint() *checkpoint.Checkpoint { return b.cp }

// Status returns the checkpoint status, or "" before Start or Load.
func (b *Base[R, S]) Status() checkpoint.Status {
	if b.cp == nil {
		return ""
	}
	return b.cp.Status
}

// Start creates the invocation's checkpoint from payload in its current
// state. A nil response means this call owns the invocation and should
// proceed. Otherwise the invocation already exists: a finished one yields
// its stored response, a running one a Conflict.
func (b *Base[R, S]) Start(ctx context.Context, accountID, trackingID string, payload Payload[R, S]) (*Response[R], error) {
	data := payload.Data()
	data.OperationType = b.cfg.OperationType

	cp := checkpoint.New(accountID, trackingID, b.cfg.OperationType)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	cp.CheckpointData = string(body)

	b.adopt(cp)
	observability.LogOperationStart(b.logger)

	stored, created, err := b.cfg.Compensation.InsertOrGetCheckpoint(ctx, cp, b.cfg.ExpectedLatency)
	if err != nil {
		observability.LogCheckpointError(b.logger, "insert", err)
		return nil, err
	}
	if created {
		b.cfg.Metrics.RecordTransition(ctx, b.cfg.OperationType, string(data.OperationState))
		b.cfg.Metrics.RecordCheckpointSize(ctx, b.cfg.OperationType, int64(len(body)))
		return nil, nil
	}

	b.cp = stored
	if stored.OperationType != b.cfg.OperationType {
		return Failure[R](http.StatusConflict, ErrorCodeTrackingIDReused,
			fmt.Sprintf("tracking id belongs to a %s operation", stored.OperationType)), nil
	}
	if !stored.Status.IsTerminal() {
		b.logger.Info("duplicate invocation while in progress", slog.String("status", string(stored.Status)))
		return Conflict[R](), nil
	}
	if err := json.Unmarshal([]byte(stored.CheckpointData), payload); err != nil {
		return nil, fmt.Errorf("decode stored payload: %w", err)
	}
	if resp := payload.Data().Response; resp != nil {
		return resp, nil
	}
	return Cancelled[R](), nil
}

// Load adopts a stored checkpoint and decodes its payload, for Resume.
func (b *Base[R, S]) Load(cp *checkpoint.Checkpoint, payload Payload[R, S]) error {
	if cp.OperationType != b.cfg.OperationType {
		return fmt.Errorf("load %s checkpoint into %s operation", cp.OperationType, b.cfg.OperationType)
	}
	if err := json.Unmarshal([]byte(cp.CheckpointData), payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	b.adopt(cp)
	return nil
}

// SetCheckpoint durably moves the operation to state. Call it before the
// side effect that state performs.
func (b *Base[R, S]) SetCheckpoint(ctx context.Context, payload Payload[R, S], state S) error {
	payload.Data().OperationState = state
	return b.write(ctx, payload, checkpoint.StatusInProgress, nil)
}

// DelayProcessingCheckpoint moves the operation to state and hands it to the
// recovery worker to continue after delay. The caller gets Accepted.
func (b *Base[R, S]) DelayProcessingCheckpoint(ctx context.Context, delay time.Duration, payload Payload[R, S], state S) (*Response[R], error) {
	payload.Data().OperationState = state
	after := b.cfg.Clock.Now().Add(delay)
	if err := b.write(ctx, payload, checkpoint.StatusDelayedProcessing, &after); err != nil {
		return nil, err
	}
	b.cfg.Spans.AddSpanEvent(ctx, "checkpoint.delayed",
		attribute.String("operation.state", string(state)),
		attribute.String("process_after", after.Format(time.RFC3339)),
	)
	// If this fails the pointer from Start still finds the checkpoint, and
	// the worker holds it until ProcessAfter.
	if err := b.cfg.Compensation.QueueCheckpoint(ctx, b.cp, delay); err != nil {
		observability.LogCheckpointError(b.logger, "queue", err)
		return nil, err
	}
	resp := Accepted[R]()
	b.finish(ctx, resp)
	return resp, nil
}

// CompleteCheckpoint freezes resp as the final response.
func (b *Base[R, S]) CompleteCheckpoint(ctx context.Context, payload Payload[R, S], resp *Response[R]) (*Response[R], error) {
	payload.Data().Response = resp
	if err := b.write(ctx, payload, checkpoint.StatusCompleted, nil); err != nil {
		return nil, err
	}
	b.finish(ctx, resp)
	return resp, nil
}

// CancelCheckpoint finishes an abandoned operation with a Cancelled response.
func (b *Base[R, S]) CancelCheckpoint(ctx context.Context, payload Payload[R, S]) (*Response[R], error) {
	resp := Cancelled[R]()
	payload.Data().Response = resp
	if err := b.write(ctx, payload, checkpoint.StatusCancelled, nil); err != nil {
		return nil, err
	}
	b.cfg.Spans.AddSpanEvent(ctx, "checkpoint.cancelled",
		attribute.String("operation.state", string(payload.Data().OperationState)),
	)
	b.finish(ctx, resp)
	return resp, nil
}

func (b *Base[R, S]) adopt(cp *checkpoint.Checkpoint) {
	b.cp = cp
	b.started = b.cfg.Clock.Now()
	b.logger = observability.EnrichLogger(b.cfg.Logger, cp.AccountID(), cp.TrackingID(), b.cfg.OperationType)
}

// write persists payload with a compare-and-swap on the checkpoint ETag. On
// failure the in-memory checkpoint is left as it was.
func (b *Base[R, S]) write(ctx context.Context, payload Payload[R, S], status checkpoint.Status, processAfter *time.Time) error {
	if b.cp == nil {
		return ErrNotStarted
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	prev := *b.cp
	b.cp.Status = status
	b.cp.ProcessAfter = processAfter
	b.cp.CheckpointData = string(body)
	if err := b.cfg.Compensation.UpdateCheckpoint(ctx, b.cp); err != nil {
		*b.cp = prev
		observability.LogCheckpointError(b.logger, "update", err)
		return err
	}

	state := string(payload.Data().OperationState)
	observability.LogTransition(b.logger, state, string(status))
	b.cfg.Metrics.RecordTransition(ctx, b.cfg.OperationType, state)
	b.cfg.Metrics.RecordCheckpointSize(ctx, b.cfg.OperationType, int64(len(body)))
	return nil
}

func (b *Base[R, S]) finish(ctx context.Context, resp *Response[R]) {
	elapsed := b.cfg.Clock.Now().Sub(b.started)
	observability.LogOperationComplete(b.logger, resp.StatusCode, float64(elapsed.Milliseconds()))
	b.cfg.Metrics.RecordOperation(ctx, b.cfg.OperationType, resp.StatusCode, elapsed)
}
