package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/observability"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/operation"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/worker"
)

// outcomeRecorder captures worker metrics.
type outcomeRecorder struct {
	observability.NoopMetrics
	mu       sync.Mutex
	outcomes []string
	poison   int
}

func (r *outcomeRecorder) RecordWorkerIteration(_ context.Context, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *outcomeRecorder) RecordPoisonMessage(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poison++
}

func (r *outcomeRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return ""
	}
	return r.outcomes[len(r.outcomes)-1]
}

type env struct {
	clk         *clock.Fake
	checkpoints *kvstore.MemoryStore[checkpoint.Checkpoint, *checkpoint.Checkpoint]
	queue       *queue.MemoryStore
	client      *checkpoint.CompensationClient
	deadLetters *kvstore.MemoryStore[worker.DeadLetter, *worker.DeadLetter]
	metrics     *outcomeRecorder

	mu      sync.Mutex
	resumed []checkpoint.Status
	resume  func(context.Context, *checkpoint.Checkpoint) (checkpoint.Status, error)
}

func newEnv() *env {
	clk := clock.NewFake(time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC))
	checkpoints := kvstore.NewMemoryStore[checkpoint.Checkpoint](kvstore.WithClock(clk))
	q := queue.NewMemoryStore("compensation", queue.WithClock(clk))
	return &env{
		clk:         clk,
		checkpoints: checkpoints,
		queue:       q,
		client:      checkpoint.NewCompensationClient(checkpoints, q, checkpoint.ClientConfig{VisibilityTimeout: time.Minute}),
		deadLetters: kvstore.NewMemoryStore[worker.DeadLetter](kvstore.WithClock(clk)),
		metrics:     &outcomeRecorder{},
		resume: func(context.Context, *checkpoint.Checkpoint) (checkpoint.Status, error) {
			return checkpoint.StatusCompleted, nil
		},
	}
}

func (e *env) worker(cfg worker.Config) *worker.CheckpointWorker {
	cfg.Clock = e.clk
	cfg.Metrics = e.metrics
	resumer := operation.ResumerFunc(func(ctx context.Context, cp *checkpoint.Checkpoint) (checkpoint.Status, error) {
		e.mu.Lock()
		e.resumed = append(e.resumed, cp.Status)
		fn := e.resume
		e.mu.Unlock()
		return fn(ctx, cp)
	})
	return worker.New(e.client, resumer, e.deadLetters, cfg)
}

func (e *env) resumedStatuses() []checkpoint.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]checkpoint.Status(nil), e.resumed...)
}

// seed stores a checkpoint in status and queues a visible pointer to it.
func (e *env) seed(t *testing.T, status checkpoint.Status, processAfter *time.Time) *checkpoint.Checkpoint {
	t.Helper()
	ctx := context.Background()
	cp := checkpoint.New("acct", "track", "Echo.V1")
	cp.Status = status
	cp.ProcessAfter = processAfter
	require.NoError(t, e.checkpoints.Insert(ctx, cp))
	require.NoError(t, e.client.QueueCheckpoint(ctx, cp, 0))
	return cp
}

func TestRunOnce_IdleQueue(t *testing.T) {
	e := newEnv()
	w := e.worker(worker.Config{IdleDelay: 3 * time.Second})

	delay, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, delay)
	assert.Equal(t, worker.OutcomeIdle, e.metrics.last())
}

func TestRunOnce_MissingCheckpointDropsPointer(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	ghost := checkpoint.New("acct", "gone", "Echo.V1")
	require.NoError(t, e.client.QueueCheckpoint(ctx, ghost, 0))

	delay, err := e.worker(worker.Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, delay)
	assert.Equal(t, 0, e.queue.Len())
	assert.Equal(t, worker.OutcomeMissing, e.metrics.last())
	assert.Empty(t, e.resumedStatuses())
}

func TestRunOnce_TerminalCheckpointIsCollected(t *testing.T) {
	for _, status := range []checkpoint.Status{checkpoint.StatusCompleted, checkpoint.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			e := newEnv()
			e.seed(t, status, nil)

			_, err := e.worker(worker.Config{}).RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, e.queue.Len())
			assert.Equal(t, worker.OutcomeCollected, e.metrics.last())
			assert.Empty(t, e.resumedStatuses())
		})
	}
}

func TestRunOnce_DefersUntilProcessAfter(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	due := e.clk.Now().Add(time.Hour)
	e.seed(t, checkpoint.StatusDelayedProcessing, &due)
	w := e.worker(worker.Config{})

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeDeferred, e.metrics.last())
	assert.Empty(t, e.resumedStatuses())
	assert.Equal(t, 1, e.queue.Len())

	// Past the normal lease but before ProcessAfter the pointer stays hidden.
	e.clk.Advance(30 * time.Minute)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeIdle, e.metrics.last())

	e.clk.Advance(30 * time.Minute)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeResumed, e.metrics.last())
	assert.Equal(t, []checkpoint.Status{checkpoint.StatusDelayedProcessing}, e.resumedStatuses())
	assert.Equal(t, 0, e.queue.Len())
}

func TestRunOnce_RequeuesWhenPointerExpiresFirst(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	start := e.clk.Now()
	due := start.Add(8 * 24 * time.Hour)
	e.seed(t, checkpoint.StatusDelayedProcessing, &due)
	w := e.worker(worker.Config{})

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeRequeued, e.metrics.last())
	assert.Equal(t, 1, e.queue.Len(), "the old pointer is replaced, not duplicated")

	// Past the original pointer's lifespan the replacement is still waiting.
	e.clk.Set(start.Add(7*24*time.Hour + time.Hour))
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeIdle, e.metrics.last())
	assert.Equal(t, 1, e.queue.Len())

	e.clk.Set(due)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeResumed, e.metrics.last())
	assert.Equal(t, []checkpoint.Status{checkpoint.StatusDelayedProcessing}, e.resumedStatuses())
	assert.Equal(t, 0, e.queue.Len())
}

func TestRunOnce_InProgressIsCancelled(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seed(t, checkpoint.StatusInProgress, nil)
	e.resume = func(context.Context, *checkpoint.Checkpoint) (checkpoint.Status, error) {
		return checkpoint.StatusCancelled, nil
	}

	_, err := e.worker(worker.Config{}).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []checkpoint.Status{checkpoint.StatusCancelling}, e.resumedStatuses(),
		"resume sees the checkpoint already marked cancelling")
	stored, err := e.checkpoints.Get(ctx, "acct", "track")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCancelling, stored.Status)
	assert.Equal(t, 0, e.queue.Len())
}

func TestRunOnce_NonTerminalResumeKeepsPointer(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seed(t, checkpoint.StatusDelayedProcessing, nil)
	e.resume = func(context.Context, *checkpoint.Checkpoint) (checkpoint.Status, error) {
		return checkpoint.StatusDelayedProcessing, nil
	}

	_, err := e.worker(worker.Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomePending, e.metrics.last())
	assert.Equal(t, 1, e.queue.Len())
}

func TestRunOnce_ResumeErrorKeepsPointer(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seed(t, checkpoint.StatusDelayedProcessing, nil)
	boom := errors.New("sms provider down")
	e.resume = func(context.Context, *checkpoint.Checkpoint) (checkpoint.Status, error) {
		return checkpoint.StatusDelayedProcessing, boom
	}
	w := e.worker(worker.Config{IdleDelay: time.Second})

	delay, err := w.RunOnce(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, worker.OutcomeError, e.metrics.last())

	// The pointer returns once its lease lapses.
	e.clk.Advance(time.Minute)
	e.resume = func(context.Context, *checkpoint.Checkpoint) (checkpoint.Status, error) {
		return checkpoint.StatusCompleted, nil
	}
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, e.queue.Len())
}

func TestRunOnce_PoisonMessageIsDeadLettered(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seed(t, checkpoint.StatusDelayedProcessing, nil)
	e.resume = func(context.Context, *checkpoint.Checkpoint) (checkpoint.Status, error) {
		return checkpoint.StatusDelayedProcessing, errors.New("always fails")
	}
	w := e.worker(worker.Config{PoisonThreshold: 2})

	for i := 0; i < 2; i++ {
		_, err := w.RunOnce(ctx)
		require.Error(t, err)
		e.clk.Advance(time.Minute)
	}

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomePoison, e.metrics.last())
	assert.Equal(t, 1, e.metrics.poison)
	assert.Equal(t, 0, e.queue.Len())
	assert.Len(t, e.resumedStatuses(), 2, "the third lease is not resumed")

	letters, err := worker.ListDeadLetters(ctx, e.deadLetters)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, worker.ReasonPoison, letters[0].Reason)
	assert.Equal(t, 3, letters[0].DequeueCount)
	assert.NotEmpty(t, letters[0].MessageID())
	assert.Contains(t, letters[0].Body, "track")
}

func TestRunOnce_InvalidReferenceIsDeadLettered(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	require.NoError(t, e.queue.AddMessage(ctx, "not a reference", 0, time.Hour))

	_, err := e.worker(worker.Config{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, e.queue.Len())

	letters, err := worker.ListDeadLetters(ctx, e.deadLetters)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, worker.ReasonInvalidReference, letters[0].Reason)
	assert.Equal(t, "not a reference", letters[0].Body)
}

func TestListDeadLetters_Pages(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	for i := 0; i < 130; i++ {
		require.NoError(t, e.queue.AddMessage(ctx, "junk", 0, time.Hour))
	}
	w := e.worker(worker.Config{})
	for i := 0; i < 130; i++ {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
	}

	letters, err := worker.ListDeadLetters(ctx, e.deadLetters)
	require.NoError(t, err)
	assert.Len(t, letters, 130)
	for i := 1; i < len(letters); i++ {
		assert.Less(t, letters[i-1].MessageID(), letters[i].MessageID())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv()
	for i := 0; i < 3; i++ {
		cp := checkpoint.New("acct", "done-"+string(rune('a'+i)), "Echo.V1")
		cp.Status = checkpoint.StatusCompleted
		require.NoError(t, e.checkpoints.Insert(context.Background(), cp))
		require.NoError(t, e.client.QueueCheckpoint(context.Background(), cp, 0))
	}
	w := e.worker(worker.Config{Concurrency: 2, IdleDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return e.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
