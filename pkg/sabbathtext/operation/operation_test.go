package operation_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/observability"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/operation"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
)

type echoState string

const (
	echoReceived echoState = "Received"
	echoEchoing  echoState = "Echoing"
)

type echoBody struct {
	Text string `json:"text"`
}

type echoPayload struct {
	operation.CheckpointData[echoBody, echoState]
	Text string `json:"text"`
}

type harness struct {
	clk    *clock.Fake
	store  *kvstore.MemoryStore[checkpoint.Checkpoint, *checkpoint.Checkpoint]
	queue  *queue.MemoryStore
	client *checkpoint.CompensationClient
}

func newHarness() *harness {
	clk := clock.NewFake(time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC))
	store := kvstore.NewMemoryStore[checkpoint.Checkpoint](kvstore.WithClock(clk))
	q := queue.NewMemoryStore("compensation", queue.WithClock(clk))
	return &harness{
		clk:    clk,
		store:  store,
		queue:  q,
		client: checkpoint.NewCompensationClient(store, q, checkpoint.ClientConfig{}),
	}
}

func (h *harness) base(opType string) *operation.Base[echoBody, echoState] {
	return operation.NewBase[echoBody, echoState](operation.Config{
		OperationType:   opType,
		Compensation:    h.client,
		Clock:           h.clk,
		ExpectedLatency: 30 * time.Second,
	})
}

func (h *harness) stored(t *testing.T, accountID, trackingID string) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := h.store.Get(context.Background(), accountID, trackingID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	return cp
}

func TestBase_StartCreatesCheckpoint(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	op := h.base("Echo.V1")

	payload := &echoPayload{Text: "hi"}
	payload.OperationState = echoReceived
	resp, err := op.Start(ctx, "acct", "track", payload)
	require.NoError(t, err)
	assert.Nil(t, resp, "the first caller owns the invocation")
	assert.Equal(t, checkpoint.StatusInProgress, op.Status())

	cp := h.stored(t, "acct", "track")
	assert.Equal(t, "Echo.V1", cp.OperationType)
	assert.JSONEq(t, `{"operation_type":"Echo.V1","operation_state":"Received","text":"hi"}`, cp.CheckpointData)
	assert.Equal(t, 1, h.queue.Len(), "start enqueues a recovery pointer")
}

func TestBase_HappyPath(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	op := h.base("Echo.V1")

	payload := &echoPayload{Text: "hi"}
	payload.OperationState = echoReceived
	resp, err := op.Start(ctx, "acct", "track", payload)
	require.NoError(t, err)
	require.Nil(t, resp)

	require.NoError(t, op.SetCheckpoint(ctx, payload, echoEchoing))
	assert.Equal(t, echoEchoing, h.decode(t, "acct", "track").OperationState)

	final, err := op.CompleteCheckpoint(ctx, payload, operation.OK(&echoBody{Text: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, final.StatusCode)
	assert.Equal(t, checkpoint.StatusCompleted, op.Status())

	stored := h.decode(t, "acct", "track")
	require.NotNil(t, stored.Response)
	assert.Equal(t, "hi", stored.Response.Response.Text)
}

func (h *harness) decode(t *testing.T, accountID, trackingID string) *echoPayload {
	t.Helper()
	cp := h.stored(t, accountID, trackingID)
	op := h.base(cp.OperationType)
	var payload echoPayload
	require.NoError(t, op.Load(cp, &payload))
	return &payload
}

func TestBase_DuplicateAfterCompletionReturnsStoredResponse(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first := h.base("Echo.V1")
	p1 := &echoPayload{Text: "original"}
	_, err := first.Start(ctx, "acct", "track", p1)
	require.NoError(t, err)
	_, err = first.CompleteCheckpoint(ctx, p1, operation.OK(&echoBody{Text: "original"}))
	require.NoError(t, err)

	second := h.base("Echo.V1")
	p2 := &echoPayload{Text: "retry"}
	resp, err := second.Start(ctx, "acct", "track", p2)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "original", resp.Response.Text)
	assert.Equal(t, 1, h.queue.Len(), "the duplicate does not enqueue another pointer")
}

func TestBase_DuplicateWhileRunningConflicts(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.base("Echo.V1").Start(ctx, "acct", "track", &echoPayload{})
	require.NoError(t, err)

	resp, err := h.base("Echo.V1").Start(ctx, "acct", "track", &echoPayload{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, operation.ErrorCodeOperationInProgress, resp.ErrorCode)
}

func TestBase_TrackingIDReusedByOtherOperation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.base("Echo.V1").Start(ctx, "acct", "track", &echoPayload{})
	require.NoError(t, err)

	resp, err := h.base("Other.V1").Start(ctx, "acct", "track", &echoPayload{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, operation.ErrorCodeTrackingIDReused, resp.ErrorCode)
}

func TestBase_DelayProcessingCheckpoint(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	op := h.base("Echo.V1")

	payload := &echoPayload{}
	_, err := op.Start(ctx, "acct", "track", payload)
	require.NoError(t, err)

	resp, err := op.DelayProcessingCheckpoint(ctx, time.Hour, payload, echoEchoing)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	cp := h.stored(t, "acct", "track")
	assert.Equal(t, checkpoint.StatusDelayedProcessing, cp.Status)
	require.NotNil(t, cp.ProcessAfter)
	assert.True(t, cp.ProcessAfter.Equal(h.clk.Now().Add(time.Hour)))
	assert.Equal(t, 2, h.queue.Len(), "delay enqueues a pointer for the scheduled time")

	h.clk.Advance(time.Hour)
	msg, err := h.client.GetCheckpointMessage(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

// spanEvents records span events by name.
type spanEvents struct {
	observability.NoopSpanManager
	mu     sync.Mutex
	events map[string][]attribute.KeyValue
}

func (s *spanEvents) AddSpanEvent(_ context.Context, name string, attrs ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[string][]attribute.KeyValue)
	}
	s.events[name] = attrs
}

func (s *spanEvents) get(name string) ([]attribute.KeyValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.events[name]
	return attrs, ok
}

func (h *harness) tracedBase(opType string, spans observability.SpanManager) *operation.Base[echoBody, echoState] {
	return operation.NewBase[echoBody, echoState](operation.Config{
		OperationType:   opType,
		Compensation:    h.client,
		Clock:           h.clk,
		Spans:           spans,
		ExpectedLatency: 30 * time.Second,
	})
}

func TestBase_DelayAddsSpanEvent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	spans := &spanEvents{}
	op := h.tracedBase("Echo.V1", spans)

	payload := &echoPayload{}
	_, err := op.Start(ctx, "acct", "track", payload)
	require.NoError(t, err)
	_, err = op.DelayProcessingCheckpoint(ctx, time.Hour, payload, echoEchoing)
	require.NoError(t, err)

	attrs, ok := spans.get("checkpoint.delayed")
	require.True(t, ok)
	assert.Contains(t, attrs, attribute.String("operation.state", string(echoEchoing)))
	assert.Contains(t, attrs, attribute.String("process_after", h.clk.Now().Add(time.Hour).Format(time.RFC3339)))
	_, cancelled := spans.get("checkpoint.cancelled")
	assert.False(t, cancelled)
}

func TestBase_CancelAddsSpanEvent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	spans := &spanEvents{}
	op := h.tracedBase("Echo.V1", spans)

	payload := &echoPayload{}
	payload.OperationState = echoReceived
	_, err := op.Start(ctx, "acct", "track", payload)
	require.NoError(t, err)
	_, err = op.CancelCheckpoint(ctx, payload)
	require.NoError(t, err)

	attrs, ok := spans.get("checkpoint.cancelled")
	require.True(t, ok)
	assert.Contains(t, attrs, attribute.String("operation.state", string(echoReceived)))
}

func TestBase_StartLogsOperationTypeOnce(t *testing.T) {
	h := newHarness()
	buf := &bytes.Buffer{}
	op := operation.NewBase[echoBody, echoState](operation.Config{
		OperationType:   "Echo.V1",
		Compensation:    h.client,
		Clock:           h.clk,
		Logger:          slog.New(slog.NewJSONHandler(buf, nil)),
		ExpectedLatency: 30 * time.Second,
	})

	_, err := op.Start(context.Background(), "acct", "track", &echoPayload{})
	require.NoError(t, err)

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, `"operation starting"`) {
			line = l
		}
	}
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, `"operation_type"`), line)
	assert.Contains(t, line, `"operation_type":"Echo.V1"`)
}

func TestBase_CancelCheckpoint(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	op := h.base("Echo.V1")

	payload := &echoPayload{}
	_, err := op.Start(ctx, "acct", "track", payload)
	require.NoError(t, err)

	resp, err := op.CancelCheckpoint(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, operation.ErrorCodeOperationCancelled, resp.ErrorCode)
	assert.Equal(t, checkpoint.StatusCancelled, op.Status())

	again, err := h.base("Echo.V1").Start(ctx, "acct", "track", &echoPayload{})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, operation.ErrorCodeOperationCancelled, again.ErrorCode)
}

func TestBase_StaleWriteLeavesCheckpointUnchanged(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	op := h.base("Echo.V1")

	payload := &echoPayload{}
	payload.OperationState = echoReceived
	_, err := op.Start(ctx, "acct", "track", payload)
	require.NoError(t, err)

	// Someone else advances the checkpoint.
	other := h.stored(t, "acct", "track")
	other.Status = checkpoint.StatusCancelling
	require.NoError(t, h.store.Update(ctx, other))

	before := *op.Checkpoint()
	err = op.SetCheckpoint(ctx, payload, echoEchoing)
	require.ErrorIs(t, err, kvstore.ErrETagMismatch)
	assert.Equal(t, before.ETag, op.Checkpoint().ETag)
	assert.Equal(t, checkpoint.StatusInProgress, op.Status())
	assert.Equal(t, checkpoint.StatusCancelling, h.stored(t, "acct", "track").Status)
}

func TestBase_TransitionBeforeStart(t *testing.T) {
	h := newHarness()
	err := h.base("Echo.V1").SetCheckpoint(context.Background(), &echoPayload{}, echoEchoing)
	assert.ErrorIs(t, err, operation.ErrNotStarted)
}

func TestBase_LoadRejectsOtherOperation(t *testing.T) {
	h := newHarness()
	cp := checkpoint.New("acct", "track", "Other.V1")
	cp.CheckpointData = `{}`
	assert.Error(t, h.base("Echo.V1").Load(cp, &echoPayload{}))
}

func TestResponse_IsSuccess(t *testing.T) {
	assert.True(t, operation.OK[echoBody](nil).IsSuccess())
	assert.True(t, operation.Accepted[echoBody]().IsSuccess())
	assert.False(t, operation.Conflict[echoBody]().IsSuccess())
	assert.False(t, operation.Failure[echoBody](http.StatusBadRequest, "Bad", "bad").IsSuccess())
	assert.False(t, operation.Cancelled[echoBody]().IsSuccess())

	var nilResp *operation.Response[echoBody]
	assert.False(t, nilResp.IsSuccess())
}
