package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordOperation(context.Context, string, int, time.Duration) {}

func (NoopMetrics) RecordTransition(context.Context, string, string) {}

func (NoopMetrics) RecordCheckpointSize(context.Context, string, int64) {}

func (NoopMetrics) RecordWorkerIteration(context.Context, string) {}

func (NoopMetrics) RecordPoisonMessage(context.Context) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartOperationSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartOperationSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartStateSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartStateSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
