package observability

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records operation and worker metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordOperation records an operation reaching a final response.
	RecordOperation(ctx context.Context, operationType string, statusCode int, duration time.Duration)

	// RecordTransition records a durable checkpoint state change.
	RecordTransition(ctx context.Context, operationType, state string)

	// RecordCheckpointSize records the serialized payload size of a write.
	RecordCheckpointSize(ctx context.Context, operationType string, sizeBytes int64)

	// RecordWorkerIteration records one recovery worker iteration by outcome.
	RecordWorkerIteration(ctx context.Context, outcome string)

	// RecordPoisonMessage records a message diverted to the dead letters.
	RecordPoisonMessage(ctx context.Context)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	operations       metric.Int64Counter
	operationLatency metric.Float64Histogram
	transitions      metric.Int64Counter
	checkpointSize   metric.Int64Histogram
	workerIterations metric.Int64Counter
	poisonMessages   metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the shared OTel instruments.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("sabbathtext")

	operations, err := meter.Int64Counter("sabbathtext.operation.completions",
		metric.WithDescription("Number of operations that reached a final response"),
	)
	if err != nil {
		return nil, err
	}

	operationLatency, err := meter.Float64Histogram("sabbathtext.operation.latency_ms",
		metric.WithDescription("Operation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("sabbathtext.checkpoint.transitions",
		metric.WithDescription("Number of durable checkpoint state changes"),
	)
	if err != nil {
		return nil, err
	}

	checkpointSize, err := meter.Int64Histogram("sabbathtext.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint payload size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	workerIterations, err := meter.Int64Counter("sabbathtext.worker.iterations",
		metric.WithDescription("Number of recovery worker iterations"),
	)
	if err != nil {
		return nil, err
	}

	poisonMessages, err := meter.Int64Counter("sabbathtext.worker.poison_messages",
		metric.WithDescription("Number of compensation messages dead-lettered"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		operations:       operations,
		operationLatency: operationLatency,
		transitions:      transitions,
		checkpointSize:   checkpointSize,
		workerIterations: workerIterations,
		poisonMessages:   poisonMessages,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordOperation records an operation completion.
func (m *otelMetrics) RecordOperation(ctx context.Context, operationType string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation_type", operationType),
		attribute.String("status_code", strconv.Itoa(statusCode)),
	)
	m.operations.Add(ctx, 1, attrs)
	m.operationLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordTransition records a checkpoint state change.
func (m *otelMetrics) RecordTransition(ctx context.Context, operationType, state string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation_type", operationType),
		attribute.String("state", state),
	))
}

// RecordCheckpointSize records a checkpoint payload size.
func (m *otelMetrics) RecordCheckpointSize(ctx context.Context, operationType string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(
		attribute.String("operation_type", operationType),
	))
}

// RecordWorkerIteration records a worker iteration.
func (m *otelMetrics) RecordWorkerIteration(ctx context.Context, outcome string) {
	m.workerIterations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordPoisonMessage records a dead-lettered message.
func (m *otelMetrics) RecordPoisonMessage(ctx context.Context) {
	m.poisonMessages.Add(ctx, 1)
}
