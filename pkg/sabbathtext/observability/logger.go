// Package observability provides structured logging, metrics and tracing
// for operations and the recovery worker.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds a logger writing to w.
// level is debug, info, warn or error; format is text or json.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// EnrichLogger adds operation context to a logger.
// Returns a new logger with account_id, tracking_id, and operation_type fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "acct-1", "sms-123", "SubscribeMessageOperation.V1")
//	enriched.Info("sending welcome") // includes all three fields
func EnrichLogger(logger *slog.Logger, accountID, trackingID, operationType string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("account_id", accountID),
		slog.String("tracking_id", trackingID),
		slog.String("operation_type", operationType),
	)
}

// LogOperationStart logs the first entry into an operation. The operation
// fields come from the logger built by EnrichLogger.
func LogOperationStart(logger *slog.Logger) {
	if logger == nil {
		return
	}
	logger.Info("operation starting")
}

// LogOperationComplete logs an operation reaching a final response.
func LogOperationComplete(logger *slog.Logger, statusCode int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("operation completed",
		slog.Int("status_code", statusCode),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogTransition logs a durable state change.
func LogTransition(logger *slog.Logger, state, status string) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint advanced",
		slog.String("state", state),
		slog.String("status", status),
	)
}

// LogCheckpointError logs a failed checkpoint write. The operation stops at
// its last durable state.
func LogCheckpointError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint write failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogPoisonMessage logs a compensation message diverted to the dead letters.
func LogPoisonMessage(logger *slog.Logger, messageID string, dequeueCount int) {
	if logger == nil {
		return
	}
	logger.Error("poison message dead-lettered",
		slog.String("message_id", messageID),
		slog.Int("dequeue_count", dequeueCount),
	)
}
