// Package ops holds the concrete resumable operations: subscribing an
// account, changing its ZIP code and sending a scheduled text.
//
// Every operation walks the same state shape,
//
//	ProcessingMessage -> SendingResponse -> UpdatingAccount -> Completed
//
// with Cancelling -> Cancelled taken when the recovery worker finds an
// invocation abandoned mid-flight. Each state handler is safe to enter more
// than once: sends are deduplicated by tracking ID and account writes only
// add what is missing.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/accounts"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/config"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/location"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/messaging"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/observability"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/operation"
)

// State is the operation state shared by every operation in this package.
type State string

// Operation states.
const (
	StateProcessingMessage State = "ProcessingMessage"
	StateSendingResponse   State = "SendingResponse"
	StateUpdatingAccount   State = "UpdatingAccount"
	StateCompleted         State = "Completed"
	StateCancelling        State = "Cancelling"
	StateCancelled         State = "Cancelled"
)

// Error codes of business failures.
const (
	ErrorCodeInvalidRequest       = "InvalidRequest"
	ErrorCodeAccountNotFound      = "AccountNotFound"
	ErrorCodeAccountNotSubscribed = "AccountNotSubscribed"
	ErrorCodeLocationNotFound     = "LocationNotFound"
)

var (
	// ErrUnknownState indicates a payload whose state has no handler.
	ErrUnknownState = errors.New("unknown operation state")

	// ErrMessageNotSent indicates a sender that neither sent nor failed.
	ErrMessageNotSent = errors.New("message was not sent")
)

// Dependencies is everything the operations need from the process.
type Dependencies struct {
	Clock        clock.Clock
	Logger       *slog.Logger
	Accounts     accounts.Store
	Compensation *checkpoint.CompensationClient
	Sender       messaging.Sender
	Locations    location.Lookup
	Settings     config.OperationSettings
	Metrics      observability.MetricsRecorder
	Spans        observability.SpanManager
}

// Register adds every operation in this package to r.
func Register(r *operation.Registry, deps Dependencies) error {
	factories := map[string]operation.Factory{
		SubscribeOperationType: func() operation.Resumer { return NewSubscribeOperation(deps) },
		UpdateZipOperationType: func() operation.Resumer { return NewUpdateZipOperation(deps) },
		ScheduledTextOperationType: func() operation.Resumer {
			return NewSendScheduledTextOperation(deps)
		},
	}
	for opType, f := range factories {
		if err := r.Register(opType, f); err != nil {
			return err
		}
	}
	return nil
}

func newBase[R any](deps Dependencies, operationType string) *operation.Base[R, State] {
	latency := deps.Settings.ExpectedLatency
	if latency <= 0 {
		latency = config.Defaults().Operation.ExpectedLatency
	}
	return operation.NewBase[R, State](operation.Config{
		OperationType:   operationType,
		Compensation:    deps.Compensation,
		Clock:           deps.Clock,
		Logger:          deps.Logger,
		Metrics:         deps.Metrics,
		Spans:           deps.Spans,
		ExpectedLatency: latency,
	})
}

// complete finishes the operation with resp.
func complete[R any](ctx context.Context, base *operation.Base[R, State], p operation.Payload[R, State], resp *operation.Response[R]) (*operation.Response[R], error) {
	p.Data().OperationState = StateCompleted
	return base.CompleteCheckpoint(ctx, p, resp)
}

// cancel unwinds an abandoned operation. Nothing an operation does needs
// undoing, so unwinding is recording the cancellation.
func cancel[R any](ctx context.Context, base *operation.Base[R, State], p operation.Payload[R, State]) (*operation.Response[R], error) {
	base.Logger().Warn("cancelling abandoned operation", slog.String("state", string(p.Data().OperationState)))
	p.Data().OperationState = StateCancelled
	return base.CancelCheckpoint(ctx, p)
}

// finished returns the stored response of a payload in a final state.
func finished[R any](p operation.Payload[R, State]) (*operation.Response[R], error) {
	d := p.Data()
	if d.Response != nil {
		return d.Response, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownState, d.OperationState)
}

// step runs one state handler inside a state span.
func step[R any](ctx context.Context, base *operation.Base[R, State], state State, fn func(context.Context) (*operation.Response[R], error)) (*operation.Response[R], error) {
	ctx, span := base.Spans().StartStateSpan(ctx, base.OperationType(), string(state))
	resp, err := fn(ctx)
	base.Spans().EndSpanWithError(span, err)
	return resp, err
}

// send delivers msg at most once for (accountID, trackingID, msg.Kind) and
// returns the record to store on the account.
func send(ctx context.Context, deps Dependencies, clk clock.Clock, accountID, trackingID string, msg messaging.Message) (accounts.MessageRecord, error) {
	id := messageTrackingID(accountID, trackingID, msg.Kind)
	sent, err := deps.Sender.SendMessage(ctx, msg, id)
	if err != nil {
		return accounts.MessageRecord{}, fmt.Errorf("send %s message: %w", msg.Kind, err)
	}
	if !sent {
		return accounts.MessageRecord{}, fmt.Errorf("%w: %s", ErrMessageNotSent, id)
	}
	return accounts.MessageRecord{TrackingID: id, Kind: msg.Kind, Body: msg.Body, SentAt: clk.Now()}, nil
}

func messageTrackingID(accountID, trackingID, kind string) string {
	return accountID + "/" + trackingID + "/" + kind
}

func invalid[R any](field string) *operation.Response[R] {
	return operation.Failure[R](http.StatusBadRequest, ErrorCodeInvalidRequest, field+" is required")
}
