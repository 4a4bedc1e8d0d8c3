package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/accounts"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/messaging"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/operation"
)

// ScheduledTextOperationType tags scheduled text checkpoints.
const ScheduledTextOperationType = "SendScheduledTextOperation.V1"

// ScheduledTextRequest sends Body to a subscribed account at SendAt.
type ScheduledTextRequest struct {
	AccountID  string
	TrackingID string
	Body       string
	// Kind labels the message on the account. Default: "scheduled".
	Kind   string
	SendAt time.Time
}

// ScheduledTextResult is the body of a delivered scheduled text.
type ScheduledTextResult struct {
	SentAt time.Time `json:"sent_at"`
}

type scheduledTextPayload struct {
	operation.CheckpointData[ScheduledTextResult, State]
	Body   string                  `json:"body"`
	Kind   string                  `json:"kind"`
	SendAt time.Time               `json:"send_at"`
	Sent   *accounts.MessageRecord `json:"sent,omitempty"`
}

// SendScheduledTextOperation holds a text until its send time and delivers
// it from the recovery worker. Run answers Accepted.
type SendScheduledTextOperation struct {
	deps Dependencies
	base *operation.Base[ScheduledTextResult, State]
}

// NewSendScheduledTextOperation creates an operation for one invocation.
func NewSendScheduledTextOperation(deps Dependencies) *SendScheduledTextOperation {
	return &SendScheduledTextOperation{deps: deps, base: newBase[ScheduledTextResult](deps, ScheduledTextOperationType)}
}

// Run starts the invocation identified by req.TrackingID.
func (o *SendScheduledTextOperation) Run(ctx context.Context, req ScheduledTextRequest) (*operation.Response[ScheduledTextResult], error) {
	switch {
	case req.AccountID == "":
		return invalid[ScheduledTextResult]("account id"), nil
	case req.TrackingID == "":
		return invalid[ScheduledTextResult]("tracking id"), nil
	case req.Body == "":
		return invalid[ScheduledTextResult]("body"), nil
	}
	if req.Kind == "" {
		req.Kind = "scheduled"
	}

	ctx, span := o.base.Spans().StartOperationSpan(ctx, ScheduledTextOperationType, req.AccountID, req.TrackingID)
	p := &scheduledTextPayload{Body: req.Body, Kind: req.Kind, SendAt: req.SendAt.UTC()}
	p.OperationState = StateProcessingMessage
	resp, err := o.base.Start(ctx, req.AccountID, req.TrackingID, p)
	if err == nil && resp == nil {
		resp, err = o.dispatch(ctx, p)
	}
	o.base.Spans().EndSpanWithError(span, err)
	return resp, err
}

// Resume implements operation.Resumer.
func (o *SendScheduledTextOperation) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (checkpoint.Status, error) {
	ctx, span := o.base.Spans().StartOperationSpan(ctx, ScheduledTextOperationType, cp.AccountID(), cp.TrackingID())
	var p scheduledTextPayload
	err := o.base.Load(cp, &p)
	if err == nil {
		_, err = o.dispatch(ctx, &p)
	}
	o.base.Spans().EndSpanWithError(span, err)
	return cp.Status, err
}

func (o *SendScheduledTextOperation) dispatch(ctx context.Context, p *scheduledTextPayload) (*operation.Response[ScheduledTextResult], error) {
	if o.base.Status() == checkpoint.StatusCancelling {
		return cancel(ctx, o.base, p)
	}
	state := p.OperationState
	switch state {
	case StateProcessingMessage:
		return step(ctx, o.base, state, func(ctx context.Context) (*operation.Response[ScheduledTextResult], error) {
			return o.processMessage(ctx, p)
		})
	case StateSendingResponse:
		return step(ctx, o.base, state, func(ctx context.Context) (*operation.Response[ScheduledTextResult], error) {
			return o.sendResponse(ctx, p)
		})
	case StateUpdatingAccount:
		return step(ctx, o.base, state, func(ctx context.Context) (*operation.Response[ScheduledTextResult], error) {
			return o.updateAccount(ctx, p)
		})
	default:
		return finished[ScheduledTextResult](p)
	}
}

func (o *SendScheduledTextOperation) processMessage(ctx context.Context, p *scheduledTextPayload) (*operation.Response[ScheduledTextResult], error) {
	if _, resp, err := o.subscribedAccount(ctx, p); resp != nil || err != nil {
		return resp, err
	}
	delay := p.SendAt.Sub(o.base.Clock().Now())
	if delay < 0 {
		delay = 0
	}
	return o.base.DelayProcessingCheckpoint(ctx, delay, p, StateSendingResponse)
}

func (o *SendScheduledTextOperation) sendResponse(ctx context.Context, p *scheduledTextPayload) (*operation.Response[ScheduledTextResult], error) {
	// The account may have unsubscribed while the text waited.
	acct, resp, err := o.subscribedAccount(ctx, p)
	if resp != nil || err != nil {
		return resp, err
	}

	cp := o.base.Checkpoint()
	rec, err := send(ctx, o.deps, o.base.Clock(), cp.AccountID(), cp.TrackingID(), messaging.Message{
		To:   acct.PhoneNumber,
		Body: p.Body,
		Kind: p.Kind,
	})
	if err != nil {
		return nil, err
	}
	p.Sent = &rec
	if err := o.base.SetCheckpoint(ctx, p, StateUpdatingAccount); err != nil {
		return nil, err
	}
	return o.updateAccount(ctx, p)
}

func (o *SendScheduledTextOperation) updateAccount(ctx context.Context, p *scheduledTextPayload) (*operation.Response[ScheduledTextResult], error) {
	_, err := accounts.Update(ctx, o.deps.Accounts, o.base.Checkpoint().AccountID(), func(a *accounts.Account) (bool, error) {
		return p.Sent != nil && a.AddMessage(*p.Sent), nil
	})
	// The text went out; a vanished account only loses the record.
	if err != nil && !errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, err
	}
	var sentAt time.Time
	if p.Sent != nil {
		sentAt = p.Sent.SentAt
	}
	return complete(ctx, o.base, p, operation.OK(&ScheduledTextResult{SentAt: sentAt}))
}

// subscribedAccount loads the account, completing the operation with a
// failure response when it is missing or not subscribed.
func (o *SendScheduledTextOperation) subscribedAccount(ctx context.Context, p *scheduledTextPayload) (*accounts.Account, *operation.Response[ScheduledTextResult], error) {
	acct, err := accounts.Get(ctx, o.deps.Accounts, o.base.Checkpoint().AccountID())
	if errors.Is(err, accounts.ErrAccountNotFound) {
		resp, err := complete(ctx, o.base, p, operation.Failure[ScheduledTextResult](http.StatusNotFound,
			ErrorCodeAccountNotFound, "no account with this id"))
		return nil, resp, err
	}
	if err != nil {
		return nil, nil, err
	}
	if acct.Status != accounts.StatusSubscribed {
		resp, err := complete(ctx, o.base, p, operation.Failure[ScheduledTextResult](http.StatusBadRequest,
			ErrorCodeAccountNotSubscribed, "the account is not subscribed"))
		return nil, resp, err
	}
	return acct, nil, nil
}
