package ops

import (
	"context"
	"errors"
	"net/http"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/accounts"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/messaging"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/operation"
)

// SubscribeOperationType tags subscribe checkpoints.
const SubscribeOperationType = "SubscribeMessageOperation.V1"

const welcomeText = "Welcome to Sabbath Text! You will get a text before each Sabbath begins. Reply STOP to unsubscribe."

// SubscribeRequest subscribes an account, creating it if needed.
type SubscribeRequest struct {
	AccountID   string
	TrackingID  string
	PhoneNumber string
}

// SubscribeResult is the body of a successful subscribe.
type SubscribeResult struct {
	AccountID         string          `json:"account_id"`
	Status            accounts.Status `json:"status"`
	AlreadySubscribed bool            `json:"already_subscribed,omitempty"`
}

type subscribePayload struct {
	operation.CheckpointData[SubscribeResult, State]
	PhoneNumber string                  `json:"phone_number"`
	Welcome     *accounts.MessageRecord `json:"welcome,omitempty"`
}

// SubscribeOperation subscribes an account and sends the welcome text.
// The welcome goes out from the recovery worker after the configured
// subscribe delay; Run answers Accepted.
type SubscribeOperation struct {
	deps Dependencies
	base *operation.Base[SubscribeResult, State]
}

// NewSubscribeOperation creates an operation for one invocation.
func NewSubscribeOperation(deps Dependencies) *SubscribeOperation {
	return &SubscribeOperation{deps: deps, base: newBase[SubscribeResult](deps, SubscribeOperationType)}
}

// Run starts the invocation identified by req.TrackingID.
func (o *SubscribeOperation) Run(ctx context.Context, req SubscribeRequest) (*operation.Response[SubscribeResult], error) {
	switch {
	case req.AccountID == "":
		return invalid[SubscribeResult]("account id"), nil
	case req.TrackingID == "":
		return invalid[SubscribeResult]("tracking id"), nil
	case req.PhoneNumber == "":
		return invalid[SubscribeResult]("phone number"), nil
	}

	ctx, span := o.base.Spans().StartOperationSpan(ctx, SubscribeOperationType, req.AccountID, req.TrackingID)
	p := &subscribePayload{PhoneNumber: req.PhoneNumber}
	p.OperationState = StateProcessingMessage
	resp, err := o.base.Start(ctx, req.AccountID, req.TrackingID, p)
	if err == nil && resp == nil {
		resp, err = o.dispatch(ctx, p)
	}
	o.base.Spans().EndSpanWithError(span, err)
	return resp, err
}

// Resume implements operation.Resumer.
func (o *SubscribeOperation) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (checkpoint.Status, error) {
	ctx, span := o.base.Spans().StartOperationSpan(ctx, SubscribeOperationType, cp.AccountID(), cp.TrackingID())
	var p subscribePayload
	err := o.base.Load(cp, &p)
	if err == nil {
		_, err = o.dispatch(ctx, &p)
	}
	o.base.Spans().EndSpanWithError(span, err)
	return cp.Status, err
}

func (o *SubscribeOperation) dispatch(ctx context.Context, p *subscribePayload) (*operation.Response[SubscribeResult], error) {
	if o.base.Status() == checkpoint.StatusCancelling {
		return cancel(ctx, o.base, p)
	}
	state := p.OperationState
	switch state {
	case StateProcessingMessage:
		return step(ctx, o.base, state, func(ctx context.Context) (*operation.Response[SubscribeResult], error) {
			return o.processMessage(ctx, p)
		})
	case StateSendingResponse:
		return step(ctx, o.base, state, func(ctx context.Context) (*operation.Response[SubscribeResult], error) {
			return o.sendResponse(ctx, p)
		})
	case StateUpdatingAccount:
		return step(ctx, o.base, state, func(ctx context.Context) (*operation.Response[SubscribeResult], error) {
			return o.updateAccount(ctx, p)
		})
	default:
		return finished[SubscribeResult](p)
	}
}

func (o *SubscribeOperation) processMessage(ctx context.Context, p *subscribePayload) (*operation.Response[SubscribeResult], error) {
	cp := o.base.Checkpoint()
	acct, err := accounts.GetOrCreate(ctx, o.deps.Accounts, cp.AccountID(), p.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if acct.Status == accounts.StatusSubscribed {
		return complete(ctx, o.base, p, operation.OK(&SubscribeResult{
			AccountID:         acct.AccountID(),
			Status:            acct.Status,
			AlreadySubscribed: true,
		}))
	}
	return o.base.DelayProcessingCheckpoint(ctx, o.deps.Settings.SubscribeDelay, p, StateSendingResponse)
}

func (o *SubscribeOperation) sendResponse(ctx context.Context, p *subscribePayload) (*operation.Response[SubscribeResult], error) {
	cp := o.base.Checkpoint()
	rec, err := send(ctx, o.deps, o.base.Clock(), cp.AccountID(), cp.TrackingID(), messaging.Message{
		To:   p.PhoneNumber,
		Body: welcomeText,
		Kind: "welcome",
	})
	if err != nil {
		return nil, err
	}
	p.Welcome = &rec
	if err := o.base.SetCheckpoint(ctx, p, StateUpdatingAccount); err != nil {
		return nil, err
	}
	return o.updateAccount(ctx, p)
}

func (o *SubscribeOperation) updateAccount(ctx context.Context, p *subscribePayload) (*operation.Response[SubscribeResult], error) {
	cp := o.base.Checkpoint()
	acct, err := accounts.Update(ctx, o.deps.Accounts, cp.AccountID(), func(a *accounts.Account) (bool, error) {
		changed := false
		if a.Status != accounts.StatusSubscribed {
			a.Status = accounts.StatusSubscribed
			changed = true
		}
		if p.Welcome != nil && a.AddMessage(*p.Welcome) {
			changed = true
		}
		return changed, nil
	})
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return complete(ctx, o.base, p, operation.Failure[SubscribeResult](http.StatusNotFound,
			ErrorCodeAccountNotFound, "the account was removed while subscribing"))
	}
	if err != nil {
		return nil, err
	}
	return complete(ctx, o.base, p, operation.OK(&SubscribeResult{
		AccountID: acct.AccountID(),
		Status:    acct.Status,
	}))
}
