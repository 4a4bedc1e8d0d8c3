package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/accounts"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/location"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/messaging"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/operation"
)

// UpdateZipOperationType tags ZIP code update checkpoints.
const UpdateZipOperationType = "UpdateZipOperation.V1"

// UpdateZipRequest moves an account to a new ZIP code.
type UpdateZipRequest struct {
	AccountID  string
	TrackingID string
	ZipCode    string
}

// UpdateZipResult is the body of a successful update.
type UpdateZipResult struct {
	ZipCode  string `json:"zip_code"`
	City     string `json:"city"`
	State    string `json:"state"`
	TimeZone string `json:"time_zone"`
}

type updateZipPayload struct {
	operation.CheckpointData[UpdateZipResult, State]
	ZipCode      string                  `json:"zip_code"`
	PhoneNumber  string                  `json:"phone_number,omitempty"`
	Location     *location.Info          `json:"location,omitempty"`
	Confirmation *accounts.MessageRecord `json:"confirmation,omitempty"`
}

// UpdateZipOperation resolves a ZIP code, confirms it to the subscriber and
// stores it on the account. An unknown ZIP code completes with a
// LocationNotFound response.
type UpdateZipOperation struct {
	deps Dependencies
	base *operation.Base[UpdateZipResult, State]
}

// NewUpdateZipOperation creates an operation for one invocation.
func NewUpdateZipOperation(deps Dependencies) *UpdateZipOperation {
	return &UpdateZipOperation{deps: deps, base: newBase[UpdateZipResult](deps, UpdateZipOperationType)}
}

// Run starts the invocation identified by req.TrackingID.
func (o *UpdateZipOperation) Run(ctx context.Context, req UpdateZipRequest) (*operation.Response[UpdateZipResult], error) {
	switch {
	case req.AccountID == "":
		return invalid[UpdateZipResult]("account id"), nil
	case req.TrackingID == "":
		return invalid[UpdateZipResult]("tracking id"), nil
	case req.ZipCode == "":
		return invalid[UpdateZipResult]("zip code"), nil
	}

	ctx, span := o.base.Spans().StartOperationSpan(ctx, UpdateZipOperationType, req.AccountID, req.TrackingID)
	p := &updateZipPayload{ZipCode: req.ZipCode}
	p.OperationState = StateProcessingMessage
	resp, err := o.base.Start(ctx, req.AccountID, req.TrackingID, p)
	if err == nil && resp == nil {
		resp, err = o.dispatch(ctx, p)
	}
	o.base.Spans().EndSpanWithError(span, err)
	return resp, err
}

// Resume implements operation.Resumer.
func (o *UpdateZipOperation) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (checkpoint.Status, error) {
	ctx, span := o.base.Spans().StartOperationSpan(ctx, UpdateZipOperationType, cp.AccountID(), cp.TrackingID())
	var p updateZipPayload
	err := o.base.Load(cp, &p)
	if err == nil {
		_, err = o.dispatch(ctx, &p)
	}
	o.base.Spans().EndSpanWithError(span, err)
	return cp.Status, err
}

func (o *UpdateZipOperation) dispatch(ctx context.Context, p *updateZipPayload) (*operation.Response[UpdateZipResult], error) {
	if o.base.Status() == checkpoint.StatusCancelling {
		return cancel(ctx, o.base, p)
	}
	state := p.OperationState
	switch state {
	case StateProcessingMessage:
		return step(ctx, o.base, state, func(ctx context.Context) (*operation.Response[UpdateZipResult], error) {
			return o.processMessage(ctx, p)
		})
	case StateSendingResponse:
		return step(ctx, o.base, state, func(ctx context.Context) (*operation.Response[UpdateZipResult], error) {
			return o.sendResponse(ctx, p)
		})
	case StateUpdatingAccount:
		return step(ctx, o.base, state, func(ctx context.Context) (*operation.Response[UpdateZipResult], error) {
			return o.updateAccount(ctx, p)
		})
	default:
		return finished[UpdateZipResult](p)
	}
}

func (o *UpdateZipOperation) processMessage(ctx context.Context, p *updateZipPayload) (*operation.Response[UpdateZipResult], error) {
	info, ok := o.deps.Locations.GetLocationInfo(p.ZipCode)
	if !ok {
		return complete(ctx, o.base, p, operation.Failure[UpdateZipResult](http.StatusBadRequest,
			ErrorCodeLocationNotFound, fmt.Sprintf("no location found for zip code %q", p.ZipCode)))
	}
	acct, err := accounts.Get(ctx, o.deps.Accounts, o.base.Checkpoint().AccountID())
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return complete(ctx, o.base, p, operation.Failure[UpdateZipResult](http.StatusNotFound,
			ErrorCodeAccountNotFound, "no account with this id"))
	}
	if err != nil {
		return nil, err
	}

	p.Location = &info
	p.PhoneNumber = acct.PhoneNumber
	if err := o.base.SetCheckpoint(ctx, p, StateSendingResponse); err != nil {
		return nil, err
	}
	return o.sendResponse(ctx, p)
}

func (o *UpdateZipOperation) sendResponse(ctx context.Context, p *updateZipPayload) (*operation.Response[UpdateZipResult], error) {
	cp := o.base.Checkpoint()
	rec, err := send(ctx, o.deps, o.base.Clock(), cp.AccountID(), cp.TrackingID(), messaging.Message{
		To:   p.PhoneNumber,
		Body: fmt.Sprintf("Got it. Sabbath times will now follow %s, %s.", p.Location.City, p.Location.State),
		Kind: "zip-confirmation",
	})
	if err != nil {
		return nil, err
	}
	p.Confirmation = &rec
	if err := o.base.SetCheckpoint(ctx, p, StateUpdatingAccount); err != nil {
		return nil, err
	}
	return o.updateAccount(ctx, p)
}

func (o *UpdateZipOperation) updateAccount(ctx context.Context, p *updateZipPayload) (*operation.Response[UpdateZipResult], error) {
	loc := *p.Location
	_, err := accounts.Update(ctx, o.deps.Accounts, o.base.Checkpoint().AccountID(), func(a *accounts.Account) (bool, error) {
		changed := false
		if a.ZipCode != loc.ZipCode || a.Location == nil || *a.Location != loc {
			a.ZipCode = loc.ZipCode
			a.Location = &loc
			changed = true
		}
		if p.Confirmation != nil && a.AddMessage(*p.Confirmation) {
			changed = true
		}
		return changed, nil
	})
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return complete(ctx, o.base, p, operation.Failure[UpdateZipResult](http.StatusNotFound,
			ErrorCodeAccountNotFound, "the account was removed while updating"))
	}
	if err != nil {
		return nil, err
	}
	return complete(ctx, o.base, p, operation.OK(&UpdateZipResult{
		ZipCode:  loc.ZipCode,
		City:     loc.City,
		State:    loc.State,
		TimeZone: loc.TimeZone,
	}))
}
