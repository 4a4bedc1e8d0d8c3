// Package accounts stores subscriber accounts.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	sterrors "github.com/randalmurphal/sabbathtext/pkg/sabbathtext/errors"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/location"
)

// RowKey is the row holding the account within its partition.
const RowKey = "account"

// ErrAccountNotFound indicates no account exists for the ID.
var ErrAccountNotFound = errors.New("account not found")

// Status is the subscription state of an account.
type Status string

// Account status constants.
const (
	StatusUnsubscribed Status = "Unsubscribed"
	StatusSubscribed   Status = "Subscribed"
	StatusStopped      Status = "Stopped"
)

// MessageRecord is one message sent to or received from the account.
type MessageRecord struct {
	TrackingID string    `json:"tracking_id"`
	Kind       string    `json:"kind"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

// Account is a subscriber, partitioned by account ID.
type Account struct {
	kvstore.Entity
	Status      Status          `json:"status"`
	PhoneNumber string          `json:"phone_number"`
	ZipCode     string          `json:"zip_code,omitempty"`
	Location    *location.Info  `json:"location,omitempty"`
	Messages    []MessageRecord `json:"messages,omitempty"`
}

// Store persists accounts.
type Store = kvstore.Store[Account]

// New creates an unsubscribed account.
func New(accountID, phoneNumber string) *Account {
	return &Account{
		Entity:      kvstore.Entity{PartitionKey: accountID, RowKey: RowKey},
		Status:      StatusUnsubscribed,
		PhoneNumber: phoneNumber,
	}
}

// AccountID returns the account's ID.
func (a *Account) AccountID() string { return a.PartitionKey }

// HasMessage reports whether a message with trackingID is recorded.
func (a *Account) HasMessage(trackingID string) bool {
	for _, m := range a.Messages {
		if m.TrackingID == trackingID {
			return true
		}
	}
	return false
}

// AddMessage records msg unless one with the same tracking ID exists.
// It reports whether the account changed.
func (a *Account) AddMessage(msg MessageRecord) bool {
	if a.HasMessage(msg.TrackingID) {
		return false
	}
	a.Messages = append(a.Messages, msg)
	return true
}

// Get loads an account. It returns ErrAccountNotFound if missing.
func Get(ctx context.Context, store Store, accountID string) (*Account, error) {
	acct, err := store.Get(ctx, accountID, RowKey)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return acct, nil
}

// GetOrCreate loads an account, creating it with phoneNumber if missing.
func GetOrCreate(ctx context.Context, store Store, accountID, phoneNumber string) (*Account, error) {
	acct, err := store.InsertOrGet(ctx, New(accountID, phoneNumber))
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", accountID, err)
	}
	return acct, nil
}

// Update applies mutate to the current account and writes it back,
// retrying from a fresh read when a concurrent writer wins. mutate reports
// whether it changed anything; unchanged accounts are not written. mutate may
// run more than once and must be idempotent.
func Update(ctx context.Context, store Store, accountID string, mutate func(*Account) (bool, error)) (*Account, error) {
	return sterrors.Do(ctx, sterrors.ConflictPolicy, func(ctx context.Context) (*Account, error) {
		acct, err := Get(ctx, store, accountID)
		if err != nil {
			return nil, err
		}
		changed, err := mutate(acct)
		if err != nil {
			return nil, sterrors.Permanent(err, "mutate account")
		}
		if !changed {
			return acct, nil
		}
		if err := store.Update(ctx, acct); err != nil {
			return nil, err
		}
		return acct, nil
	})
}
