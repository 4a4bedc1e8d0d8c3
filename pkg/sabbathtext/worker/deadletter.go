package worker

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
)

// DeadLetterPartition holds every dead letter.
const DeadLetterPartition = "deadletter"

// Dead letter reasons.
const (
	ReasonPoison           = "dequeue count exceeded poison threshold"
	ReasonInvalidReference = "message body is not a checkpoint reference"
)

// DeadLetter is a compensation message taken out of circulation.
type DeadLetter struct {
	kvstore.Entity
	Body          string    `json:"body"`
	DequeueCount  int       `json:"dequeue_count"`
	InsertionTime time.Time `json:"insertion_time"`
	Reason        string    `json:"reason"`
}

// MessageID returns the ID of the diverted message.
func (d *DeadLetter) MessageID() string { return d.RowKey }

func newDeadLetter(msg *queue.Message, reason string) *DeadLetter {
	return &DeadLetter{
		Entity:        kvstore.Entity{PartitionKey: DeadLetterPartition, RowKey: msg.ID},
		Body:          msg.Body,
		DequeueCount:  msg.DequeueCount,
		InsertionTime: msg.InsertionTime,
		Reason:        reason,
	}
}

// ListDeadLetters returns every dead letter in message ID order.
func ListDeadLetters(ctx context.Context, store kvstore.Store[DeadLetter]) ([]*DeadLetter, error) {
	var (
		all   []*DeadLetter
		token string
	)
	for {
		page, err := store.ReadPartition(ctx, DeadLetterPartition, 100, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.ContinuationToken == "" {
			return all, nil
		}
		token = page.ContinuationToken
	}
}

// storeDeadLetter records msg. A letter left by an earlier attempt counts
// as stored.
func storeDeadLetter(ctx context.Context, store kvstore.Store[DeadLetter], msg *queue.Message, reason string) error {
	err := store.Insert(ctx, newDeadLetter(msg, reason))
	if errors.Is(err, kvstore.ErrDuplicateKey) {
		return nil
	}
	return err
}
