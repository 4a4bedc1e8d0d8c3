// Package checkpoint records in-flight resumable operations and schedules
// their recovery.
//
// A Checkpoint lives in a kvstore keyed by (account ID, tracking ID). Every
// checkpoint created through a CompensationClient also gets a pointer message
// on the compensation queue, so a worker will find it again if the process
// that owns it dies.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
)

// Status is the lifecycle state of a checkpoint.
type Status string

// Checkpoint status constants.
const (
	StatusInProgress        Status = "InProgress"
	StatusDelayedProcessing Status = "DelayedProcessing"
	StatusCancelling        Status = "Cancelling"
	StatusCancelled         Status = "Cancelled"
	StatusCompleted         Status = "Completed"
)

// IsTerminal reports whether no further transitions can happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Checkpoint is the durable record of one operation invocation.
type Checkpoint struct {
	kvstore.Entity
	OperationType string     `json:"operation_type"`
	Status        Status     `json:"status"`
	ProcessAfter  *time.Time `json:"process_after,omitempty"`
	// CheckpointData is the operation's serialized payload.
	CheckpointData string `json:"checkpoint_data"`
}

// New creates an in-progress checkpoint for an operation invocation.
func New(accountID, trackingID, operationType string) *Checkpoint {
	return &Checkpoint{
		Entity: kvstore.Entity{
			PartitionKey: accountID,
			RowKey:       trackingID,
		},
		OperationType: operationType,
		Status:        StatusInProgress,
	}
}

// AccountID returns the owning account.
func (c *Checkpoint) AccountID() string { return c.PartitionKey }

// TrackingID returns the caller-supplied idempotency key.
func (c *Checkpoint) TrackingID() string { return c.RowKey }

// Reference returns the queue pointer for this checkpoint.
func (c *Checkpoint) Reference() Reference {
	return Reference{PartitionKey: c.PartitionKey, RowKey: c.RowKey}
}

// Reference is the body of a compensation queue message.
type Reference struct {
	PartitionKey string `json:"partition_key"`
	RowKey       string `json:"row_key"`
}

// Marshal serializes the reference to a queue message body.
func (r Reference) Marshal() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseReference decodes a queue message body.
func ParseReference(body string) (Reference, error) {
	var r Reference
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if r.PartitionKey == "" || r.RowKey == "" {
		return r, fmt.Errorf("%w: missing keys", ErrInvalidReference)
	}
	return r, nil
}
