// Package kvstore provides per-entity-type storage with optimistic concurrency.
//
// Every entity is addressed by (PartitionKey, RowKey) and carries an ETag
// that the store replaces on each successful mutation. Update and Delete
// require the caller to present the current ETag, so concurrent writers
// cannot silently overwrite each other.
//
// Backends share one contract and are selected by configuration:
// MemoryStore, SQLiteStore, PebbleStore and NATSStore.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Entity is the identity and concurrency header embedded in every stored record.
type Entity struct {
	PartitionKey string    `json:"partition_key"`
	RowKey       string    `json:"row_key"`
	ETag         string    `json:"etag,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Base returns the entity header. Embedding Entity makes a struct pointer a Record.
func (e *Entity) Base() *Entity {
	return e
}

// Record is implemented by pointers to structs that embed Entity.
type Record interface {
	Base() *Entity
}

// RecordPtr constrains a type parameter to *T where *T is a Record.
type RecordPtr[T any] interface {
	*T
	Record
}

// Page is one slice of a partition scan.
type Page[T any] struct {
	Items []*T
	// ContinuationToken is empty when no more rows remain.
	ContinuationToken string
}

// Store persists entities of one type.
// Implementations must be safe for concurrent use.
type Store[T any] interface {
	// Insert stores a new entity.
	// Returns ErrDuplicateKey if the identity is taken.
	Insert(ctx context.Context, entity *T) error

	// Get returns the entity, or (nil, nil) if it doesn't exist.
	Get(ctx context.Context, partitionKey, rowKey string) (*T, error)

	// Update replaces an existing entity.
	// Returns ErrEntityNotFound or ErrETagMismatch.
	Update(ctx context.Context, entity *T) error

	// Delete removes an existing entity.
	// Returns ErrEntityNotFound or ErrETagMismatch.
	Delete(ctx context.Context, entity *T) error

	// InsertOrGet inserts the entity, or returns the one already stored at
	// its identity. When the insert wins, the returned pointer is entity.
	InsertOrGet(ctx context.Context, entity *T) (*T, error)

	// ReadPartition returns up to pageSize entities ordered by RowKey,
	// resuming after continuationToken ("" starts from the beginning).
	ReadPartition(ctx context.Context, partitionKey string, pageSize int, continuationToken string) (*Page[T], error)
}

// Sentinel errors for store operations.
var (
	// ErrDuplicateKey indicates Insert found an entity at the same identity.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrEntityNotFound indicates Update or Delete targeted a missing entity.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrETagMismatch indicates the caller's ETag is stale.
	ErrETagMismatch = errors.New("etag mismatch")

	// ErrInvalidKey indicates an empty key or a key containing NUL.
	ErrInvalidKey = errors.New("invalid entity key")

	// ErrInvalidPageSize indicates ReadPartition was called with pageSize < 1.
	ErrInvalidPageSize = errors.New("page size must be at least 1")

	// ErrInvalidContinuationToken indicates a token this store did not issue.
	ErrInvalidContinuationToken = errors.New("invalid continuation token")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// KeyError wraps a store failure with the entity identity.
type KeyError struct {
	// Op is the failed operation ("insert", "update", ...).
	Op           string
	Table        string
	PartitionKey string
	RowKey       string
	Err          error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s %s(%s, %s): %v", e.Op, e.Table, e.PartitionKey, e.RowKey, e.Err)
	}
	return fmt.Sprintf("%s (%s, %s): %v", e.Op, e.PartitionKey, e.RowKey, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *KeyError) Unwrap() error {
	return e.Err
}
