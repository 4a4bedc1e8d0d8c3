// Package errors classifies store and queue failures and retries the ones
// worth retrying.
//
// The store and queue packages return precise sentinel errors. This package
// maps them onto three handling categories:
//   - Transient: retry with backoff
//   - Conflict: another writer got there first; re-read and try again
//   - Permanent: retrying won't help
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: deadline exceeded, a busy database.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: invalid keys, a closed store, a missing entity.
	CategoryPermanent

	// CategoryConflict indicates a concurrent writer won an optimistic
	// concurrency race. Re-reading and retrying is safe.
	CategoryConflict
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// CategorizedError records how a failure should be handled and how many
// calls were made before giving up.
type CategorizedError struct {
	Err      error
	Category Category
	Retries  int
	// Context names the step that failed, if known.
	Context string
}

func (e *CategorizedError) Error() string {
	msg := e.Err.Error()
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	if e.Retries > 1 {
		return fmt.Sprintf("%s [%s after %d attempts]", msg, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Category)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Context: context}
}

// Permanent marks err as final, so retry loops stop on it.
func Permanent(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Context: context}
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	switch {
	case errors.Is(err, kvstore.ErrETagMismatch),
		errors.Is(err, kvstore.ErrDuplicateKey),
		errors.Is(err, queue.ErrMessageNotFound):
		return CategoryConflict
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried as is.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsConflict reports whether the error is a lost optimistic concurrency race.
func IsConflict(err error) bool {
	return Categorize(err) == CategoryConflict
}
