package errors_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sterrors "github.com/randalmurphal/sabbathtext/pkg/sabbathtext/errors"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want sterrors.Category
	}{
		{"etag mismatch", kvstore.ErrETagMismatch, sterrors.CategoryConflict},
		{"wrapped etag mismatch", &kvstore.KeyError{Op: "update", Err: kvstore.ErrETagMismatch}, sterrors.CategoryConflict},
		{"duplicate key", fmt.Errorf("insert: %w", kvstore.ErrDuplicateKey), sterrors.CategoryConflict},
		{"message not found", &queue.MessageError{Op: "delete", Err: queue.ErrMessageNotFound}, sterrors.CategoryConflict},
		{"entity not found", kvstore.ErrEntityNotFound, sterrors.CategoryPermanent},
		{"store closed", kvstore.ErrStoreClosed, sterrors.CategoryPermanent},
		{"deadline exceeded", context.DeadlineExceeded, sterrors.CategoryTransient},
		{"canceled", context.Canceled, sterrors.CategoryPermanent},
		{"explicit transient", sterrors.Transient(errors.New("busy"), "write"), sterrors.CategoryTransient},
		{"unknown", errors.New("boom"), sterrors.CategoryPermanent},
		{"nil", nil, sterrors.CategoryPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sterrors.Categorize(tt.err))
		})
	}
}

func TestCategory_String(t *testing.T) {
	assert.Equal(t, "transient", sterrors.CategoryTransient.String())
	assert.Equal(t, "permanent", sterrors.CategoryPermanent.String())
	assert.Equal(t, "conflict", sterrors.CategoryConflict.String())
	assert.Equal(t, "unknown", sterrors.Category(99).String())
}

func TestCategorizedError(t *testing.T) {
	base := errors.New("disk full")
	err := sterrors.Permanent(base, "save account")

	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "save account")
	assert.Contains(t, err.Error(), "permanent")
}

// recordedPolicy replaces the timer with a recorder of requested waits.
func recordedPolicy(base sterrors.Policy, waits *[]time.Duration) sterrors.Policy {
	base.Spread = 0
	base.Sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return base
}

func TestDo_SucceedsAfterConflicts(t *testing.T) {
	var waits []time.Duration
	calls := 0
	v, err := sterrors.Do(context.Background(), recordedPolicy(sterrors.ConflictPolicy, &waits), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", kvstore.ErrETagMismatch
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	var waits []time.Duration
	calls := 0
	_, err := sterrors.Do(context.Background(), recordedPolicy(sterrors.ConflictPolicy, &waits), func(context.Context) (int, error) {
		calls++
		return 0, kvstore.ErrEntityNotFound
	})

	assert.ErrorIs(t, err, kvstore.ErrEntityNotFound)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
	var catErr *sterrors.CategorizedError
	require.ErrorAs(t, err, &catErr)
	assert.Equal(t, sterrors.CategoryPermanent, catErr.Category)
}

func TestDo_AttemptsExhausted(t *testing.T) {
	var waits []time.Duration
	p := recordedPolicy(sterrors.ConflictPolicy, &waits)
	p.Attempts = 4
	p.MaxDelay = 25 * time.Millisecond

	calls := 0
	_, err := sterrors.Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, kvstore.ErrETagMismatch
	})

	assert.ErrorIs(t, err, kvstore.ErrETagMismatch)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "attempts exhausted")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, waits)

	var catErr *sterrors.CategorizedError
	require.ErrorAs(t, err, &catErr)
	assert.Equal(t, 4, catErr.Retries)
}

func TestDo_TransientPolicyDoesNotRetryConflicts(t *testing.T) {
	var waits []time.Duration
	calls := 0
	_, err := sterrors.Do(context.Background(), recordedPolicy(sterrors.TransientPolicy, &waits), func(context.Context) (int, error) {
		calls++
		return 0, kvstore.ErrETagMismatch
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_Once(t *testing.T) {
	calls := 0
	_, err := sterrors.Do(context.Background(), sterrors.Once, func(context.Context) (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := sterrors.Do(ctx, sterrors.ConflictPolicy, func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	_, err := sterrors.Do(ctx, sterrors.ConflictPolicy, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, kvstore.ErrETagMismatch
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "backoff")
	assert.Equal(t, 1, calls)
}

func TestDo_CustomRetry(t *testing.T) {
	sentinel := errors.New("flaky")
	var waits []time.Duration
	p := recordedPolicy(sterrors.Once, &waits)
	p.Attempts = 2
	p.Retry = func(err error) bool { return errors.Is(err, sentinel) }

	calls := 0
	v, err := sterrors.Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, sentinel
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Len(t, waits, 1)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, sterrors.IsConflict(&kvstore.KeyError{Op: "update", Err: kvstore.ErrETagMismatch}))
	assert.False(t, sterrors.IsConflict(kvstore.ErrEntityNotFound))
	assert.True(t, sterrors.IsRetryable(context.DeadlineExceeded))
	assert.False(t, sterrors.IsRetryable(kvstore.ErrETagMismatch))
}
