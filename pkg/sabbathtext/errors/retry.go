package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy decides how many times a store write is attempted and how long to
// wait between attempts.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int

	// Delay is the wait before the second attempt. Later waits double up
	// to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration

	// Spread randomizes each wait by up to this fraction in either
	// direction, so racing writers fall out of step.
	Spread float64

	// Retry reports whether err is worth another attempt. Nil means
	// IsRetryable.
	Retry func(error) bool

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ConflictPolicy retries read-modify-write loops that lose ETag races.
// The winner's write has already landed, so waits are short.
var ConflictPolicy = Policy{
	Attempts: 8,
	Delay:    10 * time.Millisecond,
	MaxDelay: 500 * time.Millisecond,
	Spread:   0.5,
	Retry: func(err error) bool {
		switch Categorize(err) {
		case CategoryConflict, CategoryTransient:
			return true
		}
		return false
	},
}

// TransientPolicy retries only transient failures, with slower backoff.
var TransientPolicy = Policy{
	Attempts: 3,
	Delay:    time.Second,
	MaxDelay: 30 * time.Second,
	Spread:   0.1,
}

// Once makes a single attempt.
var Once = Policy{Attempts: 1}

// wait returns the pause after the given failed attempt (1-based).
func (p Policy) wait(attempt int) time.Duration {
	d := p.Delay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Spread > 0 {
		d += time.Duration(float64(d) * p.Spread * (rand.Float64()*2 - 1))
	}
	return d
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns an error p.Retry rejects, or runs
// out of attempts. Failures come back as a *CategorizedError carrying the
// number of calls made.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	retry := p.Retry
	if retry == nil {
		retry = IsRetryable
	}
	attempts := max(p.Attempts, 1)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &CategorizedError{Err: err, Category: CategoryPermanent, Retries: attempt - 1, Context: "context done"}
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !retry(err) {
			return zero, &CategorizedError{Err: err, Category: Categorize(err), Retries: attempt}
		}
		if attempt >= attempts {
			return zero, &CategorizedError{Err: err, Category: Categorize(err), Retries: attempt, Context: "attempts exhausted"}
		}
		if serr := p.sleep(ctx, p.wait(attempt)); serr != nil {
			return zero, &CategorizedError{Err: serr, Category: CategoryPermanent, Retries: attempt, Context: "context done during backoff"}
		}
	}
}
