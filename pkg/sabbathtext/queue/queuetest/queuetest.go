// Package queuetest is a conformance suite every queue backend must pass.
package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
)

// Factory returns an empty queue driven by clk.
type Factory func(t *testing.T, clk clock.Clock) queue.Store

const week = 7 * 24 * time.Hour

// Run executes the suite against queues produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, factory Factory)
	}{
		{"EmptyQueue", testEmptyQueue},
		{"LeaseExpiresAndReappears", testLeaseExpiresAndReappears},
		{"VisibilityDelay", testVisibilityDelay},
		{"Expiration", testExpiration},
		{"InvalidArguments", testInvalidArguments},
		{"Delete", testDelete},
		{"DeleteWithStaleLease", testDeleteWithStaleLease},
		{"ExtendTimeout", testExtendTimeout},
		{"FIFO", testFIFO},
		{"DuplicateBodies", testDuplicateBodies},
		{"ConcurrentLeaseExclusive", testConcurrentLeaseExclusive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, factory)
		})
	}
}

func newQueue(t *testing.T, factory Factory) (queue.Store, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 6, 7, 18, 0, 0, 0, time.UTC))
	return factory(t, clk), clk
}

func testEmptyQueue(t *testing.T, factory Factory) {
	q, _ := newQueue(t, factory)
	msg, err := q.GetMessage(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func testLeaseExpiresAndReappears(t *testing.T, factory Factory) {
	q, clk := newQueue(t, factory)
	ctx := context.Background()

	require.NoError(t, q.AddMessage(ctx, "hello", 0, week))

	first, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "hello", first.Body)
	assert.Equal(t, 1, first.DequeueCount)
	assert.NotEmpty(t, first.LeaseToken)

	hidden, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, hidden, "a leased message must stay invisible until the timeout passes")

	clk.Advance(999 * time.Millisecond)
	hidden, err = q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, hidden)

	clk.Advance(time.Millisecond)
	second, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.DequeueCount)
	assert.NotEqual(t, first.LeaseToken, second.LeaseToken)
}

func testVisibilityDelay(t *testing.T, factory Factory) {
	q, clk := newQueue(t, factory)
	ctx := context.Background()

	require.NoError(t, q.AddMessage(ctx, "later", 10*time.Second, week))

	msg, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, msg)

	clk.Advance(10 * time.Second)
	msg, err = q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "later", msg.Body)
	assert.Equal(t, 1, msg.DequeueCount)
}

func testExpiration(t *testing.T, factory Factory) {
	q, clk := newQueue(t, factory)
	ctx := context.Background()

	require.NoError(t, q.AddMessage(ctx, "short-lived", 0, 5*time.Second))
	require.NoError(t, q.AddMessage(ctx, "long-lived", 0, week))

	clk.Advance(5 * time.Second)
	msg, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "long-lived", msg.Body, "expired messages must never be leased")

	clk.Advance(time.Minute)
	require.NoError(t, q.DeleteMessage(ctx, msg))
	msg, err = q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func testInvalidArguments(t *testing.T, factory Factory) {
	q, _ := newQueue(t, factory)
	ctx := context.Background()

	_, err := q.GetMessage(ctx, 999*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrInvalidVisibilityTimeout)

	assert.ErrorIs(t, q.AddMessage(ctx, "x", -time.Second, week), queue.ErrInvalidArgument)
	assert.ErrorIs(t, q.AddMessage(ctx, "x", 0, 0), queue.ErrInvalidArgument)

	require.NoError(t, q.AddMessage(ctx, "x", 0, week))
	msg, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.ErrorIs(t, q.ExtendTimeout(ctx, msg, -time.Second), queue.ErrInvalidArgument)
}

func testDelete(t *testing.T, factory Factory) {
	q, clk := newQueue(t, factory)
	ctx := context.Background()

	require.NoError(t, q.AddMessage(ctx, "bye", 0, week))
	msg, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, q.DeleteMessage(ctx, msg))
	assert.ErrorIs(t, q.DeleteMessage(ctx, msg), queue.ErrMessageNotFound)

	clk.Advance(time.Hour)
	again, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func testDeleteWithStaleLease(t *testing.T, factory Factory) {
	q, clk := newQueue(t, factory)
	ctx := context.Background()

	require.NoError(t, q.AddMessage(ctx, "contended", 0, week))
	stale, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, stale)

	clk.Advance(time.Second)
	current, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, current)

	err = q.DeleteMessage(ctx, stale)
	assert.ErrorIs(t, err, queue.ErrMessageNotFound)
	var msgErr *queue.MessageError
	if assert.ErrorAs(t, err, &msgErr) {
		assert.Equal(t, stale.ID, msgErr.MessageID)
	}
	assert.ErrorIs(t, q.ExtendTimeout(ctx, stale, time.Minute), queue.ErrMessageNotFound)

	require.NoError(t, q.DeleteMessage(ctx, current))
}

func testExtendTimeout(t *testing.T, factory Factory) {
	q, clk := newQueue(t, factory)
	ctx := context.Background()

	require.NoError(t, q.AddMessage(ctx, "slow", 0, week))
	msg, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	oldToken := msg.LeaseToken
	snapshot := *msg

	require.NoError(t, q.ExtendTimeout(ctx, msg, 10*time.Second))
	assert.NotEqual(t, oldToken, msg.LeaseToken, "extend should issue a new lease token")
	assert.True(t, msg.NextVisibleTime.Equal(clk.Now().Add(10*time.Second)))
	assert.ErrorIs(t, q.DeleteMessage(ctx, &snapshot), queue.ErrMessageNotFound)

	clk.Advance(5 * time.Second)
	hidden, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, hidden)

	clk.Advance(5 * time.Second)
	again, err := q.GetMessage(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.ID, again.ID)
	assert.Equal(t, 2, again.DequeueCount, "extend does not count as a dequeue")
}

func testFIFO(t *testing.T, factory Factory) {
	q, _ := newQueue(t, factory)
	ctx := context.Background()

	bodies := []string{"first", "second", "third"}
	for _, b := range bodies {
		require.NoError(t, q.AddMessage(ctx, b, 0, week))
	}
	for _, want := range bodies {
		msg, err := q.GetMessage(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, msg.Body)
	}
}

func testDuplicateBodies(t *testing.T, factory Factory) {
	q, _ := newQueue(t, factory)
	ctx := context.Background()

	require.NoError(t, q.AddMessage(ctx, "same", 0, week))
	require.NoError(t, q.AddMessage(ctx, "same", 0, week))

	a, err := q.GetMessage(ctx, time.Minute)
	require.NoError(t, err)
	b, err := q.GetMessage(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.ID, b.ID)
}

func testConcurrentLeaseExclusive(t *testing.T, factory Factory) {
	q, _ := newQueue(t, factory)
	ctx := context.Background()
	require.NoError(t, q.AddMessage(ctx, "only-one", 0, week))

	const consumers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leased []*queue.Message
	)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := q.GetMessage(ctx, time.Minute)
			assert.NoError(t, err)
			if msg != nil {
				mu.Lock()
				leased = append(leased, msg)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, leased, 1, "exactly one consumer may hold the lease")
}
