package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
)

type fixture struct {
	clk    *clock.Fake
	store  *kvstore.MemoryStore[checkpoint.Checkpoint, *checkpoint.Checkpoint]
	queue  *queue.MemoryStore
	client *checkpoint.CompensationClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC))
	store := kvstore.NewMemoryStore[checkpoint.Checkpoint](kvstore.WithClock(clk))
	q := queue.NewMemoryStore("compensation", queue.WithClock(clk))
	return &fixture{
		clk:    clk,
		store:  store,
		queue:  q,
		client: checkpoint.NewCompensationClient(store, q, checkpoint.ClientConfig{}),
	}
}

func TestInsertOrGetCheckpoint_CreatesAndQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cp := checkpoint.New("acct", "track", "op")
	got, created, err := f.client.InsertOrGetCheckpoint(ctx, cp, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Same(t, cp, got)
	assert.NotEmpty(t, cp.ETag)

	msg, err := f.client.GetCheckpointMessage(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg, "pointer must stay hidden for the visibility delay")

	f.clk.Advance(30 * time.Second)
	msg, err = f.client.GetCheckpointMessage(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	loaded, err := f.client.GetCheckpoint(ctx, msg)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "acct", loaded.AccountID())
	assert.Equal(t, "track", loaded.TrackingID())
	assert.Equal(t, cp.ETag, loaded.ETag)
}

func TestInsertOrGetCheckpoint_ExistingIsReturned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := checkpoint.New("acct", "track", "op")
	_, created, err := f.client.InsertOrGetCheckpoint(ctx, first, 0)
	require.NoError(t, err)
	require.True(t, created)

	first.Status = checkpoint.StatusCompleted
	first.CheckpointData = `{"done":true}`
	require.NoError(t, f.client.UpdateCheckpoint(ctx, first))

	second := checkpoint.New("acct", "track", "op")
	got, created, err := f.client.InsertOrGetCheckpoint(ctx, second, 0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NotSame(t, second, got)
	assert.Equal(t, checkpoint.StatusCompleted, got.Status)
	assert.Equal(t, `{"done":true}`, got.CheckpointData)

	assert.Equal(t, 1, f.queue.Len(), "only the creating call enqueues a pointer")
	assert.Equal(t, 1, f.store.Len())
}

func TestInsertOrGetCheckpoint_QueueFailureRemovesCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.Close())

	cp := checkpoint.New("acct", "track", "op")
	_, _, err := f.client.InsertOrGetCheckpoint(ctx, cp, 0)
	require.ErrorIs(t, err, queue.ErrQueueClosed)

	got, err := f.store.Get(ctx, "acct", "track")
	require.NoError(t, err)
	assert.Nil(t, got, "an unqueued checkpoint must not block a retry")
}

func TestGetCheckpoint_Missing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cp := checkpoint.New("acct", "track", "op")
	require.NoError(t, f.client.QueueCheckpoint(ctx, cp, 0))

	msg, err := f.client.GetCheckpointMessage(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	got, err := f.client.GetCheckpoint(ctx, msg)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetCheckpoint_InvalidBody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.AddMessage(ctx, "garbage", 0, time.Hour))

	msg, err := f.client.GetCheckpointMessage(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	_, err = f.client.GetCheckpoint(ctx, msg)
	assert.ErrorIs(t, err, checkpoint.ErrInvalidReference)
}

func TestCheckpointMessage_ExtendAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cp := checkpoint.New("acct", "track", "op")
	_, _, err := f.client.InsertOrGetCheckpoint(ctx, cp, 0)
	require.NoError(t, err)

	msg, err := f.client.GetCheckpointMessage(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, f.client.ExtendMessageTimeout(ctx, msg, time.Hour))
	f.clk.Advance(30 * time.Minute)
	hidden, err := f.client.GetCheckpointMessage(ctx)
	require.NoError(t, err)
	assert.Nil(t, hidden)

	require.NoError(t, f.client.DeleteCheckpointMessage(ctx, msg))
	assert.Equal(t, 0, f.queue.Len())
}

func TestUpdateCheckpoint_StaleETag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cp := checkpoint.New("acct", "track", "op")
	_, _, err := f.client.InsertOrGetCheckpoint(ctx, cp, 0)
	require.NoError(t, err)

	stale := *cp
	cp.Status = checkpoint.StatusCancelling
	require.NoError(t, f.client.UpdateCheckpoint(ctx, cp))

	stale.Status = checkpoint.StatusCompleted
	assert.ErrorIs(t, f.client.UpdateCheckpoint(ctx, &stale), kvstore.ErrETagMismatch)
}

func TestCheckpoint_RoundTripsProcessAfter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	after := f.clk.Now().Add(72 * time.Hour)
	cp := checkpoint.New("acct", "track", "op")
	cp.Status = checkpoint.StatusDelayedProcessing
	cp.ProcessAfter = &after
	_, _, err := f.client.InsertOrGetCheckpoint(ctx, cp, 0)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, "acct", "track")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.ProcessAfter)
	assert.True(t, after.Equal(*got.ProcessAfter))
}
