// Package storetest is a conformance suite every kvstore backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
)

// Dog is the entity used by the suite.
type Dog struct {
	kvstore.Entity
	Name  string `json:"name"`
	Breed string `json:"breed,omitempty"`
}

// NewDog builds a Dog with the given identity.
func NewDog(partitionKey, rowKey, name string) *Dog {
	return &Dog{
		Entity: kvstore.Entity{PartitionKey: partitionKey, RowKey: rowKey},
		Name:   name,
	}
}

// Factory returns an empty store driven by clk.
type Factory func(t *testing.T, clk clock.Clock) kvstore.Store[Dog]

// Run executes the suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, factory Factory)
	}{
		{"InsertThenGet", testInsertThenGet},
		{"GetMissing", testGetMissing},
		{"InsertInvalidKey", testInsertInvalidKey},
		{"Update", testUpdate},
		{"UpdatePreconditions", testUpdatePreconditions},
		{"Delete", testDelete},
		{"InsertOrGetIdempotent", testInsertOrGetIdempotent},
		{"InsertAfterDelete", testInsertAfterDelete},
		{"ConcurrentUpdateOneWinner", testConcurrentUpdateOneWinner},
		{"ConcurrentInsertOrGet", testConcurrentInsertOrGet},
		{"ReadPartitionIsolation", testReadPartitionIsolation},
		{"ReadPartitionPaging", testReadPartitionPaging},
		{"ReadPartitionCompleteness", testReadPartitionCompleteness},
		{"ReadPartitionInvalidArgs", testReadPartitionInvalidArgs},
		{"TimestampFromClock", testTimestampFromClock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, factory)
		})
	}
}

func newStore(t *testing.T, factory Factory) (kvstore.Store[Dog], *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 6, 7, 18, 0, 0, 0, time.UTC))
	return factory(t, clk), clk
}

func testInsertThenGet(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	buddy := NewDog("B", "dogs:buddy", "Buddy")
	require.NoError(t, store.Insert(ctx, buddy))
	assert.NotEmpty(t, buddy.ETag, "insert should assign an etag to the caller's entity")

	got, err := store.Get(ctx, "B", "dogs:buddy")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Buddy", got.Name)
	assert.NotEmpty(t, got.ETag)
	assert.Equal(t, buddy.ETag, got.ETag)

	dup := NewDog("B", "dogs:buddy", "Impostor")
	err = store.Insert(ctx, dup)
	require.ErrorIs(t, err, kvstore.ErrDuplicateKey)
	assert.Empty(t, dup.ETag, "failed insert must not stamp the entity")

	var keyErr *kvstore.KeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "insert", keyErr.Op)
	assert.Equal(t, "dogs:buddy", keyErr.RowKey)

	got, err = store.Get(ctx, "B", "dogs:buddy")
	require.NoError(t, err)
	assert.Equal(t, "Buddy", got.Name)
}

func testGetMissing(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)

	got, err := store.Get(context.Background(), "nope", "nothing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testInsertInvalidKey(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	for _, dog := range []*Dog{
		NewDog("", "row", "x"),
		NewDog("part", "", "x"),
		NewDog("pa\x00rt", "row", "x"),
	} {
		assert.ErrorIs(t, store.Insert(ctx, dog), kvstore.ErrInvalidKey)
	}
}

func testUpdate(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	dog := NewDog("A", "rex", "Rex")
	require.NoError(t, store.Insert(ctx, dog))
	firstETag := dog.ETag

	dog.Breed = "collie"
	require.NoError(t, store.Update(ctx, dog))
	assert.NotEqual(t, firstETag, dog.ETag)

	got, err := store.Get(ctx, "A", "rex")
	require.NoError(t, err)
	assert.Equal(t, "collie", got.Breed)
	assert.Equal(t, dog.ETag, got.ETag)
}

func testUpdatePreconditions(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	missing := NewDog("A", "ghost", "Ghost")
	missing.ETag = "whatever"
	assert.ErrorIs(t, store.Update(ctx, missing), kvstore.ErrEntityNotFound)

	dog := NewDog("A", "rex", "Rex")
	require.NoError(t, store.Insert(ctx, dog))

	stale := *dog
	dog.Name = "Rex II"
	require.NoError(t, store.Update(ctx, dog))

	stale.Name = "Lost Update"
	staleETag := stale.ETag
	err := store.Update(ctx, &stale)
	require.ErrorIs(t, err, kvstore.ErrETagMismatch)
	assert.Equal(t, staleETag, stale.ETag, "failed update must leave the caller's etag alone")

	got, err := store.Get(ctx, "A", "rex")
	require.NoError(t, err)
	assert.Equal(t, "Rex II", got.Name)
}

func testDelete(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	dog := NewDog("A", "rex", "Rex")
	require.NoError(t, store.Insert(ctx, dog))

	stale := *dog
	dog.Name = "Rex II"
	require.NoError(t, store.Update(ctx, dog))

	assert.ErrorIs(t, store.Delete(ctx, &stale), kvstore.ErrETagMismatch)

	got, err := store.Get(ctx, "A", "rex")
	require.NoError(t, err)
	require.NotNil(t, got, "failed delete must leave the entity in place")

	require.NoError(t, store.Delete(ctx, dog))
	got, err = store.Get(ctx, "A", "rex")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, store.Delete(ctx, dog), kvstore.ErrEntityNotFound)
}

func testInsertOrGetIdempotent(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	first := NewDog("A", "max", "Max")
	got1, err := store.InsertOrGet(ctx, first)
	require.NoError(t, err)
	assert.Same(t, first, got1, "winning insert returns the caller's entity")

	second := NewDog("A", "max", "Not Max")
	got2, err := store.InsertOrGet(ctx, second)
	require.NoError(t, err)
	assert.NotSame(t, second, got2)
	assert.Equal(t, "Max", got2.Name)
	assert.Equal(t, got1.ETag, got2.ETag)
	assert.Empty(t, second.ETag)

	page, err := store.ReadPartition(ctx, "A", 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func testInsertAfterDelete(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	dog := NewDog("A", "lazarus", "Lazarus")
	require.NoError(t, store.Insert(ctx, dog))
	require.NoError(t, store.Delete(ctx, dog))

	again := NewDog("A", "lazarus", "Lazarus Again")
	require.NoError(t, store.Insert(ctx, again))

	got, err := store.Get(ctx, "A", "lazarus")
	require.NoError(t, err)
	assert.Equal(t, "Lazarus Again", got.Name)
}

func testConcurrentUpdateOneWinner(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	dog := NewDog("A", "contested", "Original")
	require.NoError(t, store.Insert(ctx, dog))

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			mine := *dog
			mine.Name = fmt.Sprintf("writer-%d", i)
			err := store.Update(ctx, &mine)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, mine.Name)
			case errors.Is(err, kvstore.ErrETagMismatch):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, writers-1, losers)

	got, err := store.Get(ctx, "A", "contested")
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Name)
}

func testConcurrentInsertOrGet(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	const callers = 8
	results := make([]*Dog, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			got, err := store.InsertOrGet(ctx, NewDog("A", "race", fmt.Sprintf("caller-%d", i)))
			if err != nil {
				t.Errorf("insert or get: %v", err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	stored, err := store.Get(ctx, "A", "race")
	require.NoError(t, err)
	require.NotNil(t, stored)
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, stored.Name, r.Name)
		assert.Equal(t, stored.ETag, r.ETag)
	}
}

func testReadPartitionIsolation(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, store.Insert(ctx, NewDog("A", fmt.Sprintf("dog-%02d", i), "a")))
		require.NoError(t, store.Insert(ctx, NewDog("B", fmt.Sprintf("dog-%02d", i), "b")))
	}

	page, err := store.ReadPartition(ctx, "A", 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 7)
	assert.Empty(t, page.ContinuationToken)
	for _, d := range page.Items {
		assert.Equal(t, "A", d.PartitionKey)
		assert.NotEmpty(t, d.ETag)
	}

	empty, err := store.ReadPartition(ctx, "C", 10, "")
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
	assert.Empty(t, empty.ContinuationToken)
}

func testReadPartitionPaging(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	for i := 0; i < 53; i++ {
		require.NoError(t, store.Insert(ctx, NewDog("A", fmt.Sprintf("dog-%03d", i), "a")))
	}

	var sizes []int
	total := 0
	token := ""
	for {
		page, err := store.ReadPartition(ctx, "A", 10, token)
		require.NoError(t, err)
		sizes = append(sizes, len(page.Items))
		total += len(page.Items)
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}
	assert.Equal(t, []int{10, 10, 10, 10, 10, 3}, sizes)
	assert.Equal(t, 53, total)
}

func testReadPartitionCompleteness(t *testing.T, factory Factory) {
	for _, n := range []int{0, 1, 9, 10, 11, 25} {
		for _, pageSize := range []int{1, 3, 10} {
			t.Run(fmt.Sprintf("n=%d/p=%d", n, pageSize), func(t *testing.T) {
				store, _ := newStore(t, factory)
				ctx := context.Background()

				want := make(map[string]bool, n)
				for i := 0; i < n; i++ {
					rk := fmt.Sprintf("row-%02d", i)
					want[rk] = true
					require.NoError(t, store.Insert(ctx, NewDog("P", rk, rk)))
				}

				seen := make(map[string]bool, n)
				last := ""
				token := ""
				for pages := 0; ; pages++ {
					require.LessOrEqual(t, pages, n+1, "paging did not terminate")
					page, err := store.ReadPartition(ctx, "P", pageSize, token)
					require.NoError(t, err)
					assert.LessOrEqual(t, len(page.Items), pageSize)
					for _, d := range page.Items {
						assert.False(t, seen[d.RowKey], "duplicate row %s", d.RowKey)
						assert.Greater(t, d.RowKey, last, "rows must be ordered by row key")
						seen[d.RowKey] = true
						last = d.RowKey
					}
					if page.ContinuationToken == "" {
						break
					}
					token = page.ContinuationToken
				}
				assert.Equal(t, want, seen)
			})
		}
	}
}

func testReadPartitionInvalidArgs(t *testing.T, factory Factory) {
	store, _ := newStore(t, factory)
	ctx := context.Background()

	_, err := store.ReadPartition(ctx, "A", 0, "")
	assert.ErrorIs(t, err, kvstore.ErrInvalidPageSize)

	_, err = store.ReadPartition(ctx, "A", 5, "%%%not-a-token")
	assert.ErrorIs(t, err, kvstore.ErrInvalidContinuationToken)
}

func testTimestampFromClock(t *testing.T, factory Factory) {
	store, clk := newStore(t, factory)
	ctx := context.Background()

	dog := NewDog("A", "clocky", "Clocky")
	require.NoError(t, store.Insert(ctx, dog))
	assert.True(t, dog.Timestamp.Equal(clk.Now()))

	later := clk.Advance(time.Hour)
	require.NoError(t, store.Update(ctx, dog))

	got, err := store.Get(ctx, "A", "clocky")
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(later), "timestamp %v, want %v", got.Timestamp, later)
}
