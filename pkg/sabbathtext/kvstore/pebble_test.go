package kvstore_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore/storetest"
)

func openMemPebble(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := kvstore.OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPebbleStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clk clock.Clock) kvstore.Store[storetest.Dog] {
		store, err := kvstore.NewPebbleStore[storetest.Dog](openMemPebble(t), "dogs", kvstore.WithClock(clk))
		require.NoError(t, err)
		return store
	})
}

func TestPebbleStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db1, err := kvstore.OpenPebble(dir, nil)
	require.NoError(t, err)
	store1, err := kvstore.NewPebbleStore[storetest.Dog](db1, "dogs")
	require.NoError(t, err)
	require.NoError(t, store1.Insert(ctx, storetest.NewDog("B", "dogs:buddy", "Buddy")))
	require.NoError(t, db1.Close())

	db2, err := kvstore.OpenPebble(dir, nil)
	require.NoError(t, err)
	defer db2.Close()
	store2, err := kvstore.NewPebbleStore[storetest.Dog](db2, "dogs")
	require.NoError(t, err)

	got, err := store2.Get(ctx, "B", "dogs:buddy")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Buddy", got.Name)
}

func TestPebbleStore_PartitionPrefixesDoNotOverlap(t *testing.T) {
	db := openMemPebble(t)
	ctx := context.Background()
	store, err := kvstore.NewPebbleStore[storetest.Dog](db, "dogs")
	require.NoError(t, err)

	// "A" is a byte prefix of "AB"; the separator must keep them apart.
	require.NoError(t, store.Insert(ctx, storetest.NewDog("A", "1", "a")))
	require.NoError(t, store.Insert(ctx, storetest.NewDog("AB", "1", "ab")))

	page, err := store.ReadPartition(ctx, "A", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a", page.Items[0].Name)
}
