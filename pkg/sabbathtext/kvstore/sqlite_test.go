package kvstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore/storetest"
)

func TestSQLiteStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clk clock.Clock) kvstore.Store[storetest.Dog] {
		db, err := kvstore.OpenSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		store, err := kvstore.NewSQLiteStore[storetest.Dog](db, "dogs", kvstore.WithClock(clk))
		require.NoError(t, err)
		return store
	})
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	// First store instance
	db1, err := kvstore.OpenSQLite(dbPath)
	require.NoError(t, err)
	store1, err := kvstore.NewSQLiteStore[storetest.Dog](db1, "dogs")
	require.NoError(t, err)
	dog := storetest.NewDog("B", "dogs:buddy", "Buddy")
	require.NoError(t, store1.Insert(ctx, dog))
	require.NoError(t, db1.Close())

	// Second instance reopening the database
	db2, err := kvstore.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer db2.Close()
	store2, err := kvstore.NewSQLiteStore[storetest.Dog](db2, "dogs")
	require.NoError(t, err)

	got, err := store2.Get(ctx, "B", "dogs:buddy")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Buddy", got.Name)
	assert.Equal(t, dog.ETag, got.ETag)
}

func TestSQLiteStore_TablesAreIsolated(t *testing.T) {
	db, err := kvstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	dogs, err := kvstore.NewSQLiteStore[storetest.Dog](db, "dogs")
	require.NoError(t, err)
	cats, err := kvstore.NewSQLiteStore[storetest.Dog](db, "cats")
	require.NoError(t, err)

	require.NoError(t, dogs.Insert(ctx, storetest.NewDog("p", "r", "dog")))
	require.NoError(t, cats.Insert(ctx, storetest.NewDog("p", "r", "cat")))

	got, err := cats.Get(ctx, "p", "r")
	require.NoError(t, err)
	assert.Equal(t, "cat", got.Name)
}

func TestSQLiteStore_RequiresTable(t *testing.T) {
	db, err := kvstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = kvstore.NewSQLiteStore[storetest.Dog](db, "")
	assert.Error(t, err)
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, err := kvstore.OpenSQLite("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}
