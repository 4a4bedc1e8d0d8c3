package kvstore_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore/storetest"
)

// startJetStream runs an embedded JetStream server for the test.
func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()
	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := nc.JetStream()
	require.NoError(t, err)
	return js
}

func TestNATSStore_Conformance(t *testing.T) {
	js := startJetStream(t)
	var buckets atomic.Int64

	storetest.Run(t, func(t *testing.T, clk clock.Clock) kvstore.Store[storetest.Dog] {
		bucket := fmt.Sprintf("dogs_%d", buckets.Add(1))
		store, err := kvstore.NewNATSStore[storetest.Dog](js, bucket, kvstore.WithClock(clk))
		require.NoError(t, err)
		return store
	})
}

func TestNATSStore_RequiresBucket(t *testing.T) {
	js := startJetStream(t)
	_, err := kvstore.NewNATSStore[storetest.Dog](js, "")
	require.Error(t, err)
}
