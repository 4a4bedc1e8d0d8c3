package service

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/accounts"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/config"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/messaging"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/worker"
)

// Table, bucket and queue names.
const (
	tableAccounts    = "accounts"
	tableCheckpoints = "checkpoints"
	tableTrackers    = "trackers"
	tableDeadLetters = "deadletters"
	bucketPrefix     = "sabbathtext_"
	compensationName = "compensation"
)

type stores struct {
	accounts    kvstore.Store[accounts.Account]
	checkpoints kvstore.Store[checkpoint.Checkpoint]
	trackers    kvstore.Store[messaging.Tracker]
	deadLetters kvstore.Store[worker.DeadLetter]
}

// backends opens storage and remembers how to close it.
type backends struct {
	settings config.Settings
	clock    clock.Clock
	logger   *slog.Logger
	sqlite   *sql.DB
	closers  []func() error
}

func (b *backends) openStores() (*stores, error) {
	opt := kvstore.WithClock(b.clock)
	switch b.settings.Store.Backend {
	case config.BackendSQLite:
		db, err := b.sqliteDB()
		if err != nil {
			return nil, err
		}
		return openTables(
			func(table string) (kvstore.Store[accounts.Account], error) {
				return kvstore.NewSQLiteStore[accounts.Account](db, table, opt)
			},
			func(table string) (kvstore.Store[checkpoint.Checkpoint], error) {
				return kvstore.NewSQLiteStore[checkpoint.Checkpoint](db, table, opt)
			},
			func(table string) (kvstore.Store[messaging.Tracker], error) {
				return kvstore.NewSQLiteStore[messaging.Tracker](db, table, opt)
			},
			func(table string) (kvstore.Store[worker.DeadLetter], error) {
				return kvstore.NewSQLiteStore[worker.DeadLetter](db, table, opt)
			},
		)

	case config.BackendPebble:
		db, err := kvstore.OpenPebble(b.settings.Store.PebbleDir, nil)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		return openPebbleTables(db, opt)

	case config.BackendNATS:
		js, err := b.jetStream()
		if err != nil {
			return nil, err
		}
		return openTables(
			func(table string) (kvstore.Store[accounts.Account], error) {
				return kvstore.NewNATSStore[accounts.Account](js, bucketPrefix+table, opt)
			},
			func(table string) (kvstore.Store[checkpoint.Checkpoint], error) {
				return kvstore.NewNATSStore[checkpoint.Checkpoint](js, bucketPrefix+table, opt)
			},
			func(table string) (kvstore.Store[messaging.Tracker], error) {
				return kvstore.NewNATSStore[messaging.Tracker](js, bucketPrefix+table, opt)
			},
			func(table string) (kvstore.Store[worker.DeadLetter], error) {
				return kvstore.NewNATSStore[worker.DeadLetter](js, bucketPrefix+table, opt)
			},
		)

	default:
		return &stores{
			accounts:    kvstore.NewMemoryStore[accounts.Account](opt),
			checkpoints: kvstore.NewMemoryStore[checkpoint.Checkpoint](opt),
			trackers:    kvstore.NewMemoryStore[messaging.Tracker](opt),
			deadLetters: kvstore.NewMemoryStore[worker.DeadLetter](opt),
		}, nil
	}
}

func openPebbleTables(db *pebble.DB, opt kvstore.Option) (*stores, error) {
	return openTables(
		func(table string) (kvstore.Store[accounts.Account], error) {
			return kvstore.NewPebbleStore[accounts.Account](db, table, opt)
		},
		func(table string) (kvstore.Store[checkpoint.Checkpoint], error) {
			return kvstore.NewPebbleStore[checkpoint.Checkpoint](db, table, opt)
		},
		func(table string) (kvstore.Store[messaging.Tracker], error) {
			return kvstore.NewPebbleStore[messaging.Tracker](db, table, opt)
		},
		func(table string) (kvstore.Store[worker.DeadLetter], error) {
			return kvstore.NewPebbleStore[worker.DeadLetter](db, table, opt)
		},
	)
}

// openTables opens one store per entity type.
func openTables(
	acct func(string) (kvstore.Store[accounts.Account], error),
	cp func(string) (kvstore.Store[checkpoint.Checkpoint], error),
	tr func(string) (kvstore.Store[messaging.Tracker], error),
	dl func(string) (kvstore.Store[worker.DeadLetter], error),
) (*stores, error) {
	var (
		s   stores
		err error
	)
	if s.accounts, err = acct(tableAccounts); err != nil {
		return nil, fmt.Errorf("open %s: %w", tableAccounts, err)
	}
	if s.checkpoints, err = cp(tableCheckpoints); err != nil {
		return nil, fmt.Errorf("open %s: %w", tableCheckpoints, err)
	}
	if s.trackers, err = tr(tableTrackers); err != nil {
		return nil, fmt.Errorf("open %s: %w", tableTrackers, err)
	}
	if s.deadLetters, err = dl(tableDeadLetters); err != nil {
		return nil, fmt.Errorf("open %s: %w", tableDeadLetters, err)
	}
	return &s, nil
}

func (b *backends) openQueue() (queue.Store, error) {
	opt := queue.WithClock(b.clock)
	if b.settings.Queue.Backend == config.BackendSQLite {
		db, err := b.sqliteDB()
		if err != nil {
			return nil, err
		}
		return queue.NewSQLiteStore(db, compensationName, opt)
	}
	return queue.NewMemoryStore(compensationName, opt), nil
}

// sqliteDB opens the SQLite database once for stores and queue.
func (b *backends) sqliteDB() (*sql.DB, error) {
	if b.sqlite != nil {
		return b.sqlite, nil
	}
	db, err := kvstore.OpenSQLite(b.settings.Store.SQLitePath)
	if err != nil {
		return nil, err
	}
	b.sqlite = db
	b.closers = append(b.closers, db.Close)
	return db, nil
}

// jetStream dials the configured NATS server, or starts an embedded one.
func (b *backends) jetStream() (nats.JetStreamContext, error) {
	url := b.settings.Store.NATSURL
	if b.settings.Store.NATSEmbedded {
		srv, err := startEmbeddedNATS(b.settings.Store.NATSDir)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error {
			srv.Shutdown()
			srv.WaitForShutdown()
			return nil
		})
		url = srv.ClientURL()
		b.logger.Info("started embedded nats server", slog.String("url", url))
	}

	nc, err := nats.Connect(url, nats.Name("sabbathtext"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b.closers = append(b.closers, func() error {
		nc.Close()
		return nil
	})
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return js, nil
}

// startEmbeddedNATS runs a local JetStream server persisting under dir.
func startEmbeddedNATS(dir string) (*server.Server, error) {
	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  dir,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	return srv, nil
}
