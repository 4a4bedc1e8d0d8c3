package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
	BackendNATS   = "nats"
)

// Settings is the resolved process configuration.
type Settings struct {
	Store     StoreSettings
	Queue     QueueSettings
	Worker    WorkerSettings
	Operation OperationSettings
	Log       LogSettings

	// LocationsFile is a YAML ZIP code table. Empty uses the built-in table.
	LocationsFile string
}

// StoreSettings selects the entity store backend.
type StoreSettings struct {
	Backend    string
	SQLitePath string
	PebbleDir  string
	NATSURL    string
	// NATSEmbedded runs an in-process JetStream server storing under
	// NATSDir instead of dialing NATSURL.
	NATSEmbedded bool
	NATSDir      string
}

// QueueSettings configures the compensation queue.
type QueueSettings struct {
	Backend           string
	VisibilityTimeout time.Duration
	MessageLifespan   time.Duration
	PoisonThreshold   int
}

// WorkerSettings configures the recovery worker.
type WorkerSettings struct {
	IdleDelay   time.Duration
	Concurrency int
}

// OperationSettings configures operation timing.
type OperationSettings struct {
	ExpectedLatency time.Duration
	SubscribeDelay  time.Duration
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string
	Format string
}

// Defaults returns the settings used for missing keys.
func Defaults() Settings {
	return Settings{
		Store: StoreSettings{
			Backend:    BackendMemory,
			SQLitePath: "sabbathtext.db",
			PebbleDir:  "sabbathtext-pebble",
			NATSURL:    "nats://127.0.0.1:4222",
			NATSDir:    "sabbathtext-nats",
		},
		Queue: QueueSettings{
			Backend:           BackendMemory,
			VisibilityTimeout: time.Minute,
			MessageLifespan:   7 * 24 * time.Hour,
			PoisonThreshold:   5,
		},
		Worker: WorkerSettings{
			IdleDelay:   5 * time.Second,
			Concurrency: 1,
		},
		Operation: OperationSettings{
			ExpectedLatency: 30 * time.Second,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// FromConfig resolves Settings from c over Defaults.
func FromConfig(c Config) Settings {
	d := Defaults()
	return Settings{
		Store: StoreSettings{
			Backend:      c.String("store.backend", d.Store.Backend),
			SQLitePath:   c.String("store.sqlite_path", d.Store.SQLitePath),
			PebbleDir:    c.String("store.pebble_dir", d.Store.PebbleDir),
			NATSURL:      c.String("store.nats_url", d.Store.NATSURL),
			NATSEmbedded: c.Bool("store.nats_embedded", d.Store.NATSEmbedded),
			NATSDir:      c.String("store.nats_dir", d.Store.NATSDir),
		},
		Queue: QueueSettings{
			Backend:           c.String("queue.backend", d.Queue.Backend),
			VisibilityTimeout: c.Duration("queue.visibility_timeout", d.Queue.VisibilityTimeout),
			MessageLifespan:   c.Duration("queue.message_lifespan", d.Queue.MessageLifespan),
			PoisonThreshold:   c.Int("queue.poison_threshold", d.Queue.PoisonThreshold),
		},
		Worker: WorkerSettings{
			IdleDelay:   c.Duration("worker.idle_delay", d.Worker.IdleDelay),
			Concurrency: c.Int("worker.concurrency", d.Worker.Concurrency),
		},
		Operation: OperationSettings{
			ExpectedLatency: c.Duration("operation.expected_latency", d.Operation.ExpectedLatency),
			SubscribeDelay:  c.Duration("operation.subscribe_delay", d.Operation.SubscribeDelay),
		},
		Log: LogSettings{
			Level:  c.String("log.level", d.Log.Level),
			Format: c.String("log.format", d.Log.Format),
		},
		LocationsFile: c.String("location.file", d.LocationsFile),
	}
}

// LoadSettings reads and validates settings from path. An empty path yields
// the defaults.
func LoadSettings(path string) (Settings, error) {
	if path == "" {
		return Defaults(), nil
	}
	c, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	s := FromConfig(c)
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return s, nil
}

// Validate reports every invalid setting.
func (s Settings) Validate() error {
	var errs []error

	switch s.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if s.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	case BackendPebble:
		if s.Store.PebbleDir == "" {
			errs = append(errs, errors.New("store.pebble_dir is required for the pebble backend"))
		}
	case BackendNATS:
		if s.Store.NATSEmbedded && s.Store.NATSDir == "" {
			errs = append(errs, errors.New("store.nats_dir is required for an embedded nats server"))
		}
		if !s.Store.NATSEmbedded && s.Store.NATSURL == "" {
			errs = append(errs, errors.New("store.nats_url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", s.Store.Backend))
	}

	switch s.Queue.Backend {
	case BackendMemory:
	case BackendSQLite:
		if s.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend: unknown backend %q", s.Queue.Backend))
	}

	if s.Queue.VisibilityTimeout < time.Second {
		errs = append(errs, errors.New("queue.visibility_timeout must be at least 1s"))
	}
	if s.Queue.MessageLifespan <= 0 {
		errs = append(errs, errors.New("queue.message_lifespan must be positive"))
	}
	if s.Queue.PoisonThreshold < 1 {
		errs = append(errs, errors.New("queue.poison_threshold must be at least 1"))
	}
	if s.Worker.IdleDelay <= 0 {
		errs = append(errs, errors.New("worker.idle_delay must be positive"))
	}
	if s.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if s.Operation.ExpectedLatency <= 0 {
		errs = append(errs, errors.New("operation.expected_latency must be positive"))
	}
	if s.Operation.SubscribeDelay < 0 {
		errs = append(errs, errors.New("operation.subscribe_delay must not be negative"))
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", s.Log.Format))
	}

	return errors.Join(errs...)
}
