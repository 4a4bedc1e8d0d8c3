// Package service assembles a running sabbathtext process from Settings:
// stores, the compensation queue, the operation registry and the recovery
// worker.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/accounts"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/checkpoint"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/config"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/kvstore"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/location"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/messaging"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/observability"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/operation"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/ops"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/queue"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/worker"
)

// Option customizes New.
type Option func(*options)

type options struct {
	clock     clock.Clock
	transport messaging.Transport
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
}

// WithClock sets the time source of every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport sets the SMS transport. Default: messages are logged.
func WithTransport(t messaging.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithMetrics sets the metrics recorder. Default: OpenTelemetry.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithSpans sets the span manager. Default: OpenTelemetry.
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) { o.spans = s }
}

// Service is a wired process.
type Service struct {
	Settings     config.Settings
	Logger       *slog.Logger
	Accounts     accounts.Store
	Checkpoints  kvstore.Store[checkpoint.Checkpoint]
	DeadLetters  kvstore.Store[worker.DeadLetter]
	Queue        queue.Store
	Compensation *checkpoint.CompensationClient
	Registry     *operation.Registry
	Deps         ops.Dependencies
	Worker       *worker.CheckpointWorker

	closers []func() error
}

// New opens the configured backends and wires every component.
func New(settings config.Settings, logger *slog.Logger, opts ...Option) (*Service, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.OrReal(o.clock)
	if o.transport == nil {
		o.transport = messaging.LogTransport{Logger: logger}
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetricsRecorder()
	}
	if o.spans == nil {
		o.spans = observability.NewSpanManager()
	}

	s := &Service{Settings: settings, Logger: logger}
	if err := s.open(o); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) open(o options) error {
	b := &backends{settings: s.Settings, clock: o.clock, logger: s.Logger}
	defer func() { s.closers = append(s.closers, b.closers...) }()

	stores, err := b.openStores()
	if err != nil {
		return err
	}
	q, err := b.openQueue()
	if err != nil {
		return err
	}

	locations := location.Lookup(location.DefaultLookup())
	if path := s.Settings.LocationsFile; path != "" {
		table, err := location.LoadFile(path)
		if err != nil {
			return err
		}
		locations = table
	}

	s.Accounts = stores.accounts
	s.Checkpoints = stores.checkpoints
	s.DeadLetters = stores.deadLetters
	s.Queue = q
	s.Compensation = checkpoint.NewCompensationClient(stores.checkpoints, q, checkpoint.ClientConfig{
		MessageLifespan:   s.Settings.Queue.MessageLifespan,
		VisibilityTimeout: s.Settings.Queue.VisibilityTimeout,
		Logger:            s.Logger,
	})
	s.Deps = ops.Dependencies{
		Clock:        o.clock,
		Logger:       s.Logger,
		Accounts:     stores.accounts,
		Compensation: s.Compensation,
		Sender:       messaging.NewTrackedSender(stores.trackers, o.transport, o.clock, s.Logger,
			messaging.WithClaimTimeout(s.Settings.Queue.VisibilityTimeout)),
		Locations:    locations,
		Settings:     s.Settings.Operation,
		Metrics:      o.metrics,
		Spans:        o.spans,
	}
	s.Registry = operation.NewRegistry()
	if err := ops.Register(s.Registry, s.Deps); err != nil {
		return err
	}
	s.Worker = worker.New(s.Compensation, s.Registry, stores.deadLetters, worker.Config{
		PoisonThreshold: s.Settings.Queue.PoisonThreshold,
		IdleDelay:       s.Settings.Worker.IdleDelay,
		Concurrency:     s.Settings.Worker.Concurrency,
		Logger:          s.Logger,
		Metrics:         o.metrics,
		Clock:           o.clock,
	})
	return nil
}

// Subscribe runs a subscribe operation.
func (s *Service) Subscribe(ctx context.Context, req ops.SubscribeRequest) (*operation.Response[ops.SubscribeResult], error) {
	return ops.NewSubscribeOperation(s.Deps).Run(ctx, req)
}

// UpdateZip runs a ZIP code update.
func (s *Service) UpdateZip(ctx context.Context, req ops.UpdateZipRequest) (*operation.Response[ops.UpdateZipResult], error) {
	return ops.NewUpdateZipOperation(s.Deps).Run(ctx, req)
}

// ScheduleText runs a scheduled text operation.
func (s *Service) ScheduleText(ctx context.Context, req ops.ScheduledTextRequest) (*operation.Response[ops.ScheduledTextResult], error) {
	return ops.NewSendScheduledTextOperation(s.Deps).Run(ctx, req)
}

// ListDeadLetters returns the diverted compensation messages.
func (s *Service) ListDeadLetters(ctx context.Context) ([]*worker.DeadLetter, error) {
	return worker.ListDeadLetters(ctx, s.DeadLetters)
}

// Close releases every backend in reverse order of opening.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
