package knoxpro

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Service.
type Option func(*Service) error

// Storer is the minimal store interface held by the Service.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// loopRunner is an internal interface for background loop lifecycle
// (sweep, retention). The engine package provides the implementation.
type loopRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// hookEmitter is an internal interface for lifecycle shutdown hooks.
type hookEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Service is the central coordinator for workflow orchestration: the
// event bus, trigger decision engine, orchestrator loops, and store.
//
// Create one with New() and functional options. The Service holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use engine.Build to wire everything together.
type Service struct {
	config Config
	logger *slog.Logger
	store  Storer
	hooks  hookEmitter
	loops  loopRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Service with the given options.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Logger returns the service's logger.
func (s *Service) Logger() *slog.Logger { return s.logger }

// Store returns the service's store.
func (s *Service) Store() Storer { return s.store }

// Config returns a copy of the service's configuration.
func (s *Service) Config() Config { return s.config }

// SetLoops sets the background loop runner (called by the engine package).
func (s *Service) SetLoops(l loopRunner) { s.loops = l }

// SetHooks sets the lifecycle hook emitter (called by the engine package).
func (s *Service) SetHooks(h hookEmitter) { s.hooks = h }

// Start begins background processing (sweep and retention loops).
func (s *Service) Start(ctx context.Context) error {
	if s.loops == nil {
		return ErrNoStore
	}
	if err := s.loops.Start(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop gracefully shuts down the service.
func (s *Service) Stop(ctx context.Context) error {
	if s.loops != nil && s.started {
		if err := s.loops.Stop(ctx); err != nil {
			s.logger.Error("loop stop error", "error", err)
		}
	}
	if s.hooks != nil {
		s.hooks.EmitShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// WithConfig replaces the service configuration wholesale.
func WithConfig(c Config) Option {
	return func(s *Service) error {
		s.config = c
		return nil
	}
}

// WithSweepInterval sets how often the orchestrator sweep loop fires.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) error {
		s.config.SweepInterval = d
		return nil
	}
}

// WithLogger sets the structured logger for the service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the service.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(st Storer) Option {
	return func(s *Service) error {
		s.store = st
		return nil
	}
}
