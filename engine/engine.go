// Package engine wires all knoxpro subsystems together. It creates the
// event bus, template cache, trigger decision engine, orchestrator,
// extension registry, and middleware chain.
//
// This package exists to break the import cycle: the root knoxpro
// package defines Entity (imported by workflow, template, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/backoff"
	"github.com/yaser2us/knoxpro-sub000/bus"
	"github.com/yaser2us/knoxpro-sub000/ext"
	"github.com/yaser2us/knoxpro-sub000/id"
	mw "github.com/yaser2us/knoxpro-sub000/middleware"
	"github.com/yaser2us/knoxpro-sub000/observability"
	"github.com/yaser2us/knoxpro-sub000/orchestrator"
	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/trigger"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// templateStore aliases template.Store so it can be embedded alongside
// workflow.Store without the embedded field names colliding.
type templateStore = template.Store

// Engine wraps a Service with typed subsystem access.
// Use Build() to create one from a Service.
type Engine struct {
	svc        *knoxpro.Service
	extensions *ext.Registry
	bo         backoff.Strategy
	mws        []mw.Middleware
	logger     *slog.Logger

	eventBus *bus.Bus
	cache    *template.Cache
	triggers *trigger.Engine
	orch     *orchestrator.Orchestrator

	templateStore template.Store

	// Trigger patterns for inbound lifecycle events.
	patterns []string

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's step dispatch chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the step retry backoff strategy for the engine.
// If not set, a fixed strategy using Config.RetryDelay is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithLifecyclePatterns overrides the bus patterns the trigger engine
// watches for inbound domain events.
func WithLifecyclePatterns(patterns ...string) Option {
	return func(eng *Engine) {
		eng.patterns = append(eng.patterns, patterns...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Service.
// The Service's store must implement the workflow, log, trigger, and
// template store interfaces (any store.Store backend does).
func Build(svc *knoxpro.Service, opts ...Option) (*Engine, error) {
	logger := svc.Logger()
	st := svc.Store()

	if st == nil {
		return nil, knoxpro.ErrNoStore
	}

	ws, ok := st.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("knoxpro: store does not implement workflow.Store")
	}
	ls, ok := st.(workflow.LogStore)
	if !ok {
		return nil, fmt.Errorf("knoxpro: store does not implement workflow.LogStore")
	}
	ts, ok := st.(workflow.TriggerStore)
	if !ok {
		return nil, fmt.Errorf("knoxpro: store does not implement workflow.TriggerStore")
	}
	tpls, ok := st.(template.Store)
	if !ok {
		return nil, fmt.Errorf("knoxpro: store does not implement template.Store")
	}

	eng := &Engine{
		svc:           svc,
		extensions:    ext.NewRegistry(logger),
		logger:        logger,
		templateStore: tpls,
	}

	for _, opt := range opts {
		opt(eng)
	}

	config := svc.Config()

	if eng.bo == nil {
		eng.bo = backoff.NewFixed(config.RetryDelay)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/yaser2us/knoxpro-sub000")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/yaser2us/knoxpro-sub000")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/yaser2us/knoxpro-sub000/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	// Create the bus and the subsystems that hang off it.
	eng.eventBus = bus.New(logger, bus.WithHistoryCap(config.HistoryCap))
	eng.cache = template.NewCache(tpls)

	triggerOpts := []trigger.Option{
		trigger.WithLogger(logger),
		trigger.WithHooks(eng.extensions),
	}
	if len(eng.patterns) > 0 {
		triggerOpts = append(triggerOpts, trigger.WithLifecyclePatterns(eng.patterns...))
	}
	eng.triggers = trigger.New(eng.eventBus, eng.cache, ws, ls, ts, triggerOpts...)

	storage := struct {
		workflow.Store
		workflow.LogStore
		templateStore
	}{ws, ls, tpls}

	eng.orch = orchestrator.New(eng.eventBus, storage,
		orchestrator.WithLogger(logger),
		orchestrator.WithHooks(eng.extensions),
		orchestrator.WithConfig(config),
		orchestrator.WithBackoff(eng.bo),
		orchestrator.WithMiddleware(allMws...),
	)

	// Wire back into the Service.
	svc.SetLoops(eng)
	svc.SetHooks(eng.extensions)

	return eng, nil
}

// Start begins event processing: the orchestrator recovers persisted
// runs and subscribes to its command events, the trigger engine loads
// templates and subscribes to inbound lifecycle events, and the sweep
// loop starts in the background.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	// Warm the template cache (best-effort; CandidatesFor loads lazily).
	if err := eng.cache.Refresh(ctx); err != nil {
		eng.logger.Warn("template cache warm failed", slog.String("error", err.Error()))
	}
	eng.triggers.Start()

	sweepCtx, cancel := context.WithCancel(context.Background())
	eng.sweepCancel = cancel
	eng.sweepDone = make(chan struct{})
	go func() {
		defer close(eng.sweepDone)
		eng.orch.RunSweepLoop(sweepCtx)
	}()

	return nil
}

// Stop gracefully shuts down the engine: the sweep loop exits, the
// trigger engine and orchestrator drop their subscriptions.
func (eng *Engine) Stop(ctx context.Context) error {
	if eng.sweepCancel != nil {
		eng.sweepCancel()
		select {
		case <-eng.sweepDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	eng.triggers.Stop()
	eng.orch.Stop()
	return nil
}

// ────────────────────────── subsystem access ──────────────────────────

// Bus returns the event bus. Applications publish lifecycle events here.
func (eng *Engine) Bus() *bus.Bus { return eng.eventBus }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Triggers returns the trigger decision engine.
func (eng *Engine) Triggers() *trigger.Engine { return eng.triggers }

// Orchestrator returns the run orchestrator.
func (eng *Engine) Orchestrator() *orchestrator.Orchestrator { return eng.orch }

// Cache returns the template cache.
func (eng *Engine) Cache() *template.Cache { return eng.cache }

// Service returns the underlying Service.
func (eng *Engine) Service() *knoxpro.Service { return eng.svc }

// ────────────────────────── convenience surface ──────────────────────────

// SaveTemplate persists a workflow template and refreshes the cache so
// the trigger engine sees it immediately.
func (eng *Engine) SaveTemplate(ctx context.Context, t *template.Template) error {
	if err := eng.templateStore.SaveTemplate(ctx, t); err != nil {
		return err
	}
	return eng.cache.Refresh(ctx)
}

// Publish emits an event on the bus. Lifecycle events flow through the
// trigger engine; command events (workflow.start, workflow.cancel, ...)
// flow through the orchestrator.
func (eng *Engine) Publish(ctx context.Context, typ string, payload map[string]any) *bus.Envelope {
	return eng.eventBus.Publish(ctx, typ, payload)
}

// Pause suspends a running or waiting workflow run.
func (eng *Engine) Pause(ctx context.Context, runID id.RunID) error {
	return eng.orch.Pause(ctx, runID)
}

// Resume continues a paused workflow run.
func (eng *Engine) Resume(ctx context.Context, runID id.RunID) error {
	return eng.orch.Resume(ctx, runID)
}

// Cancel terminally stops a workflow run.
func (eng *Engine) Cancel(ctx context.Context, runID id.RunID, reason string) error {
	return eng.orch.Cancel(ctx, runID, reason)
}

// SkipStep advances a run past its current step without executing it.
func (eng *Engine) SkipStep(ctx context.Context, runID id.RunID) error {
	return eng.orch.SkipStep(ctx, runID)
}

// Stats returns run counts by status plus trigger counters.
func (eng *Engine) Stats(ctx context.Context) (orchestrator.Stats, trigger.Stats, error) {
	os, err := eng.orch.Stats(ctx)
	return os, eng.triggers.Stats(), err
}

// CheckHealth reports subsystem health.
func (eng *Engine) CheckHealth(ctx context.Context) orchestrator.Health {
	return eng.orch.CheckHealth(ctx)
}
