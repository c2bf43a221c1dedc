package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/backoff"
	"github.com/yaser2us/knoxpro-sub000/bus"
	"github.com/yaser2us/knoxpro-sub000/ext"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/middleware"
	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Storage is the persistence surface the orchestrator needs: runs,
// logs, and template lookup for recovery. store.Store satisfies it.
type Storage interface {
	workflow.Store
	workflow.LogStore
	template.Store
}

// stepSignal carries the outcome of an awaited asynchronous step to a
// parallel branch blocked on it.
type stepSignal struct {
	result map[string]any
	err    error
}

// Orchestrator owns the run state machine: it creates runs from
// workflow.start commands, executes steps, reacts to completion events,
// and recovers persisted runs after restarts.
type Orchestrator struct {
	bus    *bus.Bus
	store  Storage
	hooks  *ext.Registry
	logger *slog.Logger

	cfg     knoxpro.Config
	backoff backoff.Strategy
	chain   middleware.Middleware

	subs []*bus.Subscription

	mu sync.Mutex
	// locks serializes all mutations of a single run (single writer).
	locks map[string]*sync.Mutex
	// templates caches the resolved template per live run.
	templates map[string]*template.Template
	// timers tracks process-local step timeout and delay timers,
	// keyed runID|stepID.
	timers map[string]*time.Timer
	// waiters routes completion events to parallel branches,
	// keyed runID|stepID.
	waiters map[string]chan stepSignal

	// retention holds the cron scheduler for run retention, nil when
	// retention is disabled.
	retention *cron.Cron

	// baseCtx bounds background work (parallel branch goroutines);
	// cancelled by Stop so parked branches do not outlive shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// health bookkeeping
	lastSweep      time.Time
	recoveryErrors []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithHooks attaches a lifecycle hook registry.
func WithHooks(hooks *ext.Registry) Option {
	return func(o *Orchestrator) { o.hooks = hooks }
}

// WithConfig overrides the orchestrator's configuration.
func WithConfig(cfg knoxpro.Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithBackoff sets the retry delay strategy for failed steps.
func WithBackoff(s backoff.Strategy) Option {
	return func(o *Orchestrator) { o.backoff = s }
}

// WithMiddleware wraps every step execution in the given middleware
// chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *Orchestrator) { o.chain = middleware.Chain(mws...) }
}

// New creates an orchestrator over the given bus and store. Call Start
// to subscribe it and recover persisted runs.
func New(b *bus.Bus, st Storage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:       b,
		store:     st,
		logger:    slog.Default(),
		cfg:       knoxpro.DefaultConfig(),
		templates: make(map[string]*template.Template),
		locks:     make(map[string]*sync.Mutex),
		timers:    make(map[string]*time.Timer),
		waiters:   make(map[string]chan stepSignal),
	}
	o.baseCtx, o.cancelBase = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(o)
	}
	if o.backoff == nil {
		o.backoff = backoff.NewFixed(o.cfg.RetryDelay)
	}
	if o.chain == nil {
		o.chain = middleware.Chain(middleware.Recover(o.logger))
	}
	return o
}

// Start subscribes the orchestrator to its inbound events and performs
// a recovery pass over persisted non-terminal runs.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.subs = append(o.subs,
		o.bus.Subscribe("workflow.start", o.handleStart),
		o.bus.Subscribe("workflow.step.completed", o.handleStepCompleted),
		o.bus.Subscribe("workflow.step.failed", o.handleStepFailed),
		o.bus.Subscribe("*.task.completed", o.handleTaskCompleted),
		o.bus.Subscribe("approval.granted", o.handleApprovalGranted),
		o.bus.Subscribe("approval.rejected", o.handleApprovalRejected),
		o.bus.Subscribe("workflow.pause", o.handlePauseEvent),
		o.bus.Subscribe("workflow.resume", o.handleResumeEvent),
		o.bus.Subscribe("workflow.cancel", o.handleCancelEvent),
	)
	o.startRetention()
	o.logger.Info("orchestrator started")
	return o.Recover(ctx)
}

// Stop removes the orchestrator's subscriptions, stops its timers, and
// releases parallel branches parked on external signals.
func (o *Orchestrator) Stop() {
	o.cancelBase()
	for _, s := range o.subs {
		o.bus.Unsubscribe(s)
	}
	o.subs = nil

	if o.retention != nil {
		o.retention.Stop()
		o.retention = nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for key, t := range o.timers {
		t.Stop()
		delete(o.timers, key)
	}
}

// ──────────────────────────────────────────────────
// Per-run locking
// ──────────────────────────────────────────────────

// runLock returns the mutex serializing mutations of the given run.
func (o *Orchestrator) runLock(runID id.RunID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := runID.String()
	l, ok := o.locks[key]
	if !ok {
		l = &sync.Mutex{}
		o.locks[key] = l
	}
	return l
}

// forget drops all in-memory state for a terminal run.
func (o *Orchestrator) forget(runID id.RunID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := runID.String()
	delete(o.locks, key)
	delete(o.templates, key)
}

func (o *Orchestrator) templateFor(run *workflow.Run) (*template.Template, error) {
	o.mu.Lock()
	tpl, ok := o.templates[run.ID.String()]
	o.mu.Unlock()
	if ok {
		return tpl, nil
	}

	// No in-memory context: reload the template from the store.
	tpl, err := o.store.GetTemplate(context.Background(), run.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("knoxpro: reload template %s for run %s: %w", run.TemplateID, run.ID, err)
	}
	o.rememberTemplate(run.ID, tpl)
	return tpl, nil
}

func (o *Orchestrator) rememberTemplate(runID id.RunID, tpl *template.Template) {
	o.mu.Lock()
	o.templates[runID.String()] = tpl
	o.mu.Unlock()
}

// ──────────────────────────────────────────────────
// Timers
// ──────────────────────────────────────────────────

func timerKey(runID id.RunID, stepID string) string {
	return runID.String() + "|" + stepID
}

// armTimer registers a process-local timer for a step, replacing any
// previous timer for the same key.
func (o *Orchestrator) armTimer(runID id.RunID, stepID string, d time.Duration, fn func()) {
	key := timerKey(runID, stepID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.timers[key]; ok {
		prev.Stop()
	}
	o.timers[key] = time.AfterFunc(d, func() {
		o.mu.Lock()
		delete(o.timers, key)
		o.mu.Unlock()
		fn()
	})
}

// disarmTimer cancels the timer for a step, if any.
func (o *Orchestrator) disarmTimer(runID id.RunID, stepID string) {
	key := timerKey(runID, stepID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[key]; ok {
		t.Stop()
		delete(o.timers, key)
	}
}

// ──────────────────────────────────────────────────
// Waiters (parallel branches)
// ──────────────────────────────────────────────────

func (o *Orchestrator) registerWaiter(runID id.RunID, stepID string) chan stepSignal {
	ch := make(chan stepSignal, 1)
	o.mu.Lock()
	o.waiters[timerKey(runID, stepID)] = ch
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) dropWaiter(runID id.RunID, stepID string) {
	o.mu.Lock()
	delete(o.waiters, timerKey(runID, stepID))
	o.mu.Unlock()
}

// deliverToWaiter hands a completion signal to a blocked parallel
// branch. Returns false when no branch is waiting on the step.
func (o *Orchestrator) deliverToWaiter(runID id.RunID, stepID string, sig stepSignal) bool {
	o.mu.Lock()
	ch, ok := o.waiters[timerKey(runID, stepID)]
	if ok {
		delete(o.waiters, timerKey(runID, stepID))
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	ch <- sig
	return true
}

// ──────────────────────────────────────────────────
// Run creation
// ──────────────────────────────────────────────────

// handleStart creates a run from a workflow.start command and executes
// its first step.
func (o *Orchestrator) handleStart(ctx context.Context, evt *bus.Envelope) error {
	tpl, ok := evt.Payload["template"].(*template.Template)
	if !ok {
		// Allow starts that carry only a template id.
		rawID, _ := evt.Payload["templateId"].(string)
		templateID, err := id.ParseTemplateID(rawID)
		if err != nil {
			return fmt.Errorf("knoxpro: workflow.start without template: %w", err)
		}
		tpl, err = o.store.GetTemplate(ctx, templateID)
		if err != nil {
			return err
		}
	}

	doc, _ := evt.Payload["document"].(map[string]any)
	user, _ := evt.Payload["user"].(map[string]any)
	subjectID, _ := doc["id"].(string)

	start := tpl.StartStep()
	if start == nil {
		return fmt.Errorf("knoxpro: template %s: unresolvable start step %q", tpl.Name, tpl.DSL.StartStep)
	}

	now := time.Now().UTC()
	run := &workflow.Run{
		Entity:          knoxpro.NewEntity(),
		ID:              id.NewRunID(),
		SubjectID:       subjectID,
		TemplateID:      tpl.ID,
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		Status:          workflow.StatusRunning,
		CurrentStepID:   start.ID,
		Context: workflow.Context{
			Data:      doc,
			Variables: map[string]any{},
		},
		StartedAt: now,
	}
	if user != nil {
		run.Context.Variables["user"] = user
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("knoxpro: create run for template %s: %w", tpl.Name, err)
	}
	o.rememberTemplate(run.ID, tpl)

	o.appendLog(ctx, run.ID, start.ID, workflow.LogStarted,
		fmt.Sprintf("run started for template %s", tpl.Name), nil)
	if o.hooks != nil {
		o.hooks.EmitRunStarted(ctx, run)
	}
	o.logger.Info("run started",
		slog.String("run_id", run.ID.String()),
		slog.String("template", tpl.Name),
		slog.String("subject_id", subjectID),
	)

	o.drive(ctx, run.ID)
	return nil
}

// appendLog writes an execution log entry, logging (not propagating)
// store failures.
func (o *Orchestrator) appendLog(ctx context.Context, runID id.RunID, stepID string, typ workflow.LogType, msg string, meta map[string]any) {
	entry := workflow.NewLogEntry(runID, typ, msg)
	entry.StepID = stepID
	entry.Metadata = meta
	if err := o.store.AppendLog(ctx, entry); err != nil {
		o.logger.Warn("append log failed",
			slog.String("run_id", runID.String()),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}
