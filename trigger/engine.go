package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/bus"
	"github.com/yaser2us/knoxpro-sub000/ext"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Gate names the stage of trigger evaluation that suppressed a template.
type Gate string

// Gates in evaluation order.
const (
	GateEventType    Gate = "event_type"
	GateEntityType   Gate = "entity_type"
	GateConditions   Gate = "conditions"
	GateCooldown     Gate = "cooldown"
	GateExecutionCap Gate = "execution_cap"
	GateDedup        Gate = "dedup"
)

// DefaultLifecyclePatterns are the bus patterns the engine watches for
// inbound domain events when none are configured.
var DefaultLifecyclePatterns = []string{"document.**"}

// Stats is a snapshot of the engine's trigger counters.
type Stats struct {
	Fired      int64          `json:"fired"`
	Suppressed map[Gate]int64 `json:"suppressed"`
	Errors     int64          `json:"errors"`
}

// Engine is the trigger decision engine. It subscribes to inbound
// lifecycle events, evaluates the gate chain per active template, and
// publishes workflow.start commands for templates that pass.
type Engine struct {
	bus      *bus.Bus
	cache    *template.Cache
	runs     workflow.Store
	logs     workflow.LogStore
	triggers workflow.TriggerStore
	hooks    *ext.Registry
	logger   *slog.Logger

	patterns []string
	subs     []*bus.Subscription

	mu    sync.Mutex
	stats Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithHooks attaches a lifecycle hook registry.
func WithHooks(hooks *ext.Registry) Option {
	return func(e *Engine) { e.hooks = hooks }
}

// WithLifecyclePatterns overrides the bus patterns watched for inbound
// domain events.
func WithLifecyclePatterns(patterns ...string) Option {
	return func(e *Engine) { e.patterns = patterns }
}

// New creates a trigger engine over the given bus, template cache, and
// stores. Call Start to begin consuming events.
func New(b *bus.Bus, cache *template.Cache, runs workflow.Store, logs workflow.LogStore, triggers workflow.TriggerStore, opts ...Option) *Engine {
	e := &Engine{
		bus:      b,
		cache:    cache,
		runs:     runs,
		logs:     logs,
		triggers: triggers,
		logger:   slog.Default(),
		patterns: DefaultLifecyclePatterns,
		stats:    Stats{Suppressed: make(map[Gate]int64)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes the engine to its inbound event patterns.
func (e *Engine) Start() {
	for _, p := range e.patterns {
		e.subs = append(e.subs, e.bus.Subscribe(p, e.handleLifecycle))
	}
	e.subs = append(e.subs,
		e.bus.Subscribe("workflow.trigger.custom", e.handleCustom),
		e.bus.Subscribe("workflow.completed", e.handleCompleted),
	)
	e.logger.Info("trigger engine started", slog.Any("patterns", e.patterns))
}

// Stop removes the engine's bus subscriptions.
func (e *Engine) Stop() {
	for _, s := range e.subs {
		e.bus.Unsubscribe(s)
	}
	e.subs = nil
}

// Refresh reloads the template cache from its source.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.cache.Refresh(ctx)
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Stats{
		Fired:      e.stats.Fired,
		Errors:     e.stats.Errors,
		Suppressed: make(map[Gate]int64, len(e.stats.Suppressed)),
	}
	for g, n := range e.stats.Suppressed {
		out.Suppressed[g] = n
	}
	return out
}

func (e *Engine) countFired() {
	e.mu.Lock()
	e.stats.Fired++
	e.mu.Unlock()
}

func (e *Engine) countSuppressed(g Gate) {
	e.mu.Lock()
	e.stats.Suppressed[g]++
	e.mu.Unlock()
}

func (e *Engine) countError() {
	e.mu.Lock()
	e.stats.Errors++
	e.mu.Unlock()
}

// ──────────────────────────────────────────────────
// Event handlers
// ──────────────────────────────────────────────────

// handleLifecycle evaluates every candidate template against an inbound
// domain event.
func (e *Engine) handleLifecycle(ctx context.Context, evt *bus.Envelope) error {
	doc, ok := evt.Payload["document"].(map[string]any)
	if !ok {
		// Not a lifecycle event shape; nothing to evaluate.
		return nil
	}
	user, _ := evt.Payload["user"].(map[string]any)
	entityType, _ := doc["type"].(string)

	candidates, err := e.cache.CandidatesFor(ctx, evt.Type, entityType)
	if err != nil {
		return fmt.Errorf("knoxpro: load candidate templates: %w", err)
	}

	for _, t := range candidates {
		e.evaluateIsolated(ctx, t, evt, doc, user)
	}
	return nil
}

// handleCustom starts a named template directly. The rule gates are
// bypassed but cooldown, execution cap, and dedup still apply.
func (e *Engine) handleCustom(ctx context.Context, evt *bus.Envelope) error {
	rawID, _ := evt.Payload["templateId"].(string)
	templateID, err := id.ParseTemplateID(rawID)
	if err != nil {
		e.logger.Warn("custom trigger with invalid template id",
			slog.String("template_id", rawID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	t, err := e.templateByID(ctx, templateID)
	if err != nil {
		e.logTriggerError(ctx, rawID, evt.Type, err)
		return nil
	}

	doc := map[string]any{}
	if seed, ok := evt.Payload["context"].(map[string]any); ok {
		for k, v := range seed {
			doc[k] = v
		}
	}
	if docID, ok := evt.Payload["documentId"].(string); ok {
		doc["id"] = docID
	}
	user, _ := evt.Payload["user"].(map[string]any)

	e.evaluateIsolated(ctx, t, evt, doc, user)
	return nil
}

// handleCompleted chains follow-up templates: templates whose trigger
// patterns reference workflow.<templateId>.completed are evaluated with
// the completed run's final data as the new seed document.
func (e *Engine) handleCompleted(ctx context.Context, evt *bus.Envelope) error {
	status, _ := evt.Payload["status"].(string)
	if status != string(workflow.StatusCompleted) {
		return nil
	}
	completedID, _ := evt.Payload["templateId"].(string)
	if completedID == "" {
		return nil
	}

	data, _ := evt.Payload["data"].(map[string]any)
	chainType := "workflow." + completedID + ".completed"

	// Synthesize the chain event so the normal gate chain applies.
	chained := bus.NewEnvelope(chainType, map[string]any{"document": data})
	chained.Source = "trigger.chain"

	entityType, _ := data["type"].(string)
	all, err := e.cache.All(ctx)
	if err != nil {
		return fmt.Errorf("knoxpro: load templates for chaining: %w", err)
	}
	for _, t := range all {
		if !anyRuleMatches(t, chainType, entityType) {
			continue
		}
		e.evaluateIsolated(ctx, t, chained, data, nil)
	}
	return nil
}

func anyRuleMatches(t *template.Template, eventType, entityType string) bool {
	for _, rule := range t.Triggers {
		if rule.MatchesEvent(eventType) && rule.MatchesEntityType(entityType) {
			return true
		}
	}
	return false
}

// templateByID scans the cache for a template by ID.
func (e *Engine) templateByID(ctx context.Context, templateID id.TemplateID) (*template.Template, error) {
	all, err := e.cache.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.ID.String() == templateID.String() {
			return t, nil
		}
	}
	return nil, fmt.Errorf("knoxpro: template %s: %w", templateID, knoxpro.ErrTemplateNotFound)
}

// ──────────────────────────────────────────────────
// Gate evaluation
// ──────────────────────────────────────────────────

// evaluateIsolated runs one template through the gate chain, containing
// panics and errors so sibling templates are unaffected.
func (e *Engine) evaluateIsolated(ctx context.Context, t *template.Template, evt *bus.Envelope, doc, user map[string]any) {
	defer func() {
		if p := recover(); p != nil {
			e.logTriggerError(ctx, t.ID.String(), evt.Type, fmt.Errorf("panic: %v", p))
		}
	}()

	if err := e.evaluate(ctx, t, evt, doc, user); err != nil {
		e.logTriggerError(ctx, t.ID.String(), evt.Type, err)
	}
}

// evaluate runs the gate chain for one template and, when all gates
// pass, records the trigger and publishes workflow.start.
func (e *Engine) evaluate(ctx context.Context, t *template.Template, evt *bus.Envelope, doc, user map[string]any) error {
	entityType, _ := doc["type"].(string)
	subjectID, _ := doc["id"].(string)
	custom := evt.Type == "workflow.trigger.custom"

	rule, pass := e.selectRule(t, evt.Type, entityType, custom)
	if !pass {
		return nil
	}

	// Condition gate. Custom triggers bypass rule predicates entirely.
	if !custom && len(rule.Conditions) > 0 {
		condCtx := overlay(doc, user)
		if !template.EvalAll(rule.Conditions, condCtx, e.logger) {
			e.countSuppressed(GateConditions)
			return nil
		}
	}

	// Cooldown and execution-cap gates share one bookkeeping read.
	if rule.CooldownSeconds > 0 || rule.MaxExecutions > 0 {
		state, err := e.triggers.GetTriggerState(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("knoxpro: trigger state for %s: %w", t.ID, err)
		}
		if state != nil {
			if rule.CooldownSeconds > 0 {
				window := time.Duration(rule.CooldownSeconds) * time.Second
				if time.Since(state.LastTriggeredAt) < window {
					e.countSuppressed(GateCooldown)
					return nil
				}
			}
			if rule.MaxExecutions > 0 && state.Executions >= rule.MaxExecutions {
				e.countSuppressed(GateExecutionCap)
				return nil
			}
		}
	}

	// Deduplication gate: a live run for (template, subject) suppresses
	// the trigger silently.
	if subjectID != "" {
		_, err := e.runs.FindActiveRun(ctx, t.ID, subjectID)
		switch {
		case err == nil:
			e.countSuppressed(GateDedup)
			return nil
		case errors.Is(err, knoxpro.ErrRunNotFound):
			// No live run; proceed.
		default:
			return fmt.Errorf("knoxpro: dedup lookup for %s/%s: %w", t.ID, subjectID, err)
		}
	}

	// Malformed DSL is a per-template evaluation failure.
	if err := t.Validate(); err != nil {
		return fmt.Errorf("knoxpro: template %s: %w", t.Name, err)
	}

	return e.fire(ctx, t, evt, doc, user, subjectID)
}

// selectRule returns the first trigger rule passing the event-type and
// entity-type gates. Custom triggers skip rule matching and use the
// template's first rule for cooldown/cap settings.
func (e *Engine) selectRule(t *template.Template, eventType, entityType string, custom bool) (template.TriggerRule, bool) {
	if custom {
		if len(t.Triggers) > 0 {
			return t.Triggers[0], true
		}
		return template.TriggerRule{}, true
	}

	sawEventMatch := false
	for _, rule := range t.Triggers {
		if !rule.MatchesEvent(eventType) {
			continue
		}
		sawEventMatch = true
		if rule.MatchesEntityType(entityType) {
			return rule, true
		}
	}
	if sawEventMatch {
		e.countSuppressed(GateEntityType)
	} else {
		e.countSuppressed(GateEventType)
	}
	return template.TriggerRule{}, false
}

// fire records the trigger and publishes the workflow.start command.
func (e *Engine) fire(ctx context.Context, t *template.Template, evt *bus.Envelope, doc, user map[string]any, subjectID string) error {
	now := time.Now().UTC()
	if err := e.triggers.RecordTrigger(ctx, t.ID, now); err != nil {
		return fmt.Errorf("knoxpro: record trigger for %s: %w", t.ID, err)
	}

	entry := workflow.NewLogEntry(id.Nil, workflow.LogTriggered,
		fmt.Sprintf("template %s triggered by %s", t.Name, evt.Type))
	entry.Metadata = map[string]any{
		"template_id":   t.ID.String(),
		"template_name": t.Name,
		"event_type":    evt.Type,
		"subject_id":    subjectID,
	}
	if err := e.logs.AppendLog(ctx, entry); err != nil {
		e.logger.Warn("append triggered log failed",
			slog.String("template", t.Name),
			slog.String("error", err.Error()),
		)
	}

	e.countFired()
	if e.hooks != nil {
		e.hooks.EmitWorkflowTriggered(ctx, t.Name, evt.Type)
	}

	start := bus.NewEnvelope("workflow.start", map[string]any{
		"template": t,
		"document": doc,
		"user":     user,
	})
	start.Source = "trigger"
	start.Metadata = evt.Metadata
	e.bus.PublishEnvelope(ctx, start)

	e.logger.Info("workflow triggered",
		slog.String("template", t.Name),
		slog.String("event_type", evt.Type),
		slog.String("subject_id", subjectID),
	)
	return nil
}

// logTriggerError writes a trigger_error log entry and counts the error.
// Evaluation failures never propagate to the bus handler.
func (e *Engine) logTriggerError(ctx context.Context, templateID, eventType string, err error) {
	e.countError()
	e.logger.Error("trigger evaluation failed",
		slog.String("template_id", templateID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)

	entry := workflow.NewLogEntry(id.Nil, workflow.LogTriggerError, err.Error())
	entry.Metadata = map[string]any{
		"template_id": templateID,
		"event_type":  eventType,
	}
	if logErr := e.logs.AppendLog(ctx, entry); logErr != nil {
		e.logger.Warn("append trigger_error log failed", slog.String("error", logErr.Error()))
	}
}

// overlay builds the condition-evaluation context: document fields at
// the top level, with the document and user also addressable explicitly.
func overlay(doc, user map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+2)
	for k, v := range doc {
		out[k] = v
	}
	out["document"] = doc
	if user != nil {
		out["user"] = user
	}
	return out
}
