package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Step outcome labels recorded in run history.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
	outcomeSkipped   = "skipped"
)

var errStepTimeout = errors.New("knoxpro: step timed out")

// executeStep dispatches the run's current step. The caller must hold
// the run lock. Bus publishes and timers are deferred into the returned
// post function, which the caller runs after releasing the lock so that
// synchronous subscribers can re-enter the run state machine.
//
// Synchronous steps (notification, condition) advance inline and the
// caller should keep driving. Asynchronous steps persist their waiting
// state and return; completion events advance them later.
func (o *Orchestrator) executeStep(ctx context.Context, run *workflow.Run, tpl *template.Template, step *template.Step) (post func(), err error) {
	o.appendLog(ctx, run.ID, step.ID, workflow.LogStepStarted, "step started", map[string]any{
		"step_type": string(step.Type),
	})

	err = o.chain(ctx, run, step, func(ctx context.Context) error {
		var execErr error
		switch step.Type {
		case template.StepNotification:
			post, execErr = o.execNotification(ctx, run, tpl, step)
		case template.StepCondition:
			post, execErr = o.execCondition(ctx, run, tpl, step)
		case template.StepModuleTask:
			post, execErr = o.execModuleTask(ctx, run, step)
		case template.StepApproval:
			post, execErr = o.execApproval(ctx, run, step)
		case template.StepDelay:
			post, execErr = o.execDelay(ctx, run, tpl, step)
		case template.StepParallel:
			post, execErr = o.execParallel(ctx, run, tpl, step)
		case template.StepManual:
			post, execErr = o.execManual(ctx, run, step)
		default:
			execErr = fmt.Errorf("knoxpro: run %s: unknown step type %q", run.ID, step.Type)
		}
		return execErr
	})
	if err != nil {
		post = nil
	}
	return post, err
}

// interpCtx builds the interpolation and condition context for a run:
// data and variables addressable both at the top level and explicitly.
func interpCtx(run *workflow.Run) map[string]any {
	out := map[string]any{
		"data":          run.Context.Data,
		"variables":     run.Context.Variables,
		"workflowRunId": run.ID.String(),
	}
	for k, v := range run.Context.Data {
		out[k] = v
	}
	for k, v := range run.Context.Variables {
		out[k] = v
	}
	return out
}

// ──────────────────────────────────────────────────
// Synchronous executors
// ──────────────────────────────────────────────────

// execNotification publishes notification.send and completes inline.
// Fire and forget: delivery failures do not affect the run.
func (o *Orchestrator) execNotification(ctx context.Context, run *workflow.Run, tpl *template.Template, step *template.Step) (func(), error) {
	payload := template.InterpolateMap(step.Config, interpCtx(run))
	payload["workflowRunId"] = run.ID.String()
	payload["stepId"] = step.ID

	if err := o.advanceLocked(ctx, run, tpl, step, map[string]any{"sent": true}, outcomeCompleted, ""); err != nil {
		return nil, err
	}
	return func() {
		o.bus.Publish(ctx, "notification.send", payload)
		if o.hooks != nil {
			o.hooks.EmitStepCompleted(ctx, run, step.Name, 0)
		}
	}, nil
}

// execCondition routes the run by the first matching branch predicate,
// falling through to nextSteps[0] when none match.
func (o *Orchestrator) execCondition(ctx context.Context, run *workflow.Run, tpl *template.Template, step *template.Step) (func(), error) {
	evalCtx := interpCtx(run)
	next := ""
	matched := ""
	for _, branch := range step.Conditions {
		if branch.Eval(evalCtx, o.logger) {
			next = branch.NextStep
			matched = branch.Field
			break
		}
	}
	result := map[string]any{"matched": matched != "", "field": matched}
	if err := o.advanceLocked(ctx, run, tpl, step, result, outcomeCompleted, next); err != nil {
		return nil, err
	}
	return func() {
		if o.hooks != nil {
			o.hooks.EmitStepCompleted(ctx, run, step.Name, 0)
		}
	}, nil
}

// ──────────────────────────────────────────────────
// Asynchronous executors
// ──────────────────────────────────────────────────

// execModuleTask delegates the step to an external module and parks the
// run at the step until a completion event or timeout.
func (o *Orchestrator) execModuleTask(ctx context.Context, run *workflow.Run, step *template.Step) (func(), error) {
	timeout := step.Timeout()
	if timeout == 0 {
		timeout = o.cfg.DefaultStepTimeout
	}
	if timeout > 0 {
		deadline := time.Now().UTC().Add(timeout)
		run.StepDeadline = &deadline
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("knoxpro: persist run %s before dispatch: %w", run.ID, err)
	}

	module := step.Module
	if module == "" {
		module, _ = step.Config["module"].(string)
	}
	payload := map[string]any{
		"workflowRunId": run.ID.String(),
		"stepId":        step.ID,
		"config":        template.InterpolateMap(step.Config, interpCtx(run)),
		"data":          run.Context.Data,
		"variables":     run.Context.Variables,
	}
	runID, stepID := run.ID, step.ID

	return func() {
		if timeout > 0 {
			o.armTimer(runID, stepID, timeout, func() {
				o.onStepTimeout(context.Background(), runID, stepID)
			})
		}
		o.bus.Publish(ctx, module+".task.execute", payload)
	}, nil
}

// execApproval publishes an approval request and parks the run until
// approval.granted/approval.rejected or the timeout's default action.
func (o *Orchestrator) execApproval(ctx context.Context, run *workflow.Run, step *template.Step) (func(), error) {
	timeout := step.Timeout()
	if timeout > 0 {
		deadline := time.Now().UTC().Add(timeout)
		run.StepDeadline = &deadline
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("knoxpro: persist run %s before approval: %w", run.ID, err)
	}

	payload := template.InterpolateMap(step.Config, interpCtx(run))
	payload["workflowRunId"] = run.ID.String()
	payload["stepId"] = step.ID
	runID, stepID := run.ID, step.ID

	return func() {
		if timeout > 0 {
			o.armTimer(runID, stepID, timeout, func() {
				o.onStepTimeout(context.Background(), runID, stepID)
			})
		}
		o.bus.Publish(ctx, "approval.request", payload)
	}, nil
}

// execManual publishes manual.task.created and waits indefinitely for
// an external completion signal.
func (o *Orchestrator) execManual(ctx context.Context, run *workflow.Run, step *template.Step) (func(), error) {
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("knoxpro: persist run %s before manual task: %w", run.ID, err)
	}

	payload := template.InterpolateMap(step.Config, interpCtx(run))
	payload["workflowRunId"] = run.ID.String()
	payload["stepId"] = step.ID
	return func() {
		o.bus.Publish(ctx, "manual.task.created", payload)
	}, nil
}

// execDelay parks the run in waiting until the resolved resume time.
// Short delays are also armed on an in-process timer; the sweep covers
// long delays and restarts. A delay that is already due completes in
// place without the waiting transition.
func (o *Orchestrator) execDelay(ctx context.Context, run *workflow.Run, tpl *template.Template, step *template.Step) (func(), error) {
	resumeAt, err := resolveDelay(run, step)
	if err != nil {
		return nil, err
	}

	if !resumeAt.After(time.Now().UTC()) {
		if err := o.advanceLocked(ctx, run, tpl, step, map[string]any{"delayed": true}, outcomeCompleted, ""); err != nil {
			return nil, err
		}
		return func() {
			if o.hooks != nil {
				o.hooks.EmitStepCompleted(ctx, run, step.Name, 0)
			}
		}, nil
	}

	run.Status = workflow.StatusWaiting
	run.ResumeAt = &resumeAt
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("knoxpro: persist waiting run %s: %w", run.ID, err)
	}
	o.appendLog(ctx, run.ID, step.ID, workflow.LogPaused,
		fmt.Sprintf("waiting until %s", resumeAt.Format(time.RFC3339)), nil)

	d := time.Until(resumeAt)
	if d > o.cfg.SweepInterval {
		return nil, nil
	}
	if d < 0 {
		d = 0
	}
	runID := run.ID
	return func() {
		o.armTimer(runID, step.ID, d, func() {
			o.resumeDueRun(context.Background(), runID)
		})
	}, nil
}

// resolveDelay computes the absolute resume time from either a relative
// offset ("delaySeconds", with "seconds" as a legacy alias) or an
// interpolated RFC 3339 date field ("until").
func resolveDelay(run *workflow.Run, step *template.Step) (time.Time, error) {
	if raw, ok := step.Config["until"].(string); ok && raw != "" {
		resolved := template.Interpolate(raw, interpCtx(run))
		s, ok := resolved.(string)
		if !ok {
			return time.Time{}, fmt.Errorf("knoxpro: delay step %s: until resolved to %T", step.ID, resolved)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("knoxpro: delay step %s: parse until: %w", step.ID, err)
		}
		return t.UTC(), nil
	}

	raw, ok := step.Config["delaySeconds"]
	if !ok {
		raw = step.Config["seconds"]
	}
	seconds, ok := toSeconds(raw)
	if !ok {
		return time.Time{}, fmt.Errorf("knoxpro: delay step %s: no delaySeconds or until in config", step.ID)
	}
	return time.Now().UTC().Add(time.Duration(seconds * float64(time.Second))), nil
}

func toSeconds(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ──────────────────────────────────────────────────
// Parallel fan-out
// ──────────────────────────────────────────────────

// execParallel fans out into the branch chains named by config "steps",
// joins when all branches finish, then advances past the parallel step.
// The join runs in a background goroutine so the dispatching handler is
// not blocked on long branches.
func (o *Orchestrator) execParallel(ctx context.Context, run *workflow.Run, tpl *template.Template, step *template.Step) (func(), error) {
	branchIDs := branchRoots(step)
	if len(branchIDs) == 0 {
		return nil, fmt.Errorf("knoxpro: parallel step %s: no branch steps configured", step.ID)
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("knoxpro: persist run %s before fan-out: %w", run.ID, err)
	}

	// Branches execute against a snapshot; their history and variable
	// writes are merged at the join.
	snapshot := *run
	snapshot.Context = run.Context.Clone()

	return func() {
		go o.joinParallel(&snapshot, tpl, step, branchIDs)
	}, nil
}

func branchRoots(step *template.Step) []string {
	raw, ok := step.Config["steps"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// joinParallel runs every branch chain concurrently, waits for all of
// them, merges their effects into the run, and advances.
func (o *Orchestrator) joinParallel(snapshot *workflow.Run, tpl *template.Template, step *template.Step, branchIDs []string) {
	ctx := o.baseCtx

	type branchOut struct {
		history   []workflow.HistoryEntry
		variables map[string]any
	}
	outs := make([]branchOut, len(branchIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, rootID := range branchIDs {
		g.Go(func() error {
			history, vars, err := o.runBranch(gctx, snapshot, tpl, rootID)
			outs[i] = branchOut{history: history, variables: vars}
			return err
		})
	}
	err := g.Wait()

	if err != nil {
		if o.baseCtx.Err() != nil {
			// Shutdown: leave the run parked for the recovery pass.
			return
		}
		o.failCurrentStep(ctx, snapshot.ID, step.ID, fmt.Errorf("knoxpro: parallel step %s: %w", step.ID, err))
		return
	}

	// Merge branch effects under the run lock via the normal completion
	// path: history entries first, then the step's own completion.
	l := o.runLock(snapshot.ID)
	l.Lock()
	run, loadErr := o.store.GetRun(ctx, snapshot.ID)
	if loadErr != nil || run.Status != workflow.StatusRunning || run.CurrentStepID != step.ID {
		l.Unlock()
		return
	}
	for _, out := range outs {
		run.Context.History = append(run.Context.History, out.history...)
		for k, v := range out.variables {
			run.Context.Variables[k] = v
		}
	}
	if persistErr := o.store.UpdateRun(ctx, run); persistErr != nil {
		o.logger.Error("persist parallel join failed",
			slog.String("run_id", run.ID.String()),
			slog.String("error", persistErr.Error()),
		)
	}
	l.Unlock()

	o.completeCurrentStep(ctx, snapshot.ID, step.ID,
		map[string]any{"branches": len(branchIDs)}, outcomeCompleted)
}

// runBranch executes one branch chain of a parallel step. Asynchronous
// steps inside a branch are awaited through the waiter registry instead
// of the run state machine.
func (o *Orchestrator) runBranch(ctx context.Context, run *workflow.Run, tpl *template.Template, rootID string) ([]workflow.HistoryEntry, map[string]any, error) {
	var history []workflow.HistoryEntry
	vars := make(map[string]any)

	stepID := rootID
	for stepID != "" {
		step := tpl.Step(stepID)
		if step == nil {
			return history, vars, fmt.Errorf("branch step %q not found", stepID)
		}

		result, next, err := o.execBranchStep(ctx, run, step)
		if err != nil {
			return history, vars, err
		}

		history = append(history, workflow.HistoryEntry{
			StepID:   step.ID,
			StepName: step.Name,
			Outcome:  outcomeCompleted,
			Result:   result,
			At:       time.Now().UTC(),
		})
		if outVar, ok := step.Config["outputVariable"].(string); ok && outVar != "" {
			vars[outVar] = result
		}

		if next == "" && len(step.NextSteps) > 0 {
			next = step.NextSteps[0]
		}
		stepID = next
	}
	return history, vars, nil
}

// execBranchStep executes a single step inside a parallel branch and
// returns its result and an explicit next-step override (conditions).
func (o *Orchestrator) execBranchStep(ctx context.Context, run *workflow.Run, step *template.Step) (map[string]any, string, error) {
	switch step.Type {
	case template.StepNotification:
		payload := template.InterpolateMap(step.Config, interpCtx(run))
		payload["workflowRunId"] = run.ID.String()
		payload["stepId"] = step.ID
		o.bus.Publish(ctx, "notification.send", payload)
		return map[string]any{"sent": true}, "", nil

	case template.StepCondition:
		evalCtx := interpCtx(run)
		for _, branch := range step.Conditions {
			if branch.Eval(evalCtx, o.logger) {
				return map[string]any{"matched": true}, branch.NextStep, nil
			}
		}
		return map[string]any{"matched": false}, "", nil

	case template.StepDelay:
		resumeAt, err := resolveDelay(run, step)
		if err != nil {
			return nil, "", err
		}
		select {
		case <-time.After(time.Until(resumeAt)):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
		return map[string]any{"delayed": true}, "", nil

	case template.StepModuleTask, template.StepApproval, template.StepManual:
		return o.awaitBranchStep(ctx, run, step)

	default:
		return nil, "", fmt.Errorf("step %s: type %q not supported in parallel branches", step.ID, step.Type)
	}
}

// awaitBranchStep publishes the step's outbound event and blocks on the
// waiter registry until a completion event or timeout.
func (o *Orchestrator) awaitBranchStep(ctx context.Context, run *workflow.Run, step *template.Step) (map[string]any, string, error) {
	ch := o.registerWaiter(run.ID, step.ID)
	defer o.dropWaiter(run.ID, step.ID)

	payload := template.InterpolateMap(step.Config, interpCtx(run))
	payload["workflowRunId"] = run.ID.String()
	payload["stepId"] = step.ID

	switch step.Type {
	case template.StepApproval:
		o.bus.Publish(ctx, "approval.request", payload)
	case template.StepManual:
		o.bus.Publish(ctx, "manual.task.created", payload)
	default:
		module := step.Module
		if module == "" {
			module, _ = step.Config["module"].(string)
		}
		o.bus.Publish(ctx, module+".task.execute", map[string]any{
			"workflowRunId": run.ID.String(),
			"stepId":        step.ID,
			"config":        payload,
			"data":          run.Context.Data,
			"variables":     run.Context.Variables,
		})
	}

	timeout := step.Timeout()
	if timeout == 0 {
		timeout = o.cfg.DefaultStepTimeout
	}
	var expire <-chan time.Time
	if timeout > 0 && step.Type != template.StepManual {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case sig := <-ch:
		return sig.result, "", sig.err
	case <-expire:
		return nil, "", fmt.Errorf("step %s: %w", step.ID, errStepTimeout)
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// ──────────────────────────────────────────────────
// Advancement
// ──────────────────────────────────────────────────

// advanceLocked records a step outcome and moves the run pointer. The
// caller must hold the run lock. When no next step exists the run is
// completed in place; the caller publishes the completion event after
// releasing the lock (see finishRun).
func (o *Orchestrator) advanceLocked(ctx context.Context, run *workflow.Run, tpl *template.Template, step *template.Step, result map[string]any, outcome, nextOverride string) error {
	run.Context.History = append(run.Context.History, workflow.HistoryEntry{
		StepID:   step.ID,
		StepName: step.Name,
		Outcome:  outcome,
		Result:   result,
		At:       time.Now().UTC(),
	})
	if outVar, ok := step.Config["outputVariable"].(string); ok && outVar != "" {
		if run.Context.Variables == nil {
			run.Context.Variables = make(map[string]any)
		}
		run.Context.Variables[outVar] = result
	}

	next := nextOverride
	if next == "" && len(step.NextSteps) > 0 {
		next = step.NextSteps[0]
	}

	run.Attempts = 0
	run.StepDeadline = nil
	run.ResumeAt = nil
	run.Progress = progressOf(run, tpl)

	logType := workflow.LogStepCompleted
	if outcome == outcomeSkipped {
		logType = workflow.LogStepSkipped
	}
	o.appendLog(ctx, run.ID, step.ID, logType, fmt.Sprintf("step %s %s", step.ID, outcome), result)

	if next == "" {
		now := time.Now().UTC()
		run.Status = workflow.StatusCompleted
		run.CurrentStepID = ""
		run.CompletedAt = &now
		run.Progress = 100
	} else {
		if tpl.Step(next) == nil {
			return fmt.Errorf("knoxpro: run %s: next step %q not in template %s", run.ID, next, tpl.Name)
		}
		run.Status = workflow.StatusRunning
		run.CurrentStepID = next
	}

	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("knoxpro: persist run %s after step %s: %w", run.ID, step.ID, err)
	}
	return nil
}

// progressOf computes the completed-step percentage for a run.
func progressOf(run *workflow.Run, tpl *template.Template) int {
	total := len(tpl.DSL.Steps)
	if total == 0 {
		return 0
	}
	seen := make(map[string]struct{})
	for _, h := range run.Context.History {
		if h.Outcome == outcomeCompleted || h.Outcome == outcomeSkipped || h.Outcome == outcomeTimeout {
			seen[h.StepID] = struct{}{}
		}
	}
	pct := len(seen) * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// drive executes synchronous steps until the run parks on an
// asynchronous step, waits, or terminates.
func (o *Orchestrator) drive(ctx context.Context, runID id.RunID) {
	for {
		l := o.runLock(runID)
		l.Lock()

		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			l.Unlock()
			o.logger.Error("drive: load run failed",
				slog.String("run_id", runID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		if run.Status != workflow.StatusRunning || run.CurrentStepID == "" {
			completed := run.Status == workflow.StatusCompleted
			l.Unlock()
			if completed {
				o.finishRun(ctx, run)
			}
			return
		}

		tpl, err := o.templateFor(run)
		if err != nil {
			l.Unlock()
			o.logger.Error("drive: template lookup failed",
				slog.String("run_id", runID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		step := tpl.Step(run.CurrentStepID)
		if step == nil {
			l.Unlock()
			o.failCurrentStep(ctx, runID, run.CurrentStepID,
				fmt.Errorf("knoxpro: step %q not in template %s: %w", run.CurrentStepID, tpl.Name, knoxpro.ErrStepNotFound))
			return
		}

		post, execErr := o.executeStep(ctx, run, tpl, step)
		l.Unlock()

		if execErr != nil {
			o.failCurrentStep(ctx, runID, step.ID, execErr)
			return
		}
		if post != nil {
			post()
		}

		switch step.Type {
		case template.StepNotification, template.StepCondition, template.StepDelay:
			// Advanced inline; loop to the next step. A delay that
			// parked the run in waiting falls out at the top of the
			// loop on the status check.
			continue
		default:
			// Parked on an async step.
			return
		}
	}
}

// finishRun publishes terminal-run side effects after the terminal
// state has been persisted. Safe to call once per terminal transition.
func (o *Orchestrator) finishRun(ctx context.Context, run *workflow.Run) {
	elapsed := time.Since(run.StartedAt)

	switch run.Status {
	case workflow.StatusCompleted:
		o.appendLog(ctx, run.ID, "", workflow.LogCompleted, "run completed", nil)
		if o.hooks != nil {
			o.hooks.EmitRunCompleted(ctx, run, elapsed)
		}
	case workflow.StatusFailed:
		o.appendLog(ctx, run.ID, "", workflow.LogFailed, run.Error, nil)
		if o.hooks != nil {
			o.hooks.EmitRunFailed(ctx, run, errors.New(run.Error))
		}
	case workflow.StatusCancelled:
		o.appendLog(ctx, run.ID, "", workflow.LogCancelled, "run cancelled", nil)
		if o.hooks != nil {
			o.hooks.EmitRunCancelled(ctx, run)
		}
	}

	o.logger.Info("run finished",
		slog.String("run_id", run.ID.String()),
		slog.String("template", run.TemplateName),
		slog.String("status", string(run.Status)),
		slog.Duration("elapsed", elapsed),
	)

	o.bus.Publish(ctx, "workflow.completed", map[string]any{
		"workflowRunId": run.ID.String(),
		"templateId":    run.TemplateID.String(),
		"status":        string(run.Status),
		"data":          run.Context.Data,
		"variables":     run.Context.Variables,
		"history":       run.Context.History,
	})
	o.forget(run.ID)
}

// ──────────────────────────────────────────────────
// Completion and failure entry points
// ──────────────────────────────────────────────────

// completeCurrentStep resolves the run's current asynchronous step with
// a result and keeps driving. It is idempotent: stale completions (the
// run moved on, or terminated) are no-ops.
func (o *Orchestrator) completeCurrentStep(ctx context.Context, runID id.RunID, stepID string, result map[string]any, outcome string) {
	o.disarmTimer(runID, stepID)

	l := o.runLock(runID)
	l.Lock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		l.Unlock()
		o.logger.Warn("step completion for unknown run",
			slog.String("run_id", runID.String()),
			slog.String("step_id", stepID),
		)
		return
	}
	if run.Status.Terminal() || run.Status == workflow.StatusPaused || run.CurrentStepID != stepID {
		l.Unlock()
		o.logger.Debug("ignoring stale step completion",
			slog.String("run_id", runID.String()),
			slog.String("step_id", stepID),
			slog.String("status", string(run.Status)),
			slog.String("current_step", run.CurrentStepID),
		)
		return
	}
	tpl, err := o.templateFor(run)
	if err != nil {
		l.Unlock()
		o.logger.Error("step completion: template lookup failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	step := tpl.Step(stepID)
	if step == nil {
		l.Unlock()
		return
	}

	// A run waiting on a delay resumes through the completion path too.
	run.Status = workflow.StatusRunning
	advErr := o.advanceLocked(ctx, run, tpl, step, result, outcome, "")
	l.Unlock()

	if advErr != nil {
		o.failCurrentStep(ctx, runID, stepID, advErr)
		return
	}
	if o.hooks != nil {
		o.hooks.EmitStepCompleted(ctx, run, step.Name, 0)
	}
	o.drive(ctx, runID)
}

// failCurrentStep applies the retry policy to a step failure: under the
// step's retry bound the step is re-dispatched after a backoff delay;
// at the bound the run fails terminally.
func (o *Orchestrator) failCurrentStep(ctx context.Context, runID id.RunID, stepID string, stepErr error) {
	o.disarmTimer(runID, stepID)

	l := o.runLock(runID)
	l.Lock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		l.Unlock()
		return
	}
	if run.Status.Terminal() || run.Status == workflow.StatusPaused || run.CurrentStepID != stepID {
		l.Unlock()
		return
	}
	tpl, tplErr := o.templateFor(run)
	var retryCount int
	var stepName string
	if tplErr == nil {
		if step := tpl.Step(stepID); step != nil {
			retryCount = step.RetryCount
			stepName = step.Name
		}
	}

	run.Attempts++
	attempt := run.Attempts

	logMeta := map[string]any{"attempt": attempt, "error": stepErr.Error()}
	isTimeout := errors.Is(stepErr, errStepTimeout)
	if isTimeout {
		o.appendLog(ctx, run.ID, stepID, workflow.LogTimeout, stepErr.Error(), logMeta)
	} else {
		o.appendLog(ctx, run.ID, stepID, workflow.LogStepFailed, stepErr.Error(), logMeta)
	}

	if attempt <= retryCount {
		run.Status = workflow.StatusRunning
		run.StepDeadline = nil
		if err := o.store.UpdateRun(ctx, run); err != nil {
			o.logger.Error("persist retry state failed",
				slog.String("run_id", runID.String()),
				slog.String("error", err.Error()),
			)
		}
		l.Unlock()

		delay := o.backoff.Delay(attempt)
		o.logger.Warn("step failed, retrying",
			slog.String("run_id", runID.String()),
			slog.String("step_id", stepID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", stepErr.Error()),
		)
		o.armTimer(runID, stepID, delay, func() {
			o.retryStep(context.Background(), runID, stepID)
		})
		return
	}

	now := time.Now().UTC()
	run.Status = workflow.StatusFailed
	run.Error = stepErr.Error()
	run.CompletedAt = &now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.Error("persist failed run failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
	l.Unlock()

	if o.hooks != nil {
		o.hooks.EmitStepFailed(ctx, run, stepName, stepErr)
	}
	o.finishRun(ctx, run)
}

// retryStep re-dispatches the run's current step after a retry delay.
// Idempotent: a run that moved on or terminated is left alone.
func (o *Orchestrator) retryStep(ctx context.Context, runID id.RunID, stepID string) {
	l := o.runLock(runID)
	l.Lock()
	run, err := o.store.GetRun(ctx, runID)
	if err != nil || run.Status != workflow.StatusRunning || run.CurrentStepID != stepID {
		l.Unlock()
		return
	}
	l.Unlock()
	o.drive(ctx, runID)
}

// onStepTimeout enforces a step deadline. Approval steps resolve via
// their configured default action; other steps fail with a timeout
// error subject to the retry policy.
func (o *Orchestrator) onStepTimeout(ctx context.Context, runID id.RunID, stepID string) {
	l := o.runLock(runID)
	l.Lock()
	run, err := o.store.GetRun(ctx, runID)
	if err != nil || run.Status.Terminal() || run.CurrentStepID != stepID {
		l.Unlock()
		return
	}
	tpl, tplErr := o.templateFor(run)
	l.Unlock()
	if tplErr != nil {
		return
	}
	step := tpl.Step(stepID)
	if step == nil {
		return
	}

	if step.Type == template.StepApproval {
		switch timeoutAction(step) {
		case "approve":
			o.completeCurrentStep(ctx, runID, stepID,
				map[string]any{"approved": true, "timeout": true}, outcomeTimeout)
			return
		case "reject":
			o.completeCurrentStep(ctx, runID, stepID,
				map[string]any{"approved": false, "timeout": true}, outcomeTimeout)
			return
		}
	}
	o.failCurrentStep(ctx, runID, stepID, fmt.Errorf("step %s: %w", stepID, errStepTimeout))
}

// timeoutAction returns the approval step's configured default action
// (approve, reject, or fail). Absent config fails the step.
func timeoutAction(step *template.Step) string {
	for _, key := range []string{"timeoutAction", "onTimeout", "default"} {
		if v, ok := step.Config[key].(string); ok && v != "" {
			return v
		}
	}
	return "fail"
}

// resumeDueRun moves a waiting run whose ResumeAt has arrived back to
// running and advances past its delay step. Idempotent.
func (o *Orchestrator) resumeDueRun(ctx context.Context, runID id.RunID) {
	l := o.runLock(runID)
	l.Lock()
	run, err := o.store.GetRun(ctx, runID)
	if err != nil || run.Status != workflow.StatusWaiting {
		l.Unlock()
		return
	}
	if run.ResumeAt == nil || run.ResumeAt.After(time.Now().UTC()) {
		l.Unlock()
		return
	}
	stepID := run.CurrentStepID
	l.Unlock()

	o.appendLog(ctx, runID, stepID, workflow.LogResumed, "delay elapsed", nil)
	o.completeCurrentStep(ctx, runID, stepID, map[string]any{"delayed": true}, outcomeCompleted)
}
