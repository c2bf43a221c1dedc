package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Pause suspends a running or waiting run. The run keeps its current
// step pointer; Resume re-dispatches from there.
func (o *Orchestrator) Pause(ctx context.Context, runID id.RunID) error {
	l := o.runLock(runID)
	l.Lock()
	defer l.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case workflow.StatusRunning, workflow.StatusWaiting:
	default:
		return fmt.Errorf("knoxpro: pause run %s in status %s: %w", runID, run.Status, knoxpro.ErrInvalidTransition)
	}

	run.Status = workflow.StatusPaused
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("knoxpro: persist paused run %s: %w", runID, err)
	}
	o.disarmTimer(runID, run.CurrentStepID)
	o.appendLog(ctx, runID, run.CurrentStepID, workflow.LogPaused, "run paused", nil)
	o.logger.Info("run paused",
		slog.String("run_id", runID.String()),
		slog.String("step_id", run.CurrentStepID),
	)
	return nil
}

// Resume moves a paused or waiting run back to running. A paused run
// re-dispatches its current step; a run waiting on a delay wakes early
// and advances past it.
func (o *Orchestrator) Resume(ctx context.Context, runID id.RunID) error {
	l := o.runLock(runID)
	l.Lock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		l.Unlock()
		return err
	}
	if !run.Status.Resumable() {
		l.Unlock()
		return fmt.Errorf("knoxpro: resume run %s in status %s: %w", runID, run.Status, knoxpro.ErrInvalidTransition)
	}
	waking := run.Status == workflow.StatusWaiting

	run.Status = workflow.StatusRunning
	run.ResumeAt = nil
	if err := o.store.UpdateRun(ctx, run); err != nil {
		l.Unlock()
		return fmt.Errorf("knoxpro: persist resumed run %s: %w", runID, err)
	}
	stepID := run.CurrentStepID
	l.Unlock()

	o.disarmTimer(runID, stepID)
	o.appendLog(ctx, runID, stepID, workflow.LogResumed, "run resumed", nil)
	o.logger.Info("run resumed",
		slog.String("run_id", runID.String()),
		slog.String("step_id", stepID),
	)
	if waking {
		o.completeCurrentStep(ctx, runID, stepID, map[string]any{"delayed": true, "resumed": true}, outcomeCompleted)
		return nil
	}
	o.drive(ctx, runID)
	return nil
}

// Cancel terminates a non-terminal run.
func (o *Orchestrator) Cancel(ctx context.Context, runID id.RunID, reason string) error {
	l := o.runLock(runID)
	l.Lock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		l.Unlock()
		return err
	}
	if run.Status.Terminal() {
		l.Unlock()
		return fmt.Errorf("knoxpro: cancel run %s in status %s: %w", runID, run.Status, knoxpro.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	run.Status = workflow.StatusCancelled
	run.CompletedAt = &now
	if reason != "" {
		run.Error = reason
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		l.Unlock()
		return fmt.Errorf("knoxpro: persist cancelled run %s: %w", runID, err)
	}
	o.disarmTimer(runID, run.CurrentStepID)
	l.Unlock()

	o.finishRun(ctx, run)
	return nil
}

// SkipStep records the run's current step as skipped and advances past
// it, ignoring the step's normal completion contract. Operator tool.
func (o *Orchestrator) SkipStep(ctx context.Context, runID id.RunID) error {
	l := o.runLock(runID)
	l.Lock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		l.Unlock()
		return err
	}
	switch run.Status {
	case workflow.StatusRunning, workflow.StatusWaiting, workflow.StatusPaused:
	default:
		l.Unlock()
		return fmt.Errorf("knoxpro: skip step on run %s in status %s: %w", runID, run.Status, knoxpro.ErrInvalidTransition)
	}
	tpl, err := o.templateFor(run)
	if err != nil {
		l.Unlock()
		return err
	}
	step := tpl.Step(run.CurrentStepID)
	if step == nil {
		l.Unlock()
		return fmt.Errorf("knoxpro: run %s current step %q: %w", runID, run.CurrentStepID, knoxpro.ErrStepNotFound)
	}

	o.disarmTimer(runID, step.ID)
	run.Status = workflow.StatusRunning
	advErr := o.advanceLocked(ctx, run, tpl, step, map[string]any{"skipped": true}, outcomeSkipped, "")
	l.Unlock()

	if advErr != nil {
		return advErr
	}
	o.logger.Info("step skipped",
		slog.String("run_id", runID.String()),
		slog.String("step_id", step.ID),
	)
	o.drive(ctx, runID)
	return nil
}

// Stats is a point-in-time snapshot of the orchestrator's run counts
// and sweep state.
type Stats struct {
	Running   int        `json:"running"`
	Paused    int        `json:"paused"`
	Waiting   int        `json:"waiting"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Cancelled int        `json:"cancelled"`
	LastSweep *time.Time `json:"last_sweep,omitempty"`
}

// Stats counts runs by status from the store.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	counts := []struct {
		status workflow.Status
		dst    *int
	}{
		{workflow.StatusRunning, &out.Running},
		{workflow.StatusPaused, &out.Paused},
		{workflow.StatusWaiting, &out.Waiting},
		{workflow.StatusCompleted, &out.Completed},
		{workflow.StatusFailed, &out.Failed},
		{workflow.StatusCancelled, &out.Cancelled},
	}
	for _, c := range counts {
		runs, err := o.store.ListRuns(ctx, workflow.ListOpts{Status: c.status})
		if err != nil {
			return Stats{}, fmt.Errorf("knoxpro: stats: %w", err)
		}
		*c.dst = len(runs)
	}

	o.mu.Lock()
	if !o.lastSweep.IsZero() {
		t := o.lastSweep
		out.LastSweep = &t
	}
	o.mu.Unlock()
	return out, nil
}

// Health reports whether the orchestrator's dependencies are usable and
// surfaces recovery errors from the last restart.
type Health struct {
	Healthy        bool       `json:"healthy"`
	StoreError     string     `json:"store_error,omitempty"`
	RecoveryErrors []string   `json:"recovery_errors,omitempty"`
	LastSweep      *time.Time `json:"last_sweep,omitempty"`
}

// CheckHealth pings the store and reports recovery state.
func (o *Orchestrator) CheckHealth(ctx context.Context) Health {
	h := Health{Healthy: true}

	if p, ok := o.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			h.Healthy = false
			h.StoreError = err.Error()
		}
	}

	o.mu.Lock()
	if len(o.recoveryErrors) > 0 {
		h.RecoveryErrors = append([]string(nil), o.recoveryErrors...)
	}
	if !o.lastSweep.IsZero() {
		t := o.lastSweep
		h.LastSweep = &t
	}
	o.mu.Unlock()
	return h
}
