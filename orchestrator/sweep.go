package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Sweep scans persisted runs for work the event flow missed: waiting
// runs whose resume time has arrived and running runs whose current
// step blew its deadline. Timers handle the common case in-process; the
// sweep is the durable safety net, and every action it takes is
// idempotent.
func (o *Orchestrator) Sweep(ctx context.Context) (resumed, timedOut int, err error) {
	now := time.Now().UTC()

	waiting, err := o.store.ListRuns(ctx, workflow.ListOpts{Status: workflow.StatusWaiting})
	if err != nil {
		return 0, 0, fmt.Errorf("knoxpro: sweep: list waiting runs: %w", err)
	}
	for _, run := range waiting {
		if run.ResumeAt == nil || run.ResumeAt.After(now) {
			continue
		}
		o.resumeDueRun(ctx, run.ID)
		resumed++
	}

	running, err := o.store.ListRuns(ctx, workflow.ListOpts{Status: workflow.StatusRunning})
	if err != nil {
		return resumed, 0, fmt.Errorf("knoxpro: sweep: list running runs: %w", err)
	}
	for _, run := range running {
		if run.StepDeadline == nil || run.StepDeadline.After(now) {
			continue
		}
		o.onStepTimeout(ctx, run.ID, run.CurrentStepID)
		timedOut++
	}

	o.mu.Lock()
	o.lastSweep = now
	o.mu.Unlock()

	if resumed > 0 || timedOut > 0 {
		o.logger.Info("sweep pass",
			slog.Int("resumed", resumed),
			slog.Int("timed_out", timedOut),
		)
	}
	if o.hooks != nil {
		o.hooks.EmitSweepPass(ctx, resumed, timedOut)
	}
	return resumed, timedOut, nil
}

// RunSweepLoop runs the sweep on the configured interval until the
// context is cancelled. One immediate pass runs before the first tick.
func (o *Orchestrator) RunSweepLoop(ctx context.Context) {
	interval := o.cfg.SweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	if _, _, err := o.Sweep(ctx); err != nil {
		o.logger.Error("sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := o.Sweep(ctx); err != nil {
				o.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Recover reloads every non-terminal run from the store after a restart
// and puts it back in motion: running runs get their current step
// re-dispatched, waiting and paused runs get their templates re-cached
// so later events find them. Per-run failures are collected for the
// health surface rather than aborting the pass.
func (o *Orchestrator) Recover(ctx context.Context) error {
	var recovered int
	var failures []string

	for _, status := range []workflow.Status{
		workflow.StatusRunning,
		workflow.StatusWaiting,
		workflow.StatusPaused,
	} {
		runs, err := o.store.ListRuns(ctx, workflow.ListOpts{Status: status})
		if err != nil {
			return fmt.Errorf("knoxpro: recover: list %s runs: %w", status, err)
		}
		for _, run := range runs {
			if err := o.recoverRun(ctx, run); err != nil {
				failures = append(failures, fmt.Sprintf("run %s: %v", run.ID, err))
				o.logger.Error("run recovery failed",
					slog.String("run_id", run.ID.String()),
					slog.String("template", run.TemplateName),
					slog.String("error", err.Error()),
				)
				continue
			}
			recovered++
		}
	}

	o.mu.Lock()
	o.recoveryErrors = failures
	o.mu.Unlock()

	if recovered > 0 || len(failures) > 0 {
		o.logger.Info("recovery pass complete",
			slog.Int("recovered", recovered),
			slog.Int("failed", len(failures)),
		)
	}
	return nil
}

// recoverRun restores one persisted run. The template comes from the
// store since the in-memory cache died with the previous process.
func (o *Orchestrator) recoverRun(ctx context.Context, run *workflow.Run) error {
	tpl, err := o.templateFor(run)
	if err != nil {
		return err
	}

	o.appendLog(ctx, run.ID, run.CurrentStepID, workflow.LogRecovery,
		fmt.Sprintf("run recovered in status %s", run.Status), map[string]any{
			"step_id": run.CurrentStepID,
		})

	switch run.Status {
	case workflow.StatusRunning:
		if run.CurrentStepID == "" {
			return fmt.Errorf("running run has no current step")
		}
		if tpl.Step(run.CurrentStepID) == nil {
			return fmt.Errorf("step %q not in template %s", run.CurrentStepID, tpl.Name)
		}
		// Re-dispatch the current step. Module consumers must treat a
		// duplicate execute event for the same run and step as a no-op.
		o.drive(ctx, run.ID)

	case workflow.StatusWaiting:
		if run.ResumeAt != nil && !run.ResumeAt.After(time.Now().UTC()) {
			o.resumeDueRun(ctx, run.ID)
		}

	case workflow.StatusPaused:
		// Nothing to do until an operator resumes it.
	}
	return nil
}

// startRetention schedules periodic deletion of old terminal runs and
// their logs. Disabled when RetentionAge is zero.
func (o *Orchestrator) startRetention() {
	if o.cfg.RetentionAge <= 0 {
		return
	}

	c := cron.New()
	_, err := c.AddFunc(o.cfg.RetentionSchedule, func() {
		o.runRetention(context.Background())
	})
	if err != nil {
		o.logger.Error("invalid retention schedule",
			slog.String("schedule", o.cfg.RetentionSchedule),
			slog.String("error", err.Error()),
		)
		return
	}
	c.Start()
	o.retention = c
	o.logger.Info("retention scheduled",
		slog.String("schedule", o.cfg.RetentionSchedule),
		slog.Duration("age", o.cfg.RetentionAge),
	)
}

// runRetention deletes terminal runs older than the retention age.
func (o *Orchestrator) runRetention(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.cfg.RetentionAge)
	deleted, err := o.store.DeleteRunsOlderThan(ctx, cutoff, []workflow.Status{
		workflow.StatusCompleted,
		workflow.StatusFailed,
		workflow.StatusCancelled,
	})
	if err != nil {
		o.logger.Error("retention pass failed", slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		o.logger.Info("retention pass complete",
			slog.Int("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
	}
}
