package orchestrator_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/backoff"
	"github.com/yaser2us/knoxpro-sub000/bus"
	"github.com/yaser2us/knoxpro-sub000/ext"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/orchestrator"
	"github.com/yaser2us/knoxpro-sub000/store/memory"
	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

type fixture struct {
	bus   *bus.Bus
	store *memory.Store
	orch  *orchestrator.Orchestrator

	// mu guards the captured envelopes: timer goroutines publish too.
	mu        sync.Mutex
	completed []*bus.Envelope
	sent      []*bus.Envelope
}

func (f *fixture) completedEvents() []*bus.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*bus.Envelope(nil), f.completed...)
}

func (f *fixture) sentEvents() []*bus.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*bus.Envelope(nil), f.sent...)
}

// waitCompleted polls until n workflow.completed envelopes arrived.
func (f *fixture) waitCompleted(t *testing.T, n int) []*bus.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		evts := f.completedEvents()
		if len(evts) >= n {
			return evts
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow.completed count = %d, want %d", len(evts), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func setup(t *testing.T, opts ...orchestrator.Option) *fixture {
	t.Helper()

	s := memory.New()
	b := bus.New(slog.Default())
	f := &fixture{bus: b, store: s}

	b.Subscribe("workflow.completed", func(_ context.Context, evt *bus.Envelope) error {
		f.mu.Lock()
		f.completed = append(f.completed, evt)
		f.mu.Unlock()
		return nil
	})
	b.Subscribe("notification.send", func(_ context.Context, evt *bus.Envelope) error {
		f.mu.Lock()
		f.sent = append(f.sent, evt)
		f.mu.Unlock()
		return nil
	})

	opts = append([]orchestrator.Option{
		orchestrator.WithBackoff(backoff.NewFixed(time.Millisecond)),
	}, opts...)
	f.orch = orchestrator.New(b, s, opts...)
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.orch.Stop)
	return f
}

// grantModule wires a fake external module that answers
// access.task.execute synchronously.
func (f *fixture) grantModule(t *testing.T, result map[string]any, errMsg string) {
	t.Helper()
	f.bus.Subscribe("access.task.execute", func(ctx context.Context, evt *bus.Envelope) error {
		payload := map[string]any{
			"workflowRunId": evt.Payload["workflowRunId"],
			"stepId":        evt.Payload["stepId"],
		}
		if errMsg != "" {
			payload["error"] = errMsg
		} else {
			payload["result"] = result
		}
		f.bus.Publish(ctx, "access.task.completed", payload)
		return nil
	})
}

func (f *fixture) start(t *testing.T, tpl *template.Template, doc map[string]any) id.RunID {
	t.Helper()
	ctx := context.Background()
	if err := f.store.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	f.bus.Publish(ctx, "workflow.start", map[string]any{
		"template": tpl,
		"document": doc,
	})

	runs, err := f.store.ListRuns(ctx, workflow.ListOpts{})
	if err != nil || len(runs) == 0 {
		t.Fatalf("no run created: %v", err)
	}
	return runs[0].ID
}

func (f *fixture) run(t *testing.T, runID id.RunID) *workflow.Run {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

// waitForStatus polls the store until the run reaches the wanted
// status, failing the test after two seconds.
func (f *fixture) waitForStatus(t *testing.T, runID id.RunID, want workflow.Status) *workflow.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		run := f.run(t, runID)
		if run.Status == want {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s stuck in %s, want %s", runID, run.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func notifyTemplate(steps ...template.Step) *template.Template {
	return &template.Template{
		ID:       id.NewTemplateID(),
		Name:     "grant-access",
		Version:  1,
		IsActive: true,
		DSL: template.DSL{
			StartStep: steps[0].ID,
			Steps:     steps,
		},
	}
}

func TestOrchestrator_NotificationChainCompletes(t *testing.T) {
	t.Parallel()
	f := setup(t)

	tpl := notifyTemplate(
		template.Step{ID: "first", Type: template.StepNotification, NextSteps: []string{"second"}},
		template.Step{ID: "second", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.run(t, runID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
	if run.Progress != 100 {
		t.Errorf("Progress = %d, want 100", run.Progress)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if len(run.Context.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(run.Context.History))
	}
	if sent := f.sentEvents(); len(sent) != 2 {
		t.Errorf("notification.send count = %d, want 2", len(sent))
	}
	done := f.waitCompleted(t, 1)
	if got := done[0].Payload["status"]; got != "completed" {
		t.Errorf("completed status = %v", got)
	}
}

func TestOrchestrator_ModuleTaskRoundTrip(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.grantModule(t, map[string]any{"granted": true}, "")

	tpl := notifyTemplate(
		template.Step{
			ID: "check", Type: template.StepModuleTask, Module: "access",
			Config:    map[string]any{"outputVariable": "checkResult"},
			NextSteps: []string{"done"},
		},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.run(t, runID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
	out, ok := run.Context.Variables["checkResult"].(map[string]any)
	if !ok || out["granted"] != true {
		t.Errorf("checkResult = %v", run.Context.Variables["checkResult"])
	}
	if got := run.Context.History[0].Outcome; got != "completed" {
		t.Errorf("first history outcome = %s", got)
	}
}

func TestOrchestrator_RetryThenFail(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.grantModule(t, nil, "backend unavailable")

	tpl := notifyTemplate(
		template.Step{
			ID: "check", Type: template.StepModuleTask, Module: "access",
			RetryCount: 1,
		},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.waitForStatus(t, runID, workflow.StatusFailed)
	if run.Error == "" {
		t.Error("failed run has no error")
	}
	if run.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", run.Attempts)
	}

	logs, err := f.store.ListLogsByRun(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("ListLogsByRun: %v", err)
	}
	var stepFailed, runFailed int
	for _, entry := range logs {
		switch entry.Type {
		case workflow.LogStepFailed:
			stepFailed++
		case workflow.LogFailed:
			runFailed++
		}
	}
	if stepFailed != 2 {
		t.Errorf("step_failed entries = %d, want 2", stepFailed)
	}
	if runFailed != 1 {
		t.Errorf("failed entries = %d, want 1", runFailed)
	}
	done := f.waitCompleted(t, 1)
	if done[0].Payload["status"] != "failed" {
		t.Errorf("completed status = %v", done[0].Payload["status"])
	}
}

func TestOrchestrator_ConditionRouting(t *testing.T) {
	t.Parallel()
	f := setup(t)

	tpl := notifyTemplate(
		template.Step{
			ID: "route", Type: template.StepCondition,
			Conditions: []template.Branch{
				{Field: "priority", Operator: template.OpEquals, Value: "high", NextStep: "urgent"},
			},
			NextSteps: []string{"normal"},
		},
		template.Step{ID: "urgent", Type: template.StepNotification},
		template.Step{ID: "normal", Type: template.StepNotification},
	)

	runID := f.start(t, tpl, map[string]any{"id": "doc-1", "priority": "high"})
	run := f.run(t, runID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
	if got := run.Context.History[1].StepID; got != "urgent" {
		t.Errorf("routed to %s, want urgent", got)
	}

	// Fallthrough when no branch matches.
	f2 := setup(t)
	runID2 := f2.start(t, tpl, map[string]any{"id": "doc-2", "priority": "low"})
	run2 := f2.run(t, runID2)
	if got := run2.Context.History[1].StepID; got != "normal" {
		t.Errorf("routed to %s, want normal", got)
	}
}

func TestOrchestrator_ApprovalGrantAdvances(t *testing.T) {
	t.Parallel()
	f := setup(t)

	var requested []*bus.Envelope
	f.bus.Subscribe("approval.request", func(_ context.Context, evt *bus.Envelope) error {
		requested = append(requested, evt)
		return nil
	})

	tpl := notifyTemplate(
		template.Step{ID: "sign-off", Type: template.StepApproval, NextSteps: []string{"done"}},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	if len(requested) != 1 {
		t.Fatalf("approval.request count = %d, want 1", len(requested))
	}
	if f.run(t, runID).Status != workflow.StatusRunning {
		t.Fatal("run advanced before approval")
	}

	f.bus.Publish(context.Background(), "approval.granted", map[string]any{
		"workflowRunId": runID.String(),
		"stepId":        "sign-off",
		"approver":      "user-7",
	})

	run := f.run(t, runID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
	result := run.Context.History[0].Result
	if result["approved"] != true || result["approver"] != "user-7" {
		t.Errorf("approval result = %v", result)
	}
}

func TestOrchestrator_ApprovalRejectionStillAdvances(t *testing.T) {
	t.Parallel()
	f := setup(t)

	tpl := notifyTemplate(
		template.Step{
			ID: "sign-off", Type: template.StepApproval,
			NextSteps: []string{"route"},
		},
		template.Step{
			ID: "route", Type: template.StepCondition,
			Conditions: []template.Branch{
				{Field: "variables.decision.approved", Operator: template.OpEquals, Value: true, NextStep: "granted"},
			},
			NextSteps: []string{"denied"},
		},
		template.Step{ID: "granted", Type: template.StepNotification},
		template.Step{ID: "denied", Type: template.StepNotification},
	)
	tpl.DSL.Steps[0].Config = map[string]any{"outputVariable": "decision"}

	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})
	f.bus.Publish(context.Background(), "approval.rejected", map[string]any{
		"workflowRunId": runID.String(),
		"stepId":        "sign-off",
		"reason":        "missing signature",
	})

	run := f.run(t, runID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
	last := run.Context.History[len(run.Context.History)-1]
	if last.StepID != "denied" {
		t.Errorf("routed to %s, want denied", last.StepID)
	}
}

func TestOrchestrator_ApprovalTimeoutDefaultAction(t *testing.T) {
	t.Parallel()
	f := setup(t)

	tpl := notifyTemplate(
		template.Step{
			ID: "sign-off", Type: template.StepApproval,
			TimeoutSeconds: 1,
			Config:         map[string]any{"timeoutAction": "reject", "outputVariable": "decision"},
			NextSteps:      []string{"done"},
		},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.waitForStatus(t, runID, workflow.StatusCompleted)
	decision, ok := run.Context.Variables["decision"].(map[string]any)
	if !ok {
		t.Fatalf("decision variable = %v", run.Context.Variables["decision"])
	}
	if decision["approved"] != false || decision["timeout"] != true {
		t.Errorf("decision = %v", decision)
	}
	if got := run.Context.History[0].Outcome; got != "timeout" {
		t.Errorf("outcome = %s, want timeout", got)
	}
}

func TestOrchestrator_ModuleTaskTimeoutFailsAfterRetries(t *testing.T) {
	t.Parallel()
	cfg := knoxpro.DefaultConfig()
	cfg.DefaultStepTimeout = 50 * time.Millisecond
	f := setup(t, orchestrator.WithConfig(cfg))

	// No module answers access.task.execute, so the step can only time
	// out.
	tpl := notifyTemplate(
		template.Step{ID: "check", Type: template.StepModuleTask, Module: "access"},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.waitForStatus(t, runID, workflow.StatusFailed)
	if run.Error == "" {
		t.Error("timed-out run has no error")
	}

	logs, err := f.store.ListLogsByRun(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("ListLogsByRun: %v", err)
	}
	var timeouts int
	for _, entry := range logs {
		if entry.Type == workflow.LogTimeout {
			timeouts++
		}
	}
	if timeouts == 0 {
		t.Error("no timeout log entries")
	}
}

func TestOrchestrator_DelayShortTimerResumes(t *testing.T) {
	t.Parallel()
	f := setup(t)

	tpl := notifyTemplate(
		template.Step{
			ID: "cool-off", Type: template.StepDelay,
			Config:    map[string]any{"seconds": 0.02},
			NextSteps: []string{"done"},
		},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.waitForStatus(t, runID, workflow.StatusCompleted)
	if got := run.Context.History[0].StepID; got != "cool-off" {
		t.Errorf("first history step = %s", got)
	}
}

func TestOrchestrator_SweepResumesDueRun(t *testing.T) {
	t.Parallel()
	f := setup(t)
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{
			ID: "cool-off", Type: template.StepDelay,
			Config:    map[string]any{"seconds": 3600},
			NextSteps: []string{"done"},
		},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.run(t, runID)
	if run.Status != workflow.StatusWaiting {
		t.Fatalf("Status = %s, want waiting", run.Status)
	}

	// Backdate the resume time so the sweep finds it due.
	past := time.Now().UTC().Add(-time.Minute)
	run.ResumeAt = &past
	if err := f.store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	resumed, timedOut, err := f.orch.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if resumed != 1 || timedOut != 0 {
		t.Errorf("Sweep = (%d, %d), want (1, 0)", resumed, timedOut)
	}
	if got := f.run(t, runID).Status; got != workflow.StatusCompleted {
		t.Errorf("Status = %s, want completed", got)
	}
}

func TestOrchestrator_SweepEnforcesStepDeadline(t *testing.T) {
	t.Parallel()
	cfg := knoxpro.DefaultConfig()
	cfg.DefaultStepTimeout = time.Hour
	f := setup(t, orchestrator.WithConfig(cfg))
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{ID: "check", Type: template.StepModuleTask, Module: "access"},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.run(t, runID)
	past := time.Now().UTC().Add(-time.Minute)
	run.StepDeadline = &past
	if err := f.store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	_, timedOut, err := f.orch.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if timedOut != 1 {
		t.Errorf("timedOut = %d, want 1", timedOut)
	}
	if got := f.run(t, runID).Status; got != workflow.StatusFailed {
		t.Errorf("Status = %s, want failed", got)
	}
}

func TestOrchestrator_PauseResumeCancel(t *testing.T) {
	t.Parallel()
	f := setup(t)
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{ID: "check", Type: template.StepModuleTask, Module: "access", NextSteps: []string{"done"}},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	if err := f.orch.Pause(ctx, runID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := f.run(t, runID).Status; got != workflow.StatusPaused {
		t.Fatalf("Status = %s, want paused", got)
	}

	// Completions while paused are ignored.
	f.bus.Publish(ctx, "access.task.completed", map[string]any{
		"workflowRunId": runID.String(),
		"stepId":        "check",
	})
	if got := f.run(t, runID).Status; got != workflow.StatusPaused {
		t.Fatalf("paused run advanced to %s", got)
	}

	if err := f.orch.Pause(ctx, runID); !errors.Is(err, knoxpro.ErrInvalidTransition) {
		t.Errorf("double pause error = %v", err)
	}

	if err := f.orch.Resume(ctx, runID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := f.run(t, runID).Status; got != workflow.StatusRunning {
		t.Fatalf("Status = %s, want running", got)
	}

	if err := f.orch.Cancel(ctx, runID, "superseded"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	run := f.run(t, runID)
	if run.Status != workflow.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", run.Status)
	}
	if run.Error != "superseded" {
		t.Errorf("Error = %q", run.Error)
	}
	if err := f.orch.Cancel(ctx, runID, ""); !errors.Is(err, knoxpro.ErrInvalidTransition) {
		t.Errorf("cancel terminal run error = %v", err)
	}
	done := f.waitCompleted(t, 1)
	if done[0].Payload["status"] != "cancelled" {
		t.Errorf("completed status = %v", done[0].Payload["status"])
	}
}

func TestOrchestrator_SkipStep(t *testing.T) {
	t.Parallel()
	f := setup(t)
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{ID: "check", Type: template.StepModuleTask, Module: "access", NextSteps: []string{"done"}},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	if err := f.orch.SkipStep(ctx, runID); err != nil {
		t.Fatalf("SkipStep: %v", err)
	}
	run := f.run(t, runID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
	if got := run.Context.History[0].Outcome; got != "skipped" {
		t.Errorf("outcome = %s, want skipped", got)
	}
}

func TestOrchestrator_ManualTaskCompletesViaStepEvent(t *testing.T) {
	t.Parallel()
	f := setup(t)
	ctx := context.Background()

	var created []*bus.Envelope
	f.bus.Subscribe("manual.task.created", func(_ context.Context, evt *bus.Envelope) error {
		created = append(created, evt)
		return nil
	})

	tpl := notifyTemplate(
		template.Step{ID: "review", Type: template.StepManual, NextSteps: []string{"done"}},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	if len(created) != 1 {
		t.Fatalf("manual.task.created count = %d, want 1", len(created))
	}

	// Sender omits stepId; the orchestrator resolves the current step.
	f.bus.Publish(ctx, "workflow.step.completed", map[string]any{
		"workflowRunId": runID.String(),
		"result":        map[string]any{"reviewed": true},
	})
	if got := f.run(t, runID).Status; got != workflow.StatusCompleted {
		t.Errorf("Status = %s, want completed", got)
	}
}

func TestOrchestrator_ParallelJoin(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.grantModule(t, map[string]any{"granted": true}, "")

	tpl := notifyTemplate(
		template.Step{
			ID: "fan-out", Type: template.StepParallel,
			Config:    map[string]any{"steps": []any{"notify-branch", "check-branch"}},
			NextSteps: []string{"done"},
		},
		template.Step{ID: "notify-branch", Type: template.StepNotification},
		template.Step{
			ID: "check-branch", Type: template.StepModuleTask, Module: "access",
			Config: map[string]any{"outputVariable": "checkResult"},
		},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.waitForStatus(t, runID, workflow.StatusCompleted)
	if _, ok := run.Context.Variables["checkResult"]; !ok {
		t.Error("branch output variable missing after join")
	}

	steps := make(map[string]bool)
	for _, h := range run.Context.History {
		steps[h.StepID] = true
	}
	for _, want := range []string{"fan-out", "notify-branch", "check-branch", "done"} {
		if !steps[want] {
			t.Errorf("history missing step %s", want)
		}
	}
}

func TestOrchestrator_StaleCompletionIgnored(t *testing.T) {
	t.Parallel()
	f := setup(t)
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{ID: "only", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})
	before := f.run(t, runID)

	f.bus.Publish(ctx, "access.task.completed", map[string]any{
		"workflowRunId": runID.String(),
		"stepId":        "only",
	})

	after := f.run(t, runID)
	if len(after.Context.History) != len(before.Context.History) {
		t.Error("stale completion mutated run history")
	}
	if after.Status != workflow.StatusCompleted {
		t.Errorf("Status = %s", after.Status)
	}
}

func TestOrchestrator_RecoverRedispatchesRunningRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := memory.New()
	tpl := notifyTemplate(
		template.Step{ID: "check", Type: template.StepModuleTask, Module: "access", NextSteps: []string{"done"}},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	if err := s.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	run := &workflow.Run{
		Entity:        knoxpro.NewEntity(),
		ID:            id.NewRunID(),
		SubjectID:     "doc-1",
		TemplateID:    tpl.ID,
		TemplateName:  tpl.Name,
		Status:        workflow.StatusRunning,
		CurrentStepID: "check",
		Context: workflow.Context{
			Data:      map[string]any{"id": "doc-1"},
			Variables: map[string]any{},
		},
		StartedAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	b := bus.New(slog.Default())
	b.Subscribe("access.task.execute", func(ctx context.Context, evt *bus.Envelope) error {
		b.Publish(ctx, "access.task.completed", map[string]any{
			"workflowRunId": evt.Payload["workflowRunId"],
			"stepId":        evt.Payload["stepId"],
			"result":        map[string]any{"granted": true},
		})
		return nil
	})

	orch := orchestrator.New(b, s)
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(orch.Stop)

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}

	logs, err := s.ListLogsByRun(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("ListLogsByRun: %v", err)
	}
	var recovered bool
	for _, entry := range logs {
		if entry.Type == workflow.LogRecovery {
			recovered = true
		}
	}
	if !recovered {
		t.Error("no recovery log entry")
	}
}

func TestOrchestrator_StatsAndHealth(t *testing.T) {
	t.Parallel()
	f := setup(t)
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{ID: "only", Type: template.StepNotification},
	)
	f.start(t, tpl, map[string]any{"id": "doc-1"})

	if _, _, err := f.orch.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	stats, err := f.orch.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
	if stats.LastSweep == nil {
		t.Error("LastSweep not set after sweep")
	}

	h := f.orch.CheckHealth(ctx)
	if !h.Healthy {
		t.Errorf("Healthy = false: %+v", h)
	}
}

func TestOrchestrator_ResumeWakesWaitingRun(t *testing.T) {
	t.Parallel()
	f := setup(t)
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{
			ID: "cool-off", Type: template.StepDelay,
			Config:    map[string]any{"delaySeconds": 3600},
			NextSteps: []string{"done"},
		},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	if got := f.run(t, runID).Status; got != workflow.StatusWaiting {
		t.Fatalf("Status = %s, want waiting", got)
	}

	// Resuming a waiting run wakes the delay early.
	if err := f.orch.Resume(ctx, runID); err != nil {
		t.Fatalf("Resume waiting run: %v", err)
	}

	run := f.waitForStatus(t, runID, workflow.StatusCompleted)
	if run.ResumeAt != nil {
		t.Error("ResumeAt still set after resume")
	}
	if got := run.Context.History[0].StepID; got != "cool-off" {
		t.Errorf("first history step = %s", got)
	}

	logs, err := f.store.ListLogsByRun(ctx, runID, 0)
	if err != nil {
		t.Fatalf("ListLogsByRun: %v", err)
	}
	resumed := 0
	for _, e := range logs {
		if e.Type == workflow.LogResumed {
			resumed++
		}
	}
	if resumed != 1 {
		t.Errorf("resumed log entries = %d, want 1", resumed)
	}
}

func TestOrchestrator_ResumeRejectsRunningRun(t *testing.T) {
	t.Parallel()
	f := setup(t)
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{ID: "check", Type: template.StepModuleTask, Module: "access"},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	if err := f.orch.Resume(ctx, runID); !errors.Is(err, knoxpro.ErrInvalidTransition) {
		t.Errorf("resume running run error = %v, want ErrInvalidTransition", err)
	}
}

func TestOrchestrator_DelaySecondsKey(t *testing.T) {
	t.Parallel()
	f := setup(t)

	tpl := notifyTemplate(
		template.Step{
			ID: "cool-off", Type: template.StepDelay,
			Config:    map[string]any{"delaySeconds": 0.02},
			NextSteps: []string{"done"},
		},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	run := f.waitForStatus(t, runID, workflow.StatusCompleted)
	if got := run.Context.History[0].Outcome; got != "completed" {
		t.Errorf("delay outcome = %s", got)
	}
}

func TestOrchestrator_ZeroDelayCompletesInline(t *testing.T) {
	t.Parallel()
	f := setup(t)
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{
			ID: "no-wait", Type: template.StepDelay,
			Config:    map[string]any{"delaySeconds": 0},
			NextSteps: []string{"done"},
		},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	// The publish is synchronous: a zero-offset delay must finish the
	// run in the same dispatch, never parking it in waiting.
	run := f.run(t, runID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}

	logs, err := f.store.ListLogsByRun(ctx, runID, 0)
	if err != nil {
		t.Fatalf("ListLogsByRun: %v", err)
	}
	for _, e := range logs {
		if e.Type == workflow.LogPaused {
			t.Errorf("zero delay entered waiting: %s", e.Message)
		}
	}
}

// stepCounter records step-completed hook invocations.
type stepCounter struct {
	mu    sync.Mutex
	steps []string
}

func (c *stepCounter) Name() string { return "step-counter" }

func (c *stepCounter) OnStepCompleted(_ context.Context, _ *workflow.Run, stepName string, _ time.Duration) error {
	c.mu.Lock()
	c.steps = append(c.steps, stepName)
	c.mu.Unlock()
	return nil
}

func (c *stepCounter) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.steps...)
}

func TestOrchestrator_SyncStepsEmitCompletionHook(t *testing.T) {
	t.Parallel()

	counter := &stepCounter{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(counter)
	f := setup(t, orchestrator.WithHooks(reg))

	tpl := notifyTemplate(
		template.Step{ID: "notify", Name: "Notify", Type: template.StepNotification, NextSteps: []string{"route"}},
		template.Step{
			ID: "route", Name: "Route", Type: template.StepCondition,
			Conditions: []template.Branch{
				{Field: "priority", Operator: template.OpEquals, Value: "high", NextStep: "done"},
			},
		},
		template.Step{ID: "done", Name: "Done", Type: template.StepNotification},
	)
	f.start(t, tpl, map[string]any{"id": "doc-1", "priority": "high"})

	got := counter.names()
	want := []string{"Notify", "Route", "Done"}
	if len(got) != len(want) {
		t.Fatalf("hook fired for %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hook order = %v, want %v", got, want)
		}
	}
}

func TestOrchestrator_StopReleasesParallelBranches(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tpl := notifyTemplate(
		template.Step{
			ID: "fan-out", Type: template.StepParallel,
			Config:    map[string]any{"steps": []any{"linger"}},
			NextSteps: []string{"done"},
		},
		template.Step{
			ID: "linger", Type: template.StepDelay,
			Config:    map[string]any{"delaySeconds": 0.2},
			NextSteps: []string{"announce"},
		},
		template.Step{ID: "announce", Type: template.StepNotification},
		template.Step{ID: "done", Type: template.StepNotification},
	)
	runID := f.start(t, tpl, map[string]any{"id": "doc-1"})

	// The branch is sleeping in its delay; shutting down must abort it
	// before the branch publishes anything further.
	f.orch.Stop()
	time.Sleep(500 * time.Millisecond)

	if sent := f.sentEvents(); len(sent) != 0 {
		t.Errorf("branch published %d notifications after Stop", len(sent))
	}

	// The run stays parked for the next recovery pass, not failed.
	run, err := f.store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != workflow.StatusRunning {
		t.Errorf("Status = %s, want running", run.Status)
	}
}
