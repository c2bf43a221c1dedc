package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/yaser2us/knoxpro-sub000/ext"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnWorkflowTriggered(_ context.Context, _, _ string) error {
	e.calls = append(e.calls, "OnWorkflowTriggered")
	return nil
}

func (e *allHooksExt) OnRunStarted(_ context.Context, _ *workflow.Run) error {
	e.calls = append(e.calls, "OnRunStarted")
	return nil
}

func (e *allHooksExt) OnStepCompleted(_ context.Context, _ *workflow.Run, _ string, _ time.Duration) error {
	e.calls = append(e.calls, "OnStepCompleted")
	return nil
}

func (e *allHooksExt) OnStepFailed(_ context.Context, _ *workflow.Run, _ string, _ error) error {
	e.calls = append(e.calls, "OnStepFailed")
	return nil
}

func (e *allHooksExt) OnRunCompleted(_ context.Context, _ *workflow.Run, _ time.Duration) error {
	e.calls = append(e.calls, "OnRunCompleted")
	return nil
}

func (e *allHooksExt) OnRunFailed(_ context.Context, _ *workflow.Run, _ error) error {
	e.calls = append(e.calls, "OnRunFailed")
	return nil
}

func (e *allHooksExt) OnRunCancelled(_ context.Context, _ *workflow.Run) error {
	e.calls = append(e.calls, "OnRunCancelled")
	return nil
}

func (e *allHooksExt) OnSweepPass(_ context.Context, _, _ int) error {
	e.calls = append(e.calls, "OnSweepPass")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// runOnlyExt only implements run-related hooks.
type runOnlyExt struct {
	calls []string
}

func (e *runOnlyExt) Name() string { return "run-only" }

func (e *runOnlyExt) OnRunStarted(_ context.Context, _ *workflow.Run) error {
	e.calls = append(e.calls, "OnRunStarted")
	return nil
}

func (e *runOnlyExt) OnRunCompleted(_ context.Context, _ *workflow.Run, _ time.Duration) error {
	e.calls = append(e.calls, "OnRunCompleted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnRunStarted(_ context.Context, _ *workflow.Run) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	ro := &runOnlyExt{}
	r.Register(all)
	r.Register(ro)

	ctx := context.Background()
	run := &workflow.Run{TemplateName: "grant-access"}

	// Both implement OnRunStarted → both called.
	r.EmitRunStarted(ctx, run)
	if len(all.calls) != 1 || all.calls[0] != "OnRunStarted" {
		t.Fatalf("all: expected [OnRunStarted], got %v", all.calls)
	}
	if len(ro.calls) != 1 || ro.calls[0] != "OnRunStarted" {
		t.Fatalf("ro: expected [OnRunStarted], got %v", ro.calls)
	}

	// Only all implements OnStepCompleted → ro not called.
	r.EmitStepCompleted(ctx, run, "verify", time.Second)
	if len(all.calls) != 2 || all.calls[1] != "OnStepCompleted" {
		t.Fatalf("all: expected OnStepCompleted as 2nd, got %v", all.calls)
	}
	if len(ro.calls) != 1 {
		t.Fatalf("ro: should still have 1 call, got %v", ro.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	run := &workflow.Run{TemplateName: "grant-access"}

	r.EmitWorkflowTriggered(ctx, "grant-access", "access.grant.created")
	r.EmitRunStarted(ctx, run)
	r.EmitStepCompleted(ctx, run, "verify", time.Second)
	r.EmitStepFailed(ctx, run, "provision", errors.New("step fail"))
	r.EmitRunCompleted(ctx, run, 2*time.Second)
	r.EmitRunFailed(ctx, run, errors.New("run fail"))
	r.EmitRunCancelled(ctx, run)
	r.EmitSweepPass(ctx, 2, 1)
	r.EmitShutdown(ctx)

	expected := []string{
		"OnWorkflowTriggered", "OnRunStarted", "OnStepCompleted",
		"OnStepFailed", "OnRunCompleted", "OnRunFailed",
		"OnRunCancelled", "OnSweepPass", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsDoNotPropagate(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&failingExt{})
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	run := &workflow.Run{TemplateName: "grant-access"}

	// The failing extension must not prevent later extensions from running.
	r.EmitRunStarted(ctx, run)
	if len(all.calls) != 1 || all.calls[0] != "OnRunStarted" {
		t.Fatalf("expected all to be called despite failing ext, got %v", all.calls)
	}
	r.EmitShutdown(ctx)
	if all.calls[len(all.calls)-1] != "OnShutdown" {
		t.Fatalf("expected OnShutdown last, got %v", all.calls)
	}
}
