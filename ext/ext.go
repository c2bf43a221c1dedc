package ext

import (
	"context"
	"time"

	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Trigger lifecycle hooks
// ──────────────────────────────────────────────────

// WorkflowTriggered is called after the trigger engine decides to start
// a workflow for an event.
type WorkflowTriggered interface {
	OnWorkflowTriggered(ctx context.Context, templateName string, eventType string) error
}

// ──────────────────────────────────────────────────
// Run lifecycle hooks
// ──────────────────────────────────────────────────

// RunStarted is called when a workflow run begins executing its first step.
type RunStarted interface {
	OnRunStarted(ctx context.Context, r *workflow.Run) error
}

// StepCompleted is called after a workflow step completes.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, r *workflow.Run, stepName string, elapsed time.Duration) error
}

// StepFailed is called when a workflow step fails.
type StepFailed interface {
	OnStepFailed(ctx context.Context, r *workflow.Run, stepName string, err error) error
}

// RunCompleted is called after a workflow run finishes successfully.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error
}

// RunFailed is called when a workflow run fails terminally.
type RunFailed interface {
	OnRunFailed(ctx context.Context, r *workflow.Run, err error) error
}

// RunCancelled is called when a workflow run is cancelled by an operator.
type RunCancelled interface {
	OnRunCancelled(ctx context.Context, r *workflow.Run) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// SweepPass is called after each recovery sweep pass completes.
type SweepPass interface {
	OnSweepPass(ctx context.Context, resumed int, timedOut int) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
