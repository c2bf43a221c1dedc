package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/yaser2us/knoxpro-sub000/bus"
	"github.com/yaser2us/knoxpro-sub000/id"
)

// runRef extracts the run and step reference from an inbound event.
// The step ID may be empty; callers that need it fall back to the
// run's current step.
func runRef(evt *bus.Envelope) (id.RunID, string, error) {
	raw, _ := evt.Payload["workflowRunId"].(string)
	if raw == "" {
		return id.Nil, "", fmt.Errorf("knoxpro: event %s: missing workflowRunId", evt.Type)
	}
	runID, err := id.ParseRunID(raw)
	if err != nil {
		return id.Nil, "", fmt.Errorf("knoxpro: event %s: %w", evt.Type, err)
	}
	stepID, _ := evt.Payload["stepId"].(string)
	return runID, stepID, nil
}

// resultOf pulls the step result from a completion event payload.
func resultOf(evt *bus.Envelope) map[string]any {
	if m, ok := evt.Payload["result"].(map[string]any); ok {
		return m
	}
	if m, ok := evt.Payload["data"].(map[string]any); ok {
		return m
	}
	return nil
}

// currentStepOf resolves an empty step reference to the run's current
// step so that senders may omit stepId.
func (o *Orchestrator) currentStepOf(ctx context.Context, runID id.RunID, stepID string) string {
	if stepID != "" {
		return stepID
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return ""
	}
	return run.CurrentStepID
}

// handleStepCompleted resolves the run's current step with the event's
// result. Parallel-branch waiters take precedence over the run pointer.
func (o *Orchestrator) handleStepCompleted(ctx context.Context, evt *bus.Envelope) error {
	runID, stepID, err := runRef(evt)
	if err != nil {
		return err
	}
	stepID = o.currentStepOf(ctx, runID, stepID)
	if stepID == "" {
		return nil
	}

	result := resultOf(evt)
	if o.deliverToWaiter(runID, stepID, stepSignal{result: result}) {
		return nil
	}
	o.completeCurrentStep(ctx, runID, stepID, result, outcomeCompleted)
	return nil
}

// handleStepFailed fails the run's current step, subject to the retry
// policy.
func (o *Orchestrator) handleStepFailed(ctx context.Context, evt *bus.Envelope) error {
	runID, stepID, err := runRef(evt)
	if err != nil {
		return err
	}
	stepID = o.currentStepOf(ctx, runID, stepID)
	if stepID == "" {
		return nil
	}

	msg, _ := evt.Payload["error"].(string)
	if msg == "" {
		msg = "step failed"
	}
	stepErr := errors.New(msg)
	if o.deliverToWaiter(runID, stepID, stepSignal{err: stepErr}) {
		return nil
	}
	o.failCurrentStep(ctx, runID, stepID, stepErr)
	return nil
}

// handleTaskCompleted resolves module task steps from <module>.task.completed
// events. Success and failure share the event type; a "success": false
// or "error" field marks failure.
func (o *Orchestrator) handleTaskCompleted(ctx context.Context, evt *bus.Envelope) error {
	runID, stepID, err := runRef(evt)
	if err != nil {
		return err
	}
	stepID = o.currentStepOf(ctx, runID, stepID)
	if stepID == "" {
		return nil
	}

	if msg, ok := evt.Payload["error"].(string); ok && msg != "" {
		taskErr := errors.New(msg)
		if o.deliverToWaiter(runID, stepID, stepSignal{err: taskErr}) {
			return nil
		}
		o.failCurrentStep(ctx, runID, stepID, taskErr)
		return nil
	}
	if ok, present := evt.Payload["success"].(bool); present && !ok {
		taskErr := errors.New("module task reported failure")
		if o.deliverToWaiter(runID, stepID, stepSignal{err: taskErr}) {
			return nil
		}
		o.failCurrentStep(ctx, runID, stepID, taskErr)
		return nil
	}

	result := resultOf(evt)
	if o.deliverToWaiter(runID, stepID, stepSignal{result: result}) {
		return nil
	}
	o.completeCurrentStep(ctx, runID, stepID, result, outcomeCompleted)
	return nil
}

// handleApprovalGranted resolves an approval step positively.
func (o *Orchestrator) handleApprovalGranted(ctx context.Context, evt *bus.Envelope) error {
	runID, stepID, err := runRef(evt)
	if err != nil {
		return err
	}
	stepID = o.currentStepOf(ctx, runID, stepID)
	if stepID == "" {
		return nil
	}

	result := map[string]any{"approved": true}
	if approver, ok := evt.Payload["approver"].(string); ok {
		result["approver"] = approver
	}
	if comment, ok := evt.Payload["comment"].(string); ok && comment != "" {
		result["comment"] = comment
	}
	if o.deliverToWaiter(runID, stepID, stepSignal{result: result}) {
		return nil
	}
	o.completeCurrentStep(ctx, runID, stepID, result, outcomeCompleted)
	return nil
}

// handleApprovalRejected resolves an approval step negatively. The run
// still advances; downstream condition steps route on "approved".
func (o *Orchestrator) handleApprovalRejected(ctx context.Context, evt *bus.Envelope) error {
	runID, stepID, err := runRef(evt)
	if err != nil {
		return err
	}
	stepID = o.currentStepOf(ctx, runID, stepID)
	if stepID == "" {
		return nil
	}

	result := map[string]any{"approved": false}
	if approver, ok := evt.Payload["approver"].(string); ok {
		result["approver"] = approver
	}
	if reason, ok := evt.Payload["reason"].(string); ok && reason != "" {
		result["reason"] = reason
	}
	if o.deliverToWaiter(runID, stepID, stepSignal{result: result}) {
		return nil
	}
	o.completeCurrentStep(ctx, runID, stepID, result, outcomeCompleted)
	return nil
}

// ──────────────────────────────────────────────────
// Control events: thin wrappers over the admin surface
// ──────────────────────────────────────────────────

func (o *Orchestrator) handlePauseEvent(ctx context.Context, evt *bus.Envelope) error {
	runID, _, err := runRef(evt)
	if err != nil {
		return err
	}
	return o.Pause(ctx, runID)
}

func (o *Orchestrator) handleResumeEvent(ctx context.Context, evt *bus.Envelope) error {
	runID, _, err := runRef(evt)
	if err != nil {
		return err
	}
	return o.Resume(ctx, runID)
}

func (o *Orchestrator) handleCancelEvent(ctx context.Context, evt *bus.Envelope) error {
	runID, _, err := runRef(evt)
	if err != nil {
		return err
	}
	reason, _ := evt.Payload["reason"].(string)
	return o.Cancel(ctx, runID, reason)
}
