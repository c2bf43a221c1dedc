// Package ext defines the extension system for knoxpro.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error {
//	    log.Printf("run %s completed in %s", r.ID, elapsed)
//	    return nil
//	}
//
// # Trigger Lifecycle Hooks
//
//   - [WorkflowTriggered] — the trigger engine decided to start a workflow
//
// # Run Lifecycle Hooks
//
//   - [RunStarted] — workflow run began executing
//   - [StepCompleted] — a step finished successfully
//   - [StepFailed] — a step failed
//   - [RunCompleted] — workflow run finished successfully
//   - [RunFailed] — workflow run failed terminally
//   - [RunCancelled] — workflow run was cancelled by an operator
//
// # Other Hooks
//
//   - [SweepPass] — a recovery sweep pass finished
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
