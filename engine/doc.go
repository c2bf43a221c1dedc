// Package engine wires all knoxpro subsystems together and provides
// the primary application-level API for running workflow orchestration.
//
// The engine package exists to break a fundamental import cycle: the
// root knoxpro package defines Entity (imported by workflow, template,
// trigger, etc.) and therefore cannot import those packages back.
// Engine sits above all subsystem packages and below the application
// layer.
//
// # Building an Engine
//
//	svc, err := knoxpro.New(
//	    knoxpro.WithStore(pgStore),
//	    knoxpro.WithLogger(logger),
//	)
//
//	eng, err := engine.Build(svc,
//	    engine.WithExtension(myExtension),
//	    engine.WithLifecyclePatterns("document.**", "user.**"),
//	    engine.WithBackoff(backoff.NewExponential(5*time.Second, time.Minute)),
//	)
//
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
//
// # Driving workflows
//
// Applications publish lifecycle events on the bus; the trigger engine
// evaluates active templates against each one and starts runs:
//
//	eng.Publish(ctx, "document.published", map[string]any{
//	    "document": map[string]any{"id": "doc-1", "type": "contract"},
//	})
//
// Module workers subscribe to "<module>.task.execute" events and report
// back with "<module>.task.completed". Approvals, delays, and manual
// tasks complete the same way through their respective event types.
package engine
