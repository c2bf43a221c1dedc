// Package knoxpro provides an event-driven workflow orchestration core for
// document and resource backends. Lifecycle events flow through an in-process
// event bus with hierarchical wildcard matching; a trigger decision engine
// evaluates active workflow templates against each event and starts runs; an
// orchestrator advances each run through its step state machine (delegated
// module tasks, approvals, notifications, delays, branching, parallel groups,
// manual tasks), persisting progress so runs survive restarts and multi-day
// wait periods.
//
// knoxpro is designed as a library, not a service. Configure a Service with
// functional options, build an engine.Engine from it, and publish lifecycle
// events on the bus:
//
//	svc, err := knoxpro.New(
//	    knoxpro.WithStore(pgStore),
//	    knoxpro.WithLogger(logger),
//	)
//
// # Architecture
//
// knoxpro follows a composable store pattern where each subsystem (workflow
// runs, logs, templates, trigger bookkeeping) defines its own store
// interface. A single backend implements all of them. The durable store is
// the sole source of truth for run state; in-memory tracking is strictly a
// cache rebuilt by the recovery pass. Components communicate exclusively
// through the bus — none holds a direct reference to another.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package knoxpro
