// Package orchestrator advances workflow runs through their step state
// machines.
//
// The orchestrator consumes workflow.start commands from the trigger
// engine, creates the run, and executes steps by type: module tasks and
// approvals are delegated over the bus and resolved by completion
// events, notifications complete synchronously, delays park the run in
// waiting, condition steps branch, parallel steps fan out and join, and
// manual steps wait indefinitely for an external signal.
//
// The persisted run is the source of truth. Every mutation happens under
// a per-run mutex and is written back to the store before any follow-up
// event is published, so a duplicate completion event and a timeout
// firing near-simultaneously cannot both advance the same run.
//
// Timeouts use process-local timers for short windows and a periodic
// sweep for long windows, for resuming due delay steps, and for
// enforcing step deadlines that outlive a process restart. The sweep is
// idempotent: resuming an already-resumed run is a no-op.
package orchestrator
