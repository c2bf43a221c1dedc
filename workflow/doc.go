// Package workflow defines workflow runs, their mutable context bag,
// append-only log entries, trigger bookkeeping records, and the store
// interfaces that persist them.
//
// A [Run] is one execution of a template against a subject document.
// The durable store is the sole source of truth for run state; the
// orchestrator's in-memory tracking is a cache rebuilt by its recovery
// pass.
package workflow
