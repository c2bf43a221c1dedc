// Package trigger implements the decision engine that turns inbound
// lifecycle events into workflow runs.
//
// For each event carrying a document payload, the engine evaluates every
// cached active template through a conjunction of gates: event pattern,
// entity type, conditions, cooldown, execution cap, and deduplication.
// Only when all gates pass does the engine record the trigger and publish
// a workflow.start command for the orchestrator.
//
// The engine also listens for workflow.completed events to chain
// follow-up templates, and for workflow.trigger.custom events that start
// a named template directly (honoring cooldown, cap, and dedup but
// bypassing the rule gates).
//
// Templates are evaluated independently: an evaluation failure on one
// template is logged as a trigger_error entry and never blocks the
// remaining templates for the same event.
package trigger
