// Package observability provides an OpenTelemetry-based metrics extension
// for knoxpro. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for workflow triggers, run starts, step outcomes,
// terminal run states, and sweep recoveries.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
