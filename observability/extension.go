package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yaser2us/knoxpro-sub000/ext"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// meterName is the instrumentation scope name for knoxpro observability.
const meterName = "github.com/yaser2us/knoxpro-sub000/observability"

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.WorkflowTriggered = (*MetricsExtension)(nil)
	_ ext.RunStarted        = (*MetricsExtension)(nil)
	_ ext.StepCompleted     = (*MetricsExtension)(nil)
	_ ext.StepFailed        = (*MetricsExtension)(nil)
	_ ext.RunCompleted      = (*MetricsExtension)(nil)
	_ ext.RunFailed         = (*MetricsExtension)(nil)
	_ ext.RunCancelled      = (*MetricsExtension)(nil)
	_ ext.SweepPass         = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via OpenTelemetry.
// Register it as an engine extension to automatically track trigger rates,
// run starts, step outcomes, terminal run states, and sweep recoveries.
//
// Instruments:
//   - knoxpro.workflow.triggered (counter), attribute: template
//   - knoxpro.run.started / completed / failed / cancelled (counters)
//   - knoxpro.step.completed / failed (counters), attribute: template
//   - knoxpro.run.duration (histogram, seconds), attribute: template
//   - knoxpro.sweep.resumed / timed_out (counters)
type MetricsExtension struct {
	triggered    metric.Int64Counter
	runStarted   metric.Int64Counter
	runCompleted metric.Int64Counter
	runFailed    metric.Int64Counter
	runCancelled metric.Int64Counter
	stepDone     metric.Int64Counter
	stepFailed   metric.Int64Counter
	runDuration  metric.Float64Histogram
	sweepResumed metric.Int64Counter
	sweepExpired metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. With no provider configured, all instruments are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. Use this variant to inject a test MeterProvider.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	// Instrument creation errors fall back to noops per the OTel API contract.
	m.triggered, _ = meter.Int64Counter("knoxpro.workflow.triggered",
		metric.WithDescription("Workflows triggered by events"),
		metric.WithUnit("{workflow}"))
	m.runStarted, _ = meter.Int64Counter("knoxpro.run.started",
		metric.WithDescription("Workflow runs started"),
		metric.WithUnit("{run}"))
	m.runCompleted, _ = meter.Int64Counter("knoxpro.run.completed",
		metric.WithDescription("Workflow runs completed successfully"),
		metric.WithUnit("{run}"))
	m.runFailed, _ = meter.Int64Counter("knoxpro.run.failed",
		metric.WithDescription("Workflow runs failed terminally"),
		metric.WithUnit("{run}"))
	m.runCancelled, _ = meter.Int64Counter("knoxpro.run.cancelled",
		metric.WithDescription("Workflow runs cancelled by operators"),
		metric.WithUnit("{run}"))
	m.stepDone, _ = meter.Int64Counter("knoxpro.step.completed",
		metric.WithDescription("Steps completed successfully"),
		metric.WithUnit("{step}"))
	m.stepFailed, _ = meter.Int64Counter("knoxpro.step.failed",
		metric.WithDescription("Steps failed"),
		metric.WithUnit("{step}"))
	m.runDuration, _ = meter.Float64Histogram("knoxpro.run.duration",
		metric.WithDescription("End-to-end workflow run duration in seconds"),
		metric.WithUnit("s"))
	m.sweepResumed, _ = meter.Int64Counter("knoxpro.sweep.resumed",
		metric.WithDescription("Runs resumed by the recovery sweep"),
		metric.WithUnit("{run}"))
	m.sweepExpired, _ = meter.Int64Counter("knoxpro.sweep.timed_out",
		metric.WithDescription("Runs timed out by the recovery sweep"),
		metric.WithUnit("{run}"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func templateAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("template", name))
}

// ── Trigger lifecycle hooks ─────────────────────────

// OnWorkflowTriggered implements ext.WorkflowTriggered.
func (m *MetricsExtension) OnWorkflowTriggered(ctx context.Context, templateName, _ string) error {
	m.triggered.Add(ctx, 1, templateAttr(templateName))
	return nil
}

// ── Run lifecycle hooks ─────────────────────────────

// OnRunStarted implements ext.RunStarted.
func (m *MetricsExtension) OnRunStarted(ctx context.Context, r *workflow.Run) error {
	m.runStarted.Add(ctx, 1, templateAttr(r.TemplateName))
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, r *workflow.Run, _ string, _ time.Duration) error {
	m.stepDone.Add(ctx, 1, templateAttr(r.TemplateName))
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, r *workflow.Run, _ string, _ error) error {
	m.stepFailed.Add(ctx, 1, templateAttr(r.TemplateName))
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error {
	m.runCompleted.Add(ctx, 1, templateAttr(r.TemplateName))
	m.runDuration.Record(ctx, elapsed.Seconds(), templateAttr(r.TemplateName))
	return nil
}

// OnRunFailed implements ext.RunFailed.
func (m *MetricsExtension) OnRunFailed(ctx context.Context, r *workflow.Run, _ error) error {
	m.runFailed.Add(ctx, 1, templateAttr(r.TemplateName))
	return nil
}

// OnRunCancelled implements ext.RunCancelled.
func (m *MetricsExtension) OnRunCancelled(ctx context.Context, r *workflow.Run) error {
	m.runCancelled.Add(ctx, 1, templateAttr(r.TemplateName))
	return nil
}

// ── Sweep lifecycle hooks ───────────────────────────

// OnSweepPass implements ext.SweepPass.
func (m *MetricsExtension) OnSweepPass(ctx context.Context, resumed, timedOut int) error {
	if resumed > 0 {
		m.sweepResumed.Add(ctx, int64(resumed))
	}
	if timedOut > 0 {
		m.sweepExpired.Add(ctx, int64(timedOut))
	}
	return nil
}
