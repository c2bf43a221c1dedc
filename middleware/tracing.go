package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// tracerName is the instrumentation scope name for knoxpro tracing.
const tracerName = "github.com/yaser2us/knoxpro-sub000"

// Tracing returns middleware that wraps step execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop tracer
// is used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: knoxpro.run.id, knoxpro.template, knoxpro.step.id,
// knoxpro.step.type, knoxpro.run.attempts. On error, the span status is set
// to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, r *workflow.Run, s *template.Step, next Handler) error {
		ctx, span := tracer.Start(ctx, "knoxpro.step.execute",
			trace.WithAttributes(
				attribute.String("knoxpro.run.id", r.ID.String()),
				attribute.String("knoxpro.template", r.TemplateName),
				attribute.String("knoxpro.step.id", s.ID),
				attribute.String("knoxpro.step.type", string(s.Type)),
				attribute.Int("knoxpro.run.attempts", r.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
