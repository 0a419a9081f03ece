package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "planforge"

// StartSubmitSpan starts a span for a plan submission.
func StartSubmitSpan(ctx context.Context, planID string, steps int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "plan.submit",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.Int("plan.steps", steps),
		),
	)
}

// StartDispatchSpan starts a span for the execution of one step delivery.
func StartDispatchSpan(ctx context.Context, planID, stepID, tool string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step.dispatch",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.String("step.id", stepID),
			attribute.String("step.tool", tool),
			attribute.Int("step.attempt", attempt),
		),
	)
}

// StartApprovalSpan starts a span for an approval resolution.
func StartApprovalSpan(ctx context.Context, planID, stepID string, approve bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step.approval",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.String("step.id", stepID),
			attribute.Bool("approval.granted", approve),
		),
	)
}
