package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "planforge"

// Metrics holds all planforge metric instruments.
type Metrics struct {
	StepsDispatched   metric.Int64Counter
	StepsCompleted    metric.Int64Counter
	StepsFailed       metric.Int64Counter
	StepsDeadLettered metric.Int64Counter
	StepRetries       metric.Int64Counter
	Approvals         metric.Int64Counter
	StepDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.StepsDispatched, err = meter.Int64Counter("planforge.steps.dispatched",
		metric.WithDescription("Number of step deliveries processed"))
	if err != nil {
		return nil, err
	}

	m.StepsCompleted, err = meter.Int64Counter("planforge.steps.completed",
		metric.WithDescription("Number of steps completed"))
	if err != nil {
		return nil, err
	}

	m.StepsFailed, err = meter.Int64Counter("planforge.steps.failed",
		metric.WithDescription("Number of steps failed"))
	if err != nil {
		return nil, err
	}

	m.StepsDeadLettered, err = meter.Int64Counter("planforge.steps.dead_lettered",
		metric.WithDescription("Number of steps dead-lettered after retry exhaustion"))
	if err != nil {
		return nil, err
	}

	m.StepRetries, err = meter.Int64Counter("planforge.steps.retries",
		metric.WithDescription("Number of step retry requeues"))
	if err != nil {
		return nil, err
	}

	m.Approvals, err = meter.Int64Counter("planforge.approvals",
		metric.WithDescription("Number of approval resolutions"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("planforge.step.duration_seconds",
		metric.WithDescription("Step execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
