// Package observability holds the engine's OpenTelemetry instruments. They
// are created on the global meter provider, which is a no-op until an SDK
// is installed by the binary.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "agent-orchestrator/backend/orchestrator"

// Metrics groups the engine's counters.
type Metrics struct {
	admissions           metric.Int64Counter
	dispatches           metric.Int64Counter
	escalations          metric.Int64Counter
	decompositions       metric.Int64Counter
	reconcileCorrections metric.Int64Counter
	reconcileConflicts   metric.Int64Counter
	breakerRejections    metric.Int64Counter
	breakerTransitions   metric.Int64Counter
}

// NewMetrics creates the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFromMeter(otel.Meter(meterName))
}

// NewMetricsFromMeter creates the counters on meter.
func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.admissions, "orchestrator.admissions", "Requests admitted by the scanner"},
		{&m.dispatches, "orchestrator.dispatches", "Stage tasks handed to the specialist"},
		{&m.escalations, "orchestrator.escalations", "Workflows escalated to a human"},
		{&m.decompositions, "orchestrator.decompositions", "Blocked workflows decomposed into sub-requests"},
		{&m.reconcileCorrections, "orchestrator.reconcile.corrections", "Ledger entries corrected from bus state"},
		{&m.reconcileConflicts, "orchestrator.reconcile.conflicts", "Ledger/bus disagreements left for a human"},
		{&m.breakerRejections, "orchestrator.breaker.rejections", "Scan ticks rejected by the circuit breaker"},
		{&m.breakerTransitions, "orchestrator.breaker.transitions", "Circuit breaker state changes"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Noop returns counters that record nothing.
func Noop() *Metrics {
	m, _ := NewMetricsFromMeter(noop.NewMeterProvider().Meter(meterName))
	return m
}

func (m *Metrics) Admission(ctx context.Context, kind string) {
	m.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) Dispatch(ctx context.Context, stage string) {
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) Escalation(ctx context.Context, reason string) {
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) Decomposition(ctx context.Context, children int) {
	m.decompositions.Add(ctx, 1, metric.WithAttributes(attribute.Int("children", children)))
}

func (m *Metrics) ReconcileCorrection(ctx context.Context, from, to string) {
	m.reconcileCorrections.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

func (m *Metrics) ReconcileConflict(ctx context.Context, ledger, bus string) {
	m.reconcileConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("ledger", ledger), attribute.String("bus", bus)))
}

func (m *Metrics) BreakerRejection(ctx context.Context) {
	m.breakerRejections.Add(ctx, 1)
}

func (m *Metrics) BreakerTransition(ctx context.Context, from, to string) {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}
