// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/ipcollab/pkg/errors"
)

// PipelineMetrics tracks turn, decision and guardrail activity. A nil
// *PipelineMetrics records nothing.
type PipelineMetrics struct {
	turns        metric.Int64Counter
	decisions    metric.Int64Counter
	units        metric.Int64Counter
	duplicates   metric.Int64Counter
	errorCounter metric.Int64Counter
	turnLatency  metric.Float64Histogram
	stageLatency metric.Float64Histogram
	breakerState metric.Int64Gauge
}

// NewPipelineMetrics registers instruments on the global meter provider.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter("ipcollab/pipeline")
	m := &PipelineMetrics{}
	var err error

	if m.turns, err = meter.Int64Counter("ipc.turns.total",
		metric.WithDescription("Turns processed")); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("ipc.routing.decisions",
		metric.WithDescription("Routing decisions by kind and reason")); err != nil {
		return nil, err
	}
	if m.units, err = meter.Int64Counter("ipc.units.total",
		metric.WithDescription("Per-role unit outcomes")); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter("ipc.guardrails.duplicates_suppressed",
		metric.WithDescription("Cross-role duplicate claims replaced with references")); err != nil {
		return nil, err
	}
	if m.errorCounter, err = meter.Int64Counter("ipc.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if m.turnLatency, err = meter.Float64Histogram("ipc.turn.duration",
		metric.WithDescription("Turn wall-clock duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.stageLatency, err = meter.Float64Histogram("ipc.stage.duration",
		metric.WithDescription("Retrieval and generation duration per role"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge("ipc.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state (0=open, 1=half-open, 2=closed)")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTurn records a finished turn.
func (m *PipelineMetrics) RecordTurn(ctx context.Context, roles int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int(AttrTurnRoleCount, roles))
	m.turns.Add(ctx, 1, attrs)
	m.turnLatency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordDecision counts a routing decision.
func (m *PipelineMetrics) RecordDecision(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrDecisionKind, kind),
		attribute.String(AttrDecisionReason, reason),
	))
}

// RecordUnit counts a per-role unit outcome such as "answer" or "unavailable".
func (m *PipelineMetrics) RecordUnit(ctx context.Context, roleID, outcome string) {
	if m == nil {
		return
	}
	m.units.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRoleID, roleID),
		attribute.String(AttrUnitOutcome, outcome),
	))
}

// RecordStage records the duration of a pipeline stage for a role.
func (m *PipelineMetrics) RecordStage(ctx context.Context, stage, roleID string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String(AttrComponent, stage),
		attribute.String(AttrRoleID, roleID),
	))
}

// RecordDuplicates adds suppressed duplicate claims.
func (m *PipelineMetrics) RecordDuplicates(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.duplicates.Add(ctx, int64(n))
}

// RecordError counts err by code for component.
func (m *PipelineMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	typed := errors.As(err)
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, string(typed.Code)),
		attribute.String(AttrComponent, component),
		attribute.String(AttrErrorRecoverable, typed.RecoverableString()),
	))
}

// RecordCircuitBreakerState records a breaker state (0=open, 1=half-open, 2=closed).
func (m *PipelineMetrics) RecordCircuitBreakerState(ctx context.Context, component string, state int64) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String(AttrComponent, component)))
}
