// SPDX-License-Identifier: Apache-2.0
package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/ipcollab/pkg/audit"
	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/registry"
	"github.com/jllopis/ipcollab/pkg/resilience"
	"github.com/jllopis/ipcollab/pkg/telemetry"
)

// DefaultClassifyTimeout bounds a single classification call.
const DefaultClassifyTimeout = 2 * time.Second

// Engine produces one routing decision per selected role.
type Engine struct {
	registry registry.Registry
	audit    audit.Sink
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.PipelineMetrics

	mu             sync.RWMutex
	rules          *Rules
	classifier     Classifier
	ownsClassifier bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditSink records every decision to sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.audit = sink
		}
	}
}

// WithClassifyTimeout bounds classification.
func WithClassifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records decision counts.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine builds an engine. A nil classifier classifies with rules.
func NewEngine(reg registry.Registry, classifier Classifier, rules *Rules, opts ...Option) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	ownsClassifier := classifier == nil
	if ownsClassifier {
		classifier = NewRuleClassifier(rules)
	}
	e := &Engine{
		ownsClassifier: ownsClassifier,
		registry:       reg,
		classifier:     classifier,
		rules:          rules,
		audit:          audit.Nop{},
		timeout:        DefaultClassifyTimeout,
		logger:         slog.Default(),
		tracer:         otel.Tracer("ipcollab/routing"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetRules swaps the rule set used by subsequent decisions. The built-in
// rule classifier follows the new rules; a custom classifier is kept.
func (e *Engine) SetRules(rules *Rules) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	if e.ownsClassifier {
		e.classifier = NewRuleClassifier(rules)
	}
}

// Rules returns the active rule set.
func (e *Engine) Rules() *Rules {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Decide resolves the selected roles and returns a decision per role id.
// An unknown role id fails the whole query.
func (e *Engine) Decide(ctx context.Context, q core.Query) (map[string]core.RoutingDecision, error) {
	selected, err := registry.Snapshot(ctx, e.registry, q.RoleIDs)
	if err != nil {
		return nil, err
	}
	return e.DecideFor(ctx, q, selected)
}

// DecideFor decides for an already resolved role snapshot. A classifier
// failure refers every role to triage instead of answering.
func (e *Engine) DecideFor(ctx context.Context, q core.Query, selected []core.RoleIdentity) (map[string]core.RoutingDecision, error) {
	ctx, span := e.tracer.Start(ctx, "routing.decide",
		trace.WithAttributes(telemetry.TurnAttributes(q.TurnID, len(selected))...))
	defer span.End()

	catalog, err := e.registry.List(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "role catalog unavailable, using selection only", slog.String("error", err.Error()))
		catalog = selected
	}

	e.mu.RLock()
	rules, classifier := e.rules, e.classifier
	e.mu.RUnlock()
	var decisions map[string]core.RoutingDecision

	features, err := resilience.WithTimeout(ctx, e.timeout, func(ctx context.Context) (core.RiskFeatures, error) {
		return classifier.Classify(ctx, q)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier unavailable")
		e.metrics.RecordError(ctx, err, "routing")
		e.logger.ErrorContext(ctx, "risk classifier failed, referring all roles to triage",
			slog.String("error", err.Error()))
		decisions = FailClosed(q, selected, rules.TriageTarget)
	} else {
		decisions = evaluateAll(rules, q, selected, catalog, features)
	}

	for _, role := range selected {
		d := decisions[role.ID]
		span.AddEvent("decision", trace.WithAttributes(
			telemetry.DecisionAttributes(d.RoleID, string(d.Kind), d.Target, d.Reason, d.RuleID)...))
		e.metrics.RecordDecision(ctx, string(d.Kind), d.Reason)
		e.record(ctx, d)
	}
	span.SetAttributes(attribute.Int("ipc.routing.decisions", len(decisions)))
	return decisions, nil
}

// DecideWithFeatures applies the active rules to precomputed features.
// Identical inputs always yield identical decisions.
func (e *Engine) DecideWithFeatures(q core.Query, selected, catalog []core.RoleIdentity, f core.RiskFeatures) map[string]core.RoutingDecision {
	return evaluateAll(e.Rules(), q, selected, catalog, f)
}

func evaluateAll(rules *Rules, q core.Query, selected, catalog []core.RoleIdentity, f core.RiskFeatures) map[string]core.RoutingDecision {
	out := make(map[string]core.RoutingDecision, len(selected))
	for _, role := range selected {
		out[role.ID] = rules.Evaluate(q, role, catalog, f)
	}
	return out
}

// FailClosed refers every selected role to target.
func FailClosed(q core.Query, selected []core.RoleIdentity, target string) map[string]core.RoutingDecision {
	out := make(map[string]core.RoutingDecision, len(selected))
	for _, role := range selected {
		out[role.ID] = core.RoutingDecision{
			TurnID: q.TurnID,
			RoleID: role.ID,
			Kind:   core.DecisionRefer,
			Target: target,
			Reason: core.ReasonClassifierUnavailable,
			RuleID: "fail_closed",
			Features: core.RiskFeatures{
				ScenarioType:      q.Scenario.Type,
				Credential:        q.Profile.Credential,
				ClassifierVersion: "unavailable",
			},
		}
	}
	return out
}

func (e *Engine) record(ctx context.Context, d core.RoutingDecision) {
	rec, err := audit.NewRecord(audit.KindDecision, d.TurnID, d.RoleID, string(d.Kind), d)
	if err == nil {
		err = e.audit.Record(ctx, rec)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "failed to audit routing decision",
			slog.String(telemetry.AttrRoleID, d.RoleID), slog.String("error", err.Error()))
	}
}
