// SPDX-License-Identifier: Apache-2.0

// Package agent implements the role agent: one generic agent interpreted
// against a RoleIdentity record to produce a draft response.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/llm"
	"github.com/jllopis/ipcollab/pkg/resilience"
	"github.com/jllopis/ipcollab/pkg/telemetry"
)

// Producer turns an ANSWER decision into a draft. RoleAgent is the
// production implementation.
type Producer interface {
	Produce(ctx context.Context, role core.RoleIdentity, q core.Query, passages []core.Passage, decision core.RoutingDecision) (core.DraftResponse, error)
}

// RoleAgent calls the text-generation capability for any role.
type RoleAgent struct {
	provider       llm.Provider
	model          string
	temperature    float64
	retry          resilience.RetryConfig
	attemptTimeout time.Duration
	breakerConfig  resilience.CircuitBreakerConfig
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *telemetry.PipelineMetrics

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// Option configures a RoleAgent.
type Option func(*RoleAgent)

// WithModel sets the model name sent to the provider.
func WithModel(model string) Option {
	return func(a *RoleAgent) { a.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(a *RoleAgent) { a.temperature = t }
}

// WithRetry sets the retry policy for generation calls.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(a *RoleAgent) { a.retry = rc }
}

// WithAttemptTimeout bounds each generation call.
func WithAttemptTimeout(d time.Duration) Option {
	return func(a *RoleAgent) { a.attemptTimeout = d }
}

// WithCircuitBreaker sets the per-role breaker configuration.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(a *RoleAgent) { a.breakerConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *RoleAgent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records breaker state and stage latency.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(a *RoleAgent) { a.metrics = m }
}

// New creates a RoleAgent over provider.
func New(provider llm.Provider, opts ...Option) *RoleAgent {
	a := &RoleAgent{
		provider:       provider,
		temperature:    0.2,
		retry:          resilience.DefaultRetryConfig(),
		attemptTimeout: 30 * time.Second,
		breakerConfig:  resilience.CircuitBreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Second},
		logger:         slog.Default(),
		tracer:         otel.Tracer("ipcollab/agent"),
		breakers:       make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Produce generates role's draft for q. It refuses to run for anything
// but an ANSWER decision addressed to role. Citations are limited to the
// supplied passages and an empty passage set yields an ungrounded draft.
func (a *RoleAgent) Produce(ctx context.Context, role core.RoleIdentity, q core.Query, passages []core.Passage, decision core.RoutingDecision) (core.DraftResponse, error) {
	if !decision.Answers() {
		return core.DraftResponse{}, errors.InvalidInput("draft requested for a "+string(decision.Kind)+" decision").
			WithContext("role_id", role.ID)
	}
	if decision.RoleID != role.ID {
		return core.DraftResponse{}, errors.InvalidInput("decision for " + decision.RoleID + " used for " + role.ID)
	}

	ctx, span := a.tracer.Start(ctx, "agent.produce", trace.WithAttributes(
		attribute.String(telemetry.AttrTurnID, q.TurnID),
		attribute.String(telemetry.AttrRoleID, role.ID),
		attribute.Int(telemetry.AttrRetrievalCount, len(passages)),
	))
	defer span.End()
	start := time.Now()

	req := llm.ChatRequest{
		Model:       a.model,
		Messages:    BuildMessages(role, q, passages),
		Temperature: a.temperature,
		JSON:        true,
		Tag:         role.ID,
	}

	breaker := a.breakerFor(role.ID)
	rc := a.retry.WithOnRetry(func(attempt int, err error) {
		a.logger.WarnContext(ctx, "generation retry",
			slog.String(telemetry.AttrRoleID, role.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	})
	resp, err := resilience.Retry(ctx, rc, func() (*llm.ChatResponse, error) {
		var out *llm.ChatResponse
		err := breaker.Call(ctx, func() error {
			r, err := resilience.WithTimeout(ctx, a.attemptTimeout, func(ctx context.Context) (*llm.ChatResponse, error) {
				return a.provider.Chat(ctx, req)
			})
			if err != nil {
				return err
			}
			if r == nil || r.Content == "" {
				return errors.New(errors.CodeGenerationFailed, "empty generation", nil).WithRecoverable(true)
			}
			out = r
			return nil
		})
		return out, err
	})
	a.metrics.RecordCircuitBreakerState(ctx, "agent:"+role.ID, breakerValue(breaker.State()))
	a.metrics.RecordStage(ctx, "generation", role.ID, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return core.DraftResponse{}, errors.GenerationFailed(role.ID, err)
	}
	span.SetAttributes(telemetry.LLMAttributes(resp.Model, llm.ProviderName(a.provider), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)

	draft := ParseDraft(resp.Content, passages)
	draft.RoleID = role.ID
	draft.Model = resp.Model
	if len(draft.Citations) == 0 && !draft.Ungrounded {
		a.logger.DebugContext(ctx, "draft cites no passages", slog.String(telemetry.AttrRoleID, role.ID))
	}
	return draft, nil
}

// BreakerState reports the breaker state for a role.
func (a *RoleAgent) BreakerState(roleID string) resilience.CircuitBreakerState {
	return a.breakerFor(roleID).State()
}

func (a *RoleAgent) breakerFor(roleID string) *resilience.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.breakers[roleID]
	if !ok {
		cfg := a.breakerConfig
		cfg.Name = "generation:" + roleID
		cb = resilience.NewCircuitBreaker(cfg)
		a.breakers[roleID] = cb
	}
	return cb
}

func breakerValue(s resilience.CircuitBreakerState) int64 {
	switch s {
	case resilience.StateOpen:
		return 0
	case resilience.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
