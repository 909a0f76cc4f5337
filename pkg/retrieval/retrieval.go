// SPDX-License-Identifier: Apache-2.0
// Package retrieval supplies role-scoped grounding passages from the
// knowledge index.
package retrieval

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/knowledge"
	"github.com/jllopis/ipcollab/pkg/resilience"
	"github.com/jllopis/ipcollab/pkg/telemetry"
)

// DefaultK is the passage count used when a caller passes k <= 0.
const DefaultK = 5

// Retriever queries a knowledge.Index on behalf of one role.
type Retriever struct {
	index          knowledge.Index
	retry          resilience.RetryConfig
	attemptTimeout time.Duration
	scenarioFilter bool
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *telemetry.PipelineMetrics
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithRetry sets the retry policy for index calls.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(r *Retriever) { r.retry = rc }
}

// WithAttemptTimeout bounds each index call.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Retriever) { r.attemptTimeout = d }
}

// WithScenarioFilter restricts passages to the query's scenario type when
// the query carries one.
func WithScenarioFilter(enabled bool) Option {
	return func(r *Retriever) { r.scenarioFilter = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records retrieval latency.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// New creates a Retriever over index.
func New(index knowledge.Index, opts ...Option) *Retriever {
	r := &Retriever{
		index:  index,
		retry:  resilience.DefaultRetryConfig(),
		logger: slog.Default(),
		tracer: otel.Tracer("ipcollab/retrieval"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tags returns the knowledge-source tags a role may read. A role without
// explicit tags reads only sources tagged with its own id.
func Tags(role core.RoleIdentity) []string {
	if len(role.KnowledgeTags) > 0 {
		return role.KnowledgeTags
	}
	return []string{role.ID}
}

// Retrieve returns up to k passages for role, best first. Fewer than k
// passages is not an error. Once retries are exhausted the error carries
// CodeIndexUnavailable and callers continue with no passages.
func (r *Retriever) Retrieve(ctx context.Context, role core.RoleIdentity, q core.Query, k int) ([]core.Passage, error) {
	if k <= 0 {
		k = DefaultK
	}
	tags := Tags(role)
	req := knowledge.SearchRequest{Text: q.Scenario.Text, RoleTags: tags, Limit: k}
	if r.scenarioFilter {
		req.ScenarioType = q.Scenario.Type
	}

	ctx, span := r.tracer.Start(ctx, "retrieval.retrieve", trace.WithAttributes(
		attribute.String(telemetry.AttrTurnID, q.TurnID),
		attribute.String(telemetry.AttrRoleID, role.ID),
		attribute.String(telemetry.AttrRetrievalScenario, req.ScenarioType),
	))
	defer span.End()
	start := time.Now()

	rc := r.retry.WithOnRetry(func(attempt int, err error) {
		r.logger.WarnContext(ctx, "retrieval retry",
			slog.String(telemetry.AttrRoleID, role.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	})
	found, err := resilience.Retry(ctx, rc, func() ([]core.Passage, error) {
		return resilience.WithTimeout(ctx, r.attemptTimeout, func(ctx context.Context) ([]core.Passage, error) {
			return r.index.Search(ctx, req)
		})
	})
	r.metrics.RecordStage(ctx, "retrieval", role.ID, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index unavailable")
		if !errors.HasCode(err, errors.CodeIndexUnavailable) {
			err = errors.IndexUnavailable(err)
		}
		return nil, err
	}

	out := make([]core.Passage, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, p := range found {
		if seen[p.ID] || !p.TaggedFor(tags) {
			continue
		}
		if req.ScenarioType != "" && !slices.Contains(p.ScenarioTags, req.ScenarioType) {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	core.SortPassages(out)
	if len(out) > k {
		out = out[:k]
	}

	span.SetAttributes(attribute.Int(telemetry.AttrRetrievalCount, len(out)))
	return out, nil
}
