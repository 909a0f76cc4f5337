// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs one turn: a single routing call, a concurrent
// retrieval and generation unit per answering role, a barrier, then
// assembly of the ordered bundle.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/ipcollab/pkg/agent"
	"github.com/jllopis/ipcollab/pkg/audit"
	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/guardrails"
	"github.com/jllopis/ipcollab/pkg/registry"
	"github.com/jllopis/ipcollab/pkg/retrieval"
	"github.com/jllopis/ipcollab/pkg/routing"
	"github.com/jllopis/ipcollab/pkg/telemetry"
)

// DefaultTurnTimeout bounds the fan-out of one turn.
const DefaultTurnTimeout = 90 * time.Second

// Router decides per role. *routing.Engine implements it.
type Router interface {
	DecideFor(ctx context.Context, q core.Query, selected []core.RoleIdentity) (map[string]core.RoutingDecision, error)
}

// Retriever supplies grounding passages. *retrieval.Retriever implements it.
type Retriever interface {
	Retrieve(ctx context.Context, role core.RoleIdentity, q core.Query, k int) ([]core.Passage, error)
}

// Assembler builds the bundle after the barrier. *guardrails.Assembler
// implements it.
type Assembler interface {
	Assemble(ctx context.Context, turn guardrails.Turn) core.Bundle
}

// Orchestrator sequences routing, the per-role units and assembly.
type Orchestrator struct {
	registry    registry.Registry
	router      Router
	retriever   Retriever
	producer    agent.Producer
	assembler   Assembler
	audit       audit.Sink
	topK        int
	turnTimeout time.Duration
	maxLen      int
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *telemetry.PipelineMetrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTopK sets how many passages each role retrieves.
func WithTopK(k int) Option {
	return func(o *Orchestrator) { o.topK = k }
}

// WithTurnTimeout bounds the concurrent units. Zero disables the bound.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.turnTimeout = d }
}

// WithMaxScenarioLength bounds scenario text in characters.
func WithMaxScenarioLength(n int) Option {
	return func(o *Orchestrator) { o.maxLen = n }
}

// WithAuditSink records one entry per bundle.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.audit = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records turn and unit metrics.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New wires an Orchestrator.
func New(reg registry.Registry, router Router, retriever Retriever, producer agent.Producer, assembler Assembler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    reg,
		router:      router,
		retriever:   retriever,
		producer:    producer,
		assembler:   assembler,
		audit:       audit.Nop{},
		topK:        retrieval.DefaultK,
		turnTimeout: DefaultTurnTimeout,
		maxLen:      core.DefaultMaxScenarioLength,
		logger:      slog.Default(),
		tracer:      otel.Tracer("ipcollab/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run answers q. Only input errors are returned: a malformed query or an
// unknown role id. Every dependency failure degrades the affected entry.
func (o *Orchestrator) Run(ctx context.Context, q core.Query) (core.Bundle, error) {
	if q.TurnID == "" {
		if id, ok := core.TurnID(ctx); ok {
			q.TurnID = id
		} else {
			q.TurnID = core.NewTurnID()
		}
	}
	ctx = core.WithTurnID(ctx, q.TurnID)

	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(telemetry.TurnAttributes(q.TurnID, len(q.RoleIDs))...))
	defer span.End()
	start := time.Now()

	if err := q.Validate(o.maxLen); err != nil {
		span.SetStatus(codes.Error, "invalid query")
		return core.Bundle{}, errors.InvalidInput(err.Error()).WithContext("turn_id", q.TurnID)
	}
	selected, err := registry.Snapshot(ctx, o.registry, q.RoleIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "role resolution failed")
		return core.Bundle{}, err
	}
	catalog, err := o.registry.List(ctx)
	if err != nil {
		catalog = selected
	}

	decisions, err := o.router.DecideFor(ctx, q, selected)
	if err != nil {
		o.logger.ErrorContext(ctx, "routing failed, referring all roles to triage", slog.String("error", err.Error()))
		decisions = routing.FailClosed(q, selected, routing.DefaultTriageTarget)
	}

	units := make([]guardrails.Unit, len(selected))
	for i, role := range selected {
		d, ok := decisions[role.ID]
		if !ok || d.Kind == "" {
			d = routing.FailClosed(q, []core.RoleIdentity{role}, routing.DefaultTriageTarget)[role.ID]
		}
		units[i] = guardrails.Unit{Role: role, Decision: d}
	}

	o.fanOut(ctx, q, units)

	bundle := o.assembler.Assemble(ctx, guardrails.Turn{TurnID: q.TurnID, Units: units, Catalog: catalog})

	degraded := 0
	for _, e := range bundle.Entries {
		o.metrics.RecordUnit(ctx, e.RoleID, string(e.Kind))
		if e.Kind == core.EntryUnavailable {
			degraded++
		}
	}
	o.recordBundle(ctx, bundle, degraded)
	o.metrics.RecordTurn(ctx, len(selected), time.Since(start))
	span.SetAttributes(
		attribute.Int(telemetry.AttrDuplicates, bundle.SuppressedDuplicates),
		attribute.Int("ipc.turn.degraded", degraded),
	)
	o.logger.InfoContext(ctx, "turn complete",
		slog.String(telemetry.AttrTurnID, q.TurnID),
		slog.Int("roles", len(selected)),
		slog.Int("degraded", degraded),
		slog.Int("duplicates", bundle.SuppressedDuplicates),
		slog.Duration("elapsed", time.Since(start)))
	return bundle, nil
}

// fanOut runs one unit per ANSWER decision and returns once every unit
// has finished or the turn deadline passed. Each goroutine writes only its
// own slot.
func (o *Orchestrator) fanOut(ctx context.Context, q core.Query, units []guardrails.Unit) {
	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	for i := range units {
		if !units[i].Decision.Answers() {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			units[i] = o.runUnit(ctx, q, i, units[i])
		}(i)
	}
	wg.Wait()
}

type unitResult struct {
	passages     []core.Passage
	retrievalErr error
	draft        core.DraftResponse
	err          error
}

// runUnit waits for the unit's work or the turn deadline, whichever comes
// first. A unit that outlives the deadline is abandoned and reported as
// timed out.
func (o *Orchestrator) runUnit(ctx context.Context, q core.Query, order int, u guardrails.Unit) guardrails.Unit {
	ctx = core.WithRoleID(ctx, u.Role.ID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.unit", trace.WithAttributes(
		attribute.String(telemetry.AttrRoleID, u.Role.ID),
		attribute.Int(telemetry.AttrRoleOrder, order),
	))
	defer span.End()

	done := make(chan unitResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- unitResult{err: errors.New(errors.CodeInternal, "role unit panicked", fmt.Errorf("%v", r)).
					WithContext("role_id", u.Role.ID)}
			}
		}()
		done <- o.work(ctx, q, u)
	}()

	var res unitResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = unitResult{err: errors.New(errors.CodeTimeout, "turn deadline exceeded", ctx.Err()).
			WithContext("role_id", u.Role.ID)}
	}

	u.Passages = res.passages
	u.RetrievalErr = res.retrievalErr
	if res.err != nil {
		u.Err = res.err
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "unit degraded")
		o.metrics.RecordError(ctx, res.err, "orchestrator")
		o.logger.WarnContext(ctx, "role unit degraded",
			slog.String(telemetry.AttrRoleID, u.Role.ID),
			slog.String("error", res.err.Error()))
		return u
	}
	draft := res.draft
	u.Draft = &draft
	span.SetAttributes(attribute.Int(telemetry.AttrRetrievalCount, len(res.passages)))
	return u
}

func (o *Orchestrator) work(ctx context.Context, q core.Query, u guardrails.Unit) unitResult {
	passages, rerr := o.retriever.Retrieve(ctx, u.Role, q, o.topK)
	if rerr != nil {
		o.metrics.RecordError(ctx, rerr, "retrieval")
		o.logger.WarnContext(ctx, "retrieval failed, generating ungrounded",
			slog.String(telemetry.AttrRoleID, u.Role.ID),
			slog.String("error", rerr.Error()))
		passages = nil
	}
	draft, err := o.producer.Produce(ctx, u.Role, q, passages, u.Decision)
	return unitResult{passages: passages, retrievalErr: rerr, draft: draft, err: err}
}

// BundleSummary is the audit payload for a bundle.
type BundleSummary struct {
	Entries              []EntrySummary `json:"entries"`
	SuppressedDuplicates int            `json:"suppressed_duplicates"`
}

// EntrySummary is one bundle entry without its text.
type EntrySummary struct {
	RoleID          string         `json:"role_id"`
	Kind            core.EntryKind `json:"kind"`
	Target          string         `json:"target,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Citations       int            `json:"citations"`
	Ungrounded      bool           `json:"ungrounded,omitempty"`
	ToneOK          bool           `json:"tone_ok"`
	CrossReferences []string       `json:"cross_references,omitempty"`
	Flags           []string       `json:"flags,omitempty"`
}

// Summarize drops response text from b.
func Summarize(b core.Bundle) BundleSummary {
	s := BundleSummary{SuppressedDuplicates: b.SuppressedDuplicates}
	for _, e := range b.Entries {
		es := EntrySummary{
			RoleID:          e.RoleID,
			Kind:            e.Kind,
			Target:          e.Decision.Target,
			Reason:          e.Decision.Reason,
			Citations:       len(e.Citations),
			Ungrounded:      e.Ungrounded,
			ToneOK:          e.ToneOK,
			CrossReferences: e.CrossReferences,
		}
		for _, f := range e.Flags {
			es.Flags = append(es.Flags, f.Check)
		}
		s.Entries = append(s.Entries, es)
	}
	return s
}

func (o *Orchestrator) recordBundle(ctx context.Context, b core.Bundle, degraded int) {
	outcome := "complete"
	if degraded > 0 {
		outcome = "degraded"
	}
	rec, err := audit.NewRecord(audit.KindBundle, b.TurnID, "", outcome, Summarize(b))
	if err == nil {
		err = o.audit.Record(ctx, rec)
	}
	if err != nil {
		o.logger.WarnContext(ctx, "audit record failed",
			slog.String(telemetry.AttrTurnID, b.TurnID),
			slog.String("error", err.Error()))
	}
}
