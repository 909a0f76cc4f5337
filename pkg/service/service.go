// SPDX-License-Identifier: Apache-2.0

// Package service is the external surface of the collaboration core: scenario
// submission, knowledge ingestion and role administration.
package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jllopis/ipcollab/pkg/audit"
	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/guardrails"
	"github.com/jllopis/ipcollab/pkg/knowledge"
	"github.com/jllopis/ipcollab/pkg/registry"
	"github.com/jllopis/ipcollab/pkg/telemetry"
)

// Submission is what a front end sends for one turn.
type Submission struct {
	ScenarioText    string   `json:"scenario_text"`
	ScenarioType    string   `json:"scenario_type,omitempty"`
	RoleIDs         []string `json:"role_ids"`
	ProfileRef      string   `json:"profile_ref,omitempty"`
	Credential      string   `json:"credential,omitempty"`
	ExperienceLevel string   `json:"experience_level,omitempty"`
	TurnID          string   `json:"turn_id,omitempty"`
}

// Query converts s into a pipeline query.
func (s Submission) Query() core.Query {
	return core.Query{
		TurnID:   s.TurnID,
		Scenario: core.Scenario{Text: s.ScenarioText, Type: strings.TrimSpace(s.ScenarioType)},
		RoleIDs:  s.RoleIDs,
		Profile: core.UserProfile{
			Ref:             s.ProfileRef,
			Credential:      s.Credential,
			ExperienceLevel: s.ExperienceLevel,
		},
	}
}

// Runner answers one query. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, q core.Query) (core.Bundle, error)
}

// Ingester rebuilds the knowledge index. *knowledge.Ingestor implements it.
type Ingester interface {
	Ingest(ctx context.Context, records []knowledge.Record) (knowledge.Report, error)
	Remove(ctx context.Context, sourceID string) error
	Rebuild(ctx context.Context) (knowledge.Report, error)
}

// Service wires the external interfaces to the pipeline.
type Service struct {
	runner   Runner
	roles    registry.Store
	ingester Ingester
	screen   *guardrails.Screen
	audit    audit.Store
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithScreen checks scenario text before it reaches routing.
func WithScreen(s *guardrails.Screen) Option {
	return func(svc *Service) { svc.screen = s }
}

// WithAuditStore enables audit queries.
func WithAuditStore(s audit.Store) Option {
	return func(svc *Service) { svc.audit = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(svc *Service) {
		if logger != nil {
			svc.logger = logger
		}
	}
}

// New creates a Service.
func New(runner Runner, roles registry.Store, ingester Ingester, opts ...Option) *Service {
	s := &Service{
		runner:   runner,
		roles:    roles,
		ingester: ingester,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit runs one turn and waits for the whole bundle. Rejected input is
// returned as an INVALID_INPUT or UNKNOWN_ROLE error.
func (s *Service) Submit(ctx context.Context, sub Submission) (core.Bundle, error) {
	if res := s.screen.CheckInput(ctx, sub.ScenarioText); res.Blocked {
		s.logger.WarnContext(ctx, "submission rejected",
			slog.String("guardrail", res.GuardrailID),
			slog.String("reason", res.Reason))
		return core.Bundle{}, errors.InvalidInput("scenario rejected: "+res.Reason).
			WithContext("guardrail", res.GuardrailID)
	}
	return s.runner.Run(ctx, sub.Query())
}

// Ingest indexes records. Re-ingesting a source id replaces it.
func (s *Service) Ingest(ctx context.Context, records []knowledge.Record) (knowledge.Report, error) {
	report, err := s.ingester.Ingest(ctx, records)
	s.logger.InfoContext(ctx, "ingestion finished",
		slog.Int(telemetry.AttrIngestRecords, len(records)),
		slog.Int("added", report.Added),
		slog.Int("updated", report.Updated),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("failed", len(report.Failed)))
	return report, err
}

// RemoveSource drops a source and its passages.
func (s *Service) RemoveSource(ctx context.Context, sourceID string) error {
	return s.ingester.Remove(ctx, sourceID)
}

// Rebuild re-indexes every stored source.
func (s *Service) Rebuild(ctx context.Context) (knowledge.Report, error) {
	return s.ingester.Rebuild(ctx)
}

// ListRoles returns the role catalog.
func (s *Service) ListRoles(ctx context.Context) ([]core.RoleIdentity, error) {
	return s.roles.List(ctx)
}

// GetRole returns one role.
func (s *Service) GetRole(ctx context.Context, id string) (core.RoleIdentity, error) {
	return s.roles.Get(ctx, id)
}

// PutRole creates or replaces a role. Turns already running keep their
// snapshot.
func (s *Service) PutRole(ctx context.Context, role core.RoleIdentity) (core.RoleIdentity, error) {
	stored, err := s.roles.Put(ctx, role)
	if err == nil {
		s.logger.InfoContext(ctx, "role stored",
			slog.String(telemetry.AttrRoleID, stored.ID),
			slog.Int("version", stored.Version))
	}
	return stored, err
}

// DeleteRole removes a role.
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	return s.roles.Delete(ctx, id)
}

// AuditRecords lists audit records. It fails when no queryable store is
// configured.
func (s *Service) AuditRecords(ctx context.Context, filter audit.Filter) ([]audit.Record, error) {
	if s.audit == nil {
		return nil, errors.New(errors.CodeNotFound, "audit store is not queryable", nil)
	}
	return s.audit.List(ctx, filter)
}
