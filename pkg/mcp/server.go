// SPDX-License-Identifier: Apache-2.0

// Package mcp exposes the collaboration service as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/ipcollab/pkg/audit"
	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/knowledge"
	"github.com/jllopis/ipcollab/pkg/service"
)

// Tool names.
const (
	ToolSubmitScenario = "submit_scenario"
	ToolListRoles      = "list_roles"
	ToolGetRole        = "get_role"
	ToolIngestSources  = "ingest_sources"
	ToolRemoveSource   = "remove_source"
	ToolListAudit      = "list_audit"
)

// Backend is the part of *service.Service the tools call.
type Backend interface {
	Submit(ctx context.Context, sub service.Submission) (core.Bundle, error)
	ListRoles(ctx context.Context) ([]core.RoleIdentity, error)
	GetRole(ctx context.Context, id string) (core.RoleIdentity, error)
	Ingest(ctx context.Context, records []knowledge.Record) (knowledge.Report, error)
	RemoveSource(ctx context.Context, sourceID string) error
	AuditRecords(ctx context.Context, filter audit.Filter) ([]audit.Record, error)
}

// Server wraps the mcp-go server with the collaboration tools registered.
type Server struct {
	mcpServer *server.MCPServer
	backend   Backend
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a new MCP server backed by b.
func NewServer(name, version string, b Backend, opts ...Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions(instructions),
		),
		backend: b,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

const instructions = `Submit a clinical scenario with submit_scenario and the roles you want to hear from.
Each role answers, refers or declines independently. Entries come back in the order requested.
Responses are educational and do not replace clinical judgement.`

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(ToolSubmitScenario,
		mcp.WithDescription("Ask the selected professional roles about a scenario and return one entry per role."),
		mcp.WithString("scenario_text", mcp.Required(), mcp.Description("Free-text description of the clinical situation.")),
		mcp.WithArray("role_ids", mcp.Required(), mcp.Description("Role ids in the order the entries should appear."),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("scenario_type", mcp.Description("Optional scenario category tag.")),
		mcp.WithString("profile_ref", mcp.Description("Opaque reference to the requesting user.")),
		mcp.WithString("credential", mcp.Description("Credential of the requesting user, for example RN.")),
		mcp.WithString("experience_level", mcp.Description("Experience level of the requesting user.")),
	), s.handleSubmit)

	s.mcpServer.AddTool(mcp.NewTool(ToolListRoles,
		mcp.WithDescription("List the professional roles that can be selected."),
	), s.handleListRoles)

	s.mcpServer.AddTool(mcp.NewTool(ToolGetRole,
		mcp.WithDescription("Return one role definition."),
		mcp.WithString("role_id", mcp.Required()),
	), s.handleGetRole)

	s.mcpServer.AddTool(mcp.NewTool(ToolIngestSources,
		mcp.WithDescription("Index knowledge sources. Re-ingesting a source id replaces its passages."),
		mcp.WithString("sources_yaml", mcp.Description("YAML document with a top-level sources list.")),
		mcp.WithArray("records", mcp.Description("Source records as objects."),
			mcp.Items(map[string]any{"type": "object"})),
	), s.handleIngest)

	s.mcpServer.AddTool(mcp.NewTool(ToolRemoveSource,
		mcp.WithDescription("Remove a knowledge source and its passages."),
		mcp.WithString("source_id", mcp.Required()),
	), s.handleRemoveSource)

	s.mcpServer.AddTool(mcp.NewTool(ToolListAudit,
		mcp.WithDescription("List audit records, newest last."),
		mcp.WithString("kind", mcp.Enum(string(audit.KindDecision), string(audit.KindBundle))),
		mcp.WithString("turn_id"),
		mcp.WithString("role_id"),
		mcp.WithString("outcome"),
		mcp.WithNumber("limit"),
	), s.handleListAudit)
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdio.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sub service.Submission
	if err := req.BindArguments(&sub); err != nil {
		return invalidArgs(err), nil
	}
	bundle, err := s.backend.Submit(ctx, sub)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	return jsonResult(bundle)
}

func (s *Server) handleListRoles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roles, err := s.backend.ListRoles(ctx)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	return jsonResult(roles)
}

func (s *Server) handleGetRole(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("role_id")
	if err != nil {
		return invalidArgs(err), nil
	}
	role, err := s.backend.GetRole(ctx, id)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	return jsonResult(role)
}

type ingestArgs struct {
	SourcesYAML string             `json:"sources_yaml"`
	Records     []knowledge.Record `json:"records"`
}

func (s *Server) handleIngest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args ingestArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	records := args.Records
	if args.SourcesYAML != "" {
		parsed, err := knowledge.ParseSources([]byte(args.SourcesYAML))
		if err != nil {
			return invalidArgs(err), nil
		}
		records = append(records, parsed...)
	}
	if len(records) == 0 {
		return mcp.NewToolResultError("no sources given"), nil
	}
	report, err := s.backend.Ingest(ctx, records)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	return jsonResult(report)
}

func (s *Server) handleRemoveSource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("source_id")
	if err != nil {
		return invalidArgs(err), nil
	}
	if err := s.backend.RemoveSource(ctx, id); err != nil {
		return s.failure(ctx, req, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("removed %s", id)), nil
}

type auditArgs struct {
	Kind    string `json:"kind"`
	TurnID  string `json:"turn_id"`
	RoleID  string `json:"role_id"`
	Outcome string `json:"outcome"`
	Limit   int    `json:"limit"`
}

func (s *Server) handleListAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args auditArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	records, err := s.backend.AuditRecords(ctx, audit.Filter{
		Kind:    audit.Kind(args.Kind),
		TurnID:  args.TurnID,
		RoleID:  args.RoleID,
		Outcome: args.Outcome,
		Limit:   args.Limit,
	})
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	return jsonResult(records)
}

// failure turns a backend error into a tool error result. Only the error
// code and message reach the caller.
func (s *Server) failure(ctx context.Context, req mcp.CallToolRequest, err error) *mcp.CallToolResult {
	typed := errors.As(err)
	s.logger.WarnContext(ctx, "mcp tool failed",
		slog.String("tool", req.Params.Name),
		slog.String("code", string(typed.Code)),
		slog.String("error", err.Error()))
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", typed.Code, typed.Message))
}

func invalidArgs(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: invalid arguments: %v", errors.CodeInvalidInput, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
