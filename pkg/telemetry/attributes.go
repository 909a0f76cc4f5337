// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry and slog integration for the
// collaboration pipeline.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on spans, metrics and log records.
const (
	AttrTurnID        = "ipc.turn.id"
	AttrTurnRoleCount = "ipc.turn.role_count"

	AttrRoleID    = "ipc.role.id"
	AttrRoleOrder = "ipc.role.order"

	AttrDecisionKind   = "ipc.decision.kind"
	AttrDecisionTarget = "ipc.decision.target"
	AttrDecisionReason = "ipc.decision.reason"
	AttrDecisionRule   = "ipc.decision.rule"

	AttrRetrievalCount    = "ipc.retrieval.passage_count"
	AttrRetrievalScenario = "ipc.retrieval.scenario_type"

	AttrUnitOutcome = "ipc.unit.outcome"

	AttrGuardrailCheck = "ipc.guardrail.check"
	AttrDuplicates     = "ipc.guardrail.duplicates_suppressed"

	AttrIngestSource  = "ipc.ingest.source_id"
	AttrIngestChunks  = "ipc.ingest.chunks"
	AttrIngestRecords = "ipc.ingest.records"

	AttrErrorCode        = "error.code"
	AttrErrorRecoverable = "error.recoverable"
	AttrComponent        = "component"

	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
)

// TurnAttributes returns attributes for a turn span.
func TurnAttributes(turnID string, roleCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTurnID, turnID),
		attribute.Int(AttrTurnRoleCount, roleCount),
	}
}

// DecisionAttributes returns attributes describing a routing decision.
func DecisionAttributes(roleID, kind, target, reason, rule string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRoleID, roleID),
		attribute.String(AttrDecisionKind, kind),
	}
	if target != "" {
		attrs = append(attrs, attribute.String(AttrDecisionTarget, target))
	}
	if reason != "" {
		attrs = append(attrs, attribute.String(AttrDecisionReason, reason))
	}
	if rule != "" {
		attrs = append(attrs, attribute.String(AttrDecisionRule, rule))
	}
	return attrs
}

// LLMAttributes returns attributes for a generation call.
func LLMAttributes(model, provider string, inputTokens, outputTokens int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrLLMModel, model)}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	return attrs
}
