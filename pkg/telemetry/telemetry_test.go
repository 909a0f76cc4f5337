// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/ipcollab/pkg/core"
	ipcerrors "github.com/jllopis/ipcollab/pkg/errors"
)

func TestInit(t *testing.T) {
	for _, exporter := range []string{"none", "stdout"} {
		t.Run(exporter, func(t *testing.T) {
			var buf bytes.Buffer
			shutdown, err := Init(context.Background(), Config{Exporter: exporter, Output: &buf})
			if err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown failed: %v", err)
			}
		})
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	if _, err := Init(context.Background(), Config{Exporter: "otlp"}); err == nil {
		t.Errorf("expected error for otlp without endpoint")
	}
	if _, err := Init(context.Background(), Config{Exporter: "carrier-pigeon"}); err == nil {
		t.Errorf("expected error for unknown exporter")
	}
}

func TestLoggerAddsTurnAndRole(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", "json")

	ctx := core.WithTurnID(context.Background(), "turn-abc")
	logger.InfoContext(ctx, "routing done")
	logger.InfoContext(core.WithRoleID(ctx, "nurse"), "draft ready")
	logger.InfoContext(core.WithRoleID(ctx, "nurse"), "explicit", slog.String(AttrRoleID, "surgeon"))
	logger.Info("no context")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"ipc.turn.id":"turn-abc"`) || strings.Contains(lines[0], AttrRoleID) {
		t.Errorf("expected only the turn id in %s", lines[0])
	}
	if !strings.Contains(lines[1], `"ipc.role.id":"nurse"`) {
		t.Errorf("expected role id in %s", lines[1])
	}
	if strings.Count(lines[2], AttrRoleID) != 1 || !strings.Contains(lines[2], "surgeon") {
		t.Errorf("explicit role id must win in %s", lines[2])
	}
	if strings.Contains(lines[3], AttrTurnID) {
		t.Errorf("unexpected turn id in %s", lines[3])
	}
}

func TestParseLogLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPipelineMetricsNilSafe(t *testing.T) {
	ctx := context.Background()
	var m *PipelineMetrics
	m.RecordTurn(ctx, 2, time.Second)
	m.RecordDecision(ctx, "ANSWER", "")
	m.RecordUnit(ctx, "nurse", "answer")
	m.RecordStage(ctx, "retrieval", "nurse", time.Millisecond)
	m.RecordDuplicates(ctx, 3)
	m.RecordError(ctx, errors.New("x"), "retrieval")
	m.RecordCircuitBreakerState(ctx, "generation", 2)
}

func TestPipelineMetricsRecord(t *testing.T) {
	m, err := NewPipelineMetrics()
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RecordTurn(ctx, 3, 120*time.Millisecond)
	m.RecordDecision(ctx, "REFER", "high_risk")
	m.RecordUnit(ctx, "pharmacist", "unavailable")
	m.RecordStage(ctx, "generation", "pharmacist", 40*time.Millisecond)
	m.RecordDuplicates(ctx, 1)
	m.RecordError(ctx, ipcerrors.IndexUnavailable(nil), "retrieval")
	m.RecordError(ctx, nil, "retrieval")
}

func TestDecisionAttributes(t *testing.T) {
	attrs := DecisionAttributes("pharmacist", "REFER", "surgeon", "cross_role_scope", "")
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	if string(attrs[2].Key) != AttrDecisionTarget || attrs[2].Value.AsString() != "surgeon" {
		t.Errorf("unexpected target attribute %v", attrs[2])
	}
}
