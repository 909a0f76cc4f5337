// SPDX-License-Identifier: Apache-2.0
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/ipcollab/pkg/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected default provider ollama, got %s", cfg.LLM.Provider)
	}
	if cfg.Routing.TriageTarget != "" {
		t.Errorf("triage target should defer to the rules, got %s", cfg.Routing.TriageTarget)
	}
	if cfg.Guardrails.Fingerprint.Threshold != 0.75 {
		t.Errorf("expected threshold 0.75, got %v", cfg.Guardrails.Fingerprint.Threshold)
	}
	if cfg.Knowledge.Chunker.MaxTokens != 400 {
		t.Errorf("expected chunker max 400, got %d", cfg.Knowledge.Chunker.MaxTokens)
	}
	if cfg.Orchestrator.TurnTimeout() != 90*time.Second {
		t.Errorf("expected 90s turn timeout, got %s", cfg.Orchestrator.TurnTimeout())
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("IPC_ROUTING_TRIAGE_TARGET", "charge_nurse")
	t.Setenv("IPC_GUARDRAILS_FINGERPRINT_THRESHOLD", "0.9")
	t.Setenv("IPC_LLM_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Routing.TriageTarget != "charge_nurse" {
		t.Errorf("expected charge_nurse from env, got %s", cfg.Routing.TriageTarget)
	}
	if cfg.Guardrails.Fingerprint.Threshold != 0.9 {
		t.Errorf("expected nested threshold from env, got %v", cfg.Guardrails.Fingerprint.Threshold)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("expected api key from env, got %q", cfg.LLM.APIKey)
	}
}

func TestLoadWithProfile(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "config.yaml")
	writeFile(t, basePath, `
llm:
  provider: "ollama"
  model: "llama3.1"
log:
  level: "info"
`)
	writeFile(t, filepath.Join(dir, "config.dev.yaml"), `
llm:
  provider: "mock"
log:
  level: "debug"
`)
	writeFile(t, filepath.Join(dir, "config.prod.yaml"), `
llm:
  provider: "openai"
log:
  level: "warn"
`)

	tests := []struct {
		name         string
		profile      string
		wantProvider string
		wantLogLevel string
	}{
		{name: "no profile - base only", profile: "", wantProvider: "ollama", wantLogLevel: "info"},
		{name: "dev profile", profile: "dev", wantProvider: "mock", wantLogLevel: "debug"},
		{name: "prod profile", profile: "prod", wantProvider: "openai", wantLogLevel: "warn"},
		{name: "nonexistent profile - falls back to base", profile: "staging", wantProvider: "ollama", wantLogLevel: "info"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}
			if cfg.LLM.Provider != tc.wantProvider {
				t.Errorf("provider: got %s, want %s", cfg.LLM.Provider, tc.wantProvider)
			}
			if cfg.Log.Level != tc.wantLogLevel {
				t.Errorf("log level: got %s, want %s", cfg.Log.Level, tc.wantLogLevel)
			}
			if cfg.LLM.Model != "llama3.1" {
				t.Errorf("model should be inherited from base, got %s", cfg.LLM.Model)
			}
		})
	}
}

func TestLoadWithCLI(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "config.yaml")
	writeFile(t, basePath, `
llm:
  provider: "ollama"
guardrails:
  fingerprint:
    method: cosine
`)
	writeFile(t, filepath.Join(dir, "config.dev.yaml"), `
llm:
  provider: "mock"
`)
	t.Setenv("IPC_LLM_MODEL", "from-env")

	tests := []struct {
		name         string
		args         []string
		wantProvider string
		wantModel    string
	}{
		{name: "profile flag", args: []string{"--config", basePath, "--profile", "dev"}, wantProvider: "mock", wantModel: "from-env"},
		{name: "env flag alias", args: []string{"--config", basePath, "--env", "dev"}, wantProvider: "mock", wantModel: "from-env"},
		{name: "equals form", args: []string{"--config=" + basePath, "--profile=dev"}, wantProvider: "mock", wantModel: "from-env"},
		{name: "set wins over env", args: []string{"--config", basePath, "--set", "llm.model=from-cli", "--set=llm.provider=openai"}, wantProvider: "openai", wantModel: "from-cli"},
		{name: "unrelated args ignored", args: []string{"ask", "--config", basePath, "--roles", "nurse"}, wantProvider: "ollama", wantModel: "from-env"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithCLI(tc.args)
			if err != nil {
				t.Fatalf("LoadWithCLI failed: %v", err)
			}
			if cfg.LLM.Provider != tc.wantProvider {
				t.Errorf("provider: got %s, want %s", cfg.LLM.Provider, tc.wantProvider)
			}
			if cfg.LLM.Model != tc.wantModel {
				t.Errorf("model: got %s, want %s", cfg.LLM.Model, tc.wantModel)
			}
			if cfg.Guardrails.Fingerprint.Method != "cosine" {
				t.Errorf("file value lost: %s", cfg.Guardrails.Fingerprint.Method)
			}
		})
	}
}

func TestLoadWithCLITypedOverrides(t *testing.T) {
	cfg, err := LoadWithCLI([]string{
		"--set", "orchestrator.turn_timeout_seconds=12",
		"--set", "knowledge.scenario_filter=true",
		"--set", "guardrails.fingerprint.threshold=0.6",
	})
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}
	if cfg.Orchestrator.TurnTimeoutSeconds != 12 {
		t.Errorf("expected 12, got %d", cfg.Orchestrator.TurnTimeoutSeconds)
	}
	if !cfg.Knowledge.ScenarioFilter {
		t.Errorf("expected scenario filter enabled")
	}
	if cfg.Guardrails.Fingerprint.Threshold != 0.6 {
		t.Errorf("expected 0.6, got %v", cfg.Guardrails.Fingerprint.Threshold)
	}
}

func TestParseCLIErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--config"},
		{"--set"},
		{"--set", "invalid"},
		{"--set", "=value"},
	} {
		if _, err := parseCLI(args); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestProfileConfigPath(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "config.dev.yaml")
	writeFile(t, devPath, "test")
	basePath := filepath.Join(dir, "config.yaml")

	tests := []struct {
		name     string
		base     string
		profile  string
		wantPath string
	}{
		{name: "existing profile", base: basePath, profile: "dev", wantPath: devPath},
		{name: "nonexistent profile", base: basePath, profile: "prod", wantPath: ""},
		{name: "empty profile", base: basePath, profile: "", wantPath: ""},
		{name: "empty base", base: "", profile: "dev", wantPath: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := profileConfigPath(tc.base, tc.profile); got != tc.wantPath {
				t.Errorf("profileConfigPath(%q, %q) = %q, want %q", tc.base, tc.profile, got, tc.wantPath)
			}
		})
	}
}

func TestLoadRejectsOutOfRangeSettings(t *testing.T) {
	tests := []struct {
		name string
		set  string
		key  string
	}{
		{name: "zero threshold", set: "guardrails.fingerprint.threshold=0", key: "guardrails.fingerprint.threshold"},
		{name: "threshold above one", set: "guardrails.fingerprint.threshold=1.5", key: "guardrails.fingerprint.threshold"},
		{name: "unknown method", set: "guardrails.fingerprint.method=minhash", key: "guardrails.fingerprint.method"},
		{name: "zero top k", set: "knowledge.top_k=0", key: "knowledge.top_k"},
		{name: "zero retrieval attempts", set: "knowledge.max_attempts=0", key: "knowledge.max_attempts"},
		{name: "zero generation attempts", set: "llm.max_attempts=0", key: "llm.max_attempts"},
		{name: "negative turn timeout", set: "orchestrator.turn_timeout_seconds=-1", key: "orchestrator.turn_timeout_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithCLI([]string{"--set", tt.set})
			if err == nil {
				t.Fatalf("expected error for %s", tt.set)
			}
			if !errors.HasCode(err, errors.CodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not name %s", err, tt.key)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	cfg.Guardrails.Fingerprint.Threshold = 0
	cfg.Knowledge.TopK = 0
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, key := range []string{"guardrails.fingerprint.threshold", "knowledge.top_k"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
	cfg.Guardrails.Fingerprint.Threshold = 1
	cfg.Knowledge.TopK = 1
	if err := cfg.Validate(); err != nil {
		t.Errorf("threshold of exactly 1 is valid: %v", err)
	}
}
