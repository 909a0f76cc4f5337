// SPDX-License-Identifier: Apache-2.0

// Package config loads ipcollab settings with koanf: built-in defaults, a
// YAML file with an optional profile overlay, IPC_ environment variables and
// --set command line overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/ipcollab/pkg/errors"
	"github.com/jllopis/ipcollab/pkg/guardrails"
	"github.com/jllopis/ipcollab/pkg/knowledge"
)

// EnvPrefix marks environment overrides. IPC_ROUTING_TRIAGE_TARGET sets
// routing.triage_target.
const EnvPrefix = "IPC_"

type Config struct {
	Log          LogConfig          `koanf:"log"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	LLM          LLMConfig          `koanf:"llm"`
	Knowledge    KnowledgeConfig    `koanf:"knowledge"`
	Registry     RegistryConfig     `koanf:"registry"`
	Routing      RoutingConfig      `koanf:"routing"`
	Guardrails   GuardrailsConfig   `koanf:"guardrails"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Audit        AuditConfig        `koanf:"audit"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter              string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint          string `koanf:"otlp_endpoint"`
	OTLPInsecure          bool   `koanf:"otlp_insecure"`
	MetricIntervalSeconds int    `koanf:"metric_interval_seconds"`
}

type LLMConfig struct {
	Provider              string  `koanf:"provider"` // ollama, openai, mock
	Model                 string  `koanf:"model"`
	BaseURL               string  `koanf:"base_url"`
	APIKey                string  `koanf:"api_key"`
	Temperature           float64 `koanf:"temperature"`
	MaxAttempts           int     `koanf:"max_attempts"`
	AttemptTimeoutSeconds int     `koanf:"attempt_timeout_seconds"`
	BreakerThreshold      int     `koanf:"breaker_threshold"`
}

type KnowledgeConfig struct {
	Backend         string                  `koanf:"backend"` // bleve, qdrant
	QdrantAddr      string                  `koanf:"qdrant_addr"`
	Collection      string                  `koanf:"collection"`
	VectorSize      int                     `koanf:"vector_size"`
	EmbedderBaseURL string                  `koanf:"embedder_base_url"`
	EmbedderModel   string                  `koanf:"embedder_model"`
	SourcesDB       string                  `koanf:"sources_db"` // empty keeps records in memory
	SourcesFile     string                  `koanf:"sources_file"`
	ScenarioDetect  string                  `koanf:"scenario_detector"` // keyword, llm, none
	Chunker         knowledge.ChunkerConfig `koanf:"chunker"`
	TopK            int                     `koanf:"top_k"`
	ScenarioFilter  bool                    `koanf:"scenario_filter"`
	MaxAttempts     int                     `koanf:"max_attempts"`
}

type RegistryConfig struct {
	File  string `koanf:"file"`
	DB    string `koanf:"db"`
	Watch bool   `koanf:"watch"`
}

type RoutingConfig struct {
	RulesFile string `koanf:"rules_file"`
	// TriageTarget overrides the rules file triage target when set.
	TriageTarget           string `koanf:"triage_target"`
	ClassifyTimeoutSeconds int    `koanf:"classify_timeout_seconds"`
}

type GuardrailsConfig struct {
	Fingerprint        guardrails.FingerprintConfig `koanf:"fingerprint"`
	PIIMode            string                       `koanf:"pii_mode"` // mask, redact, hash, off
	InjectionThreshold float64                      `koanf:"injection_threshold"`
	Placeholder        string                       `koanf:"placeholder"`
}

type OrchestratorConfig struct {
	TurnTimeoutSeconds int `koanf:"turn_timeout_seconds"`
	MaxScenarioLength  int `koanf:"max_scenario_length"`
}

type AuditConfig struct {
	Sink string `koanf:"sink"` // memory, sqlite, log, none
	DB   string `koanf:"db"`
}

// TurnTimeout returns the orchestrator deadline.
func (c OrchestratorConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// AttemptTimeout returns the per-call generation deadline.
func (c LLMConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// ClassifyTimeout returns the risk classifier deadline.
func (c RoutingConfig) ClassifyTimeout() time.Duration {
	return time.Duration(c.ClassifyTimeoutSeconds) * time.Second
}

func defaults() map[string]any {
	fp := guardrails.DefaultFingerprintConfig()
	chunk := knowledge.DefaultChunkerConfig()
	return map[string]any{
		"log.level":  "info",
		"log.format": "text",

		"telemetry.exporter":                "none",
		"telemetry.otlp_endpoint":           "localhost:4317",
		"telemetry.otlp_insecure":           true,
		"telemetry.metric_interval_seconds": 15,

		"llm.provider":                "ollama",
		"llm.model":                   "llama3.1",
		"llm.base_url":                "http://localhost:11434",
		"llm.temperature":             0.2,
		"llm.max_attempts":            3,
		"llm.attempt_timeout_seconds": 30,
		"llm.breaker_threshold":       5,

		"knowledge.backend":                "bleve",
		"knowledge.qdrant_addr":            "localhost:6334",
		"knowledge.collection":             "ipcollab_passages",
		"knowledge.vector_size":            768,
		"knowledge.embedder_base_url":      "http://localhost:11434",
		"knowledge.embedder_model":         "nomic-embed-text",
		"knowledge.scenario_detector":      "keyword",
		"knowledge.chunker.max_tokens":     chunk.MaxTokens,
		"knowledge.chunker.min_tokens":     chunk.MinTokens,
		"knowledge.chunker.overlap_tokens": chunk.OverlapTokens,
		"knowledge.chunker.merge_overflow": chunk.MergeOverflow,
		"knowledge.top_k":                  5,
		"knowledge.scenario_filter":        false,
		"knowledge.max_attempts":           3,

		"registry.watch": false,

		"routing.triage_target":            "",
		"routing.classify_timeout_seconds": 5,

		"guardrails.fingerprint.method":       fp.Method,
		"guardrails.fingerprint.shingle_size": fp.ShingleSize,
		"guardrails.fingerprint.dims":         fp.Dims,
		"guardrails.fingerprint.threshold":    fp.Threshold,
		"guardrails.fingerprint.cache_size":   fp.CacheSize,
		"guardrails.pii_mode":                 "mask",
		"guardrails.injection_threshold":      0.7,
		"guardrails.placeholder":              guardrails.DefaultPlaceholder,

		"orchestrator.turn_timeout_seconds": 90,
		"orchestrator.max_scenario_length":  8000,

		"audit.sink": "memory",
	}
}

func newKoanf() (*koanf.Koanf, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Load reads defaults, path (if any) and the environment.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile overlays <name>.<profile>.<ext> on path when that file
// exists, so config.dev.yaml only needs the keys it changes.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI loads configuration from command line arguments. It
// understands --config, --profile (alias --env) and repeated --set key=value,
// each also in --flag=value form. Other arguments are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLI(args)
	if err != nil {
		return nil, err
	}
	return load(opts.path, opts.profile, opts.sets)
}

func load(path, profile string, sets [][2]string) (*Config, error) {
	k, err := newKoanf()
	if err != nil {
		return nil, err
	}
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[envName(key)] = key
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if overlay := profileConfigPath(path, profile); overlay != "" {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load profile %s: %w", overlay, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return envKey(s, known)
	}), nil); err != nil {
		return nil, err
	}

	for _, kv := range sets {
		if err := k.Set(kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("set %s: %w", kv[0], err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every out-of-range setting in one INVALID_INPUT error.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, key, want string) {
		if !ok {
			problems = append(problems, key+" "+want)
		}
	}

	fp := c.Guardrails.Fingerprint
	check(fp.Threshold > 0 && fp.Threshold <= 1, "guardrails.fingerprint.threshold", "must be in (0, 1]")
	check(fp.Method == "shingle" || fp.Method == "cosine", "guardrails.fingerprint.method", "must be shingle or cosine")
	check(c.Guardrails.InjectionThreshold > 0 && c.Guardrails.InjectionThreshold <= 1, "guardrails.injection_threshold", "must be in (0, 1]")
	check(c.Knowledge.TopK >= 1, "knowledge.top_k", "must be at least 1")
	check(c.Knowledge.MaxAttempts >= 1, "knowledge.max_attempts", "must be at least 1")
	check(c.LLM.MaxAttempts >= 1, "llm.max_attempts", "must be at least 1")
	check(c.LLM.AttemptTimeoutSeconds > 0, "llm.attempt_timeout_seconds", "must be positive")
	check(c.Routing.ClassifyTimeoutSeconds > 0, "routing.classify_timeout_seconds", "must be positive")
	check(c.Orchestrator.TurnTimeoutSeconds > 0, "orchestrator.turn_timeout_seconds", "must be positive")
	check(c.Orchestrator.MaxScenarioLength > 0, "orchestrator.max_scenario_length", "must be positive")

	if len(problems) == 0 {
		return nil
	}
	return errors.InvalidInput("invalid configuration: "+strings.Join(problems, "; ")).
		WithContext("problems", problems)
}

func envName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// envKey maps IPC_GUARDRAILS_FINGERPRINT_THRESHOLD to the known key it
// names. Unknown variables split on the first underscore only.
func envKey(name string, known map[string]string) string {
	if key, ok := known[name]; ok {
		return key
	}
	rest := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	section, field, ok := strings.Cut(rest, "_")
	if !ok {
		return rest
	}
	return section + "." + field
}

// profileConfigPath returns the overlay file for profile, or "" when there
// is none on disk.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

type cliOptions struct {
	path    string
	profile string
	sets    [][2]string
}

func parseCLI(args []string) (cliOptions, error) {
	var opts cliOptions
	for i := 0; i < len(args); i++ {
		name, value, inline := strings.Cut(args[i], "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			opts.path = value
		case "--profile", "--env":
			opts.profile = value
		case "--set":
			key, v, ok := strings.Cut(value, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return opts, fmt.Errorf("--set expects key=value, got %q", value)
			}
			opts.sets = append(opts.sets, [2]string{strings.TrimSpace(key), v})
		}
	}
	return opts, nil
}
