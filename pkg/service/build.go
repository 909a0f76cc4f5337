// SPDX-License-Identifier: Apache-2.0
package service

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jllopis/ipcollab/pkg/agent"
	"github.com/jllopis/ipcollab/pkg/audit"
	"github.com/jllopis/ipcollab/pkg/config"
	"github.com/jllopis/ipcollab/pkg/guardrails"
	"github.com/jllopis/ipcollab/pkg/knowledge"
	"github.com/jllopis/ipcollab/pkg/knowledge/ollama"
	"github.com/jllopis/ipcollab/pkg/knowledge/qdrant"
	"github.com/jllopis/ipcollab/pkg/llm"
	"github.com/jllopis/ipcollab/pkg/orchestrator"
	"github.com/jllopis/ipcollab/pkg/registry"
	"github.com/jllopis/ipcollab/pkg/resilience"
	"github.com/jllopis/ipcollab/pkg/retrieval"
	"github.com/jllopis/ipcollab/pkg/routing"
	"github.com/jllopis/ipcollab/pkg/telemetry"
)

// App is a fully wired pipeline built from configuration.
type App struct {
	Service  *Service
	Roles    registry.Store
	Engine   *routing.Engine
	Index    knowledge.Index
	Audit    audit.Sink
	Ingestor *knowledge.Ingestor

	logger  *slog.Logger
	dbs     map[string]*sql.DB
	closers []func() error
}

// BuildOption adjusts Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	provider llm.Provider
	logger   *slog.Logger
	metrics  *telemetry.PipelineMetrics
}

// WithProvider replaces the configured generation backend.
func WithProvider(p llm.Provider) BuildOption {
	return func(o *buildOptions) { o.provider = p }
}

// WithBuildLogger sets the logger for every component.
func WithBuildLogger(logger *slog.Logger) BuildOption {
	return func(o *buildOptions) { o.logger = logger }
}

// WithBuildMetrics records pipeline metrics.
func WithBuildMetrics(m *telemetry.PipelineMetrics) BuildOption {
	return func(o *buildOptions) { o.metrics = m }
}

// Build wires every component described by cfg. Close releases what it
// opened.
func Build(ctx context.Context, cfg *config.Config, opts ...BuildOption) (_ *App, err error) {
	o := buildOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	app := &App{logger: o.logger, dbs: make(map[string]*sql.DB)}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.Roles, err = app.buildRegistry(ctx, cfg.Registry); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if app.Audit, err = app.buildAudit(cfg.Audit); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	provider := o.provider
	if provider == nil {
		if provider, err = NewProvider(cfg.LLM); err != nil {
			return nil, err
		}
	}

	if app.Index, err = app.buildIndex(ctx, cfg.Knowledge); err != nil {
		return nil, fmt.Errorf("knowledge index: %w", err)
	}
	var sources knowledge.SourceStore
	if cfg.Knowledge.SourcesDB != "" {
		db, err := app.open(cfg.Knowledge.SourcesDB)
		if err != nil {
			return nil, err
		}
		if sources, err = knowledge.NewSQLiteSourceStore(db); err != nil {
			return nil, fmt.Errorf("source store: %w", err)
		}
	}
	ingestOpts := []knowledge.IngestOption{
		knowledge.WithChunker(cfg.Knowledge.Chunker),
		knowledge.WithIngestLogger(o.logger),
	}
	switch cfg.Knowledge.ScenarioDetect {
	case "llm":
		ingestOpts = append(ingestOpts, knowledge.WithScenarioDetector(&knowledge.LLMScenarioDetector{
			Provider: provider, Model: cfg.LLM.Model, Logger: o.logger,
		}))
	case "", "keyword":
	default:
		return nil, fmt.Errorf("unknown scenario detector %q", cfg.Knowledge.ScenarioDetect)
	}
	app.Ingestor = knowledge.NewIngestor(app.Index, sources, ingestOpts...)
	if err := app.warmIndex(ctx, cfg.Knowledge); err != nil {
		return nil, err
	}

	rules, err := loadRules(cfg.Routing)
	if err != nil {
		return nil, err
	}
	app.Engine = routing.NewEngine(app.Roles, nil, rules,
		routing.WithAuditSink(app.Audit),
		routing.WithClassifyTimeout(cfg.Routing.ClassifyTimeout()),
		routing.WithLogger(o.logger),
		routing.WithMetrics(o.metrics))

	retriever := retrieval.New(app.Index,
		retrieval.WithRetry(resilience.DefaultRetryConfig().WithMaxAttempts(cfg.Knowledge.MaxAttempts)),
		retrieval.WithScenarioFilter(cfg.Knowledge.ScenarioFilter),
		retrieval.WithLogger(o.logger),
		retrieval.WithMetrics(o.metrics))

	producer := agent.New(provider,
		agent.WithModel(cfg.LLM.Model),
		agent.WithTemperature(cfg.LLM.Temperature),
		agent.WithRetry(resilience.DefaultRetryConfig().WithMaxAttempts(cfg.LLM.MaxAttempts)),
		agent.WithAttemptTimeout(cfg.LLM.AttemptTimeout()),
		agent.WithCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.LLM.BreakerThreshold,
			Timeout:          30 * time.Second,
		}),
		agent.WithLogger(o.logger),
		agent.WithMetrics(o.metrics))

	assembler, err := NewAssembler(cfg.Guardrails, app.Engine, o.logger, o.metrics)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(app.Roles, app.Engine, retriever, producer, assembler,
		orchestrator.WithTopK(cfg.Knowledge.TopK),
		orchestrator.WithTurnTimeout(cfg.Orchestrator.TurnTimeout()),
		orchestrator.WithMaxScenarioLength(cfg.Orchestrator.MaxScenarioLength),
		orchestrator.WithAuditSink(app.Audit),
		orchestrator.WithLogger(o.logger),
		orchestrator.WithMetrics(o.metrics))

	svcOpts := []Option{
		WithScreen(guardrails.NewScreen(guardrails.WithInputChecker(
			guardrails.NewPromptInjectionDetector(guardrails.WithInjectionThreshold(cfg.Guardrails.InjectionThreshold))))),
		WithLogger(o.logger),
	}
	if store, ok := app.Audit.(audit.Store); ok {
		svcOpts = append(svcOpts, WithAuditStore(store))
	}
	app.Service = New(orch, app.Roles, app.Ingestor, svcOpts...)
	return app, nil
}

// Apply hot-swaps the parts of cfg that are safe to change between turns:
// the routing rules. Turns already running keep the rules they started with.
func (a *App) Apply(cfg *config.Config) error {
	rules, err := loadRules(cfg.Routing)
	if err != nil {
		a.logger.Error("routing rules reload failed", slog.String("error", err.Error()))
		return err
	}
	a.Engine.SetRules(rules)
	a.logger.Info("routing rules applied", slog.String("version", rules.Version))
	return nil
}

// Close releases watchers, indexes and databases.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	for _, db := range a.dbs {
		errs = append(errs, db.Close())
	}
	a.dbs = map[string]*sql.DB{}
	return stderrors.Join(errs...)
}

// open shares one handle per SQLite file so every store can use the same
// database.
func (a *App) open(path string) (*sql.DB, error) {
	if db, ok := a.dbs[path]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	a.dbs[path] = db
	return db, nil
}

func (a *App) buildRegistry(ctx context.Context, cfg config.RegistryConfig) (registry.Store, error) {
	var store registry.Store
	if cfg.DB != "" {
		db, err := a.open(cfg.DB)
		if err != nil {
			return nil, err
		}
		if store, err = registry.NewSQLiteStore(db); err != nil {
			return nil, err
		}
	} else {
		mem, err := registry.NewMemoryStore()
		if err != nil {
			return nil, err
		}
		store = mem
	}

	if cfg.File == "" {
		return store, registry.Seed(ctx, store, registry.DefaultRoles())
	}
	if cfg.Watch {
		w := registry.NewWatcher(cfg.File, store, registry.WithWatchLogger(a.logger))
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
		return store, nil
	}
	roles, err := registry.LoadFile(cfg.File)
	if err != nil {
		return nil, err
	}
	_, err = registry.Sync(ctx, store, roles)
	return store, err
}

func (a *App) buildAudit(cfg config.AuditConfig) (audit.Sink, error) {
	switch strings.ToLower(cfg.Sink) {
	case "", "memory":
		return audit.NewMemoryStore(), nil
	case "sqlite":
		if cfg.DB == "" {
			return nil, fmt.Errorf("audit.db is required for the sqlite sink")
		}
		db, err := a.open(cfg.DB)
		if err != nil {
			return nil, err
		}
		return audit.NewSQLiteStore(db)
	case "log":
		return audit.LogSink{Logger: a.logger}, nil
	case "none":
		return audit.Nop{}, nil
	}
	return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
}

func (a *App) buildIndex(ctx context.Context, cfg config.KnowledgeConfig) (knowledge.Index, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "bleve":
		idx, err := knowledge.NewBleveIndex()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, idx.Close)
		return idx, nil
	case "qdrant":
		embedder := ollama.NewEmbedder(cfg.EmbedderBaseURL, cfg.EmbedderModel)
		idx, err := qdrant.New(cfg.QdrantAddr, cfg.Collection, embedder, uint64(cfg.VectorSize))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, idx.Close)
		if err := idx.EnsureCollection(ctx); err != nil {
			return nil, err
		}
		return idx, nil
	}
	return nil, fmt.Errorf("unknown knowledge backend %q", cfg.Backend)
}

// warmIndex restores an empty index from the source store and then applies
// the configured sources file.
func (a *App) warmIndex(ctx context.Context, cfg config.KnowledgeConfig) error {
	stats, err := a.Index.Stats(ctx)
	if err == nil && stats.Passages == 0 {
		if report, err := a.Ingestor.Rebuild(ctx); err != nil {
			a.logger.WarnContext(ctx, "index rebuild incomplete", slog.String("error", err.Error()))
		} else if report.Updated > 0 {
			a.logger.InfoContext(ctx, "index rebuilt from stored sources", slog.Int("sources", report.Updated))
		}
	}
	if cfg.SourcesFile == "" {
		return nil
	}
	records, err := knowledge.LoadSources(cfg.SourcesFile)
	if err != nil {
		return fmt.Errorf("sources: %w", err)
	}
	_, err = a.Ingestor.Ingest(ctx, records)
	return err
}

func loadRules(cfg config.RoutingConfig) (*routing.Rules, error) {
	rules := routing.DefaultRules()
	if cfg.RulesFile != "" {
		var err error
		if rules, err = routing.LoadRules(cfg.RulesFile); err != nil {
			return nil, fmt.Errorf("routing rules: %w", err)
		}
	}
	if cfg.TriageTarget != "" {
		rules.TriageTarget = cfg.TriageTarget
	}
	return rules, nil
}

// NewProvider returns the generation backend named by cfg.
func NewProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "ollama":
		return llm.NewOllama(cfg.BaseURL), nil
	case "openai", "groq":
		opts := []llm.OpenAIOption{llm.WithOpenAIKey(cfg.APIKey), llm.WithOpenAIModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, llm.WithOpenAIBaseURL(cfg.BaseURL))
		}
		return llm.NewOpenAI(opts...), nil
	case "mock":
		return &llm.MockProvider{Response: mockDraft}, nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

const mockDraft = `{"role_perspective": "This is a placeholder perspective from the mock backend.", "recommended_actions": ["Review the scenario with the care team."], "grounding": "No generation backend is configured.", "limitations": "Mock output for local testing.", "citations": []}`

// PIIMode maps a configured mode name to a filter mode. "off" and unknown
// names report false.
func PIIMode(name string) (guardrails.PIIFilterMode, bool) {
	switch strings.ToLower(name) {
	case "", "mask":
		return guardrails.PIIFilterMask, true
	case "redact":
		return guardrails.PIIFilterRedact, true
	case "hash":
		return guardrails.PIIFilterHash, true
	}
	return 0, false
}

// NewAssembler builds the guardrail layer for cfg. Topic ownership follows
// the engine's current rules.
func NewAssembler(cfg config.GuardrailsConfig, engine *routing.Engine, logger *slog.Logger, metrics *telemetry.PipelineMetrics) (*guardrails.Assembler, error) {
	fp, err := guardrails.NewFingerprinter(cfg.Fingerprint)
	if err != nil {
		return nil, err
	}
	var screen *guardrails.Screen
	if mode, ok := PIIMode(cfg.PIIMode); ok {
		screen = guardrails.NewScreen(guardrails.WithOutputFilter(guardrails.NewPIIFilter(mode)))
	} else if strings.ToLower(cfg.PIIMode) == "off" {
		screen = guardrails.NewScreen()
	} else {
		return nil, fmt.Errorf("unknown pii mode %q", cfg.PIIMode)
	}
	return guardrails.NewAssembler(
		guardrails.WithFingerprinter(fp),
		guardrails.WithThreshold(cfg.Fingerprint.Threshold),
		guardrails.WithScreen(screen),
		guardrails.WithTopicTagger(func(text string) []string { return engine.Rules().TopicsIn(text) }),
		guardrails.WithPlaceholder(cfg.Placeholder),
		guardrails.WithLogger(logger),
		guardrails.WithMetrics(metrics),
	), nil
}
