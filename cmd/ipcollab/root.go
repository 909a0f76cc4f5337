// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/ipcollab/pkg/config"
	"github.com/jllopis/ipcollab/pkg/service"
	"github.com/jllopis/ipcollab/pkg/telemetry"
)

// cli holds the global flags and the configuration they resolve to.
type cli struct {
	configPath string
	profile    string
	sets       []string
	jsonOut    bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *slog.Logger
}

func newCLI(in io.Reader, out, errOut io.Writer) *cli {
	return &cli{in: in, out: out, errOut: errOut}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ipcollab",
		Short: "Interprofessional collaboration assistant",
		Long: `ipcollab asks several professional roles about one clinical scenario.

Each role answers from its own scope and knowledge, refers the question to a
better suited role or declines it. Entries come back in the order requested.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return c.setup() },
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "path to the YAML configuration file")
	pf.StringVar(&c.profile, "profile", "", "configuration profile overlay, e.g. dev loads config.dev.yaml")
	pf.StringArrayVar(&c.sets, "set", nil, "override a configuration key (key=value), repeatable")
	pf.BoolVar(&c.jsonOut, "json", false, "print machine readable JSON")

	root.AddCommand(
		c.askCmd(),
		c.ingestCmd(),
		c.rolesCmd(),
		c.auditCmd(),
		c.serveMCPCmd(),
	)
	return root
}

// cliArgs rebuilds the configuration arguments for config.LoadWithCLI and
// the config watcher.
func (c *cli) cliArgs() []string {
	var args []string
	if c.configPath != "" {
		args = append(args, "--config", c.configPath)
	}
	if c.profile != "" {
		args = append(args, "--profile", c.profile)
	}
	for _, s := range c.sets {
		args = append(args, "--set", s)
	}
	return args
}

func (c *cli) setup() error {
	cfg, err := config.LoadWithCLI(c.cliArgs())
	if err != nil {
		return NewConfigError(err, c.configPath)
	}
	c.cfg = cfg
	c.logger = telemetry.ConfigureSlog(c.errOut, cfg.Log.Level, cfg.Log.Format)
	return nil
}

// withApp wires telemetry and the pipeline, runs fn and tears both down.
func (c *cli) withApp(ctx context.Context, fn func(context.Context, *service.App) error) error {
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "ipcollab",
		ServiceVersion: version,
		Exporter:       c.cfg.Telemetry.Exporter,
		OTLPEndpoint:   c.cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   c.cfg.Telemetry.OTLPInsecure,
		Output:         c.errOut,
		MetricInterval: time.Duration(c.cfg.Telemetry.MetricIntervalSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			c.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	app, err := service.Build(ctx, c.cfg,
		service.WithBuildLogger(c.logger),
		service.WithBuildMetrics(metrics))
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			c.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}()
	return fn(ctx, app)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
