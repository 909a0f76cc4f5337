// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jllopis/ipcollab/pkg/config"
	"github.com/jllopis/ipcollab/pkg/mcp"
	"github.com/jllopis/ipcollab/pkg/service"
)

func (c *cli) serveMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-mcp",
		Short: "Serve the collaboration tools over MCP stdio",
		Long: `Serve submit_scenario, list_roles, ingest_sources and the admin tools over
MCP on stdin and stdout. Logs go to stderr.

When --config is given the file is watched and routing rule changes are
applied between turns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *service.App) error {
				if c.configPath != "" {
					w, err := config.NewWatcher(c.configPath,
						config.WithWatchProfile(c.profile),
						config.WithWatchOverrides(c.cliArgs()),
						config.WithWatchLogger(c.logger))
					if err != nil {
						return NewConfigError(err, c.configPath)
					}
					w.OnChange(func(cfg *config.Config) {
						if err := app.Apply(cfg); err != nil {
							c.logger.Warn("config change not applied", slog.String("error", err.Error()))
						}
					})
					w.Start(ctx)
					defer w.Stop()
				}

				srv := mcp.NewServer("ipcollab", version, app.Service, mcp.WithLogger(c.logger))
				c.logger.Info("serving MCP on stdio")
				return srv.ServeStdio()
			})
		},
	}
}
