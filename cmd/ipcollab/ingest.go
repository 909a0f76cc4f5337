// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jllopis/ipcollab/pkg/knowledge"
	"github.com/jllopis/ipcollab/pkg/service"
)

func (c *cli) ingestCmd() *cobra.Command {
	var (
		remove  []string
		rebuild bool
	)
	cmd := &cobra.Command{
		Use:   "ingest [sources.yaml ...]",
		Short: "Index knowledge sources",
		Long: `Index knowledge sources from YAML batches with a top-level "sources" list.

Re-ingesting a source id replaces its passages. Sources persist between runs
only when knowledge.sources_db is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(remove) == 0 && !rebuild {
				return NewInvalidArgumentError("sources", "give at least one sources file, --remove or --rebuild")
			}
			var records []knowledge.Record
			for _, path := range args {
				batch, err := knowledge.LoadSources(path)
				if err != nil {
					return NewInvalidArgumentError(path, err.Error())
				}
				records = append(records, batch...)
			}

			return c.withApp(cmd.Context(), func(ctx context.Context, app *service.App) error {
				for _, id := range remove {
					if err := app.Service.RemoveSource(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(c.errOut, "removed %s\n", id)
				}
				var (
					report knowledge.Report
					err    error
				)
				switch {
				case rebuild:
					report, err = app.Service.Rebuild(ctx)
					if err == nil && len(records) > 0 {
						report, err = app.Service.Ingest(ctx, records)
					}
				case len(records) > 0:
					report, err = app.Service.Ingest(ctx, records)
				default:
					return nil
				}
				if err != nil {
					return err
				}
				if c.jsonOut {
					return writeJSON(c.out, report)
				}
				renderReport(c.out, report)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "source ids to remove")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "re-index every stored source")
	return cmd
}

func renderReport(w io.Writer, r knowledge.Report) {
	fmt.Fprintf(w, "added %d, updated %d, unchanged %d, %d passages\n",
		r.Added, r.Updated, r.Unchanged, r.Passages)
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  failed %s: %s\n", id, r.Failed[id])
	}
	scenarios := make([]string, 0, len(r.Distribution.Counts))
	for s := range r.Distribution.Counts {
		scenarios = append(scenarios, s)
	}
	sort.Strings(scenarios)
	for _, s := range scenarios {
		fmt.Fprintf(w, "  %-45s %4d  %5.1f%%\n", s, r.Distribution.Counts[s], 100*r.Distribution.Share(s))
	}
}
