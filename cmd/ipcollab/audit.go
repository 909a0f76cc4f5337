// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/ipcollab/pkg/audit"
	"github.com/jllopis/ipcollab/pkg/service"
)

func (c *cli) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect routing decisions and bundles",
	}
	cmd.AddCommand(c.auditListCmd())
	return cmd
}

func (c *cli) auditListCmd() *cobra.Command {
	var (
		filter audit.Filter
		kind   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records",
		Long: `List audit records, oldest first.

Records survive between runs only with audit.sink=sqlite.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch audit.Kind(kind) {
			case "", audit.KindDecision, audit.KindBundle:
				filter.Kind = audit.Kind(kind)
			default:
				return NewInvalidArgumentError("kind", fmt.Sprintf("unknown kind %q", kind))
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, app *service.App) error {
				records, err := app.Service.AuditRecords(ctx, filter)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return writeJSON(c.out, records)
				}
				w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tKIND\tTURN\tROLE\tOUTCOME")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						r.RecordedAt.Format(time.RFC3339), r.Kind, r.TurnID, r.RoleID, r.Outcome)
				}
				return w.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "record kind: routing_decision or bundle")
	f.StringVar(&filter.TurnID, "turn", "", "only records for this turn id")
	f.StringVar(&filter.RoleID, "role", "", "only records for this role id")
	f.StringVar(&filter.Outcome, "outcome", "", "only records with this outcome")
	f.IntVar(&filter.Limit, "limit", 0, "maximum number of records, 0 for all")
	return cmd
}
