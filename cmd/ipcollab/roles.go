// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/registry"
	"github.com/jllopis/ipcollab/pkg/service"
)

func (c *cli) rolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage the role registry",
		Long: `Manage the role registry.

Changes persist between runs only when registry.db is set. Turns already
running keep the role definitions they started with.`,
	}
	cmd.AddCommand(c.rolesListCmd(), c.rolesGetCmd(), c.rolesPutCmd(), c.rolesDeleteCmd())
	return cmd
}

func (c *cli) rolesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *service.App) error {
				roles, err := app.Service.ListRoles(ctx)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return writeJSON(c.out, roles)
				}
				w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tVERSION\tTOPICS")
				for _, r := range roles {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, r.DisplayName, r.Version, strings.Join(r.Topics, ","))
				}
				return w.Flush()
			})
		},
	}
}

func (c *cli) rolesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <role-id>",
		Short: "Show one role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *service.App) error {
				role, err := app.Service.GetRole(ctx, args[0])
				if err != nil {
					return err
				}
				if c.jsonOut {
					return writeJSON(c.out, role)
				}
				renderRole(c, role)
				return nil
			})
		},
	}
}

func renderRole(c *cli, r core.RoleIdentity) {
	fmt.Fprintf(c.out, "%s (%s) v%d\n", r.DisplayName, r.ID, r.Version)
	fmt.Fprintf(c.out, "  scope:     %s\n", r.Scope)
	fmt.Fprintf(c.out, "  topics:    %s\n", strings.Join(r.Topics, ", "))
	fmt.Fprintf(c.out, "  knowledge: %s\n", strings.Join(r.KnowledgeTags, ", "))
	fmt.Fprintf(c.out, "  style:     %s, hedging=%t\n", r.Style.Formality, r.Style.RequireHedging)
}

func (c *cli) rolesPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <roles.yaml>",
		Short: "Create or replace the roles defined in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, err := registry.LoadFile(args[0])
			if err != nil {
				return NewInvalidArgumentError(args[0], err.Error())
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, app *service.App) error {
				for _, r := range roles {
					stored, err := app.Service.PutRole(ctx, r)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.out, "%s v%d\n", stored.ID, stored.Version)
				}
				return nil
			})
		},
	}
}

func (c *cli) rolesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <role-id>",
		Short: "Delete a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *service.App) error {
				if err := app.Service.DeleteRole(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
