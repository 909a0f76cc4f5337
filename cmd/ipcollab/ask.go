// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/service"
)

func (c *cli) askCmd() *cobra.Command {
	var (
		sub  service.Submission
		file string
	)
	cmd := &cobra.Command{
		Use:   "ask [scenario text]",
		Short: "Ask the selected roles about a scenario",
		Example: `  ipcollab ask -r physician,pharmacist "Patient requests an early opioid refill"
  ipcollab ask -r nurse,social_worker --type opioid_tapering_and_withdrawal_management -f case.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := c.scenarioText(args, file)
			if err != nil {
				return err
			}
			sub.ScenarioText = text
			return c.withApp(cmd.Context(), func(ctx context.Context, app *service.App) error {
				bundle, err := app.Service.Submit(ctx, sub)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return writeJSON(c.out, bundle)
				}
				renderBundle(c.out, bundle)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&sub.RoleIDs, "roles", "r", nil, "role ids in display order")
	f.StringVar(&sub.ScenarioType, "type", "", "scenario type tag")
	f.StringVar(&sub.Credential, "credential", "", "credential of the asking user, e.g. RN")
	f.StringVar(&sub.ExperienceLevel, "experience", "", "experience level of the asking user")
	f.StringVar(&sub.ProfileRef, "user", "", "opaque reference to the asking user")
	f.StringVar(&sub.TurnID, "turn-id", "", "turn id to use instead of a generated one")
	f.StringVarP(&file, "file", "f", "", "read the scenario from a file, - for stdin")
	_ = cmd.MarkFlagRequired("roles")
	return cmd
}

func (c *cli) scenarioText(args []string, file string) (string, error) {
	var text string
	switch {
	case file == "-":
		data, err := io.ReadAll(c.in)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", NewInvalidArgumentError("file", err.Error())
		}
		text = string(data)
	default:
		text = strings.Join(args, " ")
	}
	if strings.TrimSpace(text) == "" {
		return "", NewInvalidArgumentError("scenario", "scenario text is required")
	}
	return text, nil
}

func renderBundle(w io.Writer, b core.Bundle) {
	fmt.Fprintf(w, "Turn %s\n", b.TurnID)
	for _, e := range b.Entries {
		fmt.Fprintf(w, "\n== %s (%s) ==\n", e.DisplayName, e.RoleID)
		switch e.Kind {
		case core.EntryAnswer:
			for _, s := range e.Sections {
				fmt.Fprintf(w, "%s:\n", s.Name.Title())
				for _, line := range strings.Split(s.Text, "\n") {
					fmt.Fprintf(w, "  %s\n", line)
				}
			}
			if e.Ungrounded {
				fmt.Fprintln(w, "  (no supporting sources were found)")
			}
			for i, cit := range e.Citations {
				fmt.Fprintf(w, "  [%d] %s\n", i+1, citation(cit))
			}
			if len(e.CrossReferences) > 0 {
				fmt.Fprintf(w, "  See also: %s\n", strings.Join(e.CrossReferences, ", "))
			}
		default:
			fmt.Fprintf(w, "%s\n", e.Notice)
			if e.Decision.Target != "" {
				fmt.Fprintf(w, "  Referred to: %s (%s)\n", e.Decision.Target, e.Decision.Reason)
			}
		}
		for _, f := range e.Flags {
			fmt.Fprintf(w, "  ! %s: %s\n", f.Check, f.Detail)
		}
	}
	if b.SuppressedDuplicates > 0 {
		fmt.Fprintf(w, "\n%d duplicate statement(s) replaced by cross-references\n", b.SuppressedDuplicates)
	}
}

func citation(c core.Citation) string {
	s := c.SourceID
	if c.Title != "" {
		s = c.Title + " (" + c.SourceID + ")"
	}
	if c.Page > 0 {
		s += fmt.Sprintf(", p. %d", c.Page)
	}
	if c.URL != "" {
		s += " " + c.URL
	}
	return s
}
