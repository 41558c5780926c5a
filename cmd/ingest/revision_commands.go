package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"paper-ingest/manuscript"
	"paper-ingest/models"
)

func parseRevision(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid revision %q", raw)
	}
	return n, nil
}

func newRevisionsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "revisions <doi>",
		Short: "List the revisions of an article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.ensureDeps(cmd.Context())
			if err != nil {
				return err
			}
			doi := manuscript.NormalizeDOI(args[0])
			rows, err := d.ledger.Revisions(cmd.Context(), doi)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No revisions for %s\n", doi)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REVISION\tSTATE\tWORK\tUPDATED")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", r.RevisionNumber, r.State, r.WorkID, r.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <doi> <revision>",
		Short: "Show the works and files of a revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev, err := parseRevision(args[1])
			if err != nil {
				return err
			}
			d, err := ctx.ensureDeps(cmd.Context())
			if err != nil {
				return err
			}
			view, err := d.ledger.Revision(cmd.Context(), manuscript.NormalizeDOI(args[0]), rev)
			if err != nil {
				return err
			}
			return writeJSON(cmd, view)
		},
	}
}

func newStateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "state <doi> <revision> <ingested|published|disabled>",
		Short: "Set the publication state of a revision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev, err := parseRevision(args[1])
			if err != nil {
				return err
			}
			state, err := models.ParsePublicationState(args[2])
			if err != nil {
				return err
			}
			d, err := ctx.ensureDeps(cmd.Context())
			if err != nil {
				return err
			}
			doi := manuscript.NormalizeDOI(args[0])
			if err := d.ledger.SetState(cmd.Context(), doi, rev, state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s revision %d is now %s\n", doi, rev, state)
			return nil
		},
	}
}
