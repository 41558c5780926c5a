package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"paper-ingest/services"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var revision int
	cmd := &cobra.Command{
		Use:   "ingest <archive.zip>",
		Short: "Ingest a single article archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absPath, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			info, err := os.Stat(absPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("file does not exist: %s", absPath)
				}
				return fmt.Errorf("inspect file: %w", err)
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", absPath)
			}

			d, err := ctx.ensureDeps(cmd.Context())
			if err != nil {
				return err
			}
			req := services.IngestRequest{Name: filepath.Base(absPath), Path: absPath}
			if cmd.Flags().Changed("revision") {
				req.Revision = &revision
			}
			res, err := d.ingestion.Ingest(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&revision, "revision", 0, "Revision number (default: <article-version> of the manuscript)")
	return cmd
}

func newDrainCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Ingest every archive in the drop folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.ensureDeps(cmd.Context())
			if err != nil {
				return err
			}
			n, err := d.ingestibles.IngestAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d archive(s)\n", n)
			return nil
		},
	}
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale spool directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.ensureDeps(cmd.Context())
			if err != nil {
				return err
			}
			n, err := d.sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d spool dir(s)\n", n)
			return nil
		},
	}
}
