package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"obddash/internal/infra/persistence/sqlstore"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Storage, false)
			if err != nil {
				return err
			}
			defer store.Close()
			states, err := store.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return printMigrations(cmd.OutOrStdout(), states)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List schema migrations and when they were applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Storage, false)
			if err != nil {
				return err
			}
			defer store.Close()
			states, err := store.MigrationStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			return printMigrations(cmd.OutOrStdout(), states)
		},
	})
	return cmd
}

func printMigrations(out io.Writer, states []sqlstore.MigrationState) error {
	if len(states) == 0 {
		_, err := fmt.Fprintln(out, "no migrations for this storage driver")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
	for _, s := range states {
		applied := "pending"
		if s.AppliedAt != nil {
			applied = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, s.Name, applied)
	}
	return tw.Flush()
}
