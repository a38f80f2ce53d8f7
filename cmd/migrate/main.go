package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hsurvey.org/identity/internal/migrate"
	"hsurvey.org/identity/internal/store/pg"
)

var (
	dsn     string
	timeout time.Duration
	table   string
)

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Apply the identity schema to PostgreSQL",
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
		applied, err := mgr.Up(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to apply")
		}
		for _, name := range applied {
			fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
		}
		return nil
	}),
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, item := range history {
			fmt.Fprintln(cmd.OutOrStdout(), item)
		}
		return nil
	}),
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List migrations not yet applied",
	RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
		pending, err := mgr.Pending(ctx)
		if err != nil {
			return err
		}
		for _, name := range pending {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	}),
}

func withManager(fn func(context.Context, *cobra.Command, *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if dsn == "" {
			return errors.New("missing DSN: provide --dsn or IDENTITY_STORAGE_DSN")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		db, err := pg.Open(dsn)
		if err != nil {
			return err
		}
		defer func(db *sql.DB) { _ = db.Close() }(db)

		return fn(ctx, cmd, migrate.NewManager(db, migrate.WithMigrationsTable(table)))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("IDENTITY_STORAGE_DSN"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	rootCmd.PersistentFlags().StringVar(&table, "table", "schema_migrations", "bookkeeping table")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd, pendingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
