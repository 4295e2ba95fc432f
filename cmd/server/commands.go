package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"agent-orchestrator/backend/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DB.Host == "" {
			return errors.New("db.host is empty, nothing to migrate")
		}
		pool, err := initDatabase(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := repository.Migrate(cmd.Context(), pool)
		if err != nil {
			return err
		}
		for _, name := range applied {
			fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one ledger reconciliation pass and exit",
	Long: `Compares every ledger entry with the state held on the bus, applies the
corrections it can and prints the conflicts that need a human.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cmd.Context(), cfg, logger, buildOptions{directState: true})
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.orch.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Print the ledger entry, workflow row and bus state of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cmd.Context(), cfg, logger, buildOptions{directState: true})
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.orch.Workflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, view)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, reconcileCmd, statusCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
