package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixkwasisarpong/sentinel/internal/audit"
	"github.com/felixkwasisarpong/sentinel/internal/config"
)

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the audit store schema",
		Long: `Apply or inspect the audit store schema.

The schema (runs, tool calls, decisions, server registrations, tool
catalog) is created idempotently whenever the store opens, so "up" and
"status" both just open the configured store and report the result.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply the audit store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := openAuditStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Schema applied (%s).\n", cfg.Audit.Driver)
			for _, table := range audit.TableNames {
				fmt.Fprintf(out, "  - %s\n", table)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "sentinel.yaml", "Path to YAML configuration file")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the audit store schema status",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := openAuditStore(cfg)
			if err != nil {
				return fmt.Errorf("schema not reachable: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Audit store: %s (%s)\n", cfg.Audit.Driver, cfg.Audit.DSN)
			fmt.Fprintln(out, "Tables:")
			for _, table := range audit.TableNames {
				fmt.Fprintf(out, "  - %s: present\n", table)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "sentinel.yaml", "Path to YAML configuration file")
	return cmd
}
