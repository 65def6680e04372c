// Package main provides the CLI entry point for the sentinel
// tool-execution gateway.
//
// # Basic Usage
//
// Start the gateway:
//
//	sentinel serve --config sentinel.yaml
//
// Apply or inspect the audit-store schema:
//
//	sentinel migrate up
//	sentinel migrate status
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	version     = "dev"
	commit      = "none"
	date        = "unknown"
	profileName string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "sentinel - governed tool-execution gateway",
		Long: `sentinel mediates tool calls from AI orchestrators through policy
evaluation, approval gating, and pluggable backend execution, with an
append-only audit trail of every decision.

Documentation: https://github.com/felixkwasisarpong/sentinel`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "Config profile name (overrides --config; or set SENTINEL_PROFILE)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies --profile / SENTINEL_PROFILE over an
// explicit --config path.
func resolveConfigPath(path string) string {
	active := strings.TrimSpace(profileName)
	if active == "" {
		active = strings.TrimSpace(os.Getenv("SENTINEL_PROFILE"))
	}
	if active != "" {
		return active + ".yaml"
	}
	if strings.TrimSpace(path) == "" {
		return "sentinel.yaml"
	}
	return path
}
