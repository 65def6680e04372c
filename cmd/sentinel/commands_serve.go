package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixkwasisarpong/sentinel/internal/api"
	"github.com/felixkwasisarpong/sentinel/internal/audit"
	"github.com/felixkwasisarpong/sentinel/internal/backend"
	"github.com/felixkwasisarpong/sentinel/internal/citation"
	"github.com/felixkwasisarpong/sentinel/internal/config"
	"github.com/felixkwasisarpong/sentinel/internal/metrics"
	"github.com/felixkwasisarpong/sentinel/internal/pipeline"
	"github.com/felixkwasisarpong/sentinel/internal/policy"
	"github.com/felixkwasisarpong/sentinel/internal/redact"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sentinel gateway",
		Long: `Start the sentinel gateway.

The server will:
1. Load configuration from the specified file (or sentinel.yaml)
2. Open the audit store and apply its schema
3. Build the policy engine, redactor, citation resolver, and backend registry
4. Register every configured tool server
5. Start the external HTTP API and /metrics endpoint

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  sentinel serve

  # Start with a custom config
  sentinel serve --config /etc/sentinel/production.yaml

  # Start with debug logging
  sentinel serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sentinel.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	if debug || strings.EqualFold(cfg.Logging.Level, "debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := openAuditStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := policy.New(cfg.Policy.SandboxRoot, policyRulesFromConfig(cfg.Policy.PrefixRules))
	redactor := redact.New(redact.Config{
		SensitiveKeys:      cfg.Redact.SensitiveKeys,
		CredentialSuffixes: cfg.Redact.CredentialSuffixes,
	})
	citations := citation.New(ctx, citation.Config{
		URI:      cfg.Citation.URI,
		Username: cfg.Citation.Username,
		Password: cfg.Citation.Password,
	})
	registry := backend.NewRegistry()
	m := metrics.New()

	p := pipeline.New(store, redactor, engine, citations, registry, m)

	for _, b := range cfg.Backends {
		if _, err := p.RegisterServer(ctx, serverSpecFromConfig(b)); err != nil {
			return fmt.Errorf("register backend %q: %w", b.Name, err)
		}
		logger.Info("registered backend", "name", b.Name, "prefix", b.Prefix, "kind", b.Kind)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.New(addr, p)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openAuditStore opens the configured audit store driver.
func openAuditStore(cfg *config.Config) (audit.Store, error) {
	switch strings.ToLower(cfg.Audit.Driver) {
	case "", "sqlite":
		return audit.NewSQLiteStore(cfg.Audit.DSN)
	case "postgres":
		return audit.NewPostgresStore(audit.DefaultPostgresConfig(cfg.Audit.DSN))
	default:
		return nil, fmt.Errorf("unknown audit driver %q", cfg.Audit.Driver)
	}
}

func policyRulesFromConfig(rules []config.PrefixRule) []policy.Rule {
	out := make([]policy.Rule, len(rules))
	for i, r := range rules {
		out[i] = policy.Rule{
			Prefix:    r.Prefix,
			Decision:  r.Decision,
			Reason:    r.Reason,
			RiskScore: r.RiskScore,
		}
	}
	return out
}

func serverSpecFromConfig(b config.BackendConfig) pipeline.ServerSpec {
	return pipeline.ServerSpec{
		Name:              b.Name,
		Prefix:            b.Prefix,
		Kind:              b.Kind,
		Address:           b.Address,
		Command:           b.Command,
		CallTimeout:       b.CallTimeout,
		DiscoveryTimeout:  b.DiscoveryTimeout,
		RequestsPerSecond: b.RateLimit.RequestsPerSecond,
		Burst:             b.RateLimit.Burst,
		AuthHeader:        b.AuthHeader,
		AuthToken:         b.AuthToken,
	}
}
