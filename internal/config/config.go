// Package config loads sentinel's YAML configuration into typed structs.
package config

import "time"

// Config is the root configuration for the sentinel gateway.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
	Policy   PolicyConfig   `yaml:"policy"`
	Backends []BackendConfig `yaml:"backends"`
	Citation CitationConfig `yaml:"citation"`
	Redact   RedactConfig   `yaml:"redact"`
}

// ServerConfig configures the external API listener.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Workers int    `yaml:"workers"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig selects and configures the audit store backend.
type AuditConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	// DSN is the connection string for the selected driver.
	DSN string `yaml:"dsn"`
}

// PolicyConfig configures the policy engine beyond its built-in rules.
type PolicyConfig struct {
	// SandboxRoot is the filesystem root tool calls are confined to.
	SandboxRoot string `yaml:"sandbox_root"`
	// PrefixRules is the configurable longest-prefix-match rule table.
	// Built-in rules (sandbox boundary, blocked filenames) always take
	// precedence over entries here.
	PrefixRules []PrefixRule `yaml:"prefix_rules"`
}

// PrefixRule is one entry of the configurable prefix-match policy table.
type PrefixRule struct {
	Prefix   string `yaml:"prefix"`
	Decision string `yaml:"decision"`
	Reason   string `yaml:"reason"`
	// RiskScore is a pointer so an explicit "risk_score: 0.0" survives
	// distinctly from an omitted key: the policy engine only applies its
	// 0.5 default when this is nil, never when it's present-and-zero.
	RiskScore *float64 `yaml:"risk_score"`
}

// BackendConfig registers one tool server with the gateway.
type BackendConfig struct {
	// Name is a human-readable label for logs and metrics.
	Name string `yaml:"name"`
	// Prefix is the tool-name prefix this server is responsible for.
	// Prefixes across all registered servers must not overlap.
	Prefix string `yaml:"prefix"`
	// Kind selects the transport: "http" or "stdio".
	Kind string `yaml:"kind"`
	// Address is the base URL for an http backend. It must use http or
	// https and its host is checked by the SSRF guard before use; there
	// is no configurable allow-list of schemes or hosts.
	Address string `yaml:"address"`
	// Command launches a stdio backend's child process.
	Command []string `yaml:"command"`
	// CallTimeout bounds a single tool-call round trip.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// DiscoveryTimeout bounds a list-tools round trip.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	// RateLimit throttles outbound calls to this backend.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// AuthHeader and AuthToken, if both set, are added to every request
	// sent to an http backend so it can authenticate to the server.
	AuthHeader string `yaml:"auth_header"`
	AuthToken  string `yaml:"auth_token"`
}

// RateLimitConfig configures a token-bucket limiter for a backend.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CitationConfig configures the optional Neo4j-backed citation resolver.
type CitationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RedactConfig extends the redactor's default sensitive-key and
// credential-path detection with deployment-specific overrides.
type RedactConfig struct {
	SensitiveKeys      []string `yaml:"sensitive_keys"`
	CredentialSuffixes []string `yaml:"credential_suffixes"`
}

// DefaultConfig returns a Config with the gateway's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Workers: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Driver: "sqlite",
			DSN:    "sentinel.db",
		},
		Policy: PolicyConfig{
			SandboxRoot: "/sandbox",
		},
	}
}
