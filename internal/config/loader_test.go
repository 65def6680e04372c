package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sentinel.yaml", `
server:
  port: 9090
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Audit.Driver != "sqlite" {
		t.Errorf("Audit.Driver = %q, want default sqlite", cfg.Audit.Driver)
	}
	if cfg.Policy.SandboxRoot != "/sandbox" {
		t.Errorf("Policy.SandboxRoot = %q, want default /sandbox", cfg.Policy.SandboxRoot)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "backends.yaml", `
backends:
  - name: fs
    prefix: "fs."
    kind: http
    address: "https://tools.internal/fs"
`)
	path := writeFile(t, dir, "sentinel.yaml", `
$include: backends.yaml
server:
  port: 8080
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Name != "fs" {
		t.Fatalf("expected one included backend named fs, got %+v", cfg.Backends)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `$include: b.yaml`)
	path := writeFile(t, dir, "b.yaml", `$include: a.yaml`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an include cycle")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("SENTINEL_TEST_DSN", "postgres://example/db")
	dir := t.TempDir()
	path := writeFile(t, dir, "sentinel.yaml", `
audit:
  driver: postgres
  dsn: "${SENTINEL_TEST_DSN}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audit.DSN != "postgres://example/db" {
		t.Errorf("Audit.DSN = %q, want expanded env value", cfg.Audit.DSN)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sentinel.yaml", `
server:
  totally_made_up_field: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown config field")
	}
}

func TestLoadRequiresNonEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for an empty config path")
	}
}
