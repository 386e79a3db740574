package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/sminos.db" {
		t.Errorf("expected store path data/sminos.db, got %s", cfg.Store.Path)
	}
	if cfg.Swarm.MaxConcurrency != 10 {
		t.Errorf("expected max_concurrency 10, got %d", cfg.Swarm.MaxConcurrency)
	}
	if cfg.Swarm.DefaultTimeout != 30*time.Minute {
		t.Errorf("expected default_timeout 30m, got %v", cfg.Swarm.DefaultTimeout)
	}
	if cfg.Swarm.HistoryCap != 1000 {
		t.Errorf("expected history_cap 1000, got %d", cfg.Swarm.HistoryCap)
	}
	if cfg.Swarm.CollaborativeRounds != 2 {
		t.Errorf("expected collaborative_rounds 2, got %d", cfg.Swarm.CollaborativeRounds)
	}
	if cfg.Recovery.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", cfg.Recovery.MaxRetries)
	}
	if cfg.Recovery.FailureThreshold != 5 {
		t.Errorf("expected failure_threshold 5, got %d", cfg.Recovery.FailureThreshold)
	}
	if cfg.Runner.MaxRunning != 10 {
		t.Errorf("expected max_running 10, got %d", cfg.Runner.MaxRunning)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("SMINOS_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("SMINOS_TELEGRAM_TOKEN", "test-token-123")
	t.Setenv("SMINOS_WEB_PASSWORD", "secret")
	t.Setenv("SMINOS_WEB_PORT", "9090")
	t.Setenv("SMINOS_VAULT_PASSPHRASE", "vault-pass")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Telegram.Token != "test-token-123" {
		t.Errorf("expected telegram token test-token-123, got %s", cfg.Telegram.Token)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Vault.Passphrase != "vault-pass" {
		t.Errorf("expected vault passphrase vault-pass, got %s", cfg.Vault.Passphrase)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
telegram:
  token: "yaml-token"
  allow_from: [123, 456]
swarm:
  max_concurrency: 4
  history_cap: 50
web:
  port: 3000
  enabled: false
solvers:
  highs:
    kind: exec
    command: highs
    capabilities: [linear, integer]
  scylla:
    kind: container
    image: "scylla-solver:v2"
    capabilities: [quadratic]
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SMINOS_CONFIG", cfgPath)
	// Clear any env overrides
	t.Setenv("SMINOS_TELEGRAM_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Telegram.Token != "yaml-token" {
		t.Errorf("expected yaml-token, got %s", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AllowFrom) != 2 {
		t.Errorf("expected 2 allow_from entries, got %d", len(cfg.Telegram.AllowFrom))
	}
	if cfg.Swarm.MaxConcurrency != 4 {
		t.Errorf("expected max_concurrency 4, got %d", cfg.Swarm.MaxConcurrency)
	}
	if cfg.Swarm.HistoryCap != 50 {
		t.Errorf("expected history_cap 50, got %d", cfg.Swarm.HistoryCap)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	if len(cfg.Solvers) != 2 {
		t.Fatalf("expected 2 solvers, got %d", len(cfg.Solvers))
	}
	if cfg.Solvers["highs"].Kind != "exec" {
		t.Errorf("expected highs kind exec, got %s", cfg.Solvers["highs"].Kind)
	}
	if cfg.Solvers["scylla"].Image != "scylla-solver:v2" {
		t.Errorf("expected scylla image scylla-solver:v2, got %s", cfg.Solvers["scylla"].Image)
	}

	// Defaults not mentioned in the file survive the merge.
	if cfg.Swarm.DefaultTimeout != 30*time.Minute {
		t.Errorf("expected default_timeout 30m, got %v", cfg.Swarm.DefaultTimeout)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
vault:
  passphrase: "${TEST_VAULT_SECRET}"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SMINOS_CONFIG", cfgPath)
	t.Setenv("TEST_VAULT_SECRET", "expanded-secret")
	t.Setenv("SMINOS_VAULT_PASSPHRASE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Vault.Passphrase != "expanded-secret" {
		t.Errorf("expected expanded-secret, got %s", cfg.Vault.Passphrase)
	}
}
