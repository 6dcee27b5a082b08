package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", filepath.Join(t.TempDir(), "home"))
	t.Setenv("NODECTL_CONFIG", "")
	t.Setenv("NODECTL_BASE_URL", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL() != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected base url: %q", cfg.BaseURL())
	}
	if cfg.ImportThresholdBytes() != 500*1024 {
		t.Fatalf("unexpected import threshold: %d", cfg.ImportThresholdBytes())
	}
	if cfg.PollInterval() != 2*time.Second || cfg.StreamIdleTimeout() != time.Minute {
		t.Fatalf("unexpected progress timings: %s %s", cfg.PollInterval(), cfg.StreamIdleTimeout())
	}
	if cfg.CheckpointBudgetBytes() != 100*1024 {
		t.Fatalf("unexpected budget: %d", cfg.CheckpointBudgetBytes())
	}
	if got := cfg.Staleness()["import"]; got != 30*time.Minute {
		t.Fatalf("unexpected import staleness: %s", got)
	}
	if cfg.SyncStaleness() != 5*time.Minute {
		t.Fatalf("unexpected sync staleness: %s", cfg.SyncStaleness())
	}
}

func TestLoadFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := []byte(`
[backend]
base_url = "nodes.internal:9000/"

[thresholds]
import_bytes = 1024

[progress]
poll_interval = "500ms"
max_poll_failures = 5

[checkpoint]
backend = "SQLite"
interval = "bogus"

[checkpoint.staleness]
test = "10m"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.BaseURL() != "http://nodes.internal:9000" {
		t.Fatalf("unexpected base url: %q", cfg.BaseURL())
	}
	if cfg.ImportThresholdBytes() != 1024 {
		t.Fatalf("unexpected import threshold: %d", cfg.ImportThresholdBytes())
	}
	if cfg.PollInterval() != 500*time.Millisecond || cfg.MaxPollFailures() != 5 {
		t.Fatalf("unexpected progress config: %s %d", cfg.PollInterval(), cfg.MaxPollFailures())
	}
	if cfg.CheckpointBackend() != CheckpointBackendSQLite {
		t.Fatalf("unexpected backend: %q", cfg.CheckpointBackend())
	}
	if cfg.CheckpointInterval() != 1500*time.Millisecond {
		t.Fatalf("expected invalid interval to fall back, got %s", cfg.CheckpointInterval())
	}
	staleness := cfg.Staleness()
	if staleness["test"] != 10*time.Minute || staleness["import"] != 30*time.Minute {
		t.Fatalf("unexpected staleness: %v", staleness)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("NODECTL_BASE_URL", "https://console.example")
	t.Setenv("NODECTL_CHECKPOINT_BACKEND", "redis")
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.BaseURL() != "https://console.example" {
		t.Fatalf("unexpected base url: %q", cfg.BaseURL())
	}
	if cfg.CheckpointBackend() != CheckpointBackendRedis {
		t.Fatalf("unexpected backend: %q", cfg.CheckpointBackend())
	}
}

func TestLoadDotEnvSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("NODECTL_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("NODECTL_DOTENV_PROBE", "")
	os.Unsetenv("NODECTL_DOTENV_PROBE")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("NODECTL_DOTENV_PROBE"); got != "loaded" {
		t.Fatalf("expected probe to be loaded, got %q", got)
	}
}
