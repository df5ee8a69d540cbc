package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
data_dir: /var/lib/nsync
lock_ttl: 10s
journal:
  backend: sqlite3
  options:
    path: /var/lib/nsync/journal.db
metrics:
  enabled: true
  addr: ":9191"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.DataDir != "/var/lib/nsync" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.LockTTL != 10*time.Second {
		t.Errorf("LockTTL = %v", cfg.LockTTL)
	}
	if cfg.Journal.Backend != "sqlite3" {
		t.Errorf("Journal.Backend = %q", cfg.Journal.Backend)
	}
	if cfg.Journal.Options["path"] != "/var/lib/nsync/journal.db" {
		t.Errorf("Journal.Options[path] = %v", cfg.Journal.Options["path"])
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != ":9191" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDefaultHasWorkableDataDir(t *testing.T) {
	cfg := Default()
	if cfg.DataDir == "" {
		t.Fatal("expected non-empty default data dir")
	}
}
