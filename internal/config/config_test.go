package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8188" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LockBackend != "local" {
		t.Errorf("LockBackend = %q", cfg.LockBackend)
	}
	if cfg.LockTTL != 30*time.Second {
		t.Errorf("LockTTL = %v", cfg.LockTTL)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowshelf.yaml")
	data := `
listen_addr: ":7000"
workflows_root: /srv/workflows
lock_ttl: 5s
journal_driver: sqlite
journal_dsn: /tmp/activity.db
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LISTEN_ADDR", ":7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7001" {
		t.Errorf("env should override file: ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.WorkflowsRoot != "/srv/workflows" {
		t.Errorf("WorkflowsRoot = %q", cfg.WorkflowsRoot)
	}
	if cfg.LockTTL != 5*time.Second {
		t.Errorf("LockTTL = %v", cfg.LockTTL)
	}
	if cfg.JournalDriver != "sqlite" {
		t.Errorf("JournalDriver = %q", cfg.JournalDriver)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"defaults ok", func(*Config) {}, ""},
		{"empty root", func(c *Config) { c.WorkflowsRoot = "" }, "WORKFLOWS_ROOT"},
		{"redis without url", func(c *Config) { c.LockBackend = "redis" }, "REDIS_URL"},
		{"unknown lock backend", func(c *Config) { c.LockBackend = "etcd" }, "LOCK_BACKEND"},
		{"journal without dsn", func(c *Config) { c.JournalDriver = "postgres" }, "JOURNAL_DSN"},
		{"s3 mirror without bucket", func(c *Config) { c.MirrorBackend = "s3" }, "S3_BUCKET"},
		{"local mirror without path", func(c *Config) { c.MirrorBackend = "local" }, "MIRROR_LOCAL_PATH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Fatalf("error = %v, want mention of %s", err, tt.errSub)
			}
		})
	}
}
