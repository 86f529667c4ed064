package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8787 {
		t.Fatalf("expected default port 8787, got %d", cfg.Server.Port)
	}
	if cfg.Watch.PollInterval != 2*time.Second {
		t.Fatalf("expected default poll interval 2s, got %s", cfg.Watch.PollInterval)
	}
	if cfg.Idle.IdleThreshold != 30*time.Second {
		t.Fatalf("expected idle threshold 30s, got %s", cfg.Idle.IdleThreshold)
	}
	if cfg.Notify.GlobalHourlyCap != 10 {
		t.Fatalf("expected global hourly cap 10, got %d", cfg.Notify.GlobalHourlyCap)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Fatalf("expected default config for missing file, got port %d", cfg.Server.Port)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "server:\n  port: 9999\nidle:\n  idle_threshold: 45s\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("expected overridden port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Idle.IdleThreshold != 45*time.Second {
		t.Fatalf("expected overridden idle threshold, got %s", cfg.Idle.IdleThreshold)
	}
	// Unset fields keep defaults.
	if cfg.Watch.PollInterval != 2*time.Second {
		t.Fatalf("expected default poll interval to survive partial override, got %s", cfg.Watch.PollInterval)
	}
}

func TestDiff(t *testing.T) {
	old := Default()
	newCfg := Default()
	newCfg.Server.Port = 1234
	newCfg.Idle.IdleCooldown = time.Minute

	changes := Diff(old, newCfg)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %v", len(changes), changes)
	}
}
