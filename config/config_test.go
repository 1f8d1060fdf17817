package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docview.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendPdfium || cfg.MaxConcurrent != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
backend = "markdown"
max_concurrent = 4
buffer_fraction = 0.75
settle_interval_ms = 100
cooldown_ms = 25
cache_sweep_interval_ms = 5000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendMarkdown {
		t.Errorf("backend = %q", cfg.Backend)
	}
	if cfg.MaxConcurrent != 4 {
		t.Errorf("max_concurrent = %d", cfg.MaxConcurrent)
	}
	if cfg.BufferFraction != 0.75 {
		t.Errorf("buffer_fraction = %f", cfg.BufferFraction)
	}
	if cfg.SettleInterval != 100*time.Millisecond {
		t.Errorf("settle_interval = %v", cfg.SettleInterval)
	}
	if cfg.Cooldown != 25*time.Millisecond {
		t.Errorf("cooldown = %v", cfg.Cooldown)
	}
	if cfg.CacheSweepInterval != 5*time.Second {
		t.Errorf("cache_sweep_interval = %v", cfg.CacheSweepInterval)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `max_concurrent = 8`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrent != 8 {
		t.Errorf("max_concurrent = %d", cfg.MaxConcurrent)
	}
	if cfg.SettleInterval != Default().SettleInterval {
		t.Errorf("settle_interval = %v, want default", cfg.SettleInterval)
	}
}

func TestLoadNegativeDisablesDelays(t *testing.T) {
	path := writeConfig(t, `
settle_interval_ms = -1
cooldown_ms = -1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SettleInterval >= 0 || cfg.Cooldown >= 0 {
		t.Fatalf("delays not disabled: %+v", cfg)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, `backend = "ghostscript"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("unknown backend accepted")
	}
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := writeConfig(t, `max_concurrent = [`)
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed config accepted")
	}
}

func TestSchedulerConversion(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrent = 3
	cfg.PageGap = 12
	sc := cfg.Scheduler()
	if sc.MaxConcurrent != 3 || sc.PageGap != 12 || sc.BufferFraction != cfg.BufferFraction {
		t.Fatalf("scheduler config = %+v", sc)
	}
}
