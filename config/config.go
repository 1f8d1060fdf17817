// Package config loads viewer settings from a TOML file. Missing
// files and absent fields fall back to scheduler defaults, so a config
// file is never required.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/wudi/docview/scheduler"
)

// Backends selectable from configuration.
const (
	BackendPdfium   = "pdfium"
	BackendFitz     = "fitz"
	BackendMarkdown = "markdown"
)

// Config captures the host-tunable scheduler knobs plus the backend
// selection.
type Config struct {
	Backend            string
	MaxConcurrent      int
	BufferFraction     float64
	SettleInterval     time.Duration
	Cooldown           time.Duration
	FallbackAspect     float64
	PageGap            float64
	CacheSweepInterval time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:        BackendPdfium,
		MaxConcurrent:  2,
		BufferFraction: scheduler.DefaultBufferFraction,
		SettleInterval: scheduler.DefaultSettleInterval,
		Cooldown:       scheduler.DefaultCooldown,
		FallbackAspect: scheduler.DefaultFallbackAspect,
	}
}

type raw struct {
	Backend              string  `toml:"backend"`
	MaxConcurrent        int     `toml:"max_concurrent"`
	BufferFraction       float64 `toml:"buffer_fraction"`
	SettleIntervalMS     int     `toml:"settle_interval_ms"`
	CooldownMS           int     `toml:"cooldown_ms"`
	FallbackAspect       float64 `toml:"fallback_aspect"`
	PageGap              float64 `toml:"page_gap"`
	CacheSweepIntervalMS int     `toml:"cache_sweep_interval_ms"`
}

// Load parses the config at path, falling back to defaults when the
// file does not exist. An empty path returns the defaults directly.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var r raw
	if err := toml.Unmarshal(data, &r); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if backend := strings.TrimSpace(r.Backend); backend != "" {
		switch backend {
		case BackendPdfium, BackendFitz, BackendMarkdown:
			cfg.Backend = backend
		default:
			return Config{}, fmt.Errorf("unknown backend %q", backend)
		}
	}
	if r.MaxConcurrent > 0 {
		cfg.MaxConcurrent = r.MaxConcurrent
	}
	if r.BufferFraction > 0 {
		cfg.BufferFraction = r.BufferFraction
	}
	if r.SettleIntervalMS != 0 {
		cfg.SettleInterval = time.Duration(r.SettleIntervalMS) * time.Millisecond
	}
	if r.CooldownMS != 0 {
		cfg.Cooldown = time.Duration(r.CooldownMS) * time.Millisecond
	}
	if r.FallbackAspect > 0 {
		cfg.FallbackAspect = r.FallbackAspect
	}
	if r.PageGap > 0 {
		cfg.PageGap = r.PageGap
	}
	if r.CacheSweepIntervalMS > 0 {
		cfg.CacheSweepInterval = time.Duration(r.CacheSweepIntervalMS) * time.Millisecond
	}
	return cfg, nil
}

// Scheduler converts the loaded settings into a scheduler.Config.
func (c Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent:      c.MaxConcurrent,
		BufferFraction:     c.BufferFraction,
		SettleInterval:     c.SettleInterval,
		Cooldown:           c.Cooldown,
		FallbackAspect:     c.FallbackAspect,
		PageGap:            c.PageGap,
		CacheSweepInterval: c.CacheSweepInterval,
	}
}
