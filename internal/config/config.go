// Package config manages persistent preferences for the loopsync client.
// Settings are stored as JSON at os.UserConfigDir()/loopsync/config.json.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"loopsync/internal/clock"
	"loopsync/internal/drift"
)

// Config holds all persistent preferences.
type Config struct {
	Media           string  `json:"media"`
	LoopSeconds     float64 `json:"loop_seconds"`
	EpochOffset     float64 `json:"epoch_offset"`
	ToleranceMillis float64 `json:"tolerance_ms"`
	Platform        string  `json:"platform"`
	// SeekLag overrides the platform default compensation when set.
	SeekLag           *float64 `json:"seek_lag,omitempty"`
	UserLatencyMillis float64  `json:"user_latency_ms"`
	Addr              string   `json:"addr"`
	DBPath            string   `json:"db_path"`
	CacheDir          string   `json:"cache_dir"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		LoopSeconds:     1800,
		ToleranceMillis: 300,
		Platform:        "desktop",
		Addr:            "127.0.0.1:8470",
		DBPath:          "loopsync.db",
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "loopsync", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the values the sync engine depends on.
func (c Config) Validate() error {
	if err := c.Clock().Validate(); err != nil {
		return err
	}
	if c.ToleranceMillis <= 0 || math.IsNaN(c.ToleranceMillis) || math.IsInf(c.ToleranceMillis, 0) {
		return errors.New("tolerance must be a positive number of milliseconds")
	}
	if _, err := drift.ParsePlatform(c.Platform); err != nil {
		return err
	}
	if c.SeekLag != nil && (math.IsNaN(*c.SeekLag) || math.IsInf(*c.SeekLag, 0)) {
		return errors.New("seek lag must be finite")
	}
	if c.UserLatencyMillis < 0 || math.IsNaN(c.UserLatencyMillis) {
		return fmt.Errorf("user latency %v ms must not be negative", c.UserLatencyMillis)
	}
	return nil
}

// Clock returns the timeline configuration.
func (c Config) Clock() clock.Config {
	return clock.Config{LoopDuration: c.LoopSeconds, EpochOffset: c.EpochOffset}
}

// PlatformValue parses Platform, falling back to desktop.
func (c Config) PlatformValue() drift.Platform {
	p, _ := drift.ParsePlatform(c.Platform)
	return p
}

// SeekLagSeconds is the override when set, otherwise the platform default.
func (c Config) SeekLagSeconds() float64 {
	if c.SeekLag != nil {
		return *c.SeekLag
	}
	return drift.DefaultSeekLag(c.PlatformValue())
}

// MediaCacheDir is CacheDir, or loopsync/media under the user cache dir.
func (c Config) MediaCacheDir() string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "loopsync", "media")
	}
	return filepath.Join(os.TempDir(), "loopsync-media")
}
