package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"loopsync/internal/config"
	"loopsync/internal/drift"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.LoopSeconds != 1800 {
		t.Errorf("expected 1800s loop, got %v", cfg.LoopSeconds)
	}
	if cfg.ToleranceMillis != 300 {
		t.Errorf("expected 300ms tolerance, got %v", cfg.ToleranceMillis)
	}
	if cfg.Platform != "desktop" {
		t.Errorf("expected desktop platform, got %q", cfg.Platform)
	}
	if cfg.SeekLag != nil {
		t.Error("expected no seek lag override by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	lag := -0.05
	cfg := config.Config{
		Media:             "https://cdn.example.com/loop.mp3",
		LoopSeconds:       3600,
		EpochOffset:       -1.5,
		ToleranceMillis:   250,
		Platform:          "mobile",
		SeekLag:           &lag,
		UserLatencyMillis: 40,
		Addr:              "127.0.0.1:9000",
		DBPath:            "/tmp/events.db",
	}
	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.Media != cfg.Media {
		t.Errorf("media: want %q got %q", cfg.Media, loaded.Media)
	}
	if loaded.LoopSeconds != 3600 || loaded.EpochOffset != -1.5 {
		t.Errorf("clock: got loop=%v offset=%v", loaded.LoopSeconds, loaded.EpochOffset)
	}
	if loaded.SeekLag == nil || *loaded.SeekLag != lag {
		t.Errorf("seek lag: want %v got %v", lag, loaded.SeekLag)
	}
	if loaded.UserLatencyMillis != 40 {
		t.Errorf("user latency: want 40 got %v", loaded.UserLatencyMillis)
	}
	if loaded.PlatformValue() != drift.Mobile {
		t.Errorf("platform: got %v", loaded.PlatformValue())
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.LoopSeconds == 0 {
		t.Error("expected defaults when no file exists")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "loopsync", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.ToleranceMillis != 300 {
		t.Errorf("expected default tolerance on corrupt file, got %v", cfg.ToleranceMillis)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "loopsync", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"media":"/srv/loop.flac"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Load()
	if cfg.Media != "/srv/loop.flac" || cfg.LoopSeconds != 1800 {
		t.Errorf("partial load: %+v", cfg)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path := filepath.Join(dir, "loopsync", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestValidate(t *testing.T) {
	neg := -0.1
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"default", func(*config.Config) {}, false},
		{"zero loop", func(c *config.Config) { c.LoopSeconds = 0 }, true},
		{"negative tolerance", func(c *config.Config) { c.ToleranceMillis = -1 }, true},
		{"unknown platform", func(c *config.Config) { c.Platform = "watch" }, true},
		{"negative seek lag allowed", func(c *config.Config) { c.SeekLag = &neg }, false},
		{"negative user latency", func(c *config.Config) { c.UserLatencyMillis = -5 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSeekLagSeconds(t *testing.T) {
	cfg := config.Default()
	if cfg.SeekLagSeconds() != 0 {
		t.Errorf("desktop default lag = %v", cfg.SeekLagSeconds())
	}
	cfg.Platform = "mobile"
	if cfg.SeekLagSeconds() != 0.25 {
		t.Errorf("mobile default lag = %v", cfg.SeekLagSeconds())
	}
	override := 0.1
	cfg.SeekLag = &override
	if cfg.SeekLagSeconds() != 0.1 {
		t.Errorf("override lag = %v", cfg.SeekLagSeconds())
	}
}

func TestMediaCacheDir(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = "/var/cache/loops"
	if got := cfg.MediaCacheDir(); got != "/var/cache/loops" {
		t.Errorf("MediaCacheDir = %q", got)
	}
	cfg.CacheDir = ""
	if cfg.MediaCacheDir() == "" {
		t.Error("expected a fallback cache dir")
	}
}
