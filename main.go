package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"loopsync/internal/config"
	"loopsync/internal/engine"
	"loopsync/internal/httpapi"
	"loopsync/internal/latency"
	"loopsync/internal/player"
	"loopsync/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const metricsInterval = 30 * time.Second

func main() {
	cfg := config.Load()

	media := flag.String("media", cfg.Media, "Media file path or http(s) URL")
	loop := flag.Float64("loop", cfg.LoopSeconds, "Loop duration in seconds")
	epochOffset := flag.Float64("epoch-offset", cfg.EpochOffset, "Clock skew correction in seconds (may be negative)")
	tolerance := flag.Float64("tolerance", cfg.ToleranceMillis, "Base drift tolerance in milliseconds")
	platform := flag.String("platform", cfg.Platform, "Platform profile: desktop or mobile")
	seekLag := flag.Float64("seek-lag", cfg.SeekLagSeconds(), "Platform seek lag compensation in seconds")
	userLatency := flag.Float64("latency", cfg.UserLatencyMillis, "Extra user latency in milliseconds")
	addr := flag.String("addr", cfg.Addr, "Control API listen address (empty disables it)")
	dbPath := flag.String("db", cfg.DBPath, "SQLite event log path")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg.Media = *media
	cfg.LoopSeconds = *loop
	cfg.EpochOffset = *epochOffset
	cfg.ToleranceMillis = *tolerance
	cfg.Platform = *platform
	cfg.UserLatencyMillis = *userLatency
	cfg.Addr = *addr
	cfg.DBPath = *dbPath
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seek-lag" {
			cfg.SeekLag = seekLag
		}
	})

	if handled, err := RunCLI(os.Stdout, flag.Args(), cfg, time.Now); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("loopsync failed", "err", err)
		os.Exit(1)
	}
	slog.Info("loopsync stopped")
}

// run wires the player, engine, event log and control API and blocks until
// ctx is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Media == "" {
		return errors.New("no media configured; pass -media or set it in " + configPathOrDefault())
	}
	slog.Info("starting loopsync", "version", Version, "media", cfg.Media, "loop", cfg.LoopSeconds, "platform", cfg.Platform)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	sess, err := st.CreateSession(ctx, store.Session{Media: cfg.Media, LoopSeconds: cfg.LoopSeconds, Platform: cfg.Platform})
	if err != nil {
		return err
	}
	rec := store.NewRecorder(st, sess.ID, 256)
	recCtx, stopRec := context.WithCancel(context.Background())
	recDone := make(chan struct{})
	go func() {
		rec.Run(recCtx)
		close(recDone)
	}()
	defer func() {
		stopRec()
		<-recDone
	}()

	src, err := player.Open(ctx, player.Options{Location: cfg.Media, CacheDir: cfg.MediaCacheDir()})
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}
	defer src.Close()

	lat := latency.NewState(cfg.UserLatencyMillis)
	ecfg := engine.DefaultConfig(cfg.Clock(), cfg.ToleranceMillis, cfg.PlatformValue())
	ecfg.SeekLag = cfg.SeekLagSeconds()
	eng, err := engine.New(ecfg, src, engine.Options{
		Latency:   lat,
		Estimator: latency.NewEstimator(latency.PortAudioProbe{}, lat),
		Sink:      rec,
	})
	if err != nil {
		return err
	}
	eng.Start()
	defer eng.Stop()

	go RunMetrics(ctx, eng, metricsInterval)

	if cfg.Addr == "" {
		<-ctx.Done()
		return nil
	}

	var saveMu sync.Mutex
	server := httpapi.New(eng, httpapi.Options{
		Events: st,
		SaveLatency: func(ms float64) error {
			saveMu.Lock()
			defer saveMu.Unlock()
			saved := config.Load()
			saved.UserLatencyMillis = ms
			return config.Save(saved)
		},
	})
	slog.Info("listening", "addr", cfg.Addr, "session_id", sess.ID)
	return server.Run(ctx, cfg.Addr)
}

func configPathOrDefault() string {
	if p, err := config.Path(); err == nil {
		return p
	}
	return "the config file"
}
