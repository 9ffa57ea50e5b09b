package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"loopsync/internal/clock"
	"loopsync/internal/config"
	"loopsync/internal/latency"
	"loopsync/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(w io.Writer, args []string, cfg config.Config, now func() time.Time) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(w, "loopsync %s\n", Version)
		return true, nil
	case "target":
		return true, cliTarget(w, cfg, now())
	case "events":
		return true, cliEvents(w, args[1:], cfg.DBPath)
	case "config":
		return true, cliConfig(w, cfg)
	default:
		return false, nil
	}
}

func cliTarget(w io.Writer, cfg config.Config, now time.Time) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	// Without a running player only the user and platform terms are known.
	comp := latency.NewState(cfg.UserLatencyMillis).Total(cfg.SeekLagSeconds())
	sec := clock.Seconds(now)
	fmt.Fprintf(w, "Loop: %.3fs (epoch offset %+.3fs)\n", cfg.LoopSeconds, cfg.EpochOffset)
	fmt.Fprintf(w, "Actual UTC position: %.3f\n", clock.ActualUTCPosition(cfg.Clock(), sec))
	fmt.Fprintf(w, "Target position: %.3f (compensation %+.3fs)\n", clock.TargetPosition(cfg.Clock(), sec, comp), comp)
	return nil
}

func cliEvents(w io.Writer, args []string, dbPath string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: loopsync events [n]")
		}
		limit = n
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	rows, err := st.RecentEvents(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return nil
	}
	for _, r := range rows {
		line := fmt.Sprintf("  %s %-8s %9.3f -> %9.3f drift=%.0fms", r.At.Format(time.RFC3339), r.Kind, r.From, r.To, r.DriftMillis)
		if r.Tactic != "" {
			line += " " + r.Tactic
		}
		if r.Failed() {
			line += " error=" + strconv.Quote(r.Err)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func cliConfig(w io.Writer, cfg config.Config) error {
	path, err := config.Path()
	if err != nil {
		path = "(unavailable: " + err.Error() + ")"
	}
	fmt.Fprintf(w, "Config file: %s\n", path)
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}
