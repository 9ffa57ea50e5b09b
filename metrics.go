package main

import (
	"context"
	"log/slog"
	"time"

	"loopsync/internal/engine"
)

type diagnosticsSource interface {
	Diagnostics() engine.Diagnostics
}

// RunMetrics logs sync stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, eng diagnosticsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSeeks, lastRecoveries int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d := eng.Diagnostics()
			if !d.Running {
				continue
			}
			slog.Info("sync metrics",
				"phase", d.Phase,
				"drift_ms", d.LastDriftMillis,
				"classification", d.LastClassification,
				"seeks", d.Seeks-lastSeeks,
				"recoveries", d.Recoveries-lastRecoveries,
				"compensation_s", d.CompensationSec,
			)
			lastSeeks, lastRecoveries = d.Seeks, d.Recoveries
		}
	}
}
