package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zapnet/zapnet/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"received", snap.Received,
					"dropped", snap.Dropped,
					"out_of_order", snap.OutOfOrder,
					"repeated", snap.Repeated,
					"reports_sent", snap.ReportsSent,
					"batches_completed", snap.BatchesCompleted,
					"stations_active", snap.StationsActive,
					"stations_rejected", snap.StationsRejected,
					"errors", snap.Errors,
					"malformed", snap.Malformed,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
