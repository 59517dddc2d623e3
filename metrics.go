package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"ircd/internal/audit"
)

// RunMetrics logs a snapshot of the daemon's connection counters every
// interval until ctx is cancelled, matching spec §4.K's requirement
// that statistics be observable without a dedicated query round trip.
func RunMetrics(ctx context.Context, counters *audit.Counters, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := counters.Snapshot()
			if snap.CurrentClients == 0 && snap.TotalConnections == 0 {
				continue
			}
			log.Info("metrics",
				"clients", snap.CurrentClients,
				"servers", snap.CurrentServers,
				"channels", snap.CurrentChannels,
				"total_connections", snap.TotalConnections,
				"bytes_in", humanize.Bytes(uint64(snap.BytesIn)),
				"bytes_out", humanize.Bytes(uint64(snap.BytesOut)),
				"messages_in", snap.MessagesIn,
				"messages_out", snap.MessagesOut,
			)
		}
	}
}
