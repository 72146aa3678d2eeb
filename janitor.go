package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/metrics"
)

type deliveryPruner interface {
	PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
}

// runJanitor deletes delivery records older than the dedup window until ctx
// is done.
func runJanitor(ctx context.Context, p deliveryPruner, window, interval time.Duration, m *metrics.Metrics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pruneOnce(ctx, p, window, time.Now(), m)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pruneOnce(ctx, p, window, now, m)
		}
	}
}

func pruneOnce(ctx context.Context, p deliveryPruner, window time.Duration, now time.Time, m *metrics.Metrics) int64 {
	n, err := p.PruneDeliveries(ctx, now.Add(-window))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune delivery records")
		return 0
	}
	m.Pruned(n)
	if n > 0 {
		log.Info().Int64("pruned", n).Dur("window", window).Msg("Pruned expired delivery records")
	}
	return n
}
