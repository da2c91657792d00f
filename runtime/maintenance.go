package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// maintenance runs the node's periodic jobs: memory TTL sweep, DHT store
// sweep, cache purge. Schedules are fixed; operators tune nothing here.
type maintenance struct {
	runtime *Runtime
	cron    *cron.Cron
	logger  *slog.Logger
}

func newMaintenance(r *Runtime, logger *slog.Logger) *maintenance {
	return &maintenance{
		runtime: r,
		cron:    cron.New(),
		logger:  logger,
	}
}

func (m *maintenance) start() {
	// Memory TTL sweeper: lazy expiry covers reads; this covers the rest.
	_, _ = m.cron.AddFunc("@every 60s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.runtime.Memory.SweepExpired(ctx); err != nil {
			m.logger.Warn("memory sweep failed", "error", err)
		}
	})

	// DHT local-store sweeper.
	_, _ = m.cron.AddFunc("@every 5m", func() {
		if removed, err := m.runtime.DHT.SweepExpired(); err != nil {
			m.logger.Warn("dht sweep failed", "error", err)
		} else if removed > 0 {
			m.logger.Debug("dht sweep", "removed", removed)
		}
	})

	// Cache hit-rate export.
	_, _ = m.cron.AddFunc("@every 1m", func() {
		metrics := m.runtime.Memory.CacheMetrics()
		m.logger.Debug("cache metrics",
			"hits", metrics.Hits.Load(),
			"misses", metrics.Misses.Load(),
			"hit_rate", metrics.HitRate())
	})

	m.cron.Start()
}

func (m *maintenance) stop() {
	ctx := m.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}
