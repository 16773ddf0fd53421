package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/internal/task"
)

// MetadataLoop returns the periodic self-report task: queue depth, uptime and
// connection pool pressure logged and exported as metrics. Runs under the
// lifespan group until canceled.
func (m *Manager) MetadataLoop(interval time.Duration) task.Fn {
	if interval <= 0 {
		interval = time.Minute
	}
	start := time.Now()

	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			depth, err := m.store.QueueDepth(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("queue depth probe failed", zap.Error(err))
				continue
			}
			m.collector.SetQueueDepth(int(depth))
			pool := m.store.Stats()
			m.logger.Info("server metadata",
				zap.Duration("uptime", time.Since(start).Round(time.Second)),
				zap.Int64("queue_depth", depth),
				zap.Int("active_runs", m.ActiveRuns()),
				zap.Int("db_open_conns", pool.OpenConnections),
				zap.Int("db_in_use", pool.InUse),
				zap.Int64("db_wait_count", pool.WaitCount),
			)
		}
	}
}
