// Package recovery returns jobs whose lease has expired to pending.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/CharanSaiVaddi/queuectl/internal/telemetry"
)

// Sweeper is the store operation recovery needs.
type Sweeper interface {
	RecoverStale(ctx context.Context, threshold time.Duration) (int64, error)
}

// Manager reclaims processing jobs locked for longer than the lock timeout.
// There is no heartbeat; the lock timeout is the only liveness signal, so a
// job running longer than it can be reclaimed while still executing.
type Manager struct {
	store     Sweeper
	threshold time.Duration
	logger    *slog.Logger
	inst      *telemetry.Instruments
}

func NewManager(store Sweeper, threshold time.Duration, logger *slog.Logger, inst *telemetry.Instruments) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, threshold: threshold, logger: logger, inst: inst}
}

// Recover runs one sweep and reports how many jobs were reset. Store errors
// are logged and reported as zero.
func (m *Manager) Recover(ctx context.Context) int64 {
	n, err := m.store.RecoverStale(ctx, m.threshold)
	if err != nil {
		m.logger.Error("stale lease recovery failed",
			slog.Duration("threshold", m.threshold),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if n > 0 {
		m.inst.Recovered(ctx, n)
		m.logger.Warn("recovered stale jobs",
			slog.Int64("count", n),
			slog.Duration("threshold", m.threshold),
		)
	}
	return n
}
