package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/futarchyfi/condamm/internal/domain"
	"github.com/futarchyfi/condamm/internal/engine"
	"github.com/futarchyfi/condamm/internal/engine/amm"
)

// SnapshotService periodically persists every pool's reserves and TWAP. The
// TWAP window for each snapshot spans from the previous tick, so each row
// records the average price over one interval.
type SnapshotService struct {
	engine    *engine.Engine
	snapshots domain.PoolSnapshotStore
	interval  time.Duration
	logger    *slog.Logger

	// since holds the oracle observations taken at the previous tick,
	// keyed by market ID. Only accessed from the Run goroutine.
	since map[string]map[int]amm.Observation
}

// NewSnapshotService creates a SnapshotService.
func NewSnapshotService(eng *engine.Engine, snapshots domain.PoolSnapshotStore, interval time.Duration, logger *slog.Logger) *SnapshotService {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SnapshotService{
		engine:    eng,
		snapshots: snapshots,
		interval:  interval,
		logger:    logger.With(slog.String("component", "snapshot_service")),
		since:     make(map[string]map[int]amm.Observation),
	}
}

// Run snapshots all markets on a fixed interval until the context is
// cancelled.
func (s *SnapshotService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SnapshotAll(ctx)
		}
	}
}

// SnapshotAll captures and persists one snapshot per pool across all live
// markets. Failures on one market do not stop the others.
func (s *SnapshotService) SnapshotAll(ctx context.Context) {
	now := time.Now().UTC()
	live := make(map[string]bool)

	for _, m := range s.engine.Markets() {
		live[m.ID()] = true

		snaps, err := m.Snapshot(s.since[m.ID()], now)
		if err != nil {
			s.logger.WarnContext(ctx, "snapshot failed",
				slog.String("market_id", m.ID()),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := s.snapshots.InsertBatch(ctx, snaps); err != nil {
			s.logger.ErrorContext(ctx, "persist snapshots failed",
				slog.String("market_id", m.ID()),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.since[m.ID()] = m.Observe(now)
	}

	// Drop observation state for markets removed from the engine.
	for id := range s.since {
		if !live[id] {
			delete(s.since, id)
		}
	}
}
