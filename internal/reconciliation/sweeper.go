package reconciliation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically replays open records and resolves the ones whose
// missing step now commits.
type Sweeper struct {
	store    Store
	replayer Replayer
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewSweeper creates a sweeper. A non-positive batch defaults to 100.
func NewSweeper(store Store, replayer Replayer, interval time.Duration, batch int, logger *zap.Logger) (*Sweeper, error) {
	if store == nil || replayer == nil {
		return nil, fmt.Errorf("sweeper needs a store and a replayer")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		replayer: replayer,
		interval: interval,
		batch:    batch,
		logger:   logger.Named("sweeper"),
	}, nil
}

// Run sweeps every interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Reconciliation sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciliation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce replays one batch of open records and returns how many it resolved
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	records, err := s.store.ListOpen(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		out := s.replayer.Replay(ctx, record)
		if !out.IsCommitted() {
			s.logger.Debug("Replay did not commit",
				zap.String("record_id", record.ID),
				zap.String("outcome", out.Detail()))
			continue
		}

		if err := s.store.Resolve(ctx, record.ID); err != nil {
			s.logger.Error("Failed to resolve replayed record",
				zap.String("record_id", record.ID),
				zap.Error(err))
			continue
		}
		resolved++
		s.logger.Info("Inconsistency resolved",
			zap.String("record_id", record.ID),
			zap.String("user_id", record.UserID),
			zap.String("operation_type", string(record.OperationType)))
	}
	return resolved, nil
}
