package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/utafrali/identity/internal/repository"
)

// Sweeper deletes expired idempotency records on an interval.
type Sweeper struct {
	records  repository.IdempotencyRepository
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper creates a sweeper.
func NewSweeper(records repository.IdempotencyRepository, log *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{records: records, logger: log, interval: interval}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.records.DeleteExpiredBefore(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error("idempotency sweep failed", slog.String("error", err.Error()))
				continue
			}
			if deleted > 0 {
				s.logger.Info("idempotency sweep", slog.Int64("deleted", deleted))
			}
		}
	}
}
