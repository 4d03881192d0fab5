package worker

import (
	"context"
	"time"

	"psdconverter/services"

	"go.uber.org/zap"
)

// Sweeper periodically removes files orphaned by a crashed process. Requests
// clean up after themselves; this only catches what they could not.
type Sweeper struct {
	storage   *services.StorageArea
	olderThan time.Duration
	interval  time.Duration
	logger    *zap.Logger
	metrics   *Metrics
}

func NewSweeper(storage *services.StorageArea, olderThan, interval time.Duration, logger *zap.Logger, metrics *Metrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		storage:   storage,
		olderThan: olderThan,
		interval:  interval,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("starting stale file sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("older_than", s.olderThan),
	)
	s.SweepOnce()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stale file sweeper shutting down")
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single pass and returns the number of files removed.
func (s *Sweeper) SweepOnce() int {
	removed, err := s.storage.Sweep(s.olderThan)
	if err != nil {
		s.logger.Warn("stale file sweep incomplete", zap.Error(err))
	}
	if removed > 0 {
		s.metrics.SweptFiles.Add(float64(removed))
		s.logger.Info("removed stale files", zap.Int("count", removed))
	}
	return removed
}
