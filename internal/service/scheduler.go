package service

import (
	"context"
	"sync"
	"time"

	"peersync/internal/constants"

	"github.com/sirupsen/logrus"
)

// HistoryCleaner removes delivery history older than the retention window
type HistoryCleaner interface {
	CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error)
}

type Scheduler struct {
	history       HistoryCleaner
	retentionDays int
	intervalHours int
	logger        *logrus.Logger
	stopCh        chan struct{}
	stopOnce      sync.Once
}

func NewScheduler(history HistoryCleaner, retentionDays, intervalHours int, logger *logrus.Logger) *Scheduler {
	if intervalHours <= 0 {
		intervalHours = constants.CleanupSchedulerIntervalHours
	}
	if retentionDays <= 0 {
		retentionDays = constants.DefaultHistoryRetentionDays
	}
	return &Scheduler{
		history:       history,
		retentionDays: retentionDays,
		intervalHours: intervalHours,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalHours) * time.Hour)
	defer ticker.Stop()

	s.logger.Info("Starting history cleanup scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	s.logger.WithField("retentionDays", s.retentionDays).Info("Running scheduled history cleanup")

	removed, err := s.history.CleanupOldRecords(ctx, s.retentionDays)
	if err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old records")
		return
	}
	s.logger.WithField(LogFieldCount, removed).Info("Successfully completed cleanup")
}
