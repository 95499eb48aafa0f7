// Package retention prunes old scan records in the background.
package retention

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain/repositories"
)

// CleanupService deletes scan records older than a retention period
type CleanupService struct {
	repo      repositories.ScanResultRepository
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(repo repositories.ScanResultRepository, retention, interval time.Duration, logger *zap.Logger) *CleanupService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupService{
		repo:      repo,
		retention: retention,
		interval:  interval,
		logger:    logger.With(zap.String("component", "retention")),
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *CleanupService) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
	s.logger.Info("Scan record cleanup started",
		zap.Duration("retention", s.retention),
		zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service and waits for a running pass to finish
func (s *CleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("Scan record cleanup stopped")
}

// cleanupLoop runs a pass immediately and then on every interval
func (s *CleanupService) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(context.Background())
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce deletes every record completed before now minus the retention period
func (s *CleanupService) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	deleted, err := s.repo.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to delete old scan records", zap.Error(err))
		return 0
	}

	if deleted > 0 {
		s.logger.Info("Old scan records deleted", zap.Int64("count", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted
}
