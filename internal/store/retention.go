package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RetentionCleaner periodically deletes log records older than the retention period.
type RetentionCleaner struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewRetentionCleaner starts a cleaner that runs once immediately and then
// every interval. It returns nil when retentionDays is not positive.
func NewRetentionCleaner(store Store, retentionDays int, interval time.Duration, logger *slog.Logger) *RetentionCleaner {
	if retentionDays <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	rc := &RetentionCleaner{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}

	rc.cleanup(time.Now())

	rc.wg.Add(1)
	go rc.loop()
	return rc
}

func (rc *RetentionCleaner) loop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rc.cleanup(now)
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup(now time.Time) {
	cutoff := now.Add(-rc.retention)
	rows, err := rc.store.DeleteRecordsBefore(context.Background(), cutoff)
	if err != nil {
		rc.logger.Error("retention cleanup failed", "error", err)
		return
	}
	if rows > 0 {
		rc.logger.Info("retention cleanup", "deleted", rows, "cutoff", cutoff)
	}
}

// Stop signals the cleaner to stop and waits for it. Safe on a nil cleaner.
func (rc *RetentionCleaner) Stop() {
	if rc == nil {
		return
	}
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
