package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultMaxBatches = 20

// Cleaner purges expired records in bounded batches. The internal maintenance route and the
// background ticker in main share one instance.
type Cleaner struct {
	store      Store
	batchSize  int
	maxBatches int
	clock      func() time.Time
	logger     *zap.Logger
}

// NewCleaner constructs a Cleaner deleting batchSize records per store call.
func NewCleaner(store Store, batchSize int, logger *zap.Logger) *Cleaner {
	if batchSize <= 0 {
		batchSize = defaultCleanupLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		store:      store,
		batchSize:  batchSize,
		maxBatches: defaultMaxBatches,
		clock:      time.Now,
		logger:     logger,
	}
}

// Run deletes expired records until a batch comes back short or the batch cap is reached.
func (c *Cleaner) Run(ctx context.Context) (int, error) {
	now := c.clock().UTC()
	total := 0
	for i := 0; i < c.maxBatches; i++ {
		removed, err := c.store.CleanupExpired(ctx, now, c.batchSize)
		total += removed
		if err != nil {
			return total, err
		}
		if removed < c.batchSize {
			break
		}
	}
	if total > 0 {
		c.logger.Info("idempotency keys purged", zap.Int("removed", total))
	}
	return total, nil
}

// Start runs the cleaner every interval until ctx is cancelled. The returned channel closes once
// the loop has exited.
func (c *Cleaner) Start(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Run(ctx); err != nil && ctx.Err() == nil {
					c.logger.Warn("idempotency cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	return done
}
