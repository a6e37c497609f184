package usage

import (
	"context"
	"time"

	"github.com/spendguard/control-plane/pkg/metrics"
	"go.uber.org/zap"
)

// Retention purges cost events past the retention window on a fixed
// interval.
type Retention struct {
	store     *Store
	logger    *zap.Logger
	retention time.Duration
	interval  time.Duration
}

// NewRetention creates the retention job.
func NewRetention(store *Store, logger *zap.Logger, retentionDays int, interval time.Duration) *Retention {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{
		store:     store,
		logger:    logger,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
	}
}

// Start begins the purge loop.
func (r *Retention) Start(ctx context.Context) {
	r.logger.Info("starting retention job",
		zap.Duration("retention", r.retention),
		zap.Duration("interval", r.interval),
	)
	go r.loop(ctx)
}

func (r *Retention) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Run immediately on start
	r.purge(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.purge(ctx)
		}
	}
}

func (r *Retention) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.retention)
	removed, err := r.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error("retention purge failed", zap.Error(err))
		return
	}
	if removed > 0 {
		metrics.CostEventsPurged.Add(float64(removed))
		r.logger.Info("purged expired cost events",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff),
		)
	}
}
