package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spendguard/control-plane/internal/budget"
	"github.com/spendguard/control-plane/internal/config"
	"github.com/spendguard/control-plane/pkg/cache"
	"github.com/spendguard/control-plane/pkg/events"
	"github.com/spendguard/control-plane/pkg/metrics"
	"github.com/spendguard/control-plane/pkg/models"
	"go.uber.org/zap"
)

// ErrInvalidEvent is returned for malformed cost events.
var ErrInvalidEvent = errors.New("invalid cost event")

// EventSource is the storage the aggregator sums over.
type EventSource interface {
	Insert(ctx context.Context, ev *models.CostEvent) error
	TenantExists(ctx context.Context, tenantID string) (bool, error)
	WindowTotals(ctx context.Context, tenantID string, since time.Time) (float64, int64, error)
}

// windowTotal is a cached (cost, ops) pair for one (tenant, window).
type windowTotal struct {
	Cost float64
	Ops  int64
}

// Aggregator computes rolling per-tenant usage from cost events. Reads
// are served from a short-TTL Redis cache per (tenant, window) to bound
// load on the event store; staleness is capped by each window's TTL.
type Aggregator struct {
	source EventSource
	cache  *cache.Cache
	bus    *events.Bus
	logger *zap.Logger
	ttls   map[models.Window]time.Duration
	now    func() time.Time
}

// NewAggregator creates a usage aggregator.
func NewAggregator(source EventSource, c *cache.Cache, bus *events.Bus, logger *zap.Logger, cfg config.BudgetConfig) *Aggregator {
	ttls := map[models.Window]time.Duration{
		models.WindowRecent:  cfg.RecentCacheTTL,
		models.WindowDaily:   cfg.DailyCacheTTL,
		models.WindowMonthly: cfg.MonthlyCacheTTL,
	}
	for w, ttl := range ttls {
		// TTL is bounded by the window size so staleness stays within
		// the window's realtime requirement.
		if ttl <= 0 {
			ttls[w] = time.Minute
		} else if ttl > w.Duration() {
			ttls[w] = w.Duration()
		}
	}
	return &Aggregator{
		source: source,
		cache:  c,
		bus:    bus,
		logger: logger,
		ttls:   ttls,
		now:    time.Now,
	}
}

// Record ingests a cost event.
func (a *Aggregator) Record(ctx context.Context, ev *models.CostEvent) error {
	if ev.TenantID == "" {
		return fmt.Errorf("tenant_id must not be empty: %w", ErrInvalidEvent)
	}
	if ev.CostUSD < 0 {
		return fmt.Errorf("cost %.4f must be non-negative: %w", ev.CostUSD, ErrInvalidEvent)
	}

	exists, err := a.source.TenantExists(ctx, ev.TenantID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, budget.ErrDataUnavailable)
	}
	if !exists {
		return fmt.Errorf("tenant %s: %w", ev.TenantID, budget.ErrTenantNotFound)
	}

	if err := a.source.Insert(ctx, ev); err != nil {
		return fmt.Errorf("%v: %w", err, budget.ErrDataUnavailable)
	}

	metrics.CostEventsIngested.WithLabelValues(ev.TenantID).Inc()
	if a.bus != nil {
		a.bus.Publish(ctx, events.NewEvent(events.EventCostRecorded, ev.TenantID,
			map[string]interface{}{"cost_usd": ev.CostUSD}))
	}
	a.logger.Debug("cost event recorded",
		zap.String("tenant_id", ev.TenantID),
		zap.Float64("cost_usd", ev.CostUSD),
	)
	return nil
}

// Snapshot returns the tenant's usage over all three windows.
func (a *Aggregator) Snapshot(ctx context.Context, tenantID string) (models.UsageSnapshot, error) {
	exists, err := a.source.TenantExists(ctx, tenantID)
	if err != nil {
		return models.UsageSnapshot{}, fmt.Errorf("%v: %w", err, budget.ErrDataUnavailable)
	}
	if !exists {
		return models.UsageSnapshot{}, fmt.Errorf("tenant %s: %w", tenantID, budget.ErrTenantNotFound)
	}

	snap := models.UsageSnapshot{
		TenantID:    tenantID,
		GeneratedAt: a.now().UTC(),
	}

	for _, w := range []models.Window{models.WindowRecent, models.WindowDaily, models.WindowMonthly} {
		total, err := a.window(ctx, tenantID, w)
		if err != nil {
			return models.UsageSnapshot{}, err
		}
		switch w {
		case models.WindowRecent:
			snap.RecentCost, snap.RecentOps = total.Cost, total.Ops
		case models.WindowDaily:
			snap.DailyCost, snap.DailyOps = total.Cost, total.Ops
		case models.WindowMonthly:
			snap.MonthlyCost, snap.MonthlyOps = total.Cost, total.Ops
		}
	}

	return snap, nil
}

// Usage returns the tenant's usage for one window, for dashboard reads.
func (a *Aggregator) Usage(ctx context.Context, tenantID string, w models.Window) (models.UsageSnapshot, error) {
	exists, err := a.source.TenantExists(ctx, tenantID)
	if err != nil {
		return models.UsageSnapshot{}, fmt.Errorf("%v: %w", err, budget.ErrDataUnavailable)
	}
	if !exists {
		return models.UsageSnapshot{}, fmt.Errorf("tenant %s: %w", tenantID, budget.ErrTenantNotFound)
	}

	total, err := a.window(ctx, tenantID, w)
	if err != nil {
		return models.UsageSnapshot{}, err
	}

	snap := models.UsageSnapshot{TenantID: tenantID, GeneratedAt: a.now().UTC()}
	switch w {
	case models.WindowRecent:
		snap.RecentCost, snap.RecentOps = total.Cost, total.Ops
	case models.WindowDaily:
		snap.DailyCost, snap.DailyOps = total.Cost, total.Ops
	case models.WindowMonthly:
		snap.MonthlyCost, snap.MonthlyOps = total.Cost, total.Ops
	}
	return snap, nil
}

// window returns cached totals for one (tenant, window), computing from
// the event store on a miss.
func (a *Aggregator) window(ctx context.Context, tenantID string, w models.Window) (windowTotal, error) {
	key := windowKey(tenantID, w)

	if v, err := a.cache.Get(ctx, key); err == nil {
		if total, ok := decodeTotal(v); ok {
			metrics.SnapshotCacheHits.WithLabelValues(string(w), "hit").Inc()
			return total, nil
		}
	} else if !cache.IsNil(err) {
		a.logger.Warn("usage cache read failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
	metrics.SnapshotCacheHits.WithLabelValues(string(w), "miss").Inc()

	since := a.now().UTC().Add(-w.Duration())
	cost, ops, err := a.source.WindowTotals(ctx, tenantID, since)
	if err != nil {
		return windowTotal{}, fmt.Errorf("%v: %w", err, budget.ErrDataUnavailable)
	}

	total := windowTotal{Cost: cost, Ops: ops}
	if err := a.cache.Set(ctx, key, encodeTotal(total), a.ttls[w]); err != nil {
		a.logger.Warn("usage cache write failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return total, nil
}

func windowKey(tenantID string, w models.Window) string {
	return fmt.Sprintf("usage:%s:%s", tenantID, w)
}

func encodeTotal(t windowTotal) string {
	return strconv.FormatFloat(t.Cost, 'f', -1, 64) + "|" + strconv.FormatInt(t.Ops, 10)
}

func decodeTotal(s string) (windowTotal, bool) {
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 {
		return windowTotal{}, false
	}
	cost, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return windowTotal{}, false
	}
	ops, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return windowTotal{}, false
	}
	return windowTotal{Cost: cost, Ops: ops}, true
}
