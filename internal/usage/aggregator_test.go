package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/spendguard/control-plane/internal/budget"
	"github.com/spendguard/control-plane/internal/config"
	"github.com/spendguard/control-plane/pkg/cache"
	"github.com/spendguard/control-plane/pkg/events"
	"github.com/spendguard/control-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSource struct {
	tenants    map[string]bool
	totals     map[models.Window]windowTotal
	inserted   []*models.CostEvent
	totalCalls int
	err        error
}

func (s *stubSource) Insert(ctx context.Context, ev *models.CostEvent) error {
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, ev)
	return nil
}

func (s *stubSource) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.tenants[tenantID], nil
}

func (s *stubSource) WindowTotals(ctx context.Context, tenantID string, since time.Time) (float64, int64, error) {
	s.totalCalls++
	if s.err != nil {
		return 0, 0, s.err
	}
	w := windowForSince(since)
	t := s.totals[w]
	return t.Cost, t.Ops, nil
}

// windowForSince recovers which window a totals query targets from its
// lower bound. Good enough for a stub; the real store just sums.
func windowForSince(since time.Time) models.Window {
	age := time.Since(since)
	switch {
	case age <= 2*models.WindowRecent.Duration():
		return models.WindowRecent
	case age <= 2*models.WindowDaily.Duration():
		return models.WindowDaily
	default:
		return models.WindowMonthly
	}
}

func newTestAggregator(t *testing.T, source *stubSource) *Aggregator {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.BudgetConfig{
		RecentCacheTTL:  30 * time.Second,
		DailyCacheTTL:   time.Minute,
		MonthlyCacheTTL: 5 * time.Minute,
	}
	logger := zap.NewNop()
	return NewAggregator(source, cache.NewCacheWithClient(client), events.NewBus(logger), logger, cfg)
}

func TestRecord(t *testing.T) {
	t.Run("valid event is stored", func(t *testing.T) {
		source := &stubSource{tenants: map[string]bool{"tenant-a": true}}
		agg := newTestAggregator(t, source)

		err := agg.Record(context.Background(), &models.CostEvent{
			TenantID: "tenant-a",
			CostUSD:  0.25,
		})
		require.NoError(t, err)
		require.Len(t, source.inserted, 1)
	})

	t.Run("empty tenant is rejected", func(t *testing.T) {
		agg := newTestAggregator(t, &stubSource{})

		err := agg.Record(context.Background(), &models.CostEvent{CostUSD: 1})
		require.ErrorIs(t, err, ErrInvalidEvent)
	})

	t.Run("negative cost is rejected", func(t *testing.T) {
		agg := newTestAggregator(t, &stubSource{})

		err := agg.Record(context.Background(), &models.CostEvent{
			TenantID: "tenant-a",
			CostUSD:  -0.01,
		})
		require.ErrorIs(t, err, ErrInvalidEvent)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		source := &stubSource{tenants: map[string]bool{}}
		agg := newTestAggregator(t, source)

		err := agg.Record(context.Background(), &models.CostEvent{
			TenantID: "ghost",
			CostUSD:  1,
		})
		require.ErrorIs(t, err, budget.ErrTenantNotFound)
	})

	t.Run("store failure maps to data unavailable", func(t *testing.T) {
		source := &stubSource{err: errors.New("connection refused")}
		agg := newTestAggregator(t, source)

		err := agg.Record(context.Background(), &models.CostEvent{
			TenantID: "tenant-a",
			CostUSD:  1,
		})
		require.ErrorIs(t, err, budget.ErrDataUnavailable)
	})
}

func TestSnapshot(t *testing.T) {
	source := &stubSource{
		tenants: map[string]bool{"tenant-a": true},
		totals: map[models.Window]windowTotal{
			models.WindowRecent:  {Cost: 0.5, Ops: 3},
			models.WindowDaily:   {Cost: 12.5, Ops: 40},
			models.WindowMonthly: {Cost: 310, Ops: 900},
		},
	}
	agg := newTestAggregator(t, source)
	ctx := context.Background()

	snap, err := agg.Snapshot(ctx, "tenant-a")
	require.NoError(t, err)

	assert.Equal(t, "tenant-a", snap.TenantID)
	assert.Equal(t, 0.5, snap.RecentCost)
	assert.Equal(t, int64(3), snap.RecentOps)
	assert.Equal(t, 12.5, snap.DailyCost)
	assert.Equal(t, int64(40), snap.DailyOps)
	assert.Equal(t, 310.0, snap.MonthlyCost)
	assert.Equal(t, int64(900), snap.MonthlyOps)
	assert.False(t, snap.GeneratedAt.IsZero())

	t.Run("second read is served from cache", func(t *testing.T) {
		calls := source.totalCalls
		again, err := agg.Snapshot(ctx, "tenant-a")
		require.NoError(t, err)

		assert.Equal(t, snap.DailyCost, again.DailyCost)
		assert.Equal(t, calls, source.totalCalls, "no additional store queries")
	})
}

func TestSnapshotUnknownTenant(t *testing.T) {
	agg := newTestAggregator(t, &stubSource{tenants: map[string]bool{}})

	_, err := agg.Snapshot(context.Background(), "ghost")
	require.ErrorIs(t, err, budget.ErrTenantNotFound)
}

func TestSnapshotStoreFailure(t *testing.T) {
	agg := newTestAggregator(t, &stubSource{err: errors.New("timeout")})

	_, err := agg.Snapshot(context.Background(), "tenant-a")
	require.ErrorIs(t, err, budget.ErrDataUnavailable)
}

func TestUsageSingleWindow(t *testing.T) {
	source := &stubSource{
		tenants: map[string]bool{"tenant-a": true},
		totals: map[models.Window]windowTotal{
			models.WindowDaily: {Cost: 7.75, Ops: 12},
		},
	}
	agg := newTestAggregator(t, source)

	snap, err := agg.Usage(context.Background(), "tenant-a", models.WindowDaily)
	require.NoError(t, err)

	assert.Equal(t, 7.75, snap.DailyCost)
	assert.Equal(t, int64(12), snap.DailyOps)
	assert.Zero(t, snap.MonthlyCost)
}

func TestTotalEncoding(t *testing.T) {
	total := windowTotal{Cost: 123.456789, Ops: 42}

	decoded, ok := decodeTotal(encodeTotal(total))
	require.True(t, ok)
	assert.Equal(t, total, decoded)

	_, ok = decodeTotal("garbage")
	assert.False(t, ok)
}
