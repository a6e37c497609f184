package billing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spendguard/control-plane/internal/config"
	"github.com/spendguard/control-plane/pkg/database"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"
	"go.uber.org/zap"
)

// TenantBatch is one tenant's unbilled usage summed up to a cutoff.
type TenantBatch struct {
	TenantID         string
	TotalCostUSD     float64
	Operations       int64
	SubscriptionItem string
}

// usageSource reads and marks unbilled cost events. Both operations are
// bounded by the same cutoff so events inserted mid-export are left for
// the next run instead of being marked billed unreported.
type usageSource interface {
	UnbilledBatches(ctx context.Context, cutoff time.Time) ([]TenantBatch, error)
	MarkBilled(ctx context.Context, tenantID string, cutoff time.Time) error
}

// pgUsageSource is the Postgres-backed usage source.
type pgUsageSource struct {
	db     *database.Database
	logger *zap.Logger
}

func (s *pgUsageSource) UnbilledBatches(ctx context.Context, cutoff time.Time) ([]TenantBatch, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT ce.tenant_id, SUM(ce.cost_usd) AS total_cost, COUNT(*),
			t.stripe_subscription_item
		FROM cost_events ce
		JOIN tenants t ON t.id = ce.tenant_id
		WHERE ce.billed = false
			AND ce.ts <= $1
			AND t.stripe_subscription_item IS NOT NULL
			AND t.stripe_subscription_item <> ''
		GROUP BY ce.tenant_id, t.stripe_subscription_item
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query unbilled usage: %w", err)
	}
	defer rows.Close()

	var batches []TenantBatch
	for rows.Next() {
		var b TenantBatch
		if err := rows.Scan(&b.TenantID, &b.TotalCostUSD, &b.Operations, &b.SubscriptionItem); err != nil {
			s.logger.Error("failed to scan unbilled usage", zap.Error(err))
			continue
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read unbilled usage: %w", err)
	}
	return batches, nil
}

func (s *pgUsageSource) MarkBilled(ctx context.Context, tenantID string, cutoff time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE cost_events SET billed = true
		WHERE tenant_id = $1 AND billed = false AND ts <= $2
	`, tenantID, cutoff)
	return err
}

// Exporter pushes unbilled cost events to Stripe as metered usage
// records. Export is optional; when disabled the enforcement plane runs
// standalone and events simply age out via retention.
type Exporter struct {
	source   usageSource
	logger   *zap.Logger
	enabled  bool
	interval time.Duration
	push     func(ctx context.Context, subscriptionItem string, cents int64) error
	now      func() time.Time
}

// NewExporter creates the usage exporter.
func NewExporter(db *database.Database, logger *zap.Logger, cfg config.BillingConfig) *Exporter {
	if cfg.ExportEnabled {
		stripe.Key = cfg.StripeSecretKey
	}
	return &Exporter{
		source:   &pgUsageSource{db: db, logger: logger},
		logger:   logger,
		enabled:  cfg.ExportEnabled,
		interval: cfg.ExportInterval,
		push:     pushStripeUsage,
		now:      time.Now,
	}
}

// pushStripeUsage reports one tenant's usage quantity, in cents.
func pushStripeUsage(ctx context.Context, subscriptionItem string, cents int64) error {
	_, err := usagerecord.New(&stripe.UsageRecordParams{
		Params:           stripe.Params{Context: ctx},
		SubscriptionItem: stripe.String(subscriptionItem),
		Quantity:         stripe.Int64(cents),
		Timestamp:        stripe.Int64(time.Now().Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	})
	return err
}

// Start launches the export loop.
func (e *Exporter) Start(ctx context.Context) {
	if !e.enabled {
		e.logger.Info("billing export disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.ExportUnbilled(ctx); err != nil {
					e.logger.Error("failed to export usage to Stripe", zap.Error(err))
				}
			}
		}
	}()

	e.logger.Info("started billing export job", zap.Duration("interval", e.interval))
}

// ExportUnbilled groups unbilled cost events by tenant up to a single
// cutoff timestamp, reports them to Stripe in cents, then marks billed
// only events at or before that cutoff.
func (e *Exporter) ExportUnbilled(ctx context.Context) error {
	cutoff := e.now().UTC()

	batches, err := e.source.UnbilledBatches(ctx, cutoff)
	if err != nil {
		return err
	}

	successCount := 0
	failureCount := 0

	for _, b := range batches {
		cents := int64(math.Round(b.TotalCostUSD * 100))
		if cents <= 0 {
			continue
		}

		if err := e.push(ctx, b.SubscriptionItem, cents); err != nil {
			e.logger.Error("failed to create Stripe usage record",
				zap.String("tenant_id", b.TenantID),
				zap.Error(err),
			)
			failureCount++
			continue
		}

		if err := e.source.MarkBilled(ctx, b.TenantID, cutoff); err != nil {
			e.logger.Error("failed to mark usage as billed",
				zap.String("tenant_id", b.TenantID), zap.Error(err))
			continue
		}

		e.logger.Debug("exported tenant usage",
			zap.String("tenant_id", b.TenantID),
			zap.Float64("total_cost_usd", b.TotalCostUSD),
			zap.Int64("operations", b.Operations),
		)
		successCount++
	}

	e.logger.Info("exported usage to Stripe",
		zap.Int("success", successCount),
		zap.Int("failure", failureCount),
	)
	return nil
}
