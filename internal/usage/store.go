package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spendguard/control-plane/pkg/database"
	"github.com/spendguard/control-plane/pkg/models"
	"go.uber.org/zap"
)

// Store is the Postgres-backed cost event store.
type Store struct {
	db     *database.Database
	logger *zap.Logger
}

// NewStore creates a new event store.
func NewStore(db *database.Database, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Insert writes a cost event. Events are immutable after insert.
func (s *Store) Insert(ctx context.Context, ev *models.CostEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO cost_events (
			id, tenant_id, ts, bytes_processed, compute_time_ms, cost_usd, billed
		) VALUES ($1, $2, $3, $4, $5, $6, false)
	`, ev.ID, ev.TenantID, ev.Timestamp, ev.BytesProcessed, ev.ComputeTimeMs, ev.CostUSD)
	if err != nil {
		return fmt.Errorf("failed to insert cost event: %w", err)
	}
	return nil
}

// TenantExists reports whether the tenant is registered.
func (s *Store) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`, tenantID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tenant: %w", err)
	}
	return exists, nil
}

// WindowTotals sums cost and operation count for a tenant since the
// given time.
func (s *Store) WindowTotals(ctx context.Context, tenantID string, since time.Time) (float64, int64, error) {
	var (
		cost float64
		ops  int64
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM cost_events
		WHERE tenant_id = $1 AND ts >= $2
	`, tenantID, since).Scan(&cost, &ops)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum window: %w", err)
	}
	return cost, ops, nil
}

// PurgeOlderThan deletes events past the retention cutoff and returns
// the number removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM cost_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cost events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TopSpenders returns the highest-spending tenants since the given time.
func (s *Store) TopSpenders(ctx context.Context, since time.Time, limit int) ([]models.TenantSpend, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT tenant_id, COALESCE(SUM(cost_usd), 0) AS total, COUNT(*)
		FROM cost_events
		WHERE ts >= $1
		GROUP BY tenant_id
		ORDER BY total DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top spenders: %w", err)
	}
	defer rows.Close()

	var spenders []models.TenantSpend
	for rows.Next() {
		var ts models.TenantSpend
		if err := rows.Scan(&ts.TenantID, &ts.TotalUSD, &ts.Operations); err != nil {
			s.logger.Error("failed to scan spender row", zap.Error(err))
			continue
		}
		spenders = append(spenders, ts)
	}
	return spenders, rows.Err()
}
