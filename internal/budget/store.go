package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spendguard/control-plane/pkg/cache"
	"github.com/spendguard/control-plane/pkg/database"
	"github.com/spendguard/control-plane/pkg/events"
	"go.uber.org/zap"
)

const policyCacheTTL = 60 * time.Second

// Store persists budget policies in Postgres with a short-TTL Redis
// cache in front, since the gate reads the policy on every check.
type Store struct {
	db     *database.Database
	cache  *cache.Cache
	bus    *events.Bus
	logger *zap.Logger
}

// NewStore creates a new policy store.
func NewStore(db *database.Database, c *cache.Cache, bus *events.Bus, logger *zap.Logger) *Store {
	return &Store{db: db, cache: c, bus: bus, logger: logger}
}

// GetPolicy returns the policy for a tenant.
func (s *Store) GetPolicy(ctx context.Context, tenantID string) (*Policy, error) {
	if cached, err := s.cache.Get(ctx, policyKey(tenantID)); err == nil {
		var p Policy
		if err := json.Unmarshal([]byte(cached), &p); err == nil {
			return &p, nil
		}
	} else if !cache.IsNil(err) {
		s.logger.Warn("policy cache read failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}

	var (
		p             Policy
		thresholdsRaw []byte
		graceSeconds  int64
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT tenant_id, tier, daily_limit_usd, monthly_limit_usd, emergency_limit_usd,
			thresholds, grace_period_seconds, throttle_enabled, alerts_enabled,
			created_at, updated_at
		FROM budget_policies
		WHERE tenant_id = $1
	`, tenantID).Scan(
		&p.TenantID, &p.Tier, &p.DailyLimitUSD, &p.MonthlyLimitUSD, &p.EmergencyLimitUSD,
		&thresholdsRaw, &graceSeconds, &p.ThrottleEnabled, &p.AlertsEnabled,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrPolicyNotFound)
		}
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	if err := json.Unmarshal(thresholdsRaw, &p.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to decode thresholds: %w", err)
	}
	p.GracePeriod = time.Duration(graceSeconds) * time.Second

	s.cachePolicy(ctx, &p)
	return &p, nil
}

// CreatePolicy validates and inserts a new policy, creating the tenant
// row if it does not exist yet.
func (s *Store) CreatePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	thresholds, err := json.Marshal(p.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tenants (id, name, status, created_at)
		VALUES ($1, $1, 'active', $2)
		ON CONFLICT (id) DO NOTHING
	`, p.TenantID, now)
	if err != nil {
		return fmt.Errorf("failed to ensure tenant: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO budget_policies (
			tenant_id, tier, daily_limit_usd, monthly_limit_usd, emergency_limit_usd,
			thresholds, grace_period_seconds, throttle_enabled, alerts_enabled,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`,
		p.TenantID, p.Tier, p.DailyLimitUSD, p.MonthlyLimitUSD, p.EmergencyLimitUSD,
		thresholds, int64(p.GracePeriod.Seconds()), p.ThrottleEnabled, p.AlertsEnabled,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit policy: %w", err)
	}

	s.cachePolicy(ctx, p)
	s.publishLifecycle(ctx, events.EventPolicyCreated, p)
	s.logger.Info("budget policy created",
		zap.String("tenant_id", p.TenantID),
		zap.String("tier", string(p.Tier)),
		zap.Float64("daily_limit_usd", p.DailyLimitUSD),
	)
	return nil
}

// UpdatePolicy validates and replaces an existing policy.
func (s *Store) UpdatePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	thresholds, err := json.Marshal(p.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}

	p.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE budget_policies SET
			tier = $2,
			daily_limit_usd = $3,
			monthly_limit_usd = $4,
			emergency_limit_usd = $5,
			thresholds = $6,
			grace_period_seconds = $7,
			throttle_enabled = $8,
			alerts_enabled = $9,
			updated_at = $10
		WHERE tenant_id = $1
	`,
		p.TenantID, p.Tier, p.DailyLimitUSD, p.MonthlyLimitUSD, p.EmergencyLimitUSD,
		thresholds, int64(p.GracePeriod.Seconds()), p.ThrottleEnabled, p.AlertsEnabled,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", p.TenantID, ErrPolicyNotFound)
	}

	s.invalidate(ctx, p.TenantID)
	s.publishLifecycle(ctx, events.EventPolicyUpdated, p)
	s.logger.Info("budget policy updated", zap.String("tenant_id", p.TenantID))
	return nil
}

// DeletePolicy removes a tenant's policy.
func (s *Store) DeletePolicy(ctx context.Context, tenantID string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM budget_policies WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrPolicyNotFound)
	}

	s.invalidate(ctx, tenantID)
	if s.bus != nil {
		s.bus.Publish(ctx, events.NewEvent(events.EventPolicyDeleted, tenantID, nil))
	}
	s.logger.Info("budget policy deleted", zap.String("tenant_id", tenantID))
	return nil
}

// ListPolicies returns all policies, ordered by tenant id.
func (s *Store) ListPolicies(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT tenant_id, tier, daily_limit_usd, monthly_limit_usd, emergency_limit_usd,
			thresholds, grace_period_seconds, throttle_enabled, alerts_enabled,
			created_at, updated_at
		FROM budget_policies
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		var (
			p             Policy
			thresholdsRaw []byte
			graceSeconds  int64
		)
		if err := rows.Scan(
			&p.TenantID, &p.Tier, &p.DailyLimitUSD, &p.MonthlyLimitUSD, &p.EmergencyLimitUSD,
			&thresholdsRaw, &graceSeconds, &p.ThrottleEnabled, &p.AlertsEnabled,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			s.logger.Error("failed to scan policy", zap.Error(err))
			continue
		}
		if err := json.Unmarshal(thresholdsRaw, &p.Thresholds); err != nil {
			s.logger.Error("failed to decode thresholds",
				zap.String("tenant_id", p.TenantID), zap.Error(err))
			continue
		}
		p.GracePeriod = time.Duration(graceSeconds) * time.Second
		policies = append(policies, &p)
	}

	return policies, rows.Err()
}

func (s *Store) publishLifecycle(ctx context.Context, t events.EventType, p *Policy) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.NewEvent(t, p.TenantID, map[string]interface{}{
		"tier":                string(p.Tier),
		"daily_limit_usd":     p.DailyLimitUSD,
		"monthly_limit_usd":   p.MonthlyLimitUSD,
		"emergency_limit_usd": p.EmergencyLimitUSD,
	}))
}

func (s *Store) cachePolicy(ctx context.Context, p *Policy) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, policyKey(p.TenantID), data, policyCacheTTL); err != nil {
		s.logger.Warn("failed to cache policy",
			zap.String("tenant_id", p.TenantID), zap.Error(err))
	}
}

func (s *Store) invalidate(ctx context.Context, tenantID string) {
	if err := s.cache.Delete(ctx, policyKey(tenantID)); err != nil {
		s.logger.Warn("failed to invalidate policy cache",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func policyKey(tenantID string) string {
	return fmt.Sprintf("policy:%s", tenantID)
}
