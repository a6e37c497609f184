package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spendguard/control-plane/pkg/cache"
	"github.com/spendguard/control-plane/pkg/events"
	"github.com/spendguard/control-plane/pkg/metrics"
	"github.com/spendguard/control-plane/pkg/models"
	"go.uber.org/zap"
)

// PolicyProvider supplies the budget policy for a tenant.
type PolicyProvider interface {
	GetPolicy(ctx context.Context, tenantID string) (*Policy, error)
}

// SnapshotProvider supplies the current usage snapshot for a tenant.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, tenantID string) (models.UsageSnapshot, error)
}

// graceKeyMargin pads the grace key TTL beyond the policy's grace period
// so the key survives between checks of a tenant that stays over budget.
const graceKeyMargin = 48 * time.Hour

// GateConfig tunes enforcement behavior.
type GateConfig struct {
	// FailOpen allows spend when usage data is unavailable.
	FailOpen bool

	// AlertCooldown is the suppression window per (tenant, threshold).
	AlertCooldown time.Duration
}

// Gate is the check-before-spend decision point. It orchestrates the
// snapshot fetch and evaluation, manages grace and circuit-breaker state
// in Redis, and publishes threshold events for the alert dispatcher.
// It persists nothing itself and holds no long-lived locks.
type Gate struct {
	policies PolicyProvider
	usage    SnapshotProvider
	cache    *cache.Cache
	bus      *events.Bus
	logger   *zap.Logger
	cfg      GateConfig
	now      func() time.Time
}

// NewGate creates a new enforcement gate.
func NewGate(policies PolicyProvider, usage SnapshotProvider, c *cache.Cache, bus *events.Bus, logger *zap.Logger, cfg GateConfig) *Gate {
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = time.Hour
	}
	return &Gate{
		policies: policies,
		usage:    usage,
		cache:    c,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Check decides whether a tenant may incur proposedUSD of additional
// cost. A denied decision always carries a human-readable reason and the
// usage percentage that caused it.
func (g *Gate) Check(ctx context.Context, tenantID string, proposedUSD float64) (*models.EnforcementDecision, error) {
	if proposedUSD < 0 {
		return nil, fmt.Errorf("proposed cost %.4f: %w", proposedUSD, ErrInvalidProposedCost)
	}

	policy, err := g.policies.GetPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := g.now().UTC()

	// Tripped breaker short-circuits everything until an admin reset.
	if open, err := g.BreakerOpen(ctx, tenantID); err != nil {
		g.logger.Warn("breaker state unavailable, continuing",
			zap.String("tenant_id", tenantID), zap.Error(err))
	} else if open {
		dec := &models.EnforcementDecision{
			TenantID:    tenantID,
			Allowed:     false,
			Status:      models.StatusEmergency,
			Actions:     []models.EnforcementAction{models.ActionEmergencyCircuitBreaker},
			Reason:      "emergency circuit breaker open, admin reset required",
			EvaluatedAt: now,
		}
		metrics.RecordOutcome(tenantID, false)
		return dec, nil
	}

	snap, err := g.snapshotWithRetry(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrDataUnavailable) {
			return g.resolveUnavailable(tenantID, now, err), nil
		}
		return nil, err
	}

	st := EvalState{
		AlreadyReported: g.cooldownView(ctx, tenantID),
		GraceStartedAt:  g.graceStart(ctx, tenantID),
		Now:             now,
	}

	dec, err := Evaluate(snap, policy, proposedUSD, st)
	if err != nil {
		return nil, err
	}

	g.applyState(ctx, tenantID, policy, dec, snap)
	metrics.RecordCheck(tenantID, dec.Allowed, dec.UsagePercent, snap.DailyCost)

	g.logger.Debug("budget check",
		zap.String("tenant_id", tenantID),
		zap.Float64("proposed_usd", proposedUSD),
		zap.Float64("usage_percent", dec.UsagePercent),
		zap.String("status", string(dec.Status)),
		zap.Bool("allowed", dec.Allowed),
	)

	return dec, nil
}

// applyState records grace and breaker transitions and publishes alert
// events for newly triggered thresholds.
func (g *Gate) applyState(ctx context.Context, tenantID string, policy *Policy, dec *models.EnforcementDecision, snap models.UsageSnapshot) {
	switch {
	case dec.ProjectedDailyUSD > policy.EmergencyLimitUSD:
		g.tripBreaker(ctx, tenantID, dec)

	case dec.ProjectedDailyUSD > policy.DailyLimitUSD:
		// First overage claims the grace start; concurrent checks race on
		// SETNX and exactly one wins. The TTL covers the grace period plus
		// margin and is refreshed on every over-limit check, so a tenant
		// that stays over its limit never earns a fresh grace window.
		ttl := policy.GracePeriod + graceKeyMargin
		claimed, err := g.cache.SetNX(ctx, graceKey(tenantID),
			g.now().UTC().Format(time.RFC3339Nano), ttl)
		if err != nil {
			g.logger.Warn("failed to record grace start",
				zap.String("tenant_id", tenantID), zap.Error(err))
		} else if claimed {
			g.bus.Publish(ctx, events.NewEvent(events.EventGracePeriodStarted, tenantID,
				map[string]interface{}{
					"projected_daily_usd": dec.ProjectedDailyUSD,
					"daily_limit_usd":     policy.DailyLimitUSD,
					"grace_period":        policy.GracePeriod.String(),
				}))
		} else if err := g.cache.Expire(ctx, graceKey(tenantID), ttl); err != nil {
			g.logger.Warn("failed to refresh grace window",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}

	default:
		// Back under the daily limit: clear any grace window.
		if err := g.cache.Delete(ctx, graceKey(tenantID)); err != nil {
			g.logger.Warn("failed to clear grace start",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}

	for _, breach := range dec.Alerts {
		g.bus.Publish(ctx, events.NewEvent(events.EventThresholdBreached, tenantID,
			map[string]interface{}{
				"percentage":          breach.Percentage,
				"priority":            breach.Priority,
				"action":              breach.Action,
				"usage_percent":       breach.UsagePercent,
				"projected_daily_usd": dec.ProjectedDailyUSD,
				"daily_limit_usd":     policy.DailyLimitUSD,
				"status":              string(dec.Status),
			}))
	}
}

// tripBreaker latches the emergency circuit breaker for a tenant.
func (g *Gate) tripBreaker(ctx context.Context, tenantID string, dec *models.EnforcementDecision) {
	claimed, err := g.cache.SetNX(ctx, breakerKey(tenantID),
		g.now().UTC().Format(time.RFC3339Nano), 0)
	if err != nil {
		g.logger.Error("failed to latch circuit breaker",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	metrics.SetBreaker(tenantID, true)
	if claimed {
		g.logger.Warn("emergency circuit breaker tripped",
			zap.String("tenant_id", tenantID),
			zap.Float64("projected_daily_usd", dec.ProjectedDailyUSD),
		)
		g.bus.Publish(ctx, events.NewEvent(events.EventBreakerTripped, tenantID,
			map[string]interface{}{
				"projected_daily_usd": dec.ProjectedDailyUSD,
				"usage_percent":       dec.UsagePercent,
			}))
	}
}

// BreakerOpen reports whether the emergency breaker is latched.
func (g *Gate) BreakerOpen(ctx context.Context, tenantID string) (bool, error) {
	return g.cache.Exists(ctx, breakerKey(tenantID))
}

// ResetBreaker clears the emergency latch. Admin-only operation.
func (g *Gate) ResetBreaker(ctx context.Context, tenantID string) error {
	if err := g.cache.Delete(ctx, breakerKey(tenantID), graceKey(tenantID)); err != nil {
		return fmt.Errorf("failed to reset breaker: %w", err)
	}
	metrics.SetBreaker(tenantID, false)
	g.logger.Info("circuit breaker reset", zap.String("tenant_id", tenantID))
	g.bus.Publish(ctx, events.NewEvent(events.EventBreakerReset, tenantID, nil))
	return nil
}

// snapshotWithRetry reads the usage snapshot, retrying once on a
// transient store failure before giving up.
func (g *Gate) snapshotWithRetry(ctx context.Context, tenantID string) (models.UsageSnapshot, error) {
	snap, err := g.usage.Snapshot(ctx, tenantID)
	if err == nil || !errors.Is(err, ErrDataUnavailable) {
		return snap, err
	}
	g.logger.Warn("usage snapshot failed, retrying",
		zap.String("tenant_id", tenantID), zap.Error(err))
	return g.usage.Snapshot(ctx, tenantID)
}

// resolveUnavailable applies the fail-open/fail-closed policy when usage
// data cannot be read.
func (g *Gate) resolveUnavailable(tenantID string, now time.Time, cause error) *models.EnforcementDecision {
	g.logger.Error("usage data unavailable",
		zap.String("tenant_id", tenantID),
		zap.Bool("fail_open", g.cfg.FailOpen),
		zap.Error(cause),
	)
	dec := &models.EnforcementDecision{
		TenantID:    tenantID,
		Allowed:     g.cfg.FailOpen,
		Status:      models.StatusWithinBudget,
		EvaluatedAt: now,
	}
	if !g.cfg.FailOpen {
		dec.Status = models.StatusOverBudget
		dec.Reason = "usage data unavailable, failing closed"
	}
	metrics.RecordOutcome(tenantID, dec.Allowed)
	return dec
}

// cooldownView returns a pure view over the alert cooldown store for the
// evaluator: it only reads, the dispatcher owns the atomic claim.
func (g *Gate) cooldownView(ctx context.Context, tenantID string) func(float64) bool {
	return func(percentage float64) bool {
		fired, err := g.cache.Exists(ctx, CooldownKey(tenantID, percentage))
		if err != nil {
			g.logger.Warn("cooldown state unavailable",
				zap.String("tenant_id", tenantID), zap.Error(err))
			return false
		}
		return fired
	}
}

// graceStart reads the grace window start, if any.
func (g *Gate) graceStart(ctx context.Context, tenantID string) *time.Time {
	v, err := g.cache.Get(ctx, graceKey(tenantID))
	if err != nil {
		if !cache.IsNil(err) {
			g.logger.Warn("grace state unavailable",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

func graceKey(tenantID string) string {
	return fmt.Sprintf("budget:grace:%s", tenantID)
}

func breakerKey(tenantID string) string {
	return fmt.Sprintf("budget:breaker:%s", tenantID)
}

// CooldownKey is the per (tenant, threshold) alert suppression key.
// Shared with the alert dispatcher, which claims it with SETNX.
func CooldownKey(tenantID string, percentage float64) string {
	return fmt.Sprintf("alert:cooldown:%s:%.1f", tenantID, percentage)
}
