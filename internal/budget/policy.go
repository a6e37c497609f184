package budget

import (
	"fmt"
	"sort"
	"time"
)

// Tier is a named budget preset bundling default limits.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier parses a tier name from a request.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierStandard, TierPremium, TierEnterprise:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Threshold is a percentage-of-limit trip point with an alert priority
// and a suggested action.
type Threshold struct {
	Percentage float64 `json:"percentage"`
	Priority   string  `json:"priority"`
	Action     string  `json:"action"`
}

// Threshold priorities and actions.
const (
	PriorityInfo     = "info"
	PriorityWarning  = "warning"
	PriorityCritical = "critical"

	ThresholdActionMonitor  = "monitor"
	ThresholdActionReview   = "review"
	ThresholdActionThrottle = "throttle"
)

// Policy is the per-tenant budget configuration. Construct via
// DefaultPolicy or validate explicitly before storing.
type Policy struct {
	TenantID          string        `json:"tenant_id"`
	Tier              Tier          `json:"tier"`
	DailyLimitUSD     float64       `json:"daily_limit_usd"`
	MonthlyLimitUSD   float64       `json:"monthly_limit_usd"`
	EmergencyLimitUSD float64       `json:"emergency_limit_usd"`
	Thresholds        []Threshold   `json:"thresholds"`
	GracePeriod       time.Duration `json:"grace_period"`
	ThrottleEnabled   bool          `json:"throttle_enabled"`
	AlertsEnabled     bool          `json:"alerts_enabled"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// DefaultThresholds returns the documented default trip points.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Percentage: 50, Priority: PriorityInfo, Action: ThresholdActionMonitor},
		{Percentage: 80, Priority: PriorityWarning, Action: ThresholdActionReview},
		{Percentage: 95, Priority: PriorityCritical, Action: ThresholdActionThrottle},
	}
}

// tierLimits maps a tier to its daily/monthly/emergency limit preset.
var tierLimits = map[Tier][3]float64{
	TierStandard:   {50, 1000, 200},
	TierPremium:    {250, 5000, 1000},
	TierEnterprise: {1000, 20000, 5000},
}

// DefaultPolicy builds a policy from a tier preset.
func DefaultPolicy(tenantID string, tier Tier) *Policy {
	limits, ok := tierLimits[tier]
	if !ok {
		limits = tierLimits[TierStandard]
		tier = TierStandard
	}
	now := time.Now().UTC()
	return &Policy{
		TenantID:          tenantID,
		Tier:              tier,
		DailyLimitUSD:     limits[0],
		MonthlyLimitUSD:   limits[1],
		EmergencyLimitUSD: limits[2],
		Thresholds:        DefaultThresholds(),
		GracePeriod:       time.Hour,
		ThrottleEnabled:   true,
		AlertsEnabled:     true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Validate checks policy invariants and normalizes the threshold order.
// Returns a ValidationError on the first violated invariant.
func (p *Policy) Validate() error {
	if p.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Msg: "must not be empty"}
	}
	if _, err := ParseTier(string(p.Tier)); err != nil {
		return &ValidationError{Field: "tier", Msg: err.Error()}
	}
	if p.DailyLimitUSD <= 0 {
		return &ValidationError{Field: "daily_limit_usd", Msg: "must be positive"}
	}
	if p.MonthlyLimitUSD < 20*p.DailyLimitUSD {
		return &ValidationError{
			Field: "monthly_limit_usd",
			Msg: fmt.Sprintf("must be at least 20x the daily limit (%.2f < %.2f)",
				p.MonthlyLimitUSD, 20*p.DailyLimitUSD),
		}
	}
	if p.EmergencyLimitUSD < p.DailyLimitUSD || p.EmergencyLimitUSD > 20*p.DailyLimitUSD {
		return &ValidationError{
			Field: "emergency_limit_usd",
			Msg: fmt.Sprintf("must be between 1x and 20x the daily limit (got %.2f, daily %.2f)",
				p.EmergencyLimitUSD, p.DailyLimitUSD),
		}
	}
	if p.GracePeriod < 0 {
		return &ValidationError{Field: "grace_period", Msg: "must not be negative"}
	}

	if len(p.Thresholds) == 0 {
		p.Thresholds = DefaultThresholds()
	}
	seen := make(map[float64]bool, len(p.Thresholds))
	for _, t := range p.Thresholds {
		if t.Percentage < 0 || t.Percentage > 100 {
			return &ValidationError{
				Field: "thresholds",
				Msg:   fmt.Sprintf("percentage %.1f outside [0,100]", t.Percentage),
			}
		}
		if seen[t.Percentage] {
			return &ValidationError{
				Field: "thresholds",
				Msg:   fmt.Sprintf("duplicate percentage %.1f", t.Percentage),
			}
		}
		seen[t.Percentage] = true
	}
	sort.Slice(p.Thresholds, func(i, j int) bool {
		return p.Thresholds[i].Percentage < p.Thresholds[j].Percentage
	})

	return nil
}
