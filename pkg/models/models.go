package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Window identifies a usage aggregation lookback window.
type Window string

const (
	WindowRecent  Window = "recent"  // trailing hour
	WindowDaily   Window = "daily"   // trailing 24 hours
	WindowMonthly Window = "monthly" // trailing 30 days
)

// Duration returns the lookback duration for the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowRecent:
		return time.Hour
	case WindowDaily:
		return 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

// ParseWindow parses a window name from a request parameter.
func ParseWindow(s string) (Window, error) {
	switch Window(s) {
	case WindowRecent, WindowDaily, WindowMonthly:
		return Window(s), nil
	}
	return "", fmt.Errorf("unknown window %q", s)
}

// CostEvent records a single billable operation. Events are immutable
// once written and are purged after the retention period.
type CostEvent struct {
	ID             uuid.UUID `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Timestamp      time.Time `json:"timestamp"`
	BytesProcessed int64     `json:"bytes_processed"`
	ComputeTimeMs  int64     `json:"compute_time_ms"`
	CostUSD        float64   `json:"cost_usd"`
	Billed         bool      `json:"billed"`
}

// UsageSnapshot is the derived per-tenant view of recent spend. It is
// computed on demand from CostEvents and never persisted.
type UsageSnapshot struct {
	TenantID    string    `json:"tenant_id"`
	RecentCost  float64   `json:"recent_cost_usd"`
	DailyCost   float64   `json:"daily_cost_usd"`
	MonthlyCost float64   `json:"monthly_cost_usd"`
	RecentOps   int64     `json:"recent_operations"`
	DailyOps    int64     `json:"daily_operations"`
	MonthlyOps  int64     `json:"monthly_operations"`
	GeneratedAt time.Time `json:"generated_at"`
}

// BudgetStatus classifies projected spend against the daily limit.
type BudgetStatus string

const (
	StatusWithinBudget     BudgetStatus = "within_budget"
	StatusModerateUsage    BudgetStatus = "moderate_usage"
	StatusApproachingLimit BudgetStatus = "approaching_limit"
	StatusOverBudget       BudgetStatus = "over_budget"
	StatusEmergency        BudgetStatus = "emergency"
)

// Severity orders statuses from least to most severe.
func (s BudgetStatus) Severity() int {
	switch s {
	case StatusWithinBudget:
		return 0
	case StatusModerateUsage:
		return 1
	case StatusApproachingLimit:
		return 2
	case StatusOverBudget:
		return 3
	case StatusEmergency:
		return 4
	}
	return -1
}

// EnforcementAction is an action attached to an EnforcementDecision.
type EnforcementAction string

const (
	ActionGracePeriodActive       EnforcementAction = "grace_period_active"
	ActionThrottleExports         EnforcementAction = "throttle_exports"
	ActionEmergencyCircuitBreaker EnforcementAction = "emergency_circuit_breaker"
	ActionMonthlyLimitExceeded    EnforcementAction = "monthly_limit_exceeded"
)

// ThresholdBreach reports a policy threshold crossed by projected usage.
type ThresholdBreach struct {
	Percentage   float64 `json:"percentage"`
	Priority     string  `json:"priority"`
	Action       string  `json:"action"`
	UsagePercent float64 `json:"usage_percent"`
}

// EnforcementDecision is the result of a check-before-spend call.
// Ephemeral: produced per call, never persisted.
type EnforcementDecision struct {
	TenantID          string              `json:"tenant_id"`
	Allowed           bool                `json:"allowed"`
	Status            BudgetStatus        `json:"status"`
	UsagePercent      float64             `json:"usage_percent"`
	ProjectedDailyUSD float64             `json:"projected_daily_usd"`
	Actions           []EnforcementAction `json:"actions,omitempty"`
	Alerts            []ThresholdBreach   `json:"alerts,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	EvaluatedAt       time.Time           `json:"evaluated_at"`
}

// HasAction reports whether the decision carries the given action.
func (d *EnforcementDecision) HasAction(a EnforcementAction) bool {
	for _, act := range d.Actions {
		if act == a {
			return true
		}
	}
	return false
}

// Tenant represents a billing-isolated customer account.
type Tenant struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Status                 string    `json:"status"`
	StripeCustomerID       string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionItem string    `json:"stripe_subscription_item,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

// TenantSpend summarizes a tenant's spend over a reporting window.
type TenantSpend struct {
	TenantID   string  `json:"tenant_id"`
	TotalUSD   float64 `json:"total_usd"`
	Operations int64   `json:"operations"`
}
