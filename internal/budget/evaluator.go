package budget

import (
	"fmt"
	"time"

	"github.com/spendguard/control-plane/pkg/models"
)

// Status band lower bounds, as percentages of the daily limit.
// Each band is inclusive of its lower bound.
const (
	bandModerate    = 50.0
	bandApproaching = 80.0
	bandOverBudget  = 95.0
)

// EvalState carries the mutable state the evaluator needs, supplied by
// the caller so Evaluate stays a pure function of its inputs.
type EvalState struct {
	// AlreadyReported reports whether an alert for the given threshold
	// percentage fired within the current cooldown window. Nil means no
	// threshold has been reported.
	AlreadyReported func(percentage float64) bool

	// GraceStartedAt is when the tenant first exceeded its daily limit,
	// or nil if not currently over budget.
	GraceStartedAt *time.Time

	// Now is the evaluation time.
	Now time.Time
}

// Evaluate maps (snapshot, policy, proposed additional cost) to an
// enforcement decision. No side effects; grace and cooldown bookkeeping
// belong to the gate and the alert dispatcher.
func Evaluate(snap models.UsageSnapshot, policy *Policy, proposedUSD float64, st EvalState) (*models.EnforcementDecision, error) {
	if proposedUSD < 0 {
		return nil, fmt.Errorf("proposed cost %.4f: %w", proposedUSD, ErrInvalidProposedCost)
	}
	if st.Now.IsZero() {
		st.Now = time.Now().UTC()
	}

	projected := snap.DailyCost + proposedUSD
	pct := projected / policy.DailyLimitUSD * 100
	if pct < 0 {
		pct = 0
	}

	dec := &models.EnforcementDecision{
		TenantID:          snap.TenantID,
		Allowed:           true,
		Status:            classify(pct, projected, policy),
		UsagePercent:      pct,
		ProjectedDailyUSD: projected,
		EvaluatedAt:       st.Now,
	}

	if policy.AlertsEnabled {
		for _, t := range policy.Thresholds {
			if t.Percentage > pct {
				break // thresholds are sorted ascending
			}
			if st.AlreadyReported != nil && st.AlreadyReported(t.Percentage) {
				continue
			}
			dec.Alerts = append(dec.Alerts, models.ThresholdBreach{
				Percentage:   t.Percentage,
				Priority:     t.Priority,
				Action:       t.Action,
				UsagePercent: pct,
			})
		}
	}

	switch {
	case projected > policy.EmergencyLimitUSD:
		// Hard block, regardless of grace period.
		dec.Allowed = false
		dec.Actions = append(dec.Actions, models.ActionEmergencyCircuitBreaker)
		dec.Reason = fmt.Sprintf(
			"projected daily cost $%.2f exceeds emergency limit $%.2f (%.1f%% of daily limit)",
			projected, policy.EmergencyLimitUSD, pct)

	case projected > policy.DailyLimitUSD:
		graceElapsed := st.GraceStartedAt != nil &&
			st.Now.Sub(*st.GraceStartedAt) >= policy.GracePeriod
		if graceElapsed && policy.ThrottleEnabled {
			dec.Allowed = false
			dec.Actions = append(dec.Actions, models.ActionThrottleExports)
			dec.Reason = fmt.Sprintf(
				"daily budget exceeded, grace period ended (%.1f%% of daily limit)", pct)
		} else {
			dec.Actions = append(dec.Actions, models.ActionGracePeriodActive)
		}
	}

	if snap.MonthlyCost+proposedUSD > policy.MonthlyLimitUSD {
		dec.Actions = append(dec.Actions, models.ActionMonthlyLimitExceeded)
	}

	return dec, nil
}

// classify maps usage percentage to a status band. Bands are inclusive
// on the lower bound; emergency means the projected spend exceeds the
// emergency limit itself.
func classify(pct, projected float64, policy *Policy) models.BudgetStatus {
	switch {
	case projected > policy.EmergencyLimitUSD:
		return models.StatusEmergency
	case pct >= bandOverBudget:
		return models.StatusOverBudget
	case pct >= bandApproaching:
		return models.StatusApproachingLimit
	case pct >= bandModerate:
		return models.StatusModerateUsage
	default:
		return models.StatusWithinBudget
	}
}
