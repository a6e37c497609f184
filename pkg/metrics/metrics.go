package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Enforcement metrics
	BudgetChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_checks_total",
			Help: "Budget enforcement checks by outcome",
		},
		[]string{"tenant_id", "outcome"},
	)

	TenantUsagePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenant_usage_percent",
			Help: "Projected daily usage as a percentage of the daily limit",
		},
		[]string{"tenant_id"},
	)

	TenantDailyCost = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenant_daily_cost_usd",
			Help: "Trailing 24h cost per tenant in USD",
		},
		[]string{"tenant_id"},
	)

	CircuitBreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenant_circuit_breaker_open",
			Help: "1 when the emergency circuit breaker is open for a tenant",
		},
		[]string{"tenant_id"},
	)

	ThresholdAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_threshold_alerts_total",
			Help: "Threshold breaches that produced an alert",
		},
		[]string{"tenant_id", "priority"},
	)

	// Ingest and retention metrics
	CostEventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_events_ingested_total",
			Help: "Cost events accepted for aggregation",
		},
		[]string{"tenant_id"},
	)

	CostEventsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_events_purged_total",
			Help: "Cost events removed by the retention job",
		},
	)

	SnapshotCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_snapshot_cache_total",
			Help: "Usage window reads by cache result",
		},
		[]string{"window", "result"},
	)
)

// RecordCheck records a budget check decision
func RecordCheck(tenantID string, allowed bool, usagePercent, dailyCost float64) {
	RecordOutcome(tenantID, allowed)
	TenantUsagePercent.WithLabelValues(tenantID).Set(usagePercent)
	TenantDailyCost.WithLabelValues(tenantID).Set(dailyCost)
}

// RecordOutcome counts a check without touching the usage gauges, for
// short-circuited paths where current usage was not evaluated.
func RecordOutcome(tenantID string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	BudgetChecksTotal.WithLabelValues(tenantID, outcome).Inc()
}

// SetBreaker records circuit breaker state for a tenant
func SetBreaker(tenantID string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	CircuitBreakerOpen.WithLabelValues(tenantID).Set(v)
}
