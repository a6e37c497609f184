package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spendguard/control-plane/internal/budget"
)

// policyRequest is the admin policy create/update body. Zero-valued
// limits fall back to the tier preset.
type policyRequest struct {
	TenantID           string             `json:"tenant_id"`
	Tier               string             `json:"tier"`
	DailyLimitUSD      float64            `json:"daily_limit_usd"`
	MonthlyLimitUSD    float64            `json:"monthly_limit_usd"`
	EmergencyLimitUSD  float64            `json:"emergency_limit_usd"`
	Thresholds         []budget.Threshold `json:"thresholds"`
	GracePeriodSeconds int64              `json:"grace_period_seconds"`
	ThrottleEnabled    *bool              `json:"throttle_enabled"`
	AlertsEnabled      *bool              `json:"alerts_enabled"`
}

// toPolicy merges the request over the tier preset defaults.
func (req *policyRequest) toPolicy() (*budget.Policy, error) {
	tier := budget.TierStandard
	if req.Tier != "" {
		var err error
		tier, err = budget.ParseTier(req.Tier)
		if err != nil {
			return nil, &budget.ValidationError{Field: "tier", Msg: err.Error()}
		}
	}

	p := budget.DefaultPolicy(req.TenantID, tier)
	if req.DailyLimitUSD > 0 {
		p.DailyLimitUSD = req.DailyLimitUSD
	}
	if req.MonthlyLimitUSD > 0 {
		p.MonthlyLimitUSD = req.MonthlyLimitUSD
	}
	if req.EmergencyLimitUSD > 0 {
		p.EmergencyLimitUSD = req.EmergencyLimitUSD
	}
	if len(req.Thresholds) > 0 {
		p.Thresholds = req.Thresholds
	}
	if req.GracePeriodSeconds > 0 {
		p.GracePeriod = time.Duration(req.GracePeriodSeconds) * time.Second
	}
	if req.ThrottleEnabled != nil {
		p.ThrottleEnabled = *req.ThrottleEnabled
	}
	if req.AlertsEnabled != nil {
		p.AlertsEnabled = *req.AlertsEnabled
	}
	return p, nil
}

// handleCreatePolicy creates a budget policy for a tenant
func (g *Gateway) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	policy, err := req.toPolicy()
	if err != nil {
		writeError(w, err)
		return
	}

	if err := g.policies.CreatePolicy(r.Context(), policy); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, policy)
}

// handleGetPolicy returns a tenant's policy
func (g *Gateway) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := g.policies.GetPolicy(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// handleUpdatePolicy replaces a tenant's policy
func (g *Gateway) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.TenantID = chi.URLParam(r, "tenantID")

	policy, err := req.toPolicy()
	if err != nil {
		writeError(w, err)
		return
	}

	if err := g.policies.UpdatePolicy(r.Context(), policy); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, policy)
}

// handleDeletePolicy removes a tenant's policy
func (g *Gateway) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := g.policies.DeletePolicy(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListPolicies lists all policies
func (g *Gateway) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := g.policies.ListPolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

// handleResetBreaker clears a tenant's emergency circuit breaker
func (g *Gateway) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if err := g.gate.ResetBreaker(r.Context(), tenantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"tenant_id": tenantID,
		"status":    "breaker_reset",
	})
}

// handleTopSpenders returns the highest-spending tenants over the
// trailing 30 days
func (g *Gateway) handleTopSpenders(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeErrorMessage(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	since := time.Now().UTC().Add(-30 * 24 * time.Hour)
	spenders, err := g.spend.TopSpenders(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spenders)
}
