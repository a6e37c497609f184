package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spendguard/control-plane/pkg/models"
)

// checkRequest is the body of POST /v1/budget/check
type checkRequest struct {
	TenantID        string  `json:"tenant_id"`
	ProposedCostUSD float64 `json:"proposed_cost_usd"`
}

// handleCheckBudget is the check-before-spend entry point
func (g *Gateway) handleCheckBudget(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	decision, err := g.gate.Check(r.Context(), req.TenantID, req.ProposedCostUSD)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// handleGetUsage returns a usage snapshot, optionally for one window
func (g *Gateway) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var (
		snap models.UsageSnapshot
		err  error
	)
	if windowParam := r.URL.Query().Get("window"); windowParam != "" {
		window, perr := models.ParseWindow(windowParam)
		if perr != nil {
			writeErrorMessage(w, http.StatusBadRequest, perr.Error())
			return
		}
		snap, err = g.usage.Usage(r.Context(), tenantID, window)
	} else {
		snap, err = g.usage.Snapshot(r.Context(), tenantID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// ingestRequest is the body of POST /v1/events
type ingestRequest struct {
	TenantID       string    `json:"tenant_id"`
	Timestamp      time.Time `json:"timestamp"`
	BytesProcessed int64     `json:"bytes_processed"`
	ComputeTimeMs  int64     `json:"compute_time_ms"`
	CostUSD        float64   `json:"cost_usd"`
}

// handleIngestEvent records a cost event from the metering source
func (g *Gateway) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ev := &models.CostEvent{
		TenantID:       req.TenantID,
		Timestamp:      req.Timestamp,
		BytesProcessed: req.BytesProcessed,
		ComputeTimeMs:  req.ComputeTimeMs,
		CostUSD:        req.CostUSD,
	}
	if err := g.usage.Record(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ev)
}

// handleHealth reports liveness
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness of the backing stores
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.db != nil {
		if err := g.db.Health(r.Context()); err != nil {
			writeErrorMessage(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	if g.cache != nil {
		if err := g.cache.Health(r.Context()); err != nil {
			writeErrorMessage(w, http.StatusServiceUnavailable, "cache unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
