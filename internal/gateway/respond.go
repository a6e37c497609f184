package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spendguard/control-plane/internal/budget"
	"github.com/spendguard/control-plane/internal/usage"
)

// errorResponse is the JSON error envelope
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError maps domain errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, budget.ErrTenantNotFound),
		errors.Is(err, budget.ErrPolicyNotFound):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, budget.ErrInvalidProposedCost),
		errors.Is(err, usage.ErrInvalidEvent),
		budget.IsValidation(err):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, budget.ErrDataUnavailable):
		writeErrorMessage(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
	}
}
