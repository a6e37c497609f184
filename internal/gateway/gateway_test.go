package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spendguard/control-plane/internal/budget"
	"github.com/spendguard/control-plane/internal/usage"
	"github.com/spendguard/control-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testServiceToken = "service-token"
	testAdminToken   = "admin-token"
)

type fakeGate struct {
	decision *models.EnforcementDecision
	err      error
	resets   []string
}

func (f *fakeGate) Check(ctx context.Context, tenantID string, proposedUSD float64) (*models.EnforcementDecision, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.decision, nil
}

func (f *fakeGate) ResetBreaker(ctx context.Context, tenantID string) error {
	f.resets = append(f.resets, tenantID)
	return nil
}

type fakeUsageService struct {
	snap     models.UsageSnapshot
	err      error
	recorded []*models.CostEvent
}

func (f *fakeUsageService) Record(ctx context.Context, ev *models.CostEvent) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, ev)
	return nil
}

func (f *fakeUsageService) Snapshot(ctx context.Context, tenantID string) (models.UsageSnapshot, error) {
	return f.snap, f.err
}

func (f *fakeUsageService) Usage(ctx context.Context, tenantID string, w models.Window) (models.UsageSnapshot, error) {
	return f.snap, f.err
}

type fakePolicyService struct {
	policies map[string]*budget.Policy
}

func (f *fakePolicyService) GetPolicy(ctx context.Context, tenantID string) (*budget.Policy, error) {
	p, ok := f.policies[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, budget.ErrPolicyNotFound)
	}
	return p, nil
}

func (f *fakePolicyService) CreatePolicy(ctx context.Context, p *budget.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	f.policies[p.TenantID] = p
	return nil
}

func (f *fakePolicyService) UpdatePolicy(ctx context.Context, p *budget.Policy) error {
	if _, ok := f.policies[p.TenantID]; !ok {
		return fmt.Errorf("tenant %s: %w", p.TenantID, budget.ErrPolicyNotFound)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	f.policies[p.TenantID] = p
	return nil
}

func (f *fakePolicyService) DeletePolicy(ctx context.Context, tenantID string) error {
	if _, ok := f.policies[tenantID]; !ok {
		return fmt.Errorf("tenant %s: %w", tenantID, budget.ErrPolicyNotFound)
	}
	delete(f.policies, tenantID)
	return nil
}

func (f *fakePolicyService) ListPolicies(ctx context.Context) ([]*budget.Policy, error) {
	out := make([]*budget.Policy, 0, len(f.policies))
	for _, p := range f.policies {
		out = append(out, p)
	}
	return out, nil
}

type fakeSpend struct {
	spenders []models.TenantSpend
}

func (f *fakeSpend) TopSpenders(ctx context.Context, since time.Time, limit int) ([]models.TenantSpend, error) {
	if limit < len(f.spenders) {
		return f.spenders[:limit], nil
	}
	return f.spenders, nil
}

type testFixture struct {
	gw       *Gateway
	gate     *fakeGate
	usage    *fakeUsageService
	policies *fakePolicyService
	spend    *fakeSpend
}

func newFixture() *testFixture {
	f := &testFixture{
		gate: &fakeGate{
			decision: &models.EnforcementDecision{
				TenantID: "tenant-a",
				Allowed:  true,
				Status:   models.StatusWithinBudget,
			},
		},
		usage:    &fakeUsageService{snap: models.UsageSnapshot{TenantID: "tenant-a", DailyCost: 12.5}},
		policies: &fakePolicyService{policies: map[string]*budget.Policy{}},
		spend:    &fakeSpend{},
	}
	f.gw = NewGateway(nil, nil, zap.NewNop(), f.gate, f.usage, f.policies, f.spend, testServiceToken, testAdminToken)
	return f
}

func (f *testFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	switch token {
	case testServiceToken:
		req.Header.Set("Authorization", "Bearer "+token)
	case testAdminToken:
		req.Header.Set("X-Admin-Token", token)
	}

	rec := httptest.NewRecorder()
	f.gw.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	f := newFixture()

	cases := []struct {
		method, path string
	}{
		{http.MethodPost, "/v1/budget/check"},
		{http.MethodGet, "/v1/usage/tenant-a"},
		{http.MethodPost, "/v1/events"},
		{http.MethodGet, "/admin/policies"},
		{http.MethodPost, "/admin/tenants/tenant-a/breaker/reset"},
	}
	for _, tc := range cases {
		rec := f.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckBudget(t *testing.T) {
	t.Run("allowed decision", func(t *testing.T) {
		f := newFixture()

		rec := f.do(t, http.MethodPost, "/v1/budget/check", testServiceToken,
			map[string]interface{}{"tenant_id": "tenant-a", "proposed_cost_usd": 0.5})
		require.Equal(t, http.StatusOK, rec.Code)

		var dec models.EnforcementDecision
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
		assert.True(t, dec.Allowed)
	})

	t.Run("missing tenant id", func(t *testing.T) {
		f := newFixture()

		rec := f.do(t, http.MethodPost, "/v1/budget/check", testServiceToken,
			map[string]interface{}{"proposed_cost_usd": 0.5})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown tenant maps to 404", func(t *testing.T) {
		f := newFixture()
		f.gate.err = fmt.Errorf("tenant ghost: %w", budget.ErrTenantNotFound)

		rec := f.do(t, http.MethodPost, "/v1/budget/check", testServiceToken,
			map[string]interface{}{"tenant_id": "ghost", "proposed_cost_usd": 0.5})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("negative cost maps to 400", func(t *testing.T) {
		f := newFixture()
		f.gate.err = fmt.Errorf("proposed cost -1: %w", budget.ErrInvalidProposedCost)

		rec := f.do(t, http.MethodPost, "/v1/budget/check", testServiceToken,
			map[string]interface{}{"tenant_id": "tenant-a", "proposed_cost_usd": -1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store outage maps to 503", func(t *testing.T) {
		f := newFixture()
		f.gate.err = fmt.Errorf("policy store: %w", budget.ErrDataUnavailable)

		rec := f.do(t, http.MethodPost, "/v1/budget/check", testServiceToken,
			map[string]interface{}{"tenant_id": "tenant-a", "proposed_cost_usd": 1})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestGetUsage(t *testing.T) {
	t.Run("full snapshot", func(t *testing.T) {
		f := newFixture()

		rec := f.do(t, http.MethodGet, "/v1/usage/tenant-a", testServiceToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var snap models.UsageSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, 12.5, snap.DailyCost)
	})

	t.Run("single window", func(t *testing.T) {
		f := newFixture()

		rec := f.do(t, http.MethodGet, "/v1/usage/tenant-a?window=daily", testServiceToken, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bad window", func(t *testing.T) {
		f := newFixture()

		rec := f.do(t, http.MethodGet, "/v1/usage/tenant-a?window=fortnight", testServiceToken, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestIngestEvent(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f := newFixture()

		rec := f.do(t, http.MethodPost, "/v1/events", testServiceToken,
			map[string]interface{}{"tenant_id": "tenant-a", "cost_usd": 0.05})
		require.Equal(t, http.StatusCreated, rec.Code)
		require.Len(t, f.usage.recorded, 1)
		assert.Equal(t, 0.05, f.usage.recorded[0].CostUSD)
	})

	t.Run("invalid event maps to 400", func(t *testing.T) {
		f := newFixture()
		f.usage.err = fmt.Errorf("cost -1 must be non-negative: %w", usage.ErrInvalidEvent)

		rec := f.do(t, http.MethodPost, "/v1/events", testServiceToken,
			map[string]interface{}{"tenant_id": "tenant-a", "cost_usd": -1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPolicyCRUD(t *testing.T) {
	f := newFixture()

	t.Run("create with tier preset", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/admin/policies", testAdminToken,
			map[string]interface{}{"tenant_id": "tenant-a", "tier": "premium"})
		require.Equal(t, http.StatusCreated, rec.Code)

		var p budget.Policy
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
		assert.Equal(t, 250.0, p.DailyLimitUSD)
	})

	t.Run("get", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/admin/policies/tenant-a", testAdminToken, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("invalid limits map to 400", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/admin/policies", testAdminToken,
			map[string]interface{}{
				"tenant_id":           "tenant-b",
				"daily_limit_usd":     10,
				"monthly_limit_usd":   100,
				"emergency_limit_usd": 40,
			})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown tier maps to 400", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/admin/policies", testAdminToken,
			map[string]interface{}{"tenant_id": "tenant-c", "tier": "platinum"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("update unknown tenant maps to 404", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/admin/policies/ghost", testAdminToken,
			map[string]interface{}{"tier": "standard"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/admin/policies/tenant-a", testAdminToken, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = f.do(t, http.MethodGet, "/admin/policies/tenant-a", testAdminToken, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResetBreaker(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/admin/tenants/tenant-a/breaker/reset", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"tenant-a"}, f.gate.resets)
}

func TestTopSpenders(t *testing.T) {
	f := newFixture()
	f.spend.spenders = []models.TenantSpend{
		{TenantID: "tenant-a", TotalUSD: 900},
		{TenantID: "tenant-b", TotalUSD: 450},
	}

	t.Run("default limit", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/admin/tenants/top-spenders", testAdminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var spenders []models.TenantSpend
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spenders))
		assert.Len(t, spenders, 2)
	})

	t.Run("limit out of range", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/admin/tenants/top-spenders?limit=500", testAdminToken, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
