package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spendguard/control-plane/internal/budget"
	"github.com/spendguard/control-plane/pkg/cache"
	"github.com/spendguard/control-plane/pkg/database"
	"github.com/spendguard/control-plane/pkg/models"
	"go.uber.org/zap"
)

// BudgetGate is the enforcement decision point.
type BudgetGate interface {
	Check(ctx context.Context, tenantID string, proposedUSD float64) (*models.EnforcementDecision, error)
	ResetBreaker(ctx context.Context, tenantID string) error
}

// UsageService serves usage reads and cost event ingest.
type UsageService interface {
	Record(ctx context.Context, ev *models.CostEvent) error
	Snapshot(ctx context.Context, tenantID string) (models.UsageSnapshot, error)
	Usage(ctx context.Context, tenantID string, w models.Window) (models.UsageSnapshot, error)
}

// PolicyService is the administrative policy CRUD surface.
type PolicyService interface {
	GetPolicy(ctx context.Context, tenantID string) (*budget.Policy, error)
	CreatePolicy(ctx context.Context, p *budget.Policy) error
	UpdatePolicy(ctx context.Context, p *budget.Policy) error
	DeletePolicy(ctx context.Context, tenantID string) error
	ListPolicies(ctx context.Context) ([]*budget.Policy, error)
}

// SpendReporter serves spend rollups for admin dashboards.
type SpendReporter interface {
	TopSpenders(ctx context.Context, since time.Time, limit int) ([]models.TenantSpend, error)
}

// Gateway handles API requests
type Gateway struct {
	db           *database.Database
	cache        *cache.Cache
	logger       *zap.Logger
	gate         BudgetGate
	usage        UsageService
	policies     PolicyService
	spend        SpendReporter
	router       *chi.Mux
	serviceToken string
	adminToken   string
}

// NewGateway creates a new API gateway
func NewGateway(db *database.Database, c *cache.Cache, logger *zap.Logger, gate BudgetGate, usage UsageService, policies PolicyService, spend SpendReporter, serviceToken, adminToken string) *Gateway {
	g := &Gateway{
		db:           db,
		cache:        c,
		logger:       logger,
		gate:         gate,
		usage:        usage,
		policies:     policies,
		spend:        spend,
		router:       chi.NewRouter(),
		serviceToken: serviceToken,
		adminToken:   adminToken,
	}

	g.setupRoutes()
	return g
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	// Middleware
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(30 * time.Second))

	// CORS
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	g.router.Handle("/metrics", promhttp.Handler())

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Service endpoints (require service token)
	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)

		r.Post("/v1/budget/check", g.handleCheckBudget)
		r.Get("/v1/usage/{tenantID}", g.handleGetUsage)
		r.Post("/v1/events", g.handleIngestEvent)
	})

	// Admin endpoints
	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/admin/policies", g.handleCreatePolicy)
		r.Get("/admin/policies", g.handleListPolicies)
		r.Get("/admin/policies/{tenantID}", g.handleGetPolicy)
		r.Put("/admin/policies/{tenantID}", g.handleUpdatePolicy)
		r.Delete("/admin/policies/{tenantID}", g.handleDeletePolicy)

		r.Post("/admin/tenants/{tenantID}/breaker/reset", g.handleResetBreaker)
		r.Get("/admin/tenants/top-spenders", g.handleTopSpenders)
	})
}
