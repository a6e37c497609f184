package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spendguard/control-plane/internal/alerting"
	"github.com/spendguard/control-plane/internal/billing"
	"github.com/spendguard/control-plane/internal/budget"
	"github.com/spendguard/control-plane/internal/config"
	"github.com/spendguard/control-plane/internal/gateway"
	"github.com/spendguard/control-plane/internal/usage"
	"github.com/spendguard/control-plane/pkg/cache"
	"github.com/spendguard/control-plane/pkg/database"
	"github.com/spendguard/control-plane/pkg/events"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting SpendGuard control plane")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Initialize alert dispatcher
	alertConfig, err := alerting.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load alerting config", zap.Error(err))
	}
	alertConfig.Cooldown = cfg.Budget.AlertCooldown

	dispatcher, err := alerting.NewDispatcher(alertConfig, db, redisCache, logger, eventBus)
	if err != nil {
		logger.Fatal("failed to initialize alert dispatcher", zap.Error(err))
	}

	// Initialize usage aggregation
	eventStore := usage.NewStore(db, logger)
	aggregator := usage.NewAggregator(eventStore, redisCache, eventBus, logger, cfg.Budget)
	retention := usage.NewRetention(eventStore, logger, cfg.Budget.RetentionDays, cfg.Budget.PurgeInterval)

	// Initialize budget enforcement
	policyStore := budget.NewStore(db, redisCache, eventBus, logger)
	gate := budget.NewGate(policyStore, aggregator, redisCache, eventBus, logger, budget.GateConfig{
		FailOpen:      cfg.Budget.FailOpen,
		AlertCooldown: cfg.Budget.AlertCooldown,
	})
	logger.Info("initialized enforcement gate",
		zap.Bool("fail_open", cfg.Budget.FailOpen),
		zap.Duration("alert_cooldown", cfg.Budget.AlertCooldown),
	)

	// Initialize billing exporter
	exporter := billing.NewExporter(db, logger, cfg.Billing)

	// Start background services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retention.Start(ctx)
	exporter.Start(ctx)
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("failed to start alert dispatcher", zap.Error(err))
	}

	// Initialize API gateway
	gw := gateway.NewGateway(
		db, redisCache, logger,
		gate, aggregator, policyStore, eventStore,
		cfg.Security.ServiceAPIToken, cfg.Security.AdminAPIToken,
	)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop alert dispatcher gracefully", zap.Error(err))
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
