package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the budget control plane
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Budget     BudgetConfig
	Billing    BillingConfig
	Security   SecurityConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// BudgetConfig holds enforcement configuration
type BudgetConfig struct {
	// FailOpen allows spend when the usage store is unreachable.
	// Defaults to false: unreachable data denies the operation.
	FailOpen bool

	// AlertCooldown suppresses repeat alerts per (tenant, threshold).
	AlertCooldown time.Duration

	// Snapshot cache TTLs, bounded by each window's realtime requirement.
	RecentCacheTTL  time.Duration
	DailyCacheTTL   time.Duration
	MonthlyCacheTTL time.Duration

	// RetentionDays is how long cost events are kept before purge.
	RetentionDays int
	PurgeInterval time.Duration
}

// BillingConfig holds usage export configuration
type BillingConfig struct {
	StripeSecretKey string
	ExportEnabled   bool
	ExportInterval  time.Duration
}

// SecurityConfig holds API authentication configuration
type SecurityConfig struct {
	ServiceAPIToken string
	AdminAPIToken   string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "spendguard"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "spendguard"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Budget: BudgetConfig{
			FailOpen:        getEnvAsBool("BUDGET_FAIL_OPEN", false),
			AlertCooldown:   getEnvAsDuration("BUDGET_ALERT_COOLDOWN", "1h"),
			RecentCacheTTL:  getEnvAsDuration("BUDGET_RECENT_CACHE_TTL", "60s"),
			DailyCacheTTL:   getEnvAsDuration("BUDGET_DAILY_CACHE_TTL", "60s"),
			MonthlyCacheTTL: getEnvAsDuration("BUDGET_MONTHLY_CACHE_TTL", "5m"),
			RetentionDays:   getEnvAsInt("BUDGET_RETENTION_DAYS", 90),
			PurgeInterval:   getEnvAsDuration("BUDGET_PURGE_INTERVAL", "1h"),
		},
		Billing: BillingConfig{
			StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
			ExportEnabled:   getEnvAsBool("BILLING_EXPORT_ENABLED", false),
			ExportInterval:  getEnvAsDuration("BILLING_EXPORT_INTERVAL", "1h"),
		},
		Security: SecurityConfig{
			ServiceAPIToken: getEnv("SERVICE_API_TOKEN", ""),
			AdminAPIToken:   getEnv("ADMIN_API_TOKEN", ""),
		},
		Monitoring: MonitoringConfig{
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	// Validate required fields
	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.Security.ServiceAPIToken == "" {
		return nil, fmt.Errorf("SERVICE_API_TOKEN is required")
	}

	if cfg.Security.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	if cfg.Billing.ExportEnabled && cfg.Billing.StripeSecretKey == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY is required when BILLING_EXPORT_ENABLED is set")
	}

	if cfg.Budget.RetentionDays < 30 {
		return nil, fmt.Errorf("BUDGET_RETENTION_DAYS must be at least 30")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
