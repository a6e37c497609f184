package alerting

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for the alert dispatcher
type Config struct {
	Enabled bool

	// Cooldown suppresses repeat alerts per (tenant, threshold).
	Cooldown time.Duration

	// Slack configuration
	SlackEnabled    bool
	SlackWebhookURL string
	SlackChannel    string

	// Email configuration (using Resend)
	EmailEnabled bool
	EmailFrom    string
	EmailTo      []string
	ResendAPIKey string

	// Generic webhook configuration
	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string

	// Retry configuration
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	RetryWorkers     int

	DeliveryTimeout time.Duration
}

// LoadConfig loads the alerting configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Enabled:  getEnvBool("ALERTS_ENABLED", true),
		Cooldown: getEnvDuration("ALERTS_COOLDOWN", time.Hour),

		SlackEnabled:    getEnvBool("ALERTS_SLACK_ENABLED", false),
		SlackWebhookURL: os.Getenv("ALERTS_SLACK_WEBHOOK_URL"),
		SlackChannel:    os.Getenv("ALERTS_SLACK_CHANNEL"),

		EmailEnabled: getEnvBool("ALERTS_EMAIL_ENABLED", false),
		EmailFrom:    os.Getenv("ALERTS_EMAIL_FROM"),
		EmailTo:      splitList(os.Getenv("ALERTS_EMAIL_TO")),
		ResendAPIKey: os.Getenv("ALERTS_RESEND_API_KEY"),

		WebhookEnabled: getEnvBool("ALERTS_WEBHOOK_ENABLED", false),
		WebhookURL:     os.Getenv("ALERTS_WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("ALERTS_WEBHOOK_SECRET"),

		MaxRetries:       getEnvInt("ALERTS_MAX_RETRIES", 3),
		RetryBackoffBase: getEnvDuration("ALERTS_RETRY_BACKOFF_BASE", 5*time.Second),
		RetryQueueSize:   getEnvInt("ALERTS_RETRY_QUEUE_SIZE", 256),
		RetryWorkers:     getEnvInt("ALERTS_RETRY_WORKERS", 2),

		DeliveryTimeout: getEnvDuration("ALERTS_DELIVERY_TIMEOUT", 10*time.Second),
	}

	return cfg, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
