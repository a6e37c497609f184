package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spendguard/control-plane/pkg/events"
	"go.uber.org/zap"
)

// WebhookSender sends alerts to a generic webhook with HMAC signatures
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

// webhookPayload is the JSON body sent to generic webhooks
type webhookPayload struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	TenantID  string                 `json:"tenant_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(url, secret string, logger *zap.Logger) *WebhookSender {
	return &WebhookSender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Name implements Sender
func (w *WebhookSender) Name() string { return "webhook" }

// Send posts the alert to the configured webhook, signing the body with
// HMAC-SHA256 when a secret is configured.
func (w *WebhookSender) Send(ctx context.Context, event events.Event) error {
	payload := webhookPayload{
		EventID:   event.ID,
		EventType: string(event.Type),
		TenantID:  event.TenantID,
		Timestamp: event.Timestamp,
		Data:      event.Payload,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(event.Type))
	req.Header.Set("X-Event-ID", event.ID)

	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(data)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
