package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spendguard/control-plane/pkg/events"
	"go.uber.org/zap"
)

const resendEndpoint = "https://api.resend.com/emails"

// EmailSender sends alert emails through the Resend API
type EmailSender struct {
	from   string
	to     []string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

// resendRequest represents a Resend API email request
type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// NewEmailSender creates a new email sender
func NewEmailSender(from string, to []string, apiKey string, logger *zap.Logger) (*EmailSender, error) {
	if from == "" || len(to) == 0 {
		return nil, fmt.Errorf("email sender requires from and to addresses")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("email sender requires a Resend API key")
	}
	return &EmailSender{
		from:   from,
		to:     to,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Name implements Sender
func (e *EmailSender) Name() string { return "email" }

// Send delivers the alert as a plain-text email
func (e *EmailSender) Send(ctx context.Context, event events.Event) error {
	text := fmt.Sprintf("Tenant: %s\nEvent: %s\nAt: %s\n",
		event.TenantID, event.Type, event.Timestamp.Format(time.RFC3339))
	if v, ok := event.Payload["usage_percent"].(float64); ok {
		text += fmt.Sprintf("Usage: %.1f%% of daily limit\n", v)
	}
	if v, ok := event.Payload["projected_daily_usd"].(float64); ok {
		text += fmt.Sprintf("Projected daily spend: $%.2f\n", v)
	}

	body, err := json.Marshal(resendRequest{
		From:    e.from,
		To:      e.to,
		Subject: fmt.Sprintf("[spendguard] %s", headline(event)),
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("resend returned status %d: %s", resp.StatusCode, msg)
	}

	return nil
}
