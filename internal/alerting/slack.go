package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spendguard/control-plane/pkg/events"
	"go.uber.org/zap"
)

// SlackSender sends alerts to Slack via incoming webhooks
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// slackPayload represents a Slack webhook message
type slackPayload struct {
	Channel string       `json:"channel,omitempty"`
	Blocks  []slackBlock `json:"blocks,omitempty"`
	Text    string       `json:"text"` // Fallback text
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewSlackSender creates a new Slack sender
func NewSlackSender(webhookURL, channel string, logger *zap.Logger) *SlackSender {
	return &SlackSender{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Name implements Sender
func (s *SlackSender) Name() string { return "slack" }

// Send posts the alert to the Slack webhook
func (s *SlackSender) Send(ctx context.Context, event events.Event) error {
	fallback := fmt.Sprintf("%s: tenant %s", headline(event), event.TenantID)

	payload := slackPayload{
		Channel: s.channel,
		Text:    fallback,
		Blocks: []slackBlock{
			{
				Type: "header",
				Text: &slackText{Type: "plain_text", Text: headline(event)},
			},
			{
				Type: "section",
				Text: &slackText{Type: "mrkdwn", Text: body(event)},
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// headline maps an event to a human-readable alert title.
func headline(event events.Event) string {
	switch event.Type {
	case events.EventThresholdBreached:
		priority, _ := event.Payload["priority"].(string)
		pct, _ := event.Payload["percentage"].(float64)
		return fmt.Sprintf("Budget threshold %.0f%% crossed (%s)", pct, priority)
	case events.EventGracePeriodStarted:
		return "Daily budget exceeded, grace period started"
	case events.EventBreakerTripped:
		return "Emergency circuit breaker tripped"
	case events.EventBreakerReset:
		return "Circuit breaker reset"
	}
	return string(event.Type)
}

// body formats the event payload as markdown lines.
func body(event events.Event) string {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "*Tenant:* %s\n", event.TenantID)
	if v, ok := event.Payload["usage_percent"].(float64); ok {
		fmt.Fprintf(buf, "*Usage:* %.1f%% of daily limit\n", v)
	}
	if v, ok := event.Payload["projected_daily_usd"].(float64); ok {
		fmt.Fprintf(buf, "*Projected daily spend:* $%.2f\n", v)
	}
	if v, ok := event.Payload["daily_limit_usd"].(float64); ok {
		fmt.Fprintf(buf, "*Daily limit:* $%.2f\n", v)
	}
	if v, ok := event.Payload["status"].(string); ok {
		fmt.Fprintf(buf, "*Status:* %s\n", v)
	}
	fmt.Fprintf(buf, "*At:* %s", event.Timestamp.Format(time.RFC3339))
	return buf.String()
}
