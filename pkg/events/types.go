package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Budget enforcement events
	EventThresholdBreached  EventType = "budget.threshold_breached"
	EventGracePeriodStarted EventType = "budget.grace_period_started"
	EventBreakerTripped     EventType = "budget.breaker_tripped"
	EventBreakerReset       EventType = "budget.breaker_reset"

	// Policy lifecycle events
	EventPolicyCreated EventType = "policy.created"
	EventPolicyUpdated EventType = "policy.updated"
	EventPolicyDeleted EventType = "policy.deleted"

	// Usage events
	EventCostRecorded EventType = "usage.cost_recorded"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// TenantID is the tenant this event belongs to (optional for system events)
	TenantID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, tenantID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Payload:   payload,
	}
}
