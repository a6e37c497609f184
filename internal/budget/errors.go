package budget

import (
	"errors"
	"fmt"
)

var (
	// ErrTenantNotFound is returned for checks against unknown tenants.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrPolicyNotFound is returned when a tenant has no budget policy.
	ErrPolicyNotFound = errors.New("budget policy not found")

	// ErrDataUnavailable is returned when the usage event store cannot be
	// reached. The gate resolves it per the configured fail-open/fail-closed
	// policy before returning a decision.
	ErrDataUnavailable = errors.New("usage data unavailable")

	// ErrInvalidProposedCost is returned for negative proposed costs.
	ErrInvalidProposedCost = errors.New("proposed cost must be non-negative")
)

// ValidationError reports an invalid policy configuration. Raised at
// construction time, before any state change.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid policy: %s: %s", e.Field, e.Msg)
}

// IsValidation reports whether err is a policy validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
