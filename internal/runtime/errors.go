package runtime

import (
	"errors"
	"fmt"
)

// Error sentinels for the runtime core. These enable consistent HTTP status
// mapping in the gateway via errors.Is().

var (
	// ErrInvalidRequest indicates malformed or missing required fields,
	// rejected before any state access.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrComputation indicates the agent computation raised or produced an
	// unusable event sequence.
	ErrComputation = errors.New("computation error")

	// ErrStatePersistence indicates a state store load or save failure.
	ErrStatePersistence = errors.New("state persistence error")

	// ErrDelivery indicates the sink or transport failed mid-write.
	ErrDelivery = errors.New("delivery error")

	// ErrUnavailable indicates a required dependency is not configured.
	ErrUnavailable = errors.New("service unavailable")
)

// InvalidRequestError wraps ErrInvalidRequest with a descriptive message.
func InvalidRequestError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrInvalidRequest)
}

// ComputationError wraps an underlying failure as ErrComputation.
func ComputationError(err error) error {
	return fmt.Errorf("%w: %w", ErrComputation, err)
}

// StatePersistenceError wraps an underlying store failure.
func StatePersistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStatePersistence, op, err)
}

// DeliveryError wraps a sink write failure.
func DeliveryError(err error) error {
	return fmt.Errorf("%w: %w", ErrDelivery, err)
}

// UnavailableError wraps ErrUnavailable with a descriptive message.
func UnavailableError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrUnavailable)
}
