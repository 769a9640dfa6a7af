package eventbus

import "errors"

// Common errors for event bus operations
var (
	// ErrNotConnected indicates a sink is used after Close
	ErrNotConnected = errors.New("event sink is not connected")

	// ErrSerializationFailed indicates event serialization failure
	ErrSerializationFailed = errors.New("failed to serialize event")

	// ErrInvalidEventType indicates an unknown or invalid event type
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrSubscriptionNotFound indicates the subscription was not found
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrDuplicateSubscription indicates the subscription id is taken
	ErrDuplicateSubscription = errors.New("subscription already exists")

	// ErrInvalidConfiguration indicates invalid event bus configuration
	ErrInvalidConfiguration = errors.New("invalid event bus configuration")
)
