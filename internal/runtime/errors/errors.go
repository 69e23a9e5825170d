package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired         = sterrors.New("streamflow: event service is required")
	ErrHandlerRequired         = sterrors.New("streamflow: handler is required")
	ErrEventNameRequired       = sterrors.New("streamflow: event name is required")
	ErrDuplicateEventName      = sterrors.New("streamflow: event name is already handled by another handler")
	ErrUnknownEvent            = sterrors.New("streamflow: no handler registered for event")
	ErrCorruptEnvelope         = sterrors.New("streamflow: event envelope is missing or corrupt")
	ErrSubscriptionActive      = sterrors.New("streamflow: subscription is already active")
	ErrStoreClosed             = sterrors.New("streamflow: store is closed")
	ErrStoreRequired           = sterrors.New("streamflow: store is required")
	ErrCheckpointStoreRequired = sterrors.New("streamflow: checkpoint store is required")
	ErrRegistryRequired        = sterrors.New("streamflow: handler registry is required")
	ErrServiceStarted          = sterrors.New("streamflow: service is already started")
	ErrConfigRequired          = sterrors.New("streamflow: configuration is required")
	ErrLoggerRequired          = sterrors.New("streamflow: logger is required")
	ErrSubscriptionDropped     = sterrors.New("streamflow: subscription dropped")
	ErrNotConnected            = sterrors.New("streamflow: service is not connected")
)

// ConfigValidationError wraps everything Config.Validate found wrong.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("streamflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil for a nil error.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// UnprocessableEventError marks an event that can never be handled, such as a
// corrupt envelope or an event name nobody registered. Such events are
// dropped instead of retried.
type UnprocessableEventError struct {
	EventName string
	Sequence  uint64
	Err       error
}

func (e *UnprocessableEventError) Error() string {
	if e.EventName == "" {
		return fmt.Sprintf("streamflow: unprocessable event at sequence %d: %v", e.Sequence, e.Err)
	}
	return fmt.Sprintf("streamflow: unprocessable event %s at sequence %d: %v", e.EventName, e.Sequence, e.Err)
}

func (e *UnprocessableEventError) Unwrap() error { return e.Err }

// IsUnprocessable reports whether err marks an event that must be dropped.
func IsUnprocessable(err error) bool {
	var target *UnprocessableEventError
	return sterrors.As(err, &target)
}
