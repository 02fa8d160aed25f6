package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrStoreRequired     = sterrors.New("conditionflow: record store is required")
	ErrQueueRequired     = sterrors.New("conditionflow: queue is required")
	ErrProcessorRequired = sterrors.New("conditionflow: message processor is required")
	ErrNotifierRequired  = sterrors.New("conditionflow: notifier is required")
	ErrPublisherRequired = sterrors.New("conditionflow: publisher is required")
	ErrTopicRequired     = sterrors.New("conditionflow: topic is required")
	ErrConfigRequired    = sterrors.New("conditionflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("conditionflow: logger is required")
	ErrQueueClosed       = sterrors.New("conditionflow: queue is closed")
	ErrStoreClosed       = sterrors.New("conditionflow: store is closed")
	ErrResourceNotFound  = sterrors.New("conditionflow: resource not found")
	ErrInvalidResourceID = sterrors.New("conditionflow: invalid resource id")
)

// ValidationError reports a message payload that can never be processed.
type ValidationError struct {
	Reason string
	Err    error
}

func (e ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conditionflow: invalid message: %s: %v", e.Reason, e.Err)
	}
	return "conditionflow: invalid message: " + e.Reason
}

func (e ValidationError) Unwrap() error { return e.Err }

// UnknownResourceError reports a well-formed message that references a
// resource the catalog does not know about.
type UnknownResourceError struct {
	ResourceID string
}

func (e UnknownResourceError) Error() string {
	return fmt.Sprintf("conditionflow: unknown resource %q", e.ResourceID)
}

func (e UnknownResourceError) Is(target error) bool {
	return target == ErrResourceNotFound
}

// TransientError wraps a dependency failure that may succeed when the message
// is delivered again.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("conditionflow: %s: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// FatalError reports an unexpected failure while handling a message, such as a
// recovered panic.
type FatalError struct {
	Panic any
}

func (e FatalError) Error() string {
	return fmt.Sprintf("conditionflow: panic while processing message: %v", e.Panic)
}

// ConfigValidationError wraps configuration problems detected at startup.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "conditionflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
