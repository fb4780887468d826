package types

import (
	"errors"
	"fmt"
)

// ValidationError is a local, non-retryable request error. It blocks Start
// before any network activity.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation returns true if err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConnectionError is a transport-level failure. Retryable; drives the
// reconnect policy. Heartbeat timeouts are reported as connection errors.
type ConnectionError struct {
	Msg string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnection returns true if err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
