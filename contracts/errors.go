package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotAnObject is returned when a payload is not a JSON object
	ErrNotAnObject = errors.New("payload is not a JSON object")

	// ErrMissingEnvelope is returned when a payload has neither data nor meta
	ErrMissingEnvelope = errors.New("payload has neither data nor meta")
)

// MessageParsingError is returned when a wire payload cannot be decoded
type MessageParsingError struct {
	// Payload is the raw body with line breaks escaped for safe logging
	Payload string
	Err     error
}

func (e *MessageParsingError) Error() string {
	return fmt.Sprintf("message parsing error: %v: %s", e.Err, e.Payload)
}

func (e *MessageParsingError) Unwrap() error {
	return e.Err
}

func newParsingError(body []byte, err error) *MessageParsingError {
	return &MessageParsingError{
		Payload: escapeNewlines(string(body)),
		Err:     err,
	}
}

// MessageValidationError is returned when message data violates its schema
type MessageValidationError struct {
	Type   string
	Fields []string
	Err    error
}

func (e *MessageValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("message validation error: %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("message validation error: %s: invalid fields [%s]: %v",
		e.Type, strings.Join(e.Fields, ", "), e.Err)
}

func (e *MessageValidationError) Unwrap() error {
	return e.Err
}

// RetryRequestedError signals a transient failure that should be retried later
type RetryRequestedError struct {
	Reason string
	Err    error
}

func (e *RetryRequestedError) Error() string {
	if e.Reason == "" && e.Err != nil {
		return "retry requested: " + e.Err.Error()
	}
	return "retry requested: " + e.Reason
}

func (e *RetryRequestedError) Unwrap() error {
	return e.Err
}

// IsParsingError reports whether err is a *MessageParsingError
func IsParsingError(err error) bool {
	var target *MessageParsingError
	return errors.As(err, &target)
}

// IsValidationError reports whether err is a *MessageValidationError
func IsValidationError(err error) bool {
	var target *MessageValidationError
	return errors.As(err, &target)
}

// IsRetryRequested reports whether err is a *RetryRequestedError
func IsRetryRequested(err error) bool {
	var target *RetryRequestedError
	return errors.As(err, &target)
}

func escapeNewlines(s string) string {
	return strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(s)
}
