package contracts

import (
	"context"
	"errors"
)

// Outcome classifies the result of consuming a message
type Outcome int

const (
	// OutcomeSuccess means the message was handled and can be acknowledged
	OutcomeSuccess Outcome = iota
	// OutcomeRetry means the message should be redelivered later
	OutcomeRetry
	// OutcomeFatal means the message failed permanently
	OutcomeFatal
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is what a Handler returns for a message
type Result struct {
	Outcome Outcome
	// OK is the handler's own verdict on a successful run. It is logged only;
	// both values end in an acknowledgement.
	OK  bool
	Err error
}

// Handler consumes a single validated message
type Handler func(ctx context.Context, msg *Message) Result

// Success returns a successful result
func Success(ok bool) Result {
	return Result{Outcome: OutcomeSuccess, OK: ok}
}

// RetryRequested returns a result asking for a delayed redelivery
func RetryRequested(reason string) Result {
	return Result{Outcome: OutcomeRetry, Err: &RetryRequestedError{Reason: reason}}
}

// RetryAfter returns a retry result caused by err
func RetryAfter(err error) Result {
	return Result{Outcome: OutcomeRetry, Err: &RetryRequestedError{Reason: errorText(err), Err: err}}
}

// Fatal returns a result that discards the message
func Fatal(err error) Result {
	return Result{Outcome: OutcomeFatal, Err: err}
}

// ResultFromError maps an error-returning handler onto a Result:
// nil is success, a *RetryRequestedError is a retry and anything else is fatal.
func ResultFromError(err error) Result {
	switch {
	case err == nil:
		return Success(true)
	case IsRetryRequested(err):
		return Result{Outcome: OutcomeRetry, Err: err}
	default:
		return Fatal(err)
	}
}

// IsRetry reports whether the result asks for a retry
func (r Result) IsRetry() bool {
	if r.Outcome == OutcomeRetry {
		return true
	}
	return r.Outcome == OutcomeFatal && IsRetryRequested(r.Err)
}

// Reason returns a short description of why a retry was requested
func (r Result) Reason() string {
	var retryErr *RetryRequestedError
	if errors.As(r.Err, &retryErr) {
		if retryErr.Reason != "" {
			return retryErr.Reason
		}
	}
	return errorText(r.Err)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
