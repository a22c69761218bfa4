package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResult(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := Success(false)
		assert.Equal(t, OutcomeSuccess, r.Outcome)
		assert.False(t, r.OK)
		assert.False(t, r.IsRetry())
	})

	t.Run("retry requested", func(t *testing.T) {
		r := RetryRequested("rate limited")
		assert.True(t, r.IsRetry())
		assert.Equal(t, "rate limited", r.Reason())
		assert.True(t, IsRetryRequested(r.Err))
	})

	t.Run("retry after error", func(t *testing.T) {
		cause := errors.New("connection reset")
		r := RetryAfter(cause)
		assert.True(t, r.IsRetry())
		assert.ErrorIs(t, r.Err, cause)
		assert.Equal(t, "connection reset", r.Reason())
	})

	t.Run("fatal", func(t *testing.T) {
		r := Fatal(errors.New("boom"))
		assert.Equal(t, OutcomeFatal, r.Outcome)
		assert.False(t, r.IsRetry())
		assert.Equal(t, "boom", r.Reason())
	})

	t.Run("fatal wrapping retry request is a retry", func(t *testing.T) {
		r := Fatal(fmt.Errorf("handler: %w", &RetryRequestedError{Reason: "later"}))
		assert.True(t, r.IsRetry())
		assert.Equal(t, "later", r.Reason())
	})
}

func TestResultFromError(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, ResultFromError(nil).Outcome)
	assert.True(t, ResultFromError(nil).OK)
	assert.Equal(t, OutcomeRetry, ResultFromError(&RetryRequestedError{Reason: "x"}).Outcome)
	assert.Equal(t, OutcomeFatal, ResultFromError(errors.New("x")).Outcome)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "retry", OutcomeRetry.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
