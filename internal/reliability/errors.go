package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is wrapped by every error returned while the circuit rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrTaskRunning is returned when starting a periodic task twice
	ErrTaskRunning = errors.New("periodic task: already running")
)

// CircuitBreakerError represents a rejected call with breaker context
type CircuitBreakerError struct {
	Name        string
	State       State
	Failures    int
	LastFailure time.Time
	NextTry     time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextTry).Round(time.Second)
		return fmt.Sprintf("circuit breaker %s open: call blocked (failures=%d, retry in %v)",
			e.Name, e.Failures, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: trial call limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s rejected call in state %v", e.Name, e.State)
	}
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}
