package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errStore = errors.New("store error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failing() error { return errStore }
func passing() error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("executes function in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("redis"))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, failing), errStore)
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func() error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, "redis", cbErr.Name)
		assert.Contains(t, err.Error(), "redis")
	})

	t.Run("success in closed state resets failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		_ = cb.Execute(ctx, failing)
		_ = cb.Execute(ctx, passing)
		_ = cb.Execute(ctx, failing)

		assert.Equal(t, StateClosed, cb.State())
		failures, _ := cb.Counts()
		assert.Equal(t, 1, failures)
	})

	t.Run("half-open after timeout then closes", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		var transitions []string
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithTimeout(10*time.Second),
			WithClock(clock.Now),
			WithStateChangeHandler(func(from, to State) {
				transitions = append(transitions, from.String()+">"+to.String())
			}),
		)

		_ = cb.Execute(ctx, failing)
		assert.Equal(t, StateOpen, cb.State())

		clock.Advance(5 * time.Second)
		assert.ErrorIs(t, cb.Execute(ctx, passing), ErrCircuitOpen)

		clock.Advance(6 * time.Second)
		assert.NoError(t, cb.Execute(ctx, passing))
		assert.Equal(t, StateHalfOpen, cb.State())

		assert.NoError(t, cb.Execute(ctx, passing))
		assert.Equal(t, StateClosed, cb.State())

		assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
	})

	t.Run("half-open failure reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Second),
			WithClock(clock.Now),
		)

		_ = cb.Execute(ctx, failing)
		clock.Advance(2 * time.Second)

		assert.ErrorIs(t, cb.Execute(ctx, failing), errStore)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("half-open limits trial calls", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(5),
			WithHalfOpenRequests(1),
			WithTimeout(time.Second),
			WithClock(clock.Now),
		)

		_ = cb.Execute(ctx, failing)
		clock.Advance(2 * time.Second)

		release := make(chan struct{})
		inside := make(chan struct{})
		go func() {
			_ = cb.Execute(ctx, func() error {
				close(inside)
				<-release
				return nil
			})
		}()
		<-inside

		err := cb.Execute(ctx, passing)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var cbErr *CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateHalfOpen, cbErr.State)

		close(release)
	})

	t.Run("reset clears state", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))

		_ = cb.Execute(ctx, failing)
		assert.Equal(t, StateOpen, cb.State())

		cb.Reset()

		assert.Equal(t, StateClosed, cb.State())
		failures, successes := cb.Counts()
		assert.Equal(t, 0, failures)
		assert.Equal(t, 0, successes)
	})

	t.Run("context cancellation", func(t *testing.T) {
		cb := NewCircuitBreaker()

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		err := cb.Execute(cancelled, passing)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("concurrent execution", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1000))

		var wg sync.WaitGroup
		var errCount, okCount atomic.Int32

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := cb.Execute(ctx, func() error {
					if i%3 == 0 {
						return errStore
					}
					return nil
				})
				if err != nil {
					errCount.Add(1)
				} else {
					okCount.Add(1)
				}
			}(i)
		}

		wg.Wait()
		assert.Equal(t, int32(34), errCount.Load())
		assert.Equal(t, int32(66), okCount.Load())
	})
}

func TestCircuitBreakerOptions(t *testing.T) {
	t.Run("applies all options", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(10),
			WithSuccessThreshold(5),
			WithTimeout(time.Minute),
			WithHalfOpenRequests(10),
		)

		assert.Equal(t, 10, cb.failureThreshold)
		assert.Equal(t, 5, cb.successThreshold)
		assert.Equal(t, time.Minute, cb.timeout)
		assert.Equal(t, 10, cb.halfOpenRequests)
	})

	t.Run("uses defaults when no options", func(t *testing.T) {
		cb := NewCircuitBreaker()

		assert.Equal(t, 5, cb.failureThreshold)
		assert.Equal(t, 2, cb.successThreshold)
		assert.Equal(t, 30*time.Second, cb.timeout)
		assert.Equal(t, 1, cb.halfOpenRequests)
	})
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}
