package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestRegistry_Check(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, status := range tt.statuses {
				registry.Register(staticChecker(string(rune('a'+i)), status))
			}

			health := registry.Check(context.Background())
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Checks, len(tt.statuses))
		})
	}
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewRegistry()
	registry.Register(staticChecker("broker", StatusHealthy))
	registry.Register(staticChecker("redis", StatusUnhealthy))
	registry.SetMetadata("version", "1.2.3")

	health := registry.Check(context.Background())
	assert.Equal(t, []string{"broker", "redis"}, health.Names())
	assert.Equal(t, "1.2.3", health.Metadata["version"])

	registry.Unregister("redis")
	health = registry.Check(context.Background())
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Equal(t, []string{"broker"}, health.Names())
}

func slowChecker(name string, d time.Duration) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		time.Sleep(d)
		return CheckResult{Name: name, Status: StatusHealthy}
	})
}

func TestRegistry_CheckTimeout(t *testing.T) {
	t.Run("caller deadline", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("fast", StatusHealthy))
		registry.Register(slowChecker("slow", 200*time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		health := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, StatusHealthy, health.Checks["fast"].Status)
		assert.Equal(t, StatusUnhealthy, health.Checks["slow"].Status)
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
	})

	t.Run("per check deadline", func(t *testing.T) {
		registry := NewRegistry(WithCheckTimeout(20 * time.Millisecond))
		registry.Register(slowChecker("slow", 200*time.Millisecond))

		health := registry.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, health.Checks["slow"].Status)
		assert.Equal(t, context.DeadlineExceeded.Error(), health.Checks["slow"].Error)
	})
}

func TestRegistry_FillsMissingName(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewCheckerFunc("anonymous", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded}
	}))

	health := registry.Check(context.Background())
	assert.Equal(t, "anonymous", health.Checks["anonymous"].Name)
	assert.Equal(t, StatusDegraded, health.Status)
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name       string
		status     Status
		wantStatus int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			registry.Register(staticChecker("broker", tt.status))
			handler := NewHandler(registry, time.Second)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body OverallHealth
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Contains(t, body.Checks, "broker")
		})
	}

	t.Run("rejects non GET", func(t *testing.T) {
		handler := NewHandler(NewRegistry(), time.Second)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}
