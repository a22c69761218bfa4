package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// OverallHealth represents the health of the relay as a whole
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Names returns the check names in sorted order
func (h OverallHealth) Names() []string {
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// DefaultCheckTimeout bounds a single check when the caller sets no deadline
const DefaultCheckTimeout = 10 * time.Second

// severity orders statuses from best to worst
func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Registry runs a set of named checks concurrently
type Registry struct {
	checkers     map[string]Checker
	metadata     map[string]interface{}
	checkTimeout time.Duration
	last         Status
	logger       *slog.Logger
	mu           sync.RWMutex
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithCheckTimeout bounds each check individually
func WithCheckTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.checkTimeout = timeout
	}
}

// WithLogger logs overall status changes to logger
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		checkers:     make(map[string]Checker),
		metadata:     make(map[string]interface{}),
		checkTimeout: DefaultCheckTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds checker, replacing any checker with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes the checker called name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata attaches key to every report
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every registered check concurrently. The overall status is the
// worst individual status; a check that outlives its deadline is unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		checks = make(map[string]CheckResult, len(checkers))
	)
	for _, checker := range checkers {
		wg.Add(1)
		go func(checker Checker) {
			defer wg.Done()
			result := r.run(ctx, checker)
			mu.Lock()
			checks[checker.Name()] = result
			mu.Unlock()
		}(checker)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, result := range checks {
		if severity(result.Status) > severity(overall) {
			overall = result.Status
		}
	}
	r.observe(overall, checks)

	return OverallHealth{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  metadata,
	}
}

// run executes one check under its own deadline
func (r *Registry) run(ctx context.Context, checker Checker) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()

	done := make(chan CheckResult, 1)
	go func() {
		done <- checker.Check(checkCtx)
	}()

	select {
	case result := <-done:
		if result.Name == "" {
			result.Name = checker.Name()
		}
		return result
	case <-checkCtx.Done():
		return CheckResult{
			Name:      checker.Name(),
			Status:    StatusUnhealthy,
			Message:   "Check timed out",
			Duration:  time.Since(start),
			Timestamp: start,
			Error:     checkCtx.Err().Error(),
		}
	}
}

// observe logs transitions of the overall status
func (r *Registry) observe(overall Status, checks map[string]CheckResult) {
	r.mu.Lock()
	previous := r.last
	r.last = overall
	r.mu.Unlock()

	if previous == "" || previous == overall {
		return
	}

	var failing []string
	for name, result := range checks {
		if result.Status != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	if overall == StatusHealthy {
		r.logger.Info("health recovered", "previous", previous)
		return
	}
	r.logger.Warn("health changed", "status", overall, "previous", previous, "failing", failing)
}

// Handler provides HTTP endpoint for health checks
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	// Degraded still answers 200
	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(health); err != nil {
		http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
	}
}

// LivenessHandler answers 200 while the process is up
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
