package reliability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TaskFunc is the unit of work run by a PeriodicTask
type TaskFunc func(ctx context.Context) error

// PeriodicTask runs a function on a fixed interval, skipping any tick that
// arrives while the previous run is still in progress. Skipped ticks are
// dropped, never queued.
type PeriodicTask struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	logger   *slog.Logger

	busy    atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	running sync.WaitGroup
}

// PeriodicOption configures a PeriodicTask
type PeriodicOption func(*PeriodicTask)

// WithTaskLogger sets the logger for run failures
func WithTaskLogger(logger *slog.Logger) PeriodicOption {
	return func(p *PeriodicTask) {
		p.logger = logger
	}
}

// NewPeriodicTask creates a task that runs fn every interval once started
func NewPeriodicTask(name string, interval time.Duration, fn TaskFunc, opts ...PeriodicOption) *PeriodicTask {
	if interval <= 0 {
		interval = time.Second
	}
	p := &PeriodicTask{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Tick runs the task once if no other run is in progress.
// It returns false when the tick was skipped.
func (p *PeriodicTask) Tick(ctx context.Context) bool {
	if !p.busy.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.logger.Debug("periodic task busy, skipping tick", "task", p.name)
		return false
	}
	defer p.busy.Store(false)

	p.runs.Add(1)
	if err := p.fn(ctx); err != nil {
		p.logger.Error("periodic task run failed", "task", p.name, "error", err)
	}
	return true
}

// Start begins ticking in the background until ctx is cancelled or Stop is
// called. Runs receive a context that is not cancelled with ctx, so a
// shutdown lets the current run finish.
func (p *PeriodicTask) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrTaskRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	runCtx := context.WithoutCancel(ctx)

	p.loop.Add(1)
	go func() {
		defer p.loop.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.running.Add(1)
				go func() {
					defer p.running.Done()
					p.Tick(runCtx)
				}()
			}
		}
	}()

	p.logger.Info("periodic task started", "task", p.name, "interval", p.interval)
	return nil
}

// Stop halts the ticker and waits for an in-flight run to complete
func (p *PeriodicTask) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.loop.Wait()
	p.running.Wait()
	p.logger.Info("periodic task stopped", "task", p.name)
}

// Busy reports whether a run is in progress
func (p *PeriodicTask) Busy() bool {
	return p.busy.Load()
}

// Runs returns how many times the task function has been invoked
func (p *PeriodicTask) Runs() int64 {
	return p.runs.Load()
}

// Skipped returns how many ticks were dropped because a run was in progress
func (p *PeriodicTask) Skipped() int64 {
	return p.skipped.Load()
}
