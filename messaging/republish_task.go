package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/blink-go/internal/rabbitmq"
	"github.com/glimte/blink-go/internal/reliability"
)

const (
	// DefaultRepublishInterval is how often due retries are collected
	DefaultRepublishInterval = time.Second
	// DefaultProcessingLimit caps the records handled per run
	DefaultProcessingLimit = 100
	// RetryPriority is the priority given to republished retries
	RetryPriority uint8 = 10
)

// RepublishStats summarizes one run of the republish task
type RepublishStats struct {
	// Due is the number of records read from the store
	Due int
	// Republished were published and removed
	Republished int
	// Discarded were removed without publishing (corrupt, unknown queue, invalid)
	Discarded int
	// Failed stay in the store for the next run
	Failed int
}

// RepublishTask moves due retries from the store back onto their queues.
// Runs never overlap: a tick that finds the previous run in progress is
// dropped.
type RepublishTask struct {
	store    RetryStore
	registry *Registry
	limit    int
	interval time.Duration
	priority uint8
	now      func() time.Time
	logger   *slog.Logger

	task *reliability.PeriodicTask

	mu   sync.Mutex
	last RepublishStats
}

// RepublishOption configures a RepublishTask
type RepublishOption func(*RepublishTask)

// WithProcessingLimit caps the records handled per run
func WithProcessingLimit(limit int) RepublishOption {
	return func(t *RepublishTask) {
		t.limit = limit
	}
}

// WithRepublishInterval sets the tick interval
func WithRepublishInterval(interval time.Duration) RepublishOption {
	return func(t *RepublishTask) {
		t.interval = interval
	}
}

// WithRepublishLogger sets the logger
func WithRepublishLogger(logger *slog.Logger) RepublishOption {
	return func(t *RepublishTask) {
		t.logger = logger
	}
}

// WithRepublishClock overrides the clock that decides what is due
func WithRepublishClock(now func() time.Time) RepublishOption {
	return func(t *RepublishTask) {
		t.now = now
	}
}

// NewRepublishTask creates a task that republishes from store to the queues
// in registry
func NewRepublishTask(store RetryStore, registry *Registry, opts ...RepublishOption) *RepublishTask {
	t := &RepublishTask{
		store:    store,
		registry: registry,
		limit:    DefaultProcessingLimit,
		interval: DefaultRepublishInterval,
		priority: RetryPriority,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.task = reliability.NewPeriodicTask("redis-retries-republish", t.interval,
		func(ctx context.Context) error {
			_, err := t.Run(ctx)
			return err
		},
		reliability.WithTaskLogger(t.logger))
	return t
}

// Start ticks in the background until ctx is cancelled or Stop is called
func (t *RepublishTask) Start(ctx context.Context) error {
	return t.task.Start(ctx)
}

// Stop stops ticking and waits for a run in progress
func (t *RepublishTask) Stop() {
	t.task.Stop()
}

// Tick runs once unless a run is already in progress
func (t *RepublishTask) Tick(ctx context.Context) bool {
	return t.task.Tick(ctx)
}

// Busy reports whether a run is in progress
func (t *RepublishTask) Busy() bool {
	return t.task.Busy()
}

// LastStats returns the stats of the last completed run
func (t *RepublishTask) LastStats() RepublishStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Run republishes due records once. Each record is handled on its own:
// one bad record never holds up the rest. A record is removed after it is
// published, so a crash in between republishes it again.
func (t *RepublishTask) Run(ctx context.Context) (RepublishStats, error) {
	var stats RepublishStats

	due, err := t.store.Due(ctx, t.now(), t.limit)
	if err != nil {
		return stats, fmt.Errorf("failed to read due retries: %w", err)
	}
	stats.Due = len(due)

	for _, record := range due {
		switch t.republish(ctx, record) {
		case republished:
			stats.Republished++
		case discarded:
			stats.Discarded++
		default:
			stats.Failed++
		}
	}

	t.mu.Lock()
	t.last = stats
	t.mu.Unlock()

	if stats.Due > 0 {
		t.logger.Info("republished due retries",
			"due", stats.Due,
			"republished", stats.Republished,
			"discarded", stats.Discarded,
			"failed", stats.Failed)
	}
	return stats, nil
}

type republishOutcome int

const (
	republished republishOutcome = iota
	discarded
	failed
)

func (t *RepublishTask) republish(ctx context.Context, due DueRetry) republishOutcome {
	record, err := decodeRetryRecord(due.Member)
	if err != nil {
		t.logger.Warn("discarding corrupt retry record", "error", err)
		return t.discard(ctx, due)
	}

	queue, ok := t.registry.Get(record.Queue)
	if !ok {
		t.logger.Warn("discarding retry for unknown queue", "queue", record.Queue)
		return t.discard(ctx, due)
	}

	msg, err := queue.MessageType().Decode(record.Message)
	if err != nil {
		t.logger.Warn("discarding undecodable retry",
			"queue", queue.Name(),
			"error", err)
		return t.discard(ctx, due)
	}
	if err := msg.Validate(false); err != nil {
		t.logger.Warn("discarding invalid retry",
			"queue", queue.Name(),
			"requestId", msg.RequestID(),
			"error", err)
		return t.discard(ctx, due)
	}

	if !queue.Publish(ctx, msg, rabbitmq.WithPriority(t.priority)) {
		t.logger.Warn("failed to republish retry, keeping it",
			"queue", queue.Name(),
			"requestId", msg.RequestID())
		return failed
	}

	if err := t.store.Remove(ctx, due.Member); err != nil {
		// Published but still stored: it will be republished on the next run.
		t.logger.Error("failed to remove republished retry",
			"queue", queue.Name(),
			"requestId", msg.RequestID(),
			"error", err)
		return failed
	}

	t.logger.Debug("retry republished",
		"queue", queue.Name(),
		"requestId", msg.RequestID(),
		"attempt", msg.RetryAttempt(),
		"lateBy", t.now().Sub(due.At))
	return republished
}

func (t *RepublishTask) discard(ctx context.Context, due DueRetry) republishOutcome {
	if err := t.store.Remove(ctx, due.Member); err != nil {
		t.logger.Error("failed to remove discarded retry", "error", err)
		return failed
	}
	return discarded
}
