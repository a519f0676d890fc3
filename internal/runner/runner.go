package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nholik/watch-notifier/internal/healthcheck"
	"github.com/nholik/watch-notifier/internal/metrics"
	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/nholik/watch-notifier/internal/report"
	"github.com/nholik/watch-notifier/internal/store"
	"github.com/rs/zerolog"
)

const (
	defaultBatchSize    = 50
	defaultCycleTimeout = 2 * time.Minute
)

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// ChangeQueue is the store side of the change event queue.
type ChangeQueue interface {
	PendingChanges(ctx context.Context, limit int) ([]store.PendingChange, error)
	MarkChangeProcessed(ctx context.Context, id string, outcome string) error
}

// Notifier runs one notification cycle.
type Notifier interface {
	NotifyResourceChange(ctx context.Context, resourceID string, event notify.ChangeEvent) (notify.Report, error)
}

// Runner polls the change queue and runs a notification cycle per event.
type Runner struct {
	logger        zerolog.Logger
	pollInterval  time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
	queue         ChangeQueue
	notifier      Notifier
	batchSize     int
	cycleTimeout  time.Duration
	tracker       *healthcheck.Tracker
	metrics       *metrics.Metrics
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithRunOnce overrides the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithChangeQueue sets the queue polled by the default RunOnce.
func WithChangeQueue(queue ChangeQueue) Option {
	return func(r *Runner) {
		r.queue = queue
	}
}

// WithNotifier sets the cycle executor used by the default RunOnce.
func WithNotifier(notifier Notifier) Option {
	return func(r *Runner) {
		r.notifier = notifier
	}
}

// WithBatchSize limits how many change events are claimed per poll.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithCycleTimeout bounds each notification cycle.
func WithCycleTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.cycleTimeout = d
		}
	}
}

// WithTracker records poll timing for health endpoints.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(r *Runner) {
		r.tracker = tracker
	}
}

// WithMetrics records queue metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// New constructs a Runner with the given logger and poll interval.
func New(logger zerolog.Logger, pollInterval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:       logger,
		pollInterval: pollInterval,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		batchSize:    defaultBatchSize,
		cycleTimeout: defaultCycleTimeout,
	}
	r.runOnce = r.defaultRunOnce

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts the main loop and blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.pollInterval <= 0 {
		return errors.New("poll interval must be greater than zero")
	}

	// Run immediately on startup
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial run cycle failed")
	}

	ticker := r.tickerFactory(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("run cycle failed")
			}
		}
	}
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

// defaultRunOnce drains one batch of pending change events. A missing
// resource closes its event; store errors leave it pending for the next poll.
func (r *Runner) defaultRunOnce(ctx context.Context) error {
	if r.queue == nil || r.notifier == nil {
		return nil
	}

	start := time.Now()
	pending, err := r.queue.PendingChanges(ctx, r.batchSize)
	if err != nil {
		r.metrics.IncStoreErrors()
		return &CycleError{Op: "poll change queue", Err: err}
	}
	r.metrics.SetPendingChanges(len(pending))
	if len(pending) > 0 {
		r.logger.Debug().Int("changes", len(pending)).Msg("claimed change events")
	}

	var (
		errs      []error
		processed int
		failed    int
	)
	for _, change := range pending {
		if ctx.Err() != nil {
			break
		}
		outcome, err := r.process(ctx, change)
		if err != nil {
			failed++
			errs = append(errs, err)
			continue
		}
		if err := r.queue.MarkChangeProcessed(ctx, change.ID, outcome); err != nil {
			failed++
			r.metrics.IncStoreErrors()
			errs = append(errs, &CycleError{Op: "mark processed", ChangeID: change.ID, Err: err})
			continue
		}
		processed++
	}

	r.tracker.RecordCycle(time.Since(start), processed, failed)
	return errors.Join(errs...)
}

func (r *Runner) process(ctx context.Context, change store.PendingChange) (string, error) {
	cycleCtx, cancel := context.WithTimeout(ctx, r.cycleTimeout)
	defer cancel()

	resourceID := change.Event.ResourceID
	result, err := r.notifier.NotifyResourceChange(cycleCtx, resourceID, change.Event)
	switch {
	case errors.Is(err, notify.ErrResourceNotFound):
		r.logger.Warn().
			Str("change_id", change.ID).
			Str("resource_id", resourceID).
			Msg("change event for unknown resource discarded")
		return report.CycleStatusResourceNotFound, nil
	case err != nil:
		r.metrics.IncStoreErrors()
		r.logger.Error().
			Err(err).
			Str("change_id", change.ID).
			Str("resource_id", resourceID).
			Msg("notification cycle aborted; change left pending")
		return "", &CycleError{Op: "notify " + resourceID, ChangeID: change.ID, Err: err}
	}

	return report.CycleStatus(result), nil
}

// CycleError captures a failed step that should not stop the runner loop.
type CycleError struct {
	Op       string
	ChangeID string
	Err      error
}

func (e *CycleError) Error() string {
	if e.ChangeID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (change %s): %v", e.Op, e.ChangeID, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}
