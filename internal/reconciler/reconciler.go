// Package reconciler detects and re-emits orphaned transitions.
//
// A transition is orphaned when it has status='emitted' but was never
// delivered to a control endpoint (e.g., due to buffer overflow or crash).
//
// The reconciler periodically scans for orphaned transitions and re-emits
// them to the event bus. Idempotency is guaranteed by the dispatcher's
// terminal state guards - if a transition was already processed, the
// re-emit is safely ignored.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nogataka/autocoder/internal/dispatcher"
	"github.com/nogataka/autocoder/internal/domain"
	"github.com/nogataka/autocoder/internal/scheduler"
)

// SafetyMargin is added on top of the dispatcher's worst-case retry time
// before a transition counts as orphaned. A transition younger than
// MaxRetryDuration+SafetyMargin may still be inside a live retry loop.
const SafetyMargin = 5 * time.Minute

// Store defines the interface for fetching orphaned transitions.
type Store interface {
	GetOrphanedTransitions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Transition, error)
}

// EventEmitter defines the interface for emitting control events.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.ControlEvent) error
}

// MetricsSink receives reconciler observations.
type MetricsSink interface {
	OrphanedTransitionsUpdate(count int)
	TransitionLatencyObserve(latencySeconds float64)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which an emitted transition is considered
	// orphaned. Must exceed dispatcher.MaxRetryDuration() or the reconciler
	// would re-emit transitions that are still being retried.
	Threshold time.Duration

	// BatchSize is the maximum number of orphans to process per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: dispatcher.MaxRetryDuration() + SafetyMargin,
		BatchSize: 100,
	}
}

// Reconciler detects orphaned transitions and re-emits them.
type Reconciler struct {
	config  Config
	store   Store
	emitter EventEmitter
	log     zerolog.Logger
	metrics MetricsSink
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, emitter EventEmitter, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		emitter: emitter,
		log:     log.With().Str("component", "reconciler").Logger(),
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.log.Info().
		Dur("interval", r.config.Interval).
		Dur("threshold", r.config.Threshold).
		Int("batch_size", r.config.BatchSize).
		Msg("reconciler started")

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	orphans, err := r.store.GetOrphanedTransitions(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		r.log.Error().Err(err).Msg("failed to fetch orphaned transitions")
		return
	}

	if r.metrics != nil {
		r.metrics.OrphanedTransitionsUpdate(len(orphans))
	}

	if len(orphans) == 0 {
		// Nothing to do. Silent success.
		return
	}

	r.log.Warn().Int("count", len(orphans)).Msg("found orphaned transitions")

	emitted := 0
	failed := 0

	for _, tr := range orphans {
		// Check context before each emit to allow graceful shutdown
		if ctx.Err() != nil {
			r.log.Info().
				Int("processed", emitted+failed).
				Int("total", len(orphans)).
				Msg("cycle interrupted")
			return
		}

		event := domain.ControlEvent{
			TransitionID:   tr.ID,
			ProjectName:    tr.ProjectName,
			ScheduleID:     tr.ScheduleID,
			Action:         tr.Action,
			BoundaryAt:     tr.BoundaryAt,
			EmittedAt:      tr.EmittedAt,
			IdempotencyKey: scheduler.IdempotencyKey(tr.ProjectName, tr.Action, tr.BoundaryAt),
			CreatedAt:      now,
		}

		if err := r.emitter.Emit(ctx, event); err != nil {
			// Emit failed (buffer full, context cancelled).
			// Log and continue - will retry next cycle.
			r.log.Error().Err(err).
				Str("transition_id", tr.ID.String()).
				Str("project", tr.ProjectName).
				Msg("failed to re-emit transition")
			failed++
			continue
		}

		age := now.Sub(tr.CreatedAt)
		if r.metrics != nil {
			r.metrics.TransitionLatencyObserve(age.Seconds())
		}
		r.log.Info().
			Str("transition_id", tr.ID.String()).
			Str("project", tr.ProjectName).
			Str("action", string(tr.Action)).
			Time("boundary_at", tr.BoundaryAt).
			Dur("age", age.Round(time.Second)).
			Msg("re-emitted transition")
		emitted++
	}

	r.log.Info().Int("emitted", emitted).Int("failed", failed).Msg("cycle complete")
}
