package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nogataka/autocoder/internal/domain"
)

var defaultBackoff = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

const maxAttempts = 4

// MaxRetryDuration is the worst-case time an event can spend in the retry
// loop: every backoff pause plus a full timeout per attempt. Anything older
// than this that is still non-terminal has fallen out of the pipeline.
func MaxRetryDuration() time.Duration {
	total := maxAttempts * defaultControlTimeout
	for _, b := range defaultBackoff {
		total += b
	}
	return total
}

// ErrStatusTransitionDenied is returned when a status update would regress
// from a terminal state (delivered/failed).
var ErrStatusTransitionDenied = errors.New("status transition denied: transition already in terminal state")

type Store interface {
	InsertControlAttempt(ctx context.Context, attempt domain.ControlAttempt) error
	// UpdateTransitionStatus sets the transition status. Implementations MUST
	// reject transitions from terminal states (delivered/failed) and return
	// ErrStatusTransitionDenied. This ensures idempotency on replay.
	UpdateTransitionStatus(ctx context.Context, transitionID uuid.UUID, status domain.TransitionStatus) error
}

// ProjectSource resolves a project name to its control endpoint. The
// registry snapshot satisfies this.
type ProjectSource interface {
	Get(name string) (domain.Project, bool)
}

type ControlSender interface {
	Send(ctx context.Context, req ControlRequest) ControlResult
}

type AnalyticsSink interface {
	Record(ctx context.Context, event domain.ControlEvent)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	ControlAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	ControlOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

// Breaker guards sends per control URL. A nil breaker means every send
// is allowed.
type Breaker interface {
	Allow(endpoint string) error
	RecordSuccess(endpoint string)
	RecordFailure(endpoint string)
}

type ControlRequest struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	Payload   ControlPayload
	AttemptID string
}

type ControlPayload struct {
	Action         string `json:"action"`
	Project        string `json:"project"`
	BoundaryAt     string `json:"boundary_at"`
	TransitionID   string `json:"transition_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ControlResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r ControlResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r ControlResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

type Dispatcher struct {
	store        Store
	sender       ControlSender
	projects     ProjectSource
	log          zerolog.Logger
	analytics    AnalyticsSink // optional, nil = disabled
	metrics      MetricsSink   // optional, nil = disabled
	breaker      Breaker       // optional, nil = disabled
	backoff      []time.Duration
	drainTimeout time.Duration
}

func New(store Store, sender ControlSender, projects ProjectSource, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		sender:       sender,
		projects:     projects,
		log:          log.With().Str("component", "dispatcher").Logger(),
		backoff:      defaultBackoff,
		drainTimeout: DrainTimeout,
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithBreaker attaches a per-endpoint circuit breaker.
func (d *Dispatcher) WithBreaker(breaker Breaker) *Dispatcher {
	d.breaker = breaker
	return d
}

// WithDrainTimeout overrides how long drain keeps processing buffered
// events after shutdown. Non-positive values keep the default.
func (d *Dispatcher) WithDrainTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.drainTimeout = t
	}
	return d
}

// Run processes events from the channel until context is cancelled.
// After cancellation, it drains remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.ControlEvent) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case event := <-ch:
			if err := d.Dispatch(ctx, event); err != nil {
				d.log.Error().Err(err).Str("project", event.ProjectName).Msg("dispatch error")
			}
		}
	}
}

// DrainTimeout is the default maximum time to wait for buffered events
// during shutdown.
const DrainTimeout = 30 * time.Second

// drain processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.ControlEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				d.log.Warn().Int("processed", count).Msg("drain timeout")
			}
			return
		case event, ok := <-ch:
			if !ok {
				// Channel closed
				d.log.Info().Int("processed", count).Msg("drain complete")
				return
			}
			if err := d.Dispatch(drainCtx, event); err != nil {
				d.log.Error().Err(err).Str("project", event.ProjectName).Msg("drain dispatch error")
			}
			count++
		default:
			// No more buffered events
			if count > 0 {
				d.log.Info().Int("processed", count).Msg("drain complete")
			}
			return
		}
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event domain.ControlEvent) error {
	// Track in-flight events
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	project, ok := d.projects.Get(event.ProjectName)
	if !ok || project.Disabled {
		// The project left the registry (or was parked) after the
		// transition was recorded. Mark it failed so the reconciler
		// does not re-emit it forever.
		d.log.Warn().
			Str("project", event.ProjectName).
			Str("transition", event.TransitionID.String()).
			Bool("registered", ok).
			Msg("dropping command for unroutable project")
		if d.metrics != nil {
			d.metrics.ControlOutcome("failed")
		}
		return d.markTerminal(ctx, event, domain.TransitionStatusFailed)
	}

	if project.ControlURL == "" {
		return fmt.Errorf("project %s: no control URL", event.ProjectName)
	}

	payload := ControlPayload{
		Action:         string(event.Action),
		Project:        event.ProjectName,
		BoundaryAt:     event.BoundaryAt.UTC().Format(time.RFC3339),
		TransitionID:   event.TransitionID.String(),
		IdempotencyKey: event.IdempotencyKey,
	}

	req := ControlRequest{
		URL:     project.ControlURL,
		Secret:  project.ControlSecret,
		Timeout: project.ControlTimeout,
		Payload: payload,
	}

	var lastResult ControlResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			// Record retry attempt metric
			if d.metrics != nil {
				d.metrics.RetryAttempt(lastResult.IsRetryable())
			}

			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}
			backoff := d.backoff[idx]

			d.log.Info().
				Str("project", event.ProjectName).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying control send")

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				if d.metrics != nil {
					d.metrics.ControlOutcome("abandoned")
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		attemptID := uuid.New()
		req.AttemptID = attemptID.String()

		startedAt := time.Now().UTC()
		result := d.send(ctx, req)
		finishedAt := time.Now().UTC()
		lastResult = result

		// Record control attempt metrics
		if d.metrics != nil {
			statusClass := classifyStatusForMetrics(result.StatusCode, result.Error)
			d.metrics.ControlAttemptCompleted(attempt, statusClass, result.Duration)
		}

		attemptRecord := domain.ControlAttempt{
			ID:           attemptID,
			TransitionID: event.TransitionID,
			Attempt:      attempt,
			StatusCode:   result.StatusCode,
			StartedAt:    startedAt,
			FinishedAt:   finishedAt,
		}
		if result.Error != nil {
			attemptRecord.Error = result.Error.Error()
		}

		if err := d.store.InsertControlAttempt(ctx, attemptRecord); err != nil {
			d.log.Error().Err(err).Msg("failed to record control attempt")
		}

		if result.IsSuccess() {
			d.log.Info().
				Str("project", event.ProjectName).
				Str("action", string(event.Action)).
				Int("attempt", attempt).
				Msg("control command delivered")
			if d.metrics != nil {
				d.metrics.ControlOutcome("success")
			}
			d.writeAnalytics(ctx, event)
			return d.markTerminal(ctx, event, domain.TransitionStatusDelivered)
		}

		if !result.IsRetryable() {
			d.log.Warn().
				Str("project", event.ProjectName).
				Int("status", result.StatusCode).
				Msg("non-retryable control response")
			break
		}

		d.log.Warn().
			Str("project", event.ProjectName).
			Int("attempt", attempt).
			Int("status", result.StatusCode).
			Err(result.Error).
			Msg("control attempt failed")
	}

	d.log.Error().
		Str("project", event.ProjectName).
		Str("action", string(event.Action)).
		Int("status", lastResult.StatusCode).
		Err(lastResult.Error).
		Msg("control command failed")
	if d.metrics != nil {
		d.metrics.ControlOutcome("failed")
	}
	return d.markTerminal(ctx, event, domain.TransitionStatusFailed)
}

// send runs one attempt through the breaker. A rejected attempt never
// reaches the endpoint, so it does not count against the failure streak.
func (d *Dispatcher) send(ctx context.Context, req ControlRequest) ControlResult {
	if d.breaker != nil {
		if err := d.breaker.Allow(req.URL); err != nil {
			return ControlResult{Error: err}
		}
	}

	result := d.sender.Send(ctx, req)

	if d.breaker != nil {
		if result.IsSuccess() {
			d.breaker.RecordSuccess(req.URL)
		} else {
			d.breaker.RecordFailure(req.URL)
		}
	}
	return result
}

func (d *Dispatcher) markTerminal(ctx context.Context, event domain.ControlEvent, status domain.TransitionStatus) error {
	if err := d.store.UpdateTransitionStatus(ctx, event.TransitionID, status); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			// Transition already in terminal state (likely reprocessing). Safe to ignore.
			d.log.Debug().
				Str("project", event.ProjectName).
				Str("transition", event.TransitionID.String()).
				Msg("transition already terminal, skipping status update")
			return nil
		}
		return err
	}
	return nil
}

// writeAnalytics records a delivered transition as a best-effort side-effect.
// The sink handles errors internally; analytics never affects dispatch correctness.
func (d *Dispatcher) writeAnalytics(ctx context.Context, event domain.ControlEvent) {
	if d.analytics == nil {
		return
	}
	d.analytics.Record(ctx, event)
}

// classifyStatusForMetrics maps an HTTP status code and error to a metrics status class.
// Uses bounded cardinality: 2xx, 4xx, 5xx, timeout, connection_error, other_error.
func classifyStatusForMetrics(statusCode int, err error) string {
	if err != nil {
		errStr := err.Error()
		// Check for timeout errors
		if containsInsensitive(errStr, "timeout") || containsInsensitive(errStr, "deadline exceeded") {
			return "timeout"
		}
		// Check for connection errors
		if containsInsensitive(errStr, "connection refused") ||
			containsInsensitive(errStr, "no such host") ||
			containsInsensitive(errStr, "network is unreachable") ||
			containsInsensitive(errStr, "dial") {
			return "connection_error"
		}
		return "other_error"
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "other_error"
	}
}

// containsInsensitive checks if substr is in s (case-insensitive).
func containsInsensitive(s, substr string) bool {
	if len(s) < len(substr) {
		return false
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		match := true
		for j := 0; j < len(substr); j++ {
			c1 := s[i+j]
			c2 := substr[j]
			if c1 != c2 {
				// Convert to lowercase
				if c1 >= 'A' && c1 <= 'Z' {
					c1 += 32
				}
				if c2 >= 'A' && c2 <= 'Z' {
					c2 += 32
				}
				if c1 != c2 {
					match = false
					break
				}
			}
		}
		if match {
			return true
		}
	}
	return false
}
