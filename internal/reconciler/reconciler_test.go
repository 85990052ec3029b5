package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nogataka/autocoder/internal/dispatcher"
	"github.com/nogataka/autocoder/internal/domain"
	"github.com/nogataka/autocoder/internal/scheduler"
)

// mockStore returns configurable orphaned transitions.
type mockStore struct {
	mu      sync.Mutex
	orphans []domain.Transition
	err     error
}

func (s *mockStore) GetOrphanedTransitions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	// Filter by olderThan and limit
	var result []domain.Transition
	for _, tr := range s.orphans {
		if tr.CreatedAt.Before(olderThan) {
			result = append(result, tr)
			if len(result) >= maxResults {
				break
			}
		}
	}
	return result, nil
}

func (s *mockStore) setOrphans(orphans []domain.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orphans = orphans
}

func (s *mockStore) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// mockEmitter tracks emitted events.
type mockEmitter struct {
	mu     sync.Mutex
	events []domain.ControlEvent
	err    error
}

func (e *mockEmitter) Emit(ctx context.Context, event domain.ControlEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *mockEmitter) getEvents() []domain.ControlEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]domain.ControlEvent, len(e.events))
	copy(result, e.events)
	return result
}

func (e *mockEmitter) setError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// mockReconcilerMetrics records sink calls.
type mockReconcilerMetrics struct {
	mu           sync.Mutex
	orphanCounts []int
	latencies    []float64
}

func (m *mockReconcilerMetrics) OrphanedTransitionsUpdate(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphanCounts = append(m.orphanCounts, count)
}

func (m *mockReconcilerMetrics) TransitionLatencyObserve(latencySeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latencySeconds)
}

func orphanedTransition(project string, age time.Duration, now time.Time) domain.Transition {
	return domain.Transition{
		ID:          uuid.New(),
		ProjectName: project,
		ScheduleID:  uuid.New(),
		Action:      domain.ActionStart,
		BoundaryAt:  now.Add(-age),
		EmittedAt:   now.Add(-age),
		Status:      domain.TransitionStatusEmitted,
		CreatedAt:   now.Add(-age),
	}
}

func newTestReconciler(store Store, emitter EventEmitter, threshold time.Duration, batchSize int) *Reconciler {
	return New(
		Config{
			Interval:  time.Hour, // Not used in direct runCycle calls
			Threshold: threshold,
			BatchSize: batchSize,
		},
		store,
		emitter,
		zerolog.Nop(),
	)
}

// TestReconciler_DetectsOrphanedTransitions verifies that the reconciler
// correctly identifies and re-emits orphaned transitions.
func TestReconciler_DetectsOrphanedTransitions(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	now := time.Now().UTC()
	orphan := orphanedTransition("blog-engine", 30*time.Minute, now)
	store.setOrphans([]domain.Transition{orphan})

	recon := newTestReconciler(store, emitter, 10*time.Minute, 100)
	recon.clock = func() time.Time { return now }

	ctx := context.Background()
	recon.runCycle(ctx)

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 re-emitted event, got %d", len(events))
	}

	// Verify the event preserves all original data
	if events[0].TransitionID != orphan.ID {
		t.Error("re-emitted event should have same transition ID as orphan")
	}
	if events[0].ProjectName != orphan.ProjectName {
		t.Error("re-emitted event should preserve project name")
	}
	if events[0].ScheduleID != orphan.ScheduleID {
		t.Error("re-emitted event should preserve schedule ID")
	}
	if events[0].Action != orphan.Action {
		t.Error("re-emitted event should preserve action")
	}
	if !events[0].BoundaryAt.Equal(orphan.BoundaryAt) {
		t.Error("re-emitted event should preserve boundary_at")
	}
}

// TestReconciler_ReEmitsSameTransitionID verifies that the reconciler
// re-emits using the original transition ID (for idempotency).
func TestReconciler_ReEmitsSameTransitionID(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	now := time.Now().UTC()
	orphan := orphanedTransition("blog-engine", 20*time.Minute, now)
	store.setOrphans([]domain.Transition{orphan})

	recon := newTestReconciler(store, emitter, 10*time.Minute, 100)
	recon.clock = func() time.Time { return now }

	ctx := context.Background()
	recon.runCycle(ctx)

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	// CRITICAL: Must use same transition ID for idempotency
	if events[0].TransitionID != orphan.ID {
		t.Errorf("re-emitted event must use original transition ID %s, got %s",
			orphan.ID, events[0].TransitionID)
	}
}

// TestReconciler_RegeneratesIdempotencyKey verifies that the re-emitted
// event carries the same idempotency key the engine originally derived, so
// control receivers deduplicate re-deliveries of the same boundary.
func TestReconciler_RegeneratesIdempotencyKey(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	now := time.Now().UTC()
	orphan := orphanedTransition("blog-engine", 20*time.Minute, now)
	store.setOrphans([]domain.Transition{orphan})

	recon := newTestReconciler(store, emitter, 10*time.Minute, 100)
	recon.clock = func() time.Time { return now }

	recon.runCycle(context.Background())

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	want := scheduler.IdempotencyKey(orphan.ProjectName, orphan.Action, orphan.BoundaryAt)
	if events[0].IdempotencyKey != want {
		t.Errorf("IdempotencyKey = %q, want %q", events[0].IdempotencyKey, want)
	}
}

// TestReconciler_DoesNotTouchTerminalTransitions verifies that terminal
// transitions (delivered/failed) are never returned by the store query
// and thus never re-emitted.
func TestReconciler_DoesNotTouchTerminalTransitions(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	now := time.Now().UTC()

	// Only emitted transitions should be returned by store.
	// Terminal transitions never appear in the orphan list
	// (enforced by the SQL query: WHERE status = 'emitted')
	orphan := orphanedTransition("blog-engine", 20*time.Minute, now)
	store.setOrphans([]domain.Transition{orphan})

	recon := newTestReconciler(store, emitter, 10*time.Minute, 100)
	recon.clock = func() time.Time { return now }

	ctx := context.Background()
	recon.runCycle(ctx)

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event for emitted orphan, got %d", len(events))
	}
}

// TestReconciler_BatchSizeRespected verifies that the reconciler
// processes at most BatchSize orphans per cycle.
func TestReconciler_BatchSizeRespected(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	now := time.Now().UTC()
	batchSize := 5

	// Create more orphans than batch size
	var orphans []domain.Transition
	for i := 0; i < 10; i++ {
		orphans = append(orphans, orphanedTransition("blog-engine", 20*time.Minute, now))
	}
	store.setOrphans(orphans)

	recon := newTestReconciler(store, emitter, 10*time.Minute, batchSize)
	recon.clock = func() time.Time { return now }

	ctx := context.Background()
	recon.runCycle(ctx)

	events := emitter.getEvents()
	if len(events) != batchSize {
		t.Errorf("expected exactly %d events (batch size), got %d", batchSize, len(events))
	}
}

// TestReconciler_DoesNotEmitRecentTransitions verifies that transitions
// younger than the threshold are not re-emitted.
func TestReconciler_DoesNotEmitRecentTransitions(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	now := time.Now().UTC()

	// Transition created 5 minutes ago (within threshold)
	recent := orphanedTransition("blog-engine", 5*time.Minute, now)
	store.setOrphans([]domain.Transition{recent})

	recon := newTestReconciler(store, emitter, 10*time.Minute, 100)
	recon.clock = func() time.Time { return now }

	ctx := context.Background()
	recon.runCycle(ctx)

	// Should not emit anything (transition is too recent)
	events := emitter.getEvents()
	if len(events) != 0 {
		t.Errorf("should not re-emit recent transitions, got %d events", len(events))
	}
}

// TestReconciler_DBErrorAbortsGracefully verifies that database errors
// abort the cycle without crashing.
func TestReconciler_DBErrorAbortsGracefully(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	store.setError(errors.New("database connection failed"))

	recon := newTestReconciler(store, emitter, 10*time.Minute, 100)
	recon.clock = func() time.Time { return time.Now().UTC() }

	ctx := context.Background()

	// Should not panic
	recon.runCycle(ctx)

	// No events should be emitted
	events := emitter.getEvents()
	if len(events) != 0 {
		t.Error("should not emit events when DB fails")
	}
}

// TestReconciler_EmitErrorContinues verifies that emit errors for one
// orphan don't stop processing of others.
func TestReconciler_EmitErrorContinues(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	now := time.Now().UTC()

	// Create 3 orphans
	var orphans []domain.Transition
	for i := 0; i < 3; i++ {
		orphans = append(orphans, orphanedTransition("blog-engine", 20*time.Minute, now))
	}
	store.setOrphans(orphans)

	// Emitter fails on all attempts
	emitter.setError(errors.New("buffer full"))

	recon := newTestReconciler(store, emitter, 10*time.Minute, 100)
	recon.clock = func() time.Time { return now }

	ctx := context.Background()

	// Should not panic, should attempt all 3
	recon.runCycle(ctx)

	// No events emitted (all failed)
	events := emitter.getEvents()
	if len(events) != 0 {
		t.Error("should have 0 events when emitter fails")
	}
}

// TestReconciler_ContextCancellation verifies that the reconciler
// stops processing when context is cancelled.
func TestReconciler_ContextCancellation(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}

	now := time.Now().UTC()

	// Create many orphans
	var orphans []domain.Transition
	for i := 0; i < 100; i++ {
		orphans = append(orphans, orphanedTransition("blog-engine", 20*time.Minute, now))
	}
	store.setOrphans(orphans)

	recon := newTestReconciler(store, emitter, 10*time.Minute, 100)
	recon.clock = func() time.Time { return now }

	// Cancel context immediately
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recon.runCycle(ctx)

	// Should have processed 0 events (context was cancelled)
	events := emitter.getEvents()
	if len(events) != 0 {
		t.Errorf("should stop on context cancellation, got %d events", len(events))
	}
}

// TestReconciler_MetricsRecording verifies that the orphan gauge is
// updated every cycle (including zero) and that rescue latency is
// observed per re-emitted transition.
func TestReconciler_MetricsRecording(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}
	metrics := &mockReconcilerMetrics{}

	now := time.Now().UTC()
	orphan := orphanedTransition("blog-engine", 30*time.Minute, now)
	store.setOrphans([]domain.Transition{orphan})

	recon := newTestReconciler(store, emitter, 10*time.Minute, 100).WithMetrics(metrics)
	recon.clock = func() time.Time { return now }

	recon.runCycle(context.Background())

	if len(metrics.orphanCounts) != 1 || metrics.orphanCounts[0] != 1 {
		t.Errorf("orphanCounts = %v, want [1]", metrics.orphanCounts)
	}
	if len(metrics.latencies) != 1 {
		t.Fatalf("expected 1 latency observation, got %d", len(metrics.latencies))
	}
	if got, want := metrics.latencies[0], (30 * time.Minute).Seconds(); got != want {
		t.Errorf("latency = %v, want %v", got, want)
	}

	// Empty cycle still updates the gauge so it decays to zero.
	store.setOrphans(nil)
	recon.runCycle(context.Background())

	if len(metrics.orphanCounts) != 2 || metrics.orphanCounts[1] != 0 {
		t.Errorf("orphanCounts = %v, want [1 0]", metrics.orphanCounts)
	}
	if len(metrics.latencies) != 1 {
		t.Errorf("empty cycle should not observe latency, got %d observations", len(metrics.latencies))
	}
}

// TestReconciler_DefaultConfig verifies default configuration values.
func TestReconciler_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Interval != 5*time.Minute {
		t.Errorf("default interval should be 5m, got %s", cfg.Interval)
	}

	// Threshold must exceed the dispatcher's maximum retry duration.
	expectedThreshold := dispatcher.MaxRetryDuration() + SafetyMargin
	if cfg.Threshold != expectedThreshold {
		t.Errorf("default threshold should be %s, got %s", expectedThreshold, cfg.Threshold)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("default batch size should be 100, got %d", cfg.BatchSize)
	}
}

// TestReconciler_ThresholdExceedsMaxRetryDuration is a safety invariant test.
// It guarantees that the default reconciler threshold always exceeds the
// dispatcher's worst-case retry window. If someone changes the dispatcher
// backoff schedule, this test will fail, forcing them to verify the
// reconciler threshold is still safe.
func TestReconciler_ThresholdExceedsMaxRetryDuration(t *testing.T) {
	cfg := DefaultConfig()
	maxRetry := dispatcher.MaxRetryDuration()

	if cfg.Threshold <= maxRetry {
		t.Errorf("reconciler threshold (%s) must exceed dispatcher max retry duration (%s) "+
			"to prevent duplicate control deliveries", cfg.Threshold, maxRetry)
	}
}
