package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nogataka/autocoder/internal/domain"
	"github.com/nogataka/autocoder/internal/schedule"
)

// mockStoreWithErrors extends mockStore with configurable failures.
type mockStoreWithErrors struct {
	mockStore
	getSchedulesErr error
	getOverridesErr error
	getLatestErr    error
	insertErrFor    string // project name whose inserts fail
	insertErr       error
	resetErr        error
}

func (s *mockStoreWithErrors) GetEnabledSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error) {
	if s.getSchedulesErr != nil {
		return nil, s.getSchedulesErr
	}
	return s.mockStore.GetEnabledSchedules(ctx, limit, offset)
}

func (s *mockStoreWithErrors) GetActiveOverrides(ctx context.Context, now time.Time) ([]domain.Override, error) {
	if s.getOverridesErr != nil {
		return nil, s.getOverridesErr
	}
	return s.mockStore.GetActiveOverrides(ctx, now)
}

func (s *mockStoreWithErrors) GetLatestTransitions(ctx context.Context) ([]domain.Transition, error) {
	if s.getLatestErr != nil {
		return nil, s.getLatestErr
	}
	return s.mockStore.GetLatestTransitions(ctx)
}

func (s *mockStoreWithErrors) InsertTransition(ctx context.Context, tr domain.Transition) error {
	if s.insertErr != nil && (s.insertErrFor == "" || s.insertErrFor == tr.ProjectName) {
		return s.insertErr
	}
	return s.mockStore.InsertTransition(ctx, tr)
}

func (s *mockStoreWithErrors) ResetCrashCount(ctx context.Context, scheduleID uuid.UUID) error {
	if s.resetErr != nil {
		return s.resetErr
	}
	return s.mockStore.ResetCrashCount(ctx, scheduleID)
}

func newMockStoreWithErrors() *mockStoreWithErrors {
	return &mockStoreWithErrors{
		mockStore: mockStore{transitions: make(map[string]domain.Transition)},
	}
}

// mockEmitterWithErrors can fail for a specific project.
type mockEmitterWithErrors struct {
	mu             sync.Mutex
	events         []domain.ControlEvent
	err            error
	failForProject string
}

func (e *mockEmitterWithErrors) Emit(ctx context.Context, event domain.ControlEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil && (e.failForProject == "" || e.failForProject == event.ProjectName) {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *mockEmitterWithErrors) eventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// mockEngineMetrics tracks engine metric calls.
type mockEngineMetrics struct {
	mu                sync.Mutex
	tickStartedCalls  int
	tickCompletedArgs []tickCompletedArg
	tickDriftCalls    []time.Duration
}

type tickCompletedArg struct {
	duration           time.Duration
	transitionsEmitted int
	err                error
}

func (m *mockEngineMetrics) TickStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickStartedCalls++
}

func (m *mockEngineMetrics) TickCompleted(duration time.Duration, transitionsEmitted int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickCompletedArgs = append(m.tickCompletedArgs, tickCompletedArg{duration, transitionsEmitted, err})
}

func (m *mockEngineMetrics) TickDrift(drift time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickDriftCalls = append(m.tickDriftCalls, drift)
}

// TestEngine_StoreError_GetSchedules verifies that a schedule load
// failure aborts the tick without emitting.
func TestEngine_StoreError_GetSchedules(t *testing.T) {
	store := newMockStoreWithErrors()
	store.getSchedulesErr = errors.New("database unavailable")

	emitter := &mockEmitterWithErrors{}
	registry := newMockRegistry("blog-engine")

	eng := New(Config{TickInterval: 30 * time.Second}, store, registry, emitter, zerolog.Nop())
	atClock(eng, testMonday.Add(10*time.Hour))

	err := eng.processTick(context.Background())
	if err == nil {
		t.Error("expected error when schedule load fails")
	}
	if emitter.eventCount() != 0 {
		t.Error("no events should be emitted when the store fails")
	}
}

// TestEngine_StoreError_GetOverrides verifies that an override load
// failure aborts the tick.
func TestEngine_StoreError_GetOverrides(t *testing.T) {
	store := newMockStoreWithErrors()
	store.getOverridesErr = errors.New("database unavailable")

	emitter := &mockEmitterWithErrors{}
	registry := newMockRegistry("blog-engine")
	store.schedules = []domain.Schedule{mondaySchedule("blog-engine")}

	eng := New(Config{TickInterval: 30 * time.Second}, store, registry, emitter, zerolog.Nop())
	atClock(eng, testMonday.Add(10*time.Hour))

	if err := eng.processTick(context.Background()); err == nil {
		t.Error("expected error when override load fails")
	}
	if emitter.eventCount() != 0 {
		t.Error("no events should be emitted when the store fails")
	}
}

// TestEngine_SeedError_RetriesNextTick verifies that a failed seed
// errors the tick and succeeds once the store recovers.
func TestEngine_SeedError_RetriesNextTick(t *testing.T) {
	store := newMockStoreWithErrors()
	store.getLatestErr = errors.New("database unavailable")

	emitter := &mockEmitterWithErrors{}
	registry := newMockRegistry("blog-engine")
	store.schedules = []domain.Schedule{mondaySchedule("blog-engine")}

	eng := New(Config{TickInterval: 30 * time.Second}, store, registry, emitter, zerolog.Nop())
	atClock(eng, testMonday.Add(10*time.Hour))

	if err := eng.processTick(context.Background()); err == nil {
		t.Error("expected error while seed fails")
	}
	if emitter.eventCount() != 0 {
		t.Error("no events before the commanded state is seeded")
	}

	store.getLatestErr = nil
	atClock(eng, testMonday.Add(10*time.Hour+30*time.Second))

	if err := eng.processTick(context.Background()); err != nil {
		t.Fatalf("tick after store recovery failed: %v", err)
	}
	if emitter.eventCount() != 1 {
		t.Errorf("expected 1 event after recovery, got %d", emitter.eventCount())
	}
}

// TestEngine_EmitterError_ContinuesProcessing verifies that an emit
// failure for one project does not stop the others.
func TestEngine_EmitterError_ContinuesProcessing(t *testing.T) {
	store := newMockStoreWithErrors()
	emitter := &mockEmitterWithErrors{
		err:            errors.New("bus full"),
		failForProject: "blog-engine",
	}
	registry := newMockRegistry("blog-engine", "data-pipeline")

	store.schedules = []domain.Schedule{
		mondaySchedule("blog-engine"),
		mondaySchedule("data-pipeline"),
	}

	eng := New(Config{TickInterval: 30 * time.Second}, store, registry, emitter, zerolog.Nop())
	atClock(eng, testMonday.Add(10*time.Hour))

	if err := eng.processTick(context.Background()); err != nil {
		t.Fatalf("per-project errors must not fail the tick: %v", err)
	}

	// Both transitions recorded; only the healthy project's event got out.
	if store.transitionCount() != 2 {
		t.Errorf("expected 2 transitions, got %d", store.transitionCount())
	}
	if emitter.eventCount() != 1 {
		t.Errorf("expected 1 event (healthy project only), got %d", emitter.eventCount())
	}
}

// TestEngine_InsertError_ContinuesProcessing verifies that an insert
// failure for one project does not stop the others.
func TestEngine_InsertError_ContinuesProcessing(t *testing.T) {
	store := newMockStoreWithErrors()
	store.insertErr = errors.New("constraint violation")
	store.insertErrFor = "blog-engine"

	emitter := &mockEmitterWithErrors{}
	registry := newMockRegistry("blog-engine", "data-pipeline")

	store.schedules = []domain.Schedule{
		mondaySchedule("blog-engine"),
		mondaySchedule("data-pipeline"),
	}

	eng := New(Config{TickInterval: 30 * time.Second}, store, registry, emitter, zerolog.Nop())
	atClock(eng, testMonday.Add(10*time.Hour))

	if err := eng.processTick(context.Background()); err != nil {
		t.Fatalf("per-project errors must not fail the tick: %v", err)
	}
	if emitter.eventCount() != 1 {
		t.Errorf("expected 1 event (healthy project only), got %d", emitter.eventCount())
	}
}

// TestEngine_ResetError_DoesNotBlockEmit verifies that a failed crash
// count reset still lets the control event out.
func TestEngine_ResetError_DoesNotBlockEmit(t *testing.T) {
	store := newMockStoreWithErrors()
	store.resetErr = errors.New("database unavailable")

	emitter := &mockEmitterWithErrors{}
	registry := newMockRegistry("blog-engine")
	store.schedules = []domain.Schedule{mondaySchedule("blog-engine")}

	eng := New(Config{TickInterval: 30 * time.Second}, store, registry, emitter, zerolog.Nop())
	atClock(eng, testMonday.Add(10*time.Hour))

	if err := eng.processTick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if emitter.eventCount() != 1 {
		t.Errorf("expected 1 event despite reset failure, got %d", emitter.eventCount())
	}
}

// TestEngine_EmptyStore verifies a quiet tick with nothing configured.
func TestEngine_EmptyStore(t *testing.T) {
	store := newMockStoreWithErrors()
	emitter := &mockEmitterWithErrors{}
	registry := newMockRegistry()

	eng := New(Config{TickInterval: 30 * time.Second}, store, registry, emitter, zerolog.Nop())
	atClock(eng, testMonday.Add(10*time.Hour))

	if err := eng.processTick(context.Background()); err != nil {
		t.Errorf("expected nil error for empty store, got: %v", err)
	}
	if emitter.eventCount() != 0 {
		t.Error("expected 0 events for empty store")
	}
}

// TestEngine_MetricsRecording verifies tick metrics fire once per tick.
func TestEngine_MetricsRecording(t *testing.T) {
	store := newMockStoreWithErrors()
	emitter := &mockEmitterWithErrors{}
	registry := newMockRegistry("blog-engine")
	store.schedules = []domain.Schedule{mondaySchedule("blog-engine")}
	metrics := &mockEngineMetrics{}

	eng := New(Config{TickInterval: 30 * time.Second}, store, registry, emitter, zerolog.Nop())
	eng.WithMetrics(metrics)
	atClock(eng, testMonday.Add(10*time.Hour))

	_ = eng.processTick(context.Background())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	if metrics.tickStartedCalls != 1 {
		t.Errorf("TickStarted calls = %d, want 1", metrics.tickStartedCalls)
	}
	if len(metrics.tickCompletedArgs) != 1 {
		t.Fatalf("TickCompleted calls = %d, want 1", len(metrics.tickCompletedArgs))
	}
	if metrics.tickCompletedArgs[0].err != nil {
		t.Errorf("TickCompleted err = %v, want nil", metrics.tickCompletedArgs[0].err)
	}
	if metrics.tickCompletedArgs[0].transitionsEmitted != 1 {
		t.Errorf("transitionsEmitted = %d, want 1", metrics.tickCompletedArgs[0].transitionsEmitted)
	}
	if len(metrics.tickDriftCalls) != 1 {
		t.Errorf("TickDrift calls = %d, want 1", len(metrics.tickDriftCalls))
	}
}

func TestStopBoundary(t *testing.T) {
	schedID := uuid.New()
	windowStart := testMonday.Add(9 * time.Hour)
	windowEnd := testMonday.Add(17 * time.Hour)
	lastStart := domain.Transition{Action: domain.ActionStart, BoundaryAt: windowStart}

	t.Run("window end after commanded start", func(t *testing.T) {
		det := schedule.Resolution{
			LastClosed: domain.Occurrence{ScheduleID: schedID, Start: windowStart, End: windowEnd},
		}
		now := windowEnd.Add(time.Minute)

		boundary, id := stopBoundary(det, lastStart, nil, now)
		if !boundary.Equal(windowEnd) {
			t.Errorf("boundary = %v, want window end %v", boundary, windowEnd)
		}
		if id != schedID {
			t.Errorf("schedule id = %s, want %s", id, schedID)
		}
	})

	t.Run("stale closed window falls back to stop override", func(t *testing.T) {
		created := testMonday.Add(12 * time.Hour)
		det := schedule.Resolution{
			// Closed a week ago, before the commanded start.
			LastClosed: domain.Occurrence{ScheduleID: schedID, Start: windowStart.AddDate(0, 0, -7), End: windowEnd.AddDate(0, 0, -7)},
		}
		overrides := []domain.Override{{
			Kind:      domain.OverrideStop,
			ExpiresAt: windowEnd,
			CreatedAt: created,
		}}
		now := created.Add(time.Minute)

		boundary, id := stopBoundary(det, lastStart, overrides, now)
		if !boundary.Equal(created) {
			t.Errorf("boundary = %v, want override creation %v", boundary, created)
		}
		if id != uuid.Nil {
			t.Errorf("schedule id = %s, want Nil", id)
		}
	})

	t.Run("newest stop override wins", func(t *testing.T) {
		older := testMonday.Add(11 * time.Hour)
		newer := testMonday.Add(12 * time.Hour)
		overrides := []domain.Override{
			{Kind: domain.OverrideStop, ExpiresAt: windowEnd, CreatedAt: older},
			{Kind: domain.OverrideStop, ExpiresAt: windowEnd, CreatedAt: newer},
		}
		now := newer.Add(time.Minute)

		boundary, _ := stopBoundary(schedule.Resolution{}, lastStart, overrides, now)
		if !boundary.Equal(newer) {
			t.Errorf("boundary = %v, want newest override %v", boundary, newer)
		}
	})

	t.Run("no window and no override uses current tick", func(t *testing.T) {
		now := testMonday.Add(12*time.Hour + 34*time.Second)

		boundary, id := stopBoundary(schedule.Resolution{}, lastStart, nil, now)
		if !boundary.Equal(testMonday.Add(12 * time.Hour)) {
			t.Errorf("boundary = %v, want now truncated to the minute", boundary)
		}
		if id != uuid.Nil {
			t.Errorf("schedule id = %s, want Nil", id)
		}
	})
}

func TestIdempotencyKey(t *testing.T) {
	boundary := testMonday.Add(9 * time.Hour)

	key := IdempotencyKey("blog-engine", domain.ActionStart, boundary)
	if len(key) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(key))
	}

	same := IdempotencyKey("blog-engine", domain.ActionStart, boundary)
	if key != same {
		t.Error("same inputs should produce the same key")
	}

	if IdempotencyKey("blog-engine", domain.ActionStop, boundary) == key {
		t.Error("different actions should produce different keys")
	}
	if IdempotencyKey("data-pipeline", domain.ActionStart, boundary) == key {
		t.Error("different projects should produce different keys")
	}
	if IdempotencyKey("blog-engine", domain.ActionStart, boundary.Add(time.Minute)) == key {
		t.Error("different boundaries should produce different keys")
	}
}
