package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nogataka/autocoder/internal/domain"
	"github.com/nogataka/autocoder/internal/schedule"
)

// ErrDuplicateTransition is returned by stores when a transition with
// the same (project, action, boundary) was already recorded.
var ErrDuplicateTransition = errors.New("transition already exists")

// schedulePageSize bounds one store read while loading enabled schedules.
const schedulePageSize = 500

type Store interface {
	GetEnabledSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error)
	GetActiveOverrides(ctx context.Context, now time.Time) ([]domain.Override, error)
	GetLatestTransitions(ctx context.Context) ([]domain.Transition, error)
	InsertTransition(ctx context.Context, tr domain.Transition) error
	ResetCrashCount(ctx context.Context, scheduleID uuid.UUID) error
}

// EventEmitter pushes control events toward the dispatcher.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.ControlEvent) error
}

// ProjectSource resolves project names against the registry snapshot.
type ProjectSource interface {
	Get(name string) (domain.Project, bool)
}

// MetricsSink receives engine tick metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, transitionsEmitted int, err error)
	TickDrift(drift time.Duration)
}

type Config struct {
	TickInterval time.Duration
}

// Engine drives each project toward its scheduled state. Every tick it
// resolves the desired running state from schedules and overrides,
// compares it with the last commanded state, and on a mismatch records
// a transition and emits a control event. Windows that open and close
// entirely between two commands are coalesced: the agent is only told
// to move when its commanded state is wrong.
type Engine struct {
	config   Config
	store    Store
	projects ProjectSource
	emitter  EventEmitter
	log      zerolog.Logger
	metrics  MetricsSink // optional, nil = disabled

	clock    func() time.Time
	lastTick time.Time

	// commanded holds the latest transition per project, seeded from
	// the store on the first tick and updated on every insert.
	commanded map[string]domain.Transition
	seeded    bool
}

func New(config Config, store Store, projects ProjectSource, emitter EventEmitter, log zerolog.Logger) *Engine {
	return &Engine{
		config:    config,
		store:     store,
		projects:  projects,
		emitter:   emitter,
		log:       log.With().Str("component", "engine").Logger(),
		clock:     time.Now,
		commanded: make(map[string]domain.Transition),
	}
}

// WithMetrics attaches a metrics sink to the engine.
func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	e.log.Info().Dur("tick", e.config.TickInterval).Msg("engine started")
	e.lastTick = e.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := e.processTick(ctx); err != nil {
				e.log.Error().Err(err).Msg("tick error")
			}
		}
	}
}

func (e *Engine) processTick(ctx context.Context) error {
	now := e.clock().UTC()
	wallStart := time.Now()

	if e.metrics != nil {
		e.metrics.TickStarted()
		if !e.lastTick.IsZero() {
			e.metrics.TickDrift(now.Sub(e.lastTick) - e.config.TickInterval)
		}
	}

	emitted, err := e.tick(ctx, now)

	if e.metrics != nil {
		e.metrics.TickCompleted(time.Since(wallStart), emitted, err)
	}

	e.lastTick = now
	return err
}

func (e *Engine) tick(ctx context.Context, now time.Time) (int, error) {
	if !e.seeded {
		if err := e.seedCommanded(ctx); err != nil {
			return 0, fmt.Errorf("seed commanded state: %w", err)
		}
	}

	schedules, err := e.loadEnabledSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}

	overrides, err := e.store.GetActiveOverrides(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load overrides: %w", err)
	}

	schedulesByProject := groupSchedules(schedules)
	overridesByProject := groupOverrides(overrides)

	emitted := 0
	for _, name := range projectNames(schedulesByProject, overridesByProject) {
		n, err := e.processProject(ctx, name, schedulesByProject[name], overridesByProject[name], now)
		emitted += n
		if err != nil {
			e.log.Error().Err(err).Str("project", name).Msg("project tick error")
		}
	}
	return emitted, nil
}

func (e *Engine) processProject(ctx context.Context, name string, schedules []domain.Schedule, overrides []domain.Override, now time.Time) (int, error) {
	project, ok := e.projects.Get(name)
	if !ok || project.Disabled {
		// Schedules for unregistered or parked projects stay stored
		// but never produce commands.
		e.log.Debug().Str("project", name).Bool("registered", ok).Msg("skipping unroutable project")
		return 0, nil
	}

	det := schedule.ResolveDetail(schedules, overrides, now)

	last, hasLast := e.commanded[name]
	running := hasLast && last.Action == domain.ActionStart

	switch {
	case det.State.Running && !running:
		return e.command(ctx, domain.Transition{
			ID:          uuid.New(),
			ProjectName: name,
			ScheduleID:  det.Opened.ScheduleID,
			Action:      domain.ActionStart,
			BoundaryAt:  det.Opened.Start,
			EmittedAt:   now,
			Status:      domain.TransitionStatusEmitted,
			CreatedAt:   now,
		})
	case !det.State.Running && running:
		boundary, scheduleID := stopBoundary(det, last, overrides, now)
		return e.command(ctx, domain.Transition{
			ID:          uuid.New(),
			ProjectName: name,
			ScheduleID:  scheduleID,
			Action:      domain.ActionStop,
			BoundaryAt:  boundary,
			EmittedAt:   now,
			Status:      domain.TransitionStatusEmitted,
			CreatedAt:   now,
		})
	}
	return 0, nil
}

// command records the transition and emits the control event. A
// duplicate insert means another instance (or a previous run) already
// recorded this edge; the commanded state still advances, and the
// reconciler re-emits the row if it never left 'emitted'.
func (e *Engine) command(ctx context.Context, tr domain.Transition) (int, error) {
	if err := e.store.InsertTransition(ctx, tr); err != nil {
		if errors.Is(err, ErrDuplicateTransition) {
			e.commanded[tr.ProjectName] = tr
			return 0, nil
		}
		return 0, fmt.Errorf("insert transition: %w", err)
	}
	e.commanded[tr.ProjectName] = tr

	if tr.Action == domain.ActionStart && tr.ScheduleID != uuid.Nil {
		if err := e.store.ResetCrashCount(ctx, tr.ScheduleID); err != nil {
			e.log.Warn().Err(err).Str("project", tr.ProjectName).Msg("crash count reset failed")
		}
	}

	event := domain.ControlEvent{
		TransitionID:   tr.ID,
		ProjectName:    tr.ProjectName,
		ScheduleID:     tr.ScheduleID,
		Action:         tr.Action,
		BoundaryAt:     tr.BoundaryAt,
		EmittedAt:      tr.EmittedAt,
		IdempotencyKey: IdempotencyKey(tr.ProjectName, tr.Action, tr.BoundaryAt),
		CreatedAt:      tr.CreatedAt,
	}

	if err := e.emitter.Emit(ctx, event); err != nil {
		// The transition row exists; the reconciler will pick it up.
		return 1, fmt.Errorf("emit: %w", err)
	}

	e.log.Info().
		Str("project", tr.ProjectName).
		Str("action", string(tr.Action)).
		Time("boundary", tr.BoundaryAt).
		Msg("transition emitted")
	return 1, nil
}

// stopBoundary picks the boundary for a stop edge: the most recent
// window end since the commanded start if there is one, else the stop
// override that forced the state, else the current tick.
func stopBoundary(det schedule.Resolution, last domain.Transition, overrides []domain.Override, now time.Time) (time.Time, uuid.UUID) {
	if !det.LastClosed.End.IsZero() && det.LastClosed.End.After(last.BoundaryAt) {
		return det.LastClosed.End, det.LastClosed.ScheduleID
	}

	var newest *domain.Override
	for i, ov := range overrides {
		if ov.Kind != domain.OverrideStop || !ov.ActiveAt(now) {
			continue
		}
		if newest == nil || ov.CreatedAt.After(newest.CreatedAt) {
			newest = &overrides[i]
		}
	}
	if newest != nil {
		return newest.CreatedAt.UTC(), uuid.Nil
	}
	return now.Truncate(time.Minute), uuid.Nil
}

func (e *Engine) seedCommanded(ctx context.Context) error {
	latest, err := e.store.GetLatestTransitions(ctx)
	if err != nil {
		return err
	}
	for _, tr := range latest {
		e.commanded[tr.ProjectName] = tr
	}
	e.seeded = true
	e.log.Info().Int("projects", len(latest)).Msg("commanded state seeded")
	return nil
}

func (e *Engine) loadEnabledSchedules(ctx context.Context) ([]domain.Schedule, error) {
	var all []domain.Schedule
	for offset := 0; ; offset += schedulePageSize {
		page, err := e.store.GetEnabledSchedules(ctx, schedulePageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < schedulePageSize {
			return all, nil
		}
	}
}

func groupSchedules(schedules []domain.Schedule) map[string][]domain.Schedule {
	m := make(map[string][]domain.Schedule)
	for _, s := range schedules {
		m[s.ProjectName] = append(m[s.ProjectName], s)
	}
	return m
}

func groupOverrides(overrides []domain.Override) map[string][]domain.Override {
	m := make(map[string][]domain.Override)
	for _, ov := range overrides {
		m[ov.ProjectName] = append(m[ov.ProjectName], ov)
	}
	return m
}

// projectNames returns the union of both group maps in sorted order so
// ticks process projects deterministically.
func projectNames(schedules map[string][]domain.Schedule, overrides map[string][]domain.Override) []string {
	seen := make(map[string]struct{}, len(schedules))
	names := make([]string, 0, len(schedules))
	for name := range schedules {
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for name := range overrides {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IdempotencyKey derives the stable key control receivers use to
// deduplicate a command. Re-emissions of the same boundary always carry
// the same key.
func IdempotencyKey(project string, action domain.TransitionAction, boundary time.Time) string {
	data := fmt.Sprintf("%s:%s:%d", project, action, boundary.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
