package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"github.com/google/uuid"

	"github.com/nogataka/autocoder/internal/api"
	"github.com/nogataka/autocoder/internal/dispatcher"
	"github.com/nogataka/autocoder/internal/domain"
	"github.com/nogataka/autocoder/internal/janitor"
	"github.com/nogataka/autocoder/internal/reconciler"
	"github.com/nogataka/autocoder/internal/scheduler"
)

//go:embed schema.sql
var schemaSQL string

// Store implements the scheduler, dispatcher, reconciler, janitor and api
// store interfaces using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies the embedded schema. All statements are idempotent,
// so calling it on every startup is safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetEnabledSchedules returns enabled schedules across all projects,
// paginated by limit and offset.
func (s *Store) GetEnabledSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, queryGetEnabledSchedules, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// GetScheduleByID returns a schedule by its ID.
func (s *Store) GetScheduleByID(ctx context.Context, scheduleID uuid.UUID) (domain.Schedule, error) {
	var sched domain.Schedule
	var startTime string

	err := s.db.QueryRowContext(ctx, queryGetScheduleByID, scheduleID).Scan(
		&sched.ID,
		&sched.ProjectName,
		&sched.DaysOfWeek,
		&startTime,
		&sched.DurationMinutes,
		&sched.Enabled,
		&sched.YoloMode,
		&sched.Model,
		&sched.MaxConcurrency,
		&sched.CrashCount,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	sched.StartTimeUTC, err = domain.ParseTimeOfDay(startTime)
	if err != nil {
		return domain.Schedule{}, err
	}
	return sched, nil
}

// ListSchedules returns schedules for a project, paginated by limit and offset.
func (s *Store) ListSchedules(ctx context.Context, projectName string, limit, offset int) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, queryListSchedules, projectName, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// CreateSchedule inserts a new schedule record.
func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		sched.ID,
		sched.ProjectName,
		int(sched.DaysOfWeek),
		sched.StartTimeUTC.String(),
		sched.DurationMinutes,
		sched.Enabled,
		sched.YoloMode,
		sched.Model,
		sched.MaxConcurrency,
		sched.CrashCount,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	return err
}

// UpdateSchedule updates every editable field of a schedule. The project
// binding and crash count are not editable through this path.
// Returns sql.ErrNoRows if the schedule does not exist.
func (s *Store) UpdateSchedule(ctx context.Context, sched domain.Schedule) error {
	result, err := s.db.ExecContext(ctx, queryUpdateSchedule,
		sched.ID,
		int(sched.DaysOfWeek),
		sched.StartTimeUTC.String(),
		sched.DurationMinutes,
		sched.Enabled,
		sched.YoloMode,
		sched.Model,
		sched.MaxConcurrency,
		sched.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResetCrashCount zeroes the crash counter of a schedule. Called when a
// new window opens for it.
func (s *Store) ResetCrashCount(ctx context.Context, scheduleID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, queryResetCrashCount, scheduleID)
	return err
}

// DeleteSchedule removes a schedule and the overrides scoped to it.
// Transitions keep their schedule_id so run history survives the delete.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID uuid.UUID) error {
	var deletedID uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteSchedule, scheduleID).Scan(&deletedID)
	if err != nil {
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		return err
	}
	return nil
}

// InsertOverride inserts a new override record.
func (s *Store) InsertOverride(ctx context.Context, ov domain.Override) error {
	var scheduleID uuid.NullUUID
	if ov.ScheduleID != nil {
		scheduleID = uuid.NullUUID{UUID: *ov.ScheduleID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, queryInsertOverride,
		ov.ID,
		ov.ProjectName,
		scheduleID,
		string(ov.Kind),
		ov.ExpiresAt,
		ov.CreatedAt,
	)
	return err
}

// DeleteOverride removes an override by ID.
// Returns sql.ErrNoRows if it does not exist.
func (s *Store) DeleteOverride(ctx context.Context, overrideID uuid.UUID) error {
	var deletedID uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteOverride, overrideID).Scan(&deletedID)
	if err != nil {
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		return err
	}
	return nil
}

// GetActiveOverrides returns overrides across all projects that have not
// yet expired at the given instant.
func (s *Store) GetActiveOverrides(ctx context.Context, now time.Time) ([]domain.Override, error) {
	rows, err := s.db.QueryContext(ctx, queryGetActiveOverrides, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// GetProjectActiveOverrides returns unexpired overrides for one project.
func (s *Store) GetProjectActiveOverrides(ctx context.Context, projectName string, now time.Time) ([]domain.Override, error) {
	rows, err := s.db.QueryContext(ctx, queryGetProjectActiveOverrides, projectName, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// InsertTransition inserts a new transition record.
// Returns scheduler.ErrDuplicateTransition if (project_name, action,
// boundary_at) already exists.
func (s *Store) InsertTransition(ctx context.Context, tr domain.Transition) error {
	_, err := s.db.ExecContext(ctx, queryInsertTransition,
		tr.ID,
		tr.ProjectName,
		tr.ScheduleID,
		string(tr.Action),
		tr.BoundaryAt,
		tr.EmittedAt,
		string(tr.Status),
		tr.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return scheduler.ErrDuplicateTransition
		}
		return err
	}
	return nil
}

// UpdateTransitionStatus updates the status of a transition.
// Returns dispatcher.ErrStatusTransitionDenied if the transition is already
// in a terminal state. This uses an atomic UPDATE with WHERE clause to
// prevent TOCTOU race conditions.
func (s *Store) UpdateTransitionStatus(ctx context.Context, transitionID uuid.UUID, status domain.TransitionStatus) error {
	// Single atomic update with guard in WHERE clause.
	// PostgreSQL acquires row lock before evaluating WHERE,
	// ensuring serialized access under concurrency.
	result, err := s.db.ExecContext(ctx, queryUpdateTransitionStatus, string(status), transitionID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		// Either: (a) transition not found, or (b) already in terminal state.
		// Distinguish by checking if the row exists.
		var currentStatus string
		err := s.db.QueryRowContext(ctx, queryGetTransitionStatus, transitionID).Scan(&currentStatus)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}
		// Row exists but wasn't updated => terminal state
		return dispatcher.ErrStatusTransitionDenied
	}

	return nil
}

// ListTransitions returns transitions for a project, newest first,
// paginated by limit and offset.
func (s *Store) ListTransitions(ctx context.Context, projectName string, limit, offset int) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx, queryListTransitions, projectName, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// GetLatestTransitions returns the most recent transition per project,
// used to seed the engine's commanded state after a restart.
func (s *Store) GetLatestTransitions(ctx context.Context) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx, queryGetLatestTransitions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// GetOrphanedTransitions returns transitions that are stuck in 'emitted'
// status and were created before the given threshold time.
// Results are ordered by created_at ASC (oldest first) and limited to maxResults.
func (s *Store) GetOrphanedTransitions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx, queryGetOrphanedTransitions, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransitions(rows)
}

// InsertControlAttempt inserts a new control attempt record.
func (s *Store) InsertControlAttempt(ctx context.Context, attempt domain.ControlAttempt) error {
	_, err := s.db.ExecContext(ctx, queryInsertControlAttempt,
		attempt.ID,
		attempt.TransitionID,
		attempt.Attempt,
		attempt.StatusCode,
		attempt.Error,
		attempt.StartedAt,
		attempt.FinishedAt,
	)
	return err
}

// DeleteExpiredOverrides removes overrides whose expiry is before the
// given cutoff, returning the number deleted.
func (s *Store) DeleteExpiredOverrides(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryDeleteExpiredOverrides, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteOldTransitions removes terminal transitions created before the
// cutoff, along with their control attempts. Transitions still in
// 'emitted' are left for the reconciler regardless of age.
func (s *Store) DeleteOldTransitions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryDeleteOldTransitions, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var result []domain.Schedule
	for rows.Next() {
		var sched domain.Schedule
		var startTime string

		err := rows.Scan(
			&sched.ID,
			&sched.ProjectName,
			&sched.DaysOfWeek,
			&startTime,
			&sched.DurationMinutes,
			&sched.Enabled,
			&sched.YoloMode,
			&sched.Model,
			&sched.MaxConcurrency,
			&sched.CrashCount,
			&sched.CreatedAt,
			&sched.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		sched.StartTimeUTC, err = domain.ParseTimeOfDay(startTime)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanOverrides(rows *sql.Rows) ([]domain.Override, error) {
	var result []domain.Override
	for rows.Next() {
		var ov domain.Override
		var scheduleID uuid.NullUUID
		var kind string

		err := rows.Scan(
			&ov.ID,
			&ov.ProjectName,
			&scheduleID,
			&kind,
			&ov.ExpiresAt,
			&ov.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if scheduleID.Valid {
			id := scheduleID.UUID
			ov.ScheduleID = &id
		}
		ov.Kind = domain.OverrideKind(kind)
		result = append(result, ov)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanTransitions(rows *sql.Rows) ([]domain.Transition, error) {
	var result []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		var action, status string

		err := rows.Scan(
			&tr.ID,
			&tr.ProjectName,
			&tr.ScheduleID,
			&action,
			&tr.BoundaryAt,
			&tr.EmittedAt,
			&status,
			&tr.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		tr.Action = domain.TransitionAction(action)
		tr.Status = domain.TransitionStatus(status)
		result = append(result, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL unique violation error code is 23505
	// Check error message for common patterns from both lib/pq and pgx
	errStr := err.Error()
	return contains(errStr, "23505") || contains(errStr, "unique constraint") || contains(errStr, "duplicate key")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchString(s, substr)
}

func searchString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// Compile-time interface assertions
var (
	_ scheduler.Store  = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
	_ janitor.Store    = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
)
