package postgres

const queryGetEnabledSchedules = `
SELECT
    id, project_name, days_of_week, start_time, duration_minutes,
    enabled, yolo_mode, model, max_concurrency, crash_count,
    created_at, updated_at
FROM schedules
WHERE enabled = true
ORDER BY id
LIMIT $1 OFFSET $2
`

const queryGetScheduleByID = `
SELECT
    id, project_name, days_of_week, start_time, duration_minutes,
    enabled, yolo_mode, model, max_concurrency, crash_count,
    created_at, updated_at
FROM schedules
WHERE id = $1
`

const queryListSchedules = `
SELECT
    id, project_name, days_of_week, start_time, duration_minutes,
    enabled, yolo_mode, model, max_concurrency, crash_count,
    created_at, updated_at
FROM schedules
WHERE project_name = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryInsertSchedule = `
INSERT INTO schedules (id, project_name, days_of_week, start_time, duration_minutes, enabled, yolo_mode, model, max_concurrency, crash_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const queryUpdateSchedule = `
UPDATE schedules
SET days_of_week = $2, start_time = $3, duration_minutes = $4,
    enabled = $5, yolo_mode = $6, model = $7, max_concurrency = $8,
    updated_at = $9
WHERE id = $1
`

const queryResetCrashCount = `
UPDATE schedules
SET crash_count = 0
WHERE id = $1 AND crash_count <> 0
`

const queryDeleteSchedule = `
WITH deleted_overrides AS (
    DELETE FROM schedule_overrides WHERE schedule_id = $1
)
DELETE FROM schedules WHERE id = $1
RETURNING id`

const queryInsertOverride = `
INSERT INTO schedule_overrides (id, project_name, schedule_id, kind, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryDeleteOverride = `
DELETE FROM schedule_overrides WHERE id = $1
RETURNING id`

const queryGetActiveOverrides = `
SELECT id, project_name, schedule_id, kind, expires_at, created_at
FROM schedule_overrides
WHERE expires_at > $1
ORDER BY created_at ASC
`

const queryGetProjectActiveOverrides = `
SELECT id, project_name, schedule_id, kind, expires_at, created_at
FROM schedule_overrides
WHERE project_name = $1 AND expires_at > $2
ORDER BY created_at ASC
`

const queryInsertTransition = `
INSERT INTO transitions (id, project_name, schedule_id, action, boundary_at, emitted_at, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryGetTransitionStatus = `
SELECT status FROM transitions WHERE id = $1
`

const queryUpdateTransitionStatus = `
UPDATE transitions
SET status = $1
WHERE id = $2
  AND status NOT IN ('delivered', 'failed')
`

const queryListTransitions = `
SELECT id, project_name, schedule_id, action, boundary_at, emitted_at, status, created_at
FROM transitions
WHERE project_name = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryGetLatestTransitions = `
SELECT DISTINCT ON (project_name)
    id, project_name, schedule_id, action, boundary_at, emitted_at, status, created_at
FROM transitions
ORDER BY project_name, boundary_at DESC, created_at DESC
`

const queryGetOrphanedTransitions = `
SELECT id, project_name, schedule_id, action, boundary_at, emitted_at, status, created_at
FROM transitions
WHERE status = 'emitted'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`

const queryInsertControlAttempt = `
INSERT INTO control_attempts (id, transition_id, attempt, status_code, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryDeleteExpiredOverrides = `
DELETE FROM schedule_overrides WHERE expires_at < $1
`

const queryDeleteOldTransitions = `
WITH pruned_attempts AS (
    DELETE FROM control_attempts
    WHERE transition_id IN (
        SELECT id FROM transitions
        WHERE created_at < $1 AND status IN ('delivered', 'failed')
    )
)
DELETE FROM transitions
WHERE created_at < $1 AND status IN ('delivered', 'failed')
`
