package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nogataka/autocoder/internal/domain"
	"github.com/nogataka/autocoder/internal/schedule"
)

// scheduleFromRequest builds the domain schedule for a create (existing is
// nil) or a full update. On update the identity fields and crash counter
// carry over from the stored row; everything else comes from the request.
func scheduleFromRequest(projectName string, req ScheduleRequest, existing *domain.Schedule, now time.Time) (domain.Schedule, error) {
	start, err := domain.ParseTimeOfDay(req.StartTime)
	if err != nil {
		return domain.Schedule{}, schedule.InvalidScheduleErrors{{Field: "start_time", Message: err.Error()}}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	concurrency := req.MaxConcurrency
	if concurrency == 0 {
		concurrency = domain.DefaultConcurrency
	}

	sched := domain.Schedule{
		ID:              uuid.New(),
		ProjectName:     projectName,
		DaysOfWeek:      domain.DayMask(req.DaysOfWeek),
		StartTimeUTC:    start,
		DurationMinutes: req.DurationMinutes,
		Enabled:         enabled,
		YoloMode:        req.YoloMode,
		Model:           req.Model,
		MaxConcurrency:  concurrency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if existing != nil {
		sched.ID = existing.ID
		sched.ProjectName = existing.ProjectName
		sched.CrashCount = existing.CrashCount
		sched.CreatedAt = existing.CreatedAt
	}

	if err := schedule.Validate(sched); err != nil {
		return domain.Schedule{}, err
	}
	return sched, nil
}

// startOverrideExpiry computes when a manual start lapses. Stop overrides
// don't take a duration; they expire with the window they cancel.
func startOverrideExpiry(minutes int, now time.Time) (time.Time, error) {
	if minutes < domain.MinDurationMinutes || minutes > domain.MaxDurationMinutes {
		return time.Time{}, schedule.InvalidScheduleErrors{{
			Field:   "duration_minutes",
			Message: fmt.Sprintf("must be between %d and %d, got %d", domain.MinDurationMinutes, domain.MaxDurationMinutes, minutes),
		}}
	}
	return now.Add(time.Duration(minutes) * time.Minute), nil
}

// parseScheduleScope parses the optional schedule_id narrowing an override
// to one schedule. Empty means project-wide.
func parseScheduleScope(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, schedule.InvalidScheduleErrors{{Field: "schedule_id", Message: "must be a UUID"}}
	}
	return &id, nil
}
