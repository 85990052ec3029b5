package schedule

import (
	"fmt"

	"github.com/nogataka/autocoder/internal/domain"
)

// InvalidScheduleError reports one field of a schedule that violates
// the data model. Validation runs at the API boundary; the resolver
// assumes well-formed input and never checks.
type InvalidScheduleError struct {
	Field   string
	Message string
}

func (e InvalidScheduleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidScheduleErrors is a collection of schedule validation errors.
type InvalidScheduleErrors []InvalidScheduleError

func (e InvalidScheduleErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks a schedule against the data model invariants.
// Returns nil if valid, or InvalidScheduleErrors if invalid.
func Validate(s domain.Schedule) error {
	var errs InvalidScheduleErrors

	if s.ProjectName == "" {
		errs = append(errs, InvalidScheduleError{
			Field:   "project_name",
			Message: "required",
		})
	}

	if !s.DaysOfWeek.Valid() {
		errs = append(errs, InvalidScheduleError{
			Field:   "days_of_week",
			Message: fmt.Sprintf("must be between 0 and %d, got %d", domain.EveryDay, s.DaysOfWeek),
		})
	}

	if !s.StartTimeUTC.Valid() {
		errs = append(errs, InvalidScheduleError{
			Field:   "start_time",
			Message: fmt.Sprintf("hour must be 0-23 and minute 0-59, got %02d:%02d", s.StartTimeUTC.Hour, s.StartTimeUTC.Minute),
		})
	}

	if s.DurationMinutes < domain.MinDurationMinutes || s.DurationMinutes > domain.MaxDurationMinutes {
		errs = append(errs, InvalidScheduleError{
			Field:   "duration_minutes",
			Message: fmt.Sprintf("must be between %d and %d, got %d", domain.MinDurationMinutes, domain.MaxDurationMinutes, s.DurationMinutes),
		})
	}

	if s.MaxConcurrency != 0 && (s.MaxConcurrency < domain.MinConcurrency || s.MaxConcurrency > domain.MaxConcurrency) {
		errs = append(errs, InvalidScheduleError{
			Field:   "max_concurrency",
			Message: fmt.Sprintf("must be between %d and %d, got %d", domain.MinConcurrency, domain.MaxConcurrency, s.MaxConcurrency),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateOverride checks a manual override before it is persisted.
func ValidateOverride(o domain.Override) error {
	var errs InvalidScheduleErrors

	if o.ProjectName == "" {
		errs = append(errs, InvalidScheduleError{
			Field:   "project_name",
			Message: "required",
		})
	}

	if !o.Kind.Valid() {
		errs = append(errs, InvalidScheduleError{
			Field:   "override_type",
			Message: fmt.Sprintf("must be 'start' or 'stop', got %q", string(o.Kind)),
		})
	}

	if o.ExpiresAt.IsZero() {
		errs = append(errs, InvalidScheduleError{
			Field:   "expires_at",
			Message: "required",
		})
	} else if !o.CreatedAt.IsZero() && !o.ExpiresAt.After(o.CreatedAt) {
		errs = append(errs, InvalidScheduleError{
			Field:   "expires_at",
			Message: "must be after created_at",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
