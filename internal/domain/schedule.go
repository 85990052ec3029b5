package domain

import (
	"time"

	"github.com/google/uuid"
)

// Duration bounds for a single occurrence. The generator scans eight
// calendar days either side of the reference instant, so anything up to
// a full week stays resolvable.
const (
	MinDurationMinutes = 1
	MaxDurationMinutes = 7 * 24 * 60
)

const (
	MinConcurrency     = 1
	MaxConcurrency     = 5
	DefaultConcurrency = 3
)

// Schedule is a weekly recurring run window for one project's agent.
// Times are stored in UTC; DaysOfWeek marks the days an occurrence
// starts, not the days it may cover.
type Schedule struct {
	ID          uuid.UUID
	ProjectName string

	DaysOfWeek      DayMask
	StartTimeUTC    TimeOfDay
	DurationMinutes int

	Enabled bool

	// Agent configuration applied to runs started under this schedule.
	YoloMode       bool
	Model          string // empty = global default
	MaxConcurrency int

	// CrashCount tracks agent restarts inside the current window.
	// Reset when a new window opens.
	CrashCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Duration returns the occurrence length as a time.Duration.
func (s Schedule) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}
