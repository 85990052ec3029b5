package domain

import (
	"time"

	"github.com/google/uuid"
)

// Occurrence is one concrete run window materialized from a Schedule.
// Start is inclusive, End exclusive.
type Occurrence struct {
	ScheduleID uuid.UUID
	Start      time.Time
	End        time.Time
}

// Covers reports whether t falls inside the window.
func (o Occurrence) Covers(t time.Time) bool {
	return !t.Before(o.Start) && t.Before(o.End)
}

// ResolvedState is the answer to "is anything running right now, and
// what happens next". RunningUntil is set only while running; NextStart
// only while idle.
type ResolvedState struct {
	Running      bool
	RunningUntil *time.Time
	NextStart    *time.Time
}
