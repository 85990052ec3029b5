package domain

import (
	"time"

	"github.com/google/uuid"
)

// ControlEvent is emitted by the scheduler when a project crosses a
// window boundary and must be told to start or stop.
type ControlEvent struct {
	TransitionID uuid.UUID
	ProjectName  string
	ScheduleID   uuid.UUID

	Action         TransitionAction
	BoundaryAt     time.Time // intended boundary time (UTC)
	EmittedAt      time.Time // actual emission time
	IdempotencyKey string

	CreatedAt time.Time
}

// ControlAttempt records one HTTP delivery attempt of a transition to a
// project's control endpoint.
type ControlAttempt struct {
	ID           uuid.UUID
	TransitionID uuid.UUID
	Attempt      int

	StatusCode int
	Error      string

	StartedAt  time.Time
	FinishedAt time.Time
}
