package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransitionAction says which way a project's agent should move.
type TransitionAction string

const (
	ActionStart TransitionAction = "start"
	ActionStop  TransitionAction = "stop"
)

type TransitionStatus string

const (
	TransitionStatusEmitted   TransitionStatus = "emitted"
	TransitionStatusDelivered TransitionStatus = "delivered"
	TransitionStatusFailed    TransitionStatus = "failed"
)

// Transition records that a project crossed a window boundary at a
// specific time. BoundaryAt is the schedule-derived instant (window
// start or end), not the wall-clock moment the engine noticed it.
type Transition struct {
	ID uuid.UUID

	ProjectName string
	ScheduleID  uuid.UUID // uuid.Nil when no schedule window produced the edge

	Action     TransitionAction
	BoundaryAt time.Time
	EmittedAt  time.Time
	Status     TransitionStatus

	CreatedAt time.Time
}
