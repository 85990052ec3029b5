package domain

import (
	"time"

	"github.com/google/uuid"
)

// OverrideKind distinguishes manual "run now" from manual "stop now".
type OverrideKind string

const (
	// OverrideStart forces the project's agent on until the override expires.
	OverrideStart OverrideKind = "start"
	// OverrideStop suppresses scheduled windows until the override expires.
	OverrideStop OverrideKind = "stop"
)

func (k OverrideKind) Valid() bool {
	return k == OverrideStart || k == OverrideStop
}

// Override is a manual, time-boxed exception layered on top of a
// project's schedules. A start override behaves like a synthetic
// occurrence from CreatedAt to ExpiresAt; a stop override drops
// occurrences that begin before ExpiresAt.
type Override struct {
	ID          uuid.UUID
	ProjectName string
	ScheduleID  *uuid.UUID // nil = applies to the whole project
	Kind        OverrideKind
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// ActiveAt reports whether the override is still in force at t.
func (o Override) ActiveAt(t time.Time) bool {
	return t.Before(o.ExpiresAt)
}
