package api

import "time"

// ScheduleRequest is the body for creating or fully updating a schedule.
type ScheduleRequest struct {
	DaysOfWeek      int    `json:"days_of_week"`
	StartTime       string `json:"start_time"` // "HH:MM", UTC
	DurationMinutes int    `json:"duration_minutes"`
	Enabled         *bool  `json:"enabled,omitempty"` // default true
	YoloMode        bool   `json:"yolo_mode,omitempty"`
	Model           string `json:"model,omitempty"`
	MaxConcurrency  int    `json:"max_concurrency,omitempty"` // default 3
}

// OverrideRequest creates a manual override. duration_minutes applies to
// kind=start only; a stop override expires when the running window ends.
type OverrideRequest struct {
	Kind            string `json:"kind"` // "start" | "stop"
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	ScheduleID      string `json:"schedule_id,omitempty"` // empty = whole project
}

type ScheduleResponse struct {
	ID              string `json:"id"`
	ProjectName     string `json:"project_name"`
	DaysOfWeek      int    `json:"days_of_week"`
	DaysDescription string `json:"days_description"`
	StartTimeUTC    string `json:"start_time_utc"`
	StartTimeLocal  string `json:"start_time_local"`
	DurationMinutes int    `json:"duration_minutes"`
	DurationDisplay string `json:"duration_display"`
	Enabled         bool   `json:"enabled"`
	YoloMode        bool   `json:"yolo_mode"`
	Model           string `json:"model,omitempty"`
	MaxConcurrency  int    `json:"max_concurrency"`
	CrashCount      int    `json:"crash_count"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type OverrideResponse struct {
	ID          string `json:"id"`
	ProjectName string `json:"project_name"`
	ScheduleID  string `json:"schedule_id,omitempty"`
	Kind        string `json:"kind"`
	ExpiresAt   string `json:"expires_at"`
	CreatedAt   string `json:"created_at"`
}

// ProjectStatusResponse is one project's resolved window state. The
// *_display fields are rendered in the requested locale; the bare
// timestamps stay RFC3339 UTC for machine consumers.
type ProjectStatusResponse struct {
	Project             string  `json:"project"`
	Disabled            bool    `json:"disabled,omitempty"`
	Running             bool    `json:"running"`
	RunningUntil        *string `json:"running_until,omitempty"`
	NextStart           *string `json:"next_start,omitempty"`
	RunningUntilDisplay string  `json:"running_until_display,omitempty"`
	NextStartDisplay    string  `json:"next_start_display,omitempty"`
}

type TransitionResponse struct {
	ID          string `json:"id"`
	ProjectName string `json:"project_name"`
	ScheduleID  string `json:"schedule_id,omitempty"`
	Action      string `json:"action"`
	BoundaryAt  string `json:"boundary_at"`
	EmittedAt   string `json:"emitted_at"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

type ListProjectsResponse struct {
	Projects []ProjectStatusResponse `json:"projects"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type ListTransitionsResponse struct {
	Transitions []TransitionResponse `json:"transitions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
