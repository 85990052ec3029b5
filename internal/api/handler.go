// Package api serves the dashboard HTTP API: project status, schedule and
// override management, and run history. Resolution math stays in
// internal/schedule; handlers only translate between HTTP and the domain.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nogataka/autocoder/internal/domain"
	"github.com/nogataka/autocoder/internal/schedule"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// schedulePageSize bounds one store read when the handler needs a full set.
const schedulePageSize = 500

type Store interface {
	CreateSchedule(ctx context.Context, sched domain.Schedule) error
	GetScheduleByID(ctx context.Context, scheduleID uuid.UUID) (domain.Schedule, error)
	ListSchedules(ctx context.Context, projectName string, limit, offset int) ([]domain.Schedule, error)
	GetEnabledSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, sched domain.Schedule) error
	DeleteSchedule(ctx context.Context, scheduleID uuid.UUID) error

	InsertOverride(ctx context.Context, ov domain.Override) error
	DeleteOverride(ctx context.Context, overrideID uuid.UUID) error
	GetActiveOverrides(ctx context.Context, now time.Time) ([]domain.Override, error)
	GetProjectActiveOverrides(ctx context.Context, projectName string, now time.Time) ([]domain.Override, error)

	ListTransitions(ctx context.Context, projectName string, limit, offset int) ([]domain.Transition, error)

	Ping(ctx context.Context) error
}

// ProjectSource is the registry view the API needs: the ordered snapshot
// for listing and point lookups for routing.
type ProjectSource interface {
	Get(name string) (domain.Project, bool)
	All() []domain.Project
}

type Handler struct {
	store    Store
	projects ProjectSource
	log      zerolog.Logger
	display  schedule.Locale
	limiter  *rate.Limiter // write endpoints, nil = unlimited
	clock    func() time.Time
}

func NewHandler(store Store, projects ProjectSource, log zerolog.Logger) *Handler {
	return &Handler{
		store:    store,
		projects: projects,
		log:      log.With().Str("component", "api").Logger(),
		display:  schedule.UTC24,
		clock:    time.Now,
	}
}

// WithDisplayLocale sets the default rendering locale for formatted fields.
// Per-request tz/clock query parameters still win.
func (h *Handler) WithDisplayLocale(loc schedule.Locale) *Handler {
	if loc.Location == nil {
		loc.Location = time.UTC
	}
	h.display = loc
	return h
}

// WithWriteLimit rate-limits mutating requests. Burst is twice the
// sustained rate so a dashboard click-storm doesn't immediately 429.
func (h *Handler) WithWriteLimit(rps float64) *Handler {
	if rps <= 0 {
		return h
	}
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}
	h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		if h.limiter != nil && !h.limiter.Allow() {
			h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "health" && r.Method == http.MethodGet:
		h.health(w, r)

	case len(parts) == 1 && parts[0] == "projects" && r.Method == http.MethodGet:
		h.listProjects(w, r)

	case len(parts) == 3 && parts[0] == "projects":
		h.routeProject(w, r, parts[1], parts[2])

	case len(parts) == 2 && parts[0] == "schedules" && r.Method == http.MethodPut:
		h.updateSchedule(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "schedules" && r.Method == http.MethodDelete:
		h.deleteSchedule(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "overrides" && r.Method == http.MethodDelete:
		h.deleteOverride(w, r, parts[1])

	default:
		h.writeError(w, http.StatusNotFound, "not found")
	}
}

// routeProject dispatches /projects/{name}/{resource}. Every project
// subresource 404s when the name is not in the registry.
func (h *Handler) routeProject(w http.ResponseWriter, r *http.Request, name, resource string) {
	project, ok := h.projects.Get(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "project not found")
		return
	}

	switch {
	case resource == "status" && r.Method == http.MethodGet:
		h.projectStatus(w, r, project)
	case resource == "schedules" && r.Method == http.MethodPost:
		h.createSchedule(w, r, project)
	case resource == "schedules" && r.Method == http.MethodGet:
		h.listSchedules(w, r, project)
	case resource == "overrides" && r.Method == http.MethodPost:
		h.createOverride(w, r, project)
	case resource == "transitions" && r.Method == http.MethodGet:
		h.listTransitions(w, r, project)
	default:
		h.writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose {
		h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	h.writeJSON(w, statusCode, resp)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	loc, err := h.localeFromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock().UTC()

	schedules, err := h.loadEnabledSchedules(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list projects: load schedules failed")
		h.writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}

	overrides, err := h.store.GetActiveOverrides(r.Context(), now)
	if err != nil {
		h.log.Error().Err(err).Msg("list projects: load overrides failed")
		h.writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}

	schedsByProject := map[string][]domain.Schedule{}
	for _, s := range schedules {
		schedsByProject[s.ProjectName] = append(schedsByProject[s.ProjectName], s)
	}
	ovsByProject := map[string][]domain.Override{}
	for _, o := range overrides {
		ovsByProject[o.ProjectName] = append(ovsByProject[o.ProjectName], o)
	}

	projects := h.projects.All()
	resp := ListProjectsResponse{Projects: make([]ProjectStatusResponse, 0, len(projects))}
	for _, p := range projects {
		st := schedule.ResolveWithOverrides(schedsByProject[p.Name], ovsByProject[p.Name], now)
		resp.Projects = append(resp.Projects, projectStatusResponse(p, st, loc, now))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) projectStatus(w http.ResponseWriter, r *http.Request, project domain.Project) {
	loc, err := h.localeFromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock().UTC()
	st, err := h.resolveProject(r.Context(), project.Name, now)
	if err != nil {
		h.log.Error().Err(err).Str("project", project.Name).Msg("status resolution failed")
		h.writeError(w, http.StatusInternalServerError, "failed to resolve status")
		return
	}

	h.writeJSON(w, http.StatusOK, projectStatusResponse(project, st, loc, now))
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request, project domain.Project) {
	var req ScheduleRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	now := h.clock().UTC()
	sched, err := scheduleFromRequest(project.Name, req, nil, now)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.CreateSchedule(r.Context(), sched); err != nil {
		h.log.Error().Err(err).Str("project", project.Name).Msg("create schedule failed")
		h.writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	h.writeJSON(w, http.StatusCreated, scheduleResponse(sched, h.display, now))
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request, project domain.Project) {
	loc, err := h.localeFromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	schedules, err := h.store.ListSchedules(r.Context(), project.Name, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("project", project.Name).Msg("list schedules failed")
		h.writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	now := h.clock().UTC()
	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(schedules))}
	for i, s := range schedules {
		resp.Schedules[i] = scheduleResponse(s, loc, now)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request, rawID string) {
	scheduleID, err := uuid.Parse(rawID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	existing, err := h.store.GetScheduleByID(r.Context(), scheduleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.log.Error().Err(err).Str("schedule_id", rawID).Msg("load schedule failed")
		h.writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	var req ScheduleRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	now := h.clock().UTC()
	sched, err := scheduleFromRequest(existing.ProjectName, req, &existing, now)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpdateSchedule(r.Context(), sched); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.log.Error().Err(err).Str("schedule_id", rawID).Msg("update schedule failed")
		h.writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	h.writeJSON(w, http.StatusOK, scheduleResponse(sched, h.display, now))
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request, rawID string) {
	scheduleID, err := uuid.Parse(rawID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	if err := h.store.DeleteSchedule(r.Context(), scheduleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.log.Error().Err(err).Str("schedule_id", rawID).Msg("delete schedule failed")
		h.writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createOverride(w http.ResponseWriter, r *http.Request, project domain.Project) {
	var req OverrideRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	scheduleID, err := parseScheduleScope(req.ScheduleID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock().UTC()
	ov := domain.Override{
		ID:          uuid.New(),
		ProjectName: project.Name,
		ScheduleID:  scheduleID,
		Kind:        domain.OverrideKind(req.Kind),
		CreatedAt:   now,
	}

	switch ov.Kind {
	case domain.OverrideStart:
		expiry, err := startOverrideExpiry(req.DurationMinutes, now)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ov.ExpiresAt = expiry

	case domain.OverrideStop:
		// A stop override lasts exactly as long as the window it cancels.
		st, err := h.resolveProject(r.Context(), project.Name, now)
		if err != nil {
			h.log.Error().Err(err).Str("project", project.Name).Msg("stop override resolution failed")
			h.writeError(w, http.StatusInternalServerError, "failed to create override")
			return
		}
		if !st.Running || st.RunningUntil == nil {
			h.writeError(w, http.StatusConflict, "no running window to stop")
			return
		}
		ov.ExpiresAt = *st.RunningUntil
	}

	if err := schedule.ValidateOverride(ov); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.InsertOverride(r.Context(), ov); err != nil {
		h.log.Error().Err(err).Str("project", project.Name).Msg("create override failed")
		h.writeError(w, http.StatusInternalServerError, "failed to create override")
		return
	}

	h.writeJSON(w, http.StatusCreated, overrideResponse(ov))
}

func (h *Handler) deleteOverride(w http.ResponseWriter, r *http.Request, rawID string) {
	overrideID, err := uuid.Parse(rawID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid override id")
		return
	}

	if err := h.store.DeleteOverride(r.Context(), overrideID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(w, http.StatusNotFound, "override not found")
			return
		}
		h.log.Error().Err(err).Str("override_id", rawID).Msg("delete override failed")
		h.writeError(w, http.StatusInternalServerError, "failed to delete override")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTransitions(w http.ResponseWriter, r *http.Request, project domain.Project) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	transitions, err := h.store.ListTransitions(r.Context(), project.Name, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("project", project.Name).Msg("list transitions failed")
		h.writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}

	resp := ListTransitionsResponse{Transitions: make([]TransitionResponse, len(transitions))}
	for i, tr := range transitions {
		resp.Transitions[i] = transitionResponse(tr)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// resolveProject computes the current window state for one project from
// its enabled schedules and active overrides.
func (h *Handler) resolveProject(ctx context.Context, name string, now time.Time) (domain.ResolvedState, error) {
	schedules, err := h.loadProjectSchedules(ctx, name)
	if err != nil {
		return domain.ResolvedState{}, err
	}

	enabled := schedules[:0]
	for _, s := range schedules {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	overrides, err := h.store.GetProjectActiveOverrides(ctx, name, now)
	if err != nil {
		return domain.ResolvedState{}, err
	}

	return schedule.ResolveWithOverrides(enabled, overrides, now), nil
}

func (h *Handler) loadProjectSchedules(ctx context.Context, name string) ([]domain.Schedule, error) {
	var all []domain.Schedule
	for offset := 0; ; offset += schedulePageSize {
		page, err := h.store.ListSchedules(ctx, name, schedulePageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < schedulePageSize {
			return all, nil
		}
	}
}

func (h *Handler) loadEnabledSchedules(ctx context.Context) ([]domain.Schedule, error) {
	var all []domain.Schedule
	for offset := 0; ; offset += schedulePageSize {
		page, err := h.store.GetEnabledSchedules(ctx, schedulePageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < schedulePageSize {
			return all, nil
		}
	}
}

// decodeBody decodes a bounded JSON request body, writing the error
// response itself. Returns false when the request was rejected.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// localeFromRequest merges tz/clock query parameters over the default
// display locale.
func (h *Handler) localeFromRequest(r *http.Request) (schedule.Locale, error) {
	loc := h.display

	if tz := r.URL.Query().Get("tz"); tz != "" {
		location, err := time.LoadLocation(tz)
		if err != nil {
			return loc, errors.New("invalid tz")
		}
		loc.Location = location
	}

	switch r.URL.Query().Get("clock") {
	case "":
	case "12":
		loc.TwelveHour = true
	case "24":
		loc.TwelveHour = false
	default:
		return loc, errors.New("clock must be 12 or 24")
	}

	return loc, nil
}

func projectStatusResponse(p domain.Project, st domain.ResolvedState, loc schedule.Locale, now time.Time) ProjectStatusResponse {
	resp := ProjectStatusResponse{
		Project:      p.Name,
		Disabled:     p.Disabled,
		Running:      st.Running,
		RunningUntil: formatTimePtr(st.RunningUntil),
		NextStart:    formatTimePtr(st.NextStart),
	}
	if st.RunningUntil != nil {
		resp.RunningUntilDisplay = loc.FormatEndTime(*st.RunningUntil)
	}
	if st.NextStart != nil {
		resp.NextStartDisplay = loc.FormatNextRun(*st.NextStart, now)
	}
	return resp
}

func scheduleResponse(s domain.Schedule, loc schedule.Locale, now time.Time) ScheduleResponse {
	location := loc.Location
	if location == nil {
		location = time.UTC
	}
	return ScheduleResponse{
		ID:              s.ID.String(),
		ProjectName:     s.ProjectName,
		DaysOfWeek:      int(s.DaysOfWeek),
		DaysDescription: schedule.DescribeDays(s.DaysOfWeek),
		StartTimeUTC:    s.StartTimeUTC.String(),
		StartTimeLocal:  schedule.UTCToLocal(s.StartTimeUTC, location, now).String(),
		DurationMinutes: s.DurationMinutes,
		DurationDisplay: schedule.FormatDuration(s.DurationMinutes),
		Enabled:         s.Enabled,
		YoloMode:        s.YoloMode,
		Model:           s.Model,
		MaxConcurrency:  s.MaxConcurrency,
		CrashCount:      s.CrashCount,
		CreatedAt:       formatTime(s.CreatedAt),
		UpdatedAt:       formatTime(s.UpdatedAt),
	}
}

func overrideResponse(ov domain.Override) OverrideResponse {
	resp := OverrideResponse{
		ID:          ov.ID.String(),
		ProjectName: ov.ProjectName,
		Kind:        string(ov.Kind),
		ExpiresAt:   formatTime(ov.ExpiresAt),
		CreatedAt:   formatTime(ov.CreatedAt),
	}
	if ov.ScheduleID != nil {
		resp.ScheduleID = ov.ScheduleID.String()
	}
	return resp
}

func transitionResponse(tr domain.Transition) TransitionResponse {
	resp := TransitionResponse{
		ID:          tr.ID.String(),
		ProjectName: tr.ProjectName,
		Action:      string(tr.Action),
		BoundaryAt:  formatTime(tr.BoundaryAt),
		EmittedAt:   formatTime(tr.EmittedAt),
		Status:      string(tr.Status),
		CreatedAt:   formatTime(tr.CreatedAt),
	}
	if tr.ScheduleID != uuid.Nil {
		resp.ScheduleID = tr.ScheduleID.String()
	}
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("json encode failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
