package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/nogataka/autocoder/internal/domain"
)

// Resolve merges the occurrences of all enabled schedules and answers
// "running now, and until when" or "when does the next window open".
// Disabled schedules are skipped. Pure function of its inputs.
func Resolve(schedules []domain.Schedule, now time.Time) domain.ResolvedState {
	now = now.UTC()

	var occs []domain.Occurrence
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		occs = append(occs, Occurrences(s, now)...)
	}
	return resolveOccurrences(occs, now)
}

// ResolveWithOverrides is Resolve with manual exceptions layered in.
// An active stop override cancels matching occurrences that begin
// before it expires. An active start override contributes a synthetic
// occurrence from its creation to its expiry. When a start and a stop
// override are both active for the same scope, the newer one wins.
func ResolveWithOverrides(schedules []domain.Schedule, overrides []domain.Override, now time.Time) domain.ResolvedState {
	now = now.UTC()
	return resolveOccurrences(assembleOccurrences(schedules, overrides, now), now)
}

// Resolution pairs a resolved state with the occurrences behind it, for
// callers that need to know which window produced the current state.
type Resolution struct {
	State domain.ResolvedState

	// Opened is the covering occurrence with the earliest start while
	// running; zero otherwise.
	Opened domain.Occurrence

	// LastClosed is the occurrence with the most recent end at or
	// before now; zero when the scan window holds none.
	LastClosed domain.Occurrence
}

// ResolveDetail is ResolveWithOverrides plus the boundary occurrences.
// The engine derives transition boundaries from Opened (start edges)
// and LastClosed (stop edges).
func ResolveDetail(schedules []domain.Schedule, overrides []domain.Override, now time.Time) Resolution {
	now = now.UTC()
	occs := assembleOccurrences(schedules, overrides, now)

	res := Resolution{State: resolveOccurrences(occs, now)}
	for _, o := range occs {
		if o.Covers(now) {
			if res.Opened.End.IsZero() || o.Start.Before(res.Opened.Start) {
				res.Opened = o
			}
		}
		if !o.End.After(now) {
			if res.LastClosed.End.IsZero() || o.End.After(res.LastClosed.End) {
				res.LastClosed = o
			}
		}
	}
	return res
}

// assembleOccurrences expands enabled schedules over the scan window
// and layers active overrides in: stop overrides drop occurrences
// starting before their expiry, start overrides contribute a synthetic
// occurrence, and on a same-scope conflict the newer override wins.
func assembleOccurrences(schedules []domain.Schedule, overrides []domain.Override, now time.Time) []domain.Occurrence {
	var stops []domain.Override
	for _, ov := range overrides {
		if ov.Kind == domain.OverrideStop && ov.ActiveAt(now) {
			stops = append(stops, ov)
		}
	}

	var occs []domain.Occurrence
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		for _, o := range Occurrences(s, now) {
			if stoppedBy(o, s.ID, stops) != nil {
				continue
			}
			occs = append(occs, o)
		}
	}

	for _, ov := range overrides {
		if ov.Kind != domain.OverrideStart || !ov.ActiveAt(now) {
			continue
		}
		start := ov.CreatedAt.UTC()
		end := ov.ExpiresAt.UTC()
		if !end.After(start) {
			continue
		}
		syn := domain.Occurrence{Start: start, End: end}
		if ov.ScheduleID != nil {
			syn.ScheduleID = *ov.ScheduleID
		}
		if st := stoppedBy(syn, syn.ScheduleID, stops); st != nil && st.CreatedAt.After(ov.CreatedAt) {
			continue
		}
		occs = append(occs, syn)
	}

	return occs
}

// stoppedBy returns the newest stop override suppressing the
// occurrence, if any. A project-wide stop (nil schedule id) matches
// everything; a scoped stop matches only its schedule's occurrences.
func stoppedBy(o domain.Occurrence, scheduleID uuid.UUID, stops []domain.Override) *domain.Override {
	var newest *domain.Override
	for i, st := range stops {
		if st.ScheduleID != nil && *st.ScheduleID != scheduleID {
			continue
		}
		if !o.Start.Before(st.ExpiresAt) {
			continue
		}
		if newest == nil || st.CreatedAt.After(newest.CreatedAt) {
			newest = &stops[i]
		}
	}
	return newest
}

// resolveOccurrences implements the selection rules: among occurrences
// covering now, report the latest end so remaining run time is never
// understated; otherwise report the earliest start after now. NextStart
// stays unset while running.
func resolveOccurrences(occs []domain.Occurrence, now time.Time) domain.ResolvedState {
	var state domain.ResolvedState
	var latestEnd, nextStart time.Time

	for _, o := range occs {
		switch {
		case o.Covers(now):
			state.Running = true
			if o.End.After(latestEnd) {
				latestEnd = o.End
			}
		case o.Start.After(now):
			if nextStart.IsZero() || o.Start.Before(nextStart) {
				nextStart = o.Start
			}
		}
	}

	if state.Running {
		state.RunningUntil = &latestEnd
		return state
	}
	if !nextStart.IsZero() {
		state.NextStart = &nextStart
	}
	return state
}
