package schedule

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nogataka/autocoder/internal/domain"
)

func makeSchedule(mask domain.DayMask, start string, durationMinutes int) domain.Schedule {
	tod, err := domain.ParseTimeOfDay(start)
	if err != nil {
		panic("makeSchedule: " + err.Error())
	}
	return domain.Schedule{
		ID:              uuid.New(),
		ProjectName:     "demo",
		DaysOfWeek:      mask,
		StartTimeUTC:    tod,
		DurationMinutes: durationMinutes,
		Enabled:         true,
	}
}

// 2026-03-02 is a Monday.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestOccurrences_EveryDay(t *testing.T) {
	s := makeSchedule(domain.EveryDay, "10:00", 60)
	ref := monday.Add(12 * time.Hour)

	occs := Occurrences(s, ref)
	if len(occs) != 2*scanDays+1 {
		t.Fatalf("expected %d occurrences, got %d", 2*scanDays+1, len(occs))
	}

	for i := 1; i < len(occs); i++ {
		if !occs[i-1].Start.Before(occs[i].Start) {
			t.Errorf("occurrences out of order at %d: %v >= %v", i, occs[i-1].Start, occs[i].Start)
		}
	}
}

func TestOccurrences_EmptyMask(t *testing.T) {
	s := makeSchedule(0, "10:00", 60)
	if occs := Occurrences(s, monday); occs != nil {
		t.Errorf("expected no occurrences, got %d", len(occs))
	}
}

func TestOccurrences_SingleDay(t *testing.T) {
	s := makeSchedule(domain.Monday, "22:00", 600)
	ref := monday.Add(26 * time.Hour) // Tuesday 02:00

	occs := Occurrences(s, ref)
	if len(occs) != 3 {
		t.Fatalf("expected 3 Monday occurrences in the scan window, got %d", len(occs))
	}

	wantStart := monday.Add(22 * time.Hour)
	wantEnd := wantStart.Add(10 * time.Hour) // Tuesday 08:00
	found := false
	for _, o := range occs {
		if o.Start.Equal(wantStart) {
			found = true
			if !o.End.Equal(wantEnd) {
				t.Errorf("end = %v, want %v", o.End, wantEnd)
			}
			if o.ScheduleID != s.ID {
				t.Errorf("schedule id = %v, want %v", o.ScheduleID, s.ID)
			}
		}
	}
	if !found {
		t.Errorf("no occurrence starting at %v", wantStart)
	}
}

func TestOccurrences_SpansMultipleDays(t *testing.T) {
	// A full-week window starting the previous Monday must still be
	// produced when the reference sits near its end.
	s := makeSchedule(domain.Monday, "00:00", 7*24*60)
	ref := monday.Add(6*24*time.Hour + 23*time.Hour) // Sunday 23:00

	occs := Occurrences(s, ref)
	var covering *domain.Occurrence
	for i := range occs {
		if occs[i].Covers(ref) {
			covering = &occs[i]
		}
	}
	if covering == nil {
		t.Fatal("expected a week-long occurrence covering the reference")
	}
	if !covering.Start.Equal(monday) {
		t.Errorf("start = %v, want %v", covering.Start, monday)
	}
	if !covering.End.Equal(monday.AddDate(0, 0, 7)) {
		t.Errorf("end = %v, want %v", covering.End, monday.AddDate(0, 0, 7))
	}
}

func TestOccurrences_Pure(t *testing.T) {
	s := makeSchedule(domain.Weekdays, "09:30", 480)
	ref := monday.Add(40 * time.Hour)

	a := Occurrences(s, ref)
	b := Occurrences(s, ref)
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("occurrence %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}
