package schedule

import (
	"fmt"
	"time"
)

// FormatDuration renders whole minutes as "Nh", "Nm" or "Nh Mm".
// Integer arithmetic only, no rounding.
func FormatDuration(minutes int) string {
	hours := minutes / 60
	mins := minutes % 60
	switch {
	case hours == 0:
		return fmt.Sprintf("%dm", mins)
	case mins == 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
}

// Locale carries the viewer's display preferences. Resolution never
// sees it; instants stay UTC until the moment they are rendered.
type Locale struct {
	Location   *time.Location
	TwelveHour bool
}

// UTC24 is the fallback locale when the viewer supplied nothing.
var UTC24 = Locale{Location: time.UTC}

func (l Locale) location() *time.Location {
	if l.Location == nil {
		return time.UTC
	}
	return l.Location
}

func (l Locale) clock(t time.Time) string {
	if l.TwelveHour {
		return t.In(l.location()).Format("3:04 PM")
	}
	return t.In(l.location()).Format("15:04")
}

// FormatEndTime renders a window end as a bare time of day.
func (l Locale) FormatEndTime(t time.Time) string {
	return l.clock(t)
}

// FormatNextRun renders an upcoming start. Within 24 hours of now it is
// a bare time of day; further out it gains the short weekday. The
// threshold is measured against now, so the rendering of a fixed
// instant changes as now advances. That is intended.
func (l Locale) FormatNextRun(t, now time.Time) string {
	if t.Sub(now) < 24*time.Hour {
		return l.clock(t)
	}
	return t.In(l.location()).Format("Mon") + " " + l.clock(t)
}
