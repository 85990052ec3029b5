package schedule

import (
	"time"

	"github.com/nogataka/autocoder/internal/domain"
)

// scanDays is how many UTC calendar days either side of the reference
// the generator walks. Eight days back catches any window still open
// after a full-week duration; eight days forward guarantees the next
// start is found even for a single-day mask.
const scanDays = 8

// Occurrences expands one schedule into its concrete UTC windows around
// the reference instant. Pure: same inputs, same slice, sorted by start.
func Occurrences(s domain.Schedule, ref time.Time) []domain.Occurrence {
	if s.DaysOfWeek == 0 || s.DurationMinutes <= 0 {
		return nil
	}

	ref = ref.UTC()
	base := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)

	var out []domain.Occurrence
	for offset := -scanDays; offset <= scanDays; offset++ {
		day := base.AddDate(0, 0, offset)
		if !s.DaysOfWeek.Has(domain.WeekdayBit(day.Weekday())) {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(),
			s.StartTimeUTC.Hour, s.StartTimeUTC.Minute, 0, 0, time.UTC)
		out = append(out, domain.Occurrence{
			ScheduleID: s.ID,
			Start:      start,
			End:        start.Add(s.Duration()),
		})
	}
	return out
}
