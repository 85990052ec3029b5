package schedule

import (
	"strings"

	"github.com/nogataka/autocoder/internal/domain"
)

var dayLabels = []struct {
	bit   domain.DayMask
	label string
}{
	{domain.Monday, "Mon"},
	{domain.Tuesday, "Tue"},
	{domain.Wednesday, "Wed"},
	{domain.Thursday, "Thu"},
	{domain.Friday, "Fri"},
	{domain.Saturday, "Sat"},
	{domain.Sunday, "Sun"},
}

// DescribeDays renders a day mask for display. The three common masks
// get their own words; anything else is listed Mon through Sun.
func DescribeDays(m domain.DayMask) string {
	switch m {
	case domain.EveryDay:
		return "Every day"
	case domain.Weekdays:
		return "Weekdays"
	case domain.Weekends:
		return "Weekends"
	}

	var parts []string
	for _, d := range dayLabels {
		if m.Has(d.bit) {
			parts = append(parts, d.label)
		}
	}
	return strings.Join(parts, ", ")
}
