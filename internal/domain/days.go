package domain

import "time"

// DayMask is a 7-bit set of weekdays on which a schedule starts an
// occurrence. Bit 0 is Monday, bit 6 is Sunday, matching the packed
// integer stored in the schedules table.
type DayMask int

const (
	Monday    DayMask = 1 << 0
	Tuesday   DayMask = 1 << 1
	Wednesday DayMask = 1 << 2
	Thursday  DayMask = 1 << 3
	Friday    DayMask = 1 << 4
	Saturday  DayMask = 1 << 5
	Sunday    DayMask = 1 << 6

	Weekdays DayMask = Monday | Tuesday | Wednesday | Thursday | Friday
	Weekends DayMask = Saturday | Sunday
	EveryDay DayMask = Weekdays | Weekends
)

// Has reports whether the given day bit is set.
func (m DayMask) Has(day DayMask) bool {
	return m&day != 0
}

// Toggle flips the given day bit.
func (m DayMask) Toggle(day DayMask) DayMask {
	return m ^ day
}

// Valid reports whether the mask fits in the 7 weekday bits.
// The empty mask is valid; it just never starts anything.
func (m DayMask) Valid() bool {
	return m >= 0 && m <= EveryDay
}

// WeekdayBit maps a time.Weekday onto its mask bit.
func WeekdayBit(w time.Weekday) DayMask {
	switch w {
	case time.Monday:
		return Monday
	case time.Tuesday:
		return Tuesday
	case time.Wednesday:
		return Wednesday
	case time.Thursday:
		return Thursday
	case time.Friday:
		return Friday
	case time.Saturday:
		return Saturday
	case time.Sunday:
		return Sunday
	}
	return 0
}
