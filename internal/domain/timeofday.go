package domain

import "fmt"

// TimeOfDay is a wall-clock time in "HH:MM" resolution. Schedules store
// it interpreted in UTC; converting to the viewer's zone is a display
// concern and never feeds back into resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses a strict zero-padded "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 23 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: out of range", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Valid reports whether the time falls inside a calendar day.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}
