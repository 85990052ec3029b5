package schedule

import (
	"time"

	"github.com/nogataka/autocoder/internal/domain"
)

// UTCToLocal reinterprets a stored UTC wall-clock time against the
// reference date and reads it back in loc. Editing-form helper only;
// resolution math never leaves UTC.
func UTCToLocal(t domain.TimeOfDay, loc *time.Location, ref time.Time) domain.TimeOfDay {
	ref = ref.UTC()
	at := time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Minute, 0, 0, time.UTC).In(loc)
	return domain.TimeOfDay{Hour: at.Hour(), Minute: at.Minute()}
}

// LocalToUTC is the inverse of UTCToLocal for the same reference date.
func LocalToUTC(t domain.TimeOfDay, loc *time.Location, ref time.Time) domain.TimeOfDay {
	local := ref.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc).UTC()
	return domain.TimeOfDay{Hour: at.Hour(), Minute: at.Minute()}
}
