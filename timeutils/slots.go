package timeutils

import "time"

const (
	// SlotDuration is the length of a pricing/planning slot. All slots are
	// aligned to wall-clock half-hour boundaries in UTC.
	SlotDuration = time.Minute * 30
)

// FloorHH returns the given t rounded down to the nearest half-hour boundary.
func FloorHH(t time.Time) time.Time {
	minute := t.Minute()
	if minute >= 30 {
		minute = 30
	} else {
		minute = 0
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location())
}

// DurationLeftOfSlot returns the amount of time remaining in the current
// half-hour slot, given the current time t.
func DurationLeftOfSlot(t time.Time) time.Duration {
	return SlotDuration - t.Sub(FloorHH(t))
}

// StartOfDay returns local midnight on the day containing t, in the given
// location.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// SameDay returns true if a and b fall on the same calendar day in the given
// location.
func SameDay(a, b time.Time, loc *time.Location) bool {
	a = a.In(loc)
	b = b.In(loc)
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
