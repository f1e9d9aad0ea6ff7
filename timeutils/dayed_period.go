package timeutils

import (
	"time"
)

// DayedPeriod gives a period of clock time on particular days, e.g. "4pm to
// 6pm on weekdays". For wrap-midnight periods the day mask applies to the day
// the period starts on.
type DayedPeriod struct {
	ClockTimePeriod
	Days Days
}

// AbsolutePeriod returns the equivalent Period for the given DayedPeriod,
// using t as the reference time that must be within the DayedPeriod. If t is
// outside of the DayedPeriod (wrong day or wrong time) then ok is false.
func (d *DayedPeriod) AbsolutePeriod(t time.Time, eph *Ephemeris) (Period, bool) {
	period, ok := d.ClockTimePeriod.AbsolutePeriod(t, eph)
	if !ok {
		return Period{}, false
	}

	// The day mask is evaluated against the period's start, so that the early
	// hours of a wrapped window belong to the day the window began.
	if !d.Days.IsOnDay(period.Start) {
		return Period{}, false
	}
	return period, true
}

// Contains returns true if the given t is contained in the DayedPeriod.
func (d *DayedPeriod) Contains(t time.Time, eph *Ephemeris) bool {
	_, contains := d.AbsolutePeriod(t, eph)
	return contains
}
