package timeutils

import (
	"time"
)

// ClockTimePeriod represents a period of time that is defined by local clock
// time, without any date information, e.g. "4pm to 6pm". Periods where the
// end is at or before the start wrap past midnight into the next day, e.g.
// "23:00 to 06:00".
type ClockTimePeriod struct {
	Start ClockTime
	End   ClockTime
}

// AbsolutePeriod returns the equivalent Period for the given ClockTimePeriod,
// using t as the reference time that must be within the ClockTimePeriod.
// If t is outside of the ClockTimePeriod then ok is returned false.
//
// The Period.Start is inclusive, the Period.End exclusive.
//
// For a wrap-midnight period the returned Period is anchored on the day the
// period started: a reference time of 01:00 against "23:00 to 06:00" yields
// the period starting at 23:00 on the previous day.
func (p *ClockTimePeriod) AbsolutePeriod(t time.Time, eph *Ephemeris) (Period, bool) {

	loc := p.Start.Location
	if loc == nil {
		loc = time.UTC
	}

	// Make sure that t is in the relevant timezone for the configuration,
	// otherwise the day can be wrong near midnight when there is an offset.
	t = t.In(loc)
	year, month, day := t.Date()

	start := p.Start.OnDate(year, month, day, eph)
	end := p.End.OnDate(year, month, day, eph)

	if !end.After(start) {
		// Wrap-midnight window. Try the window anchored today (covering
		// tonight into tomorrow morning), then the one anchored yesterday
		// (covering this morning).
		endTomorrow := end.AddDate(0, 0, 1)
		if (t.After(start) || t.Equal(start)) && t.Before(endTomorrow) {
			return Period{Start: start, End: endTomorrow}, true
		}
		startYesterday := start.AddDate(0, 0, -1)
		if (t.After(startYesterday) || t.Equal(startYesterday)) && t.Before(end) {
			return Period{Start: startYesterday, End: end}, true
		}
		return Period{}, false
	}

	if (t.After(start) || t.Equal(start)) && t.Before(end) {
		return Period{Start: start, End: end}, true
	}
	return Period{}, false
}

// Contains returns true if the given t is contained in the ClockTimePeriod.
func (p *ClockTimePeriod) Contains(t time.Time, eph *Ephemeris) bool {
	_, contains := p.AbsolutePeriod(t, eph)
	return contains
}
