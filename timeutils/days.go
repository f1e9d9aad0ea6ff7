package timeutils

import (
	"fmt"
	"strings"
	"time"
)

// These constants define the names of day groups and are used within the
// `Days` struct.
const (
	WeekendDaysName = "weekends"
	WeekdayDaysName = "weekdays"
	AllDaysName     = "all"
)

// Days specifies which days of the week some configuration applies to. It can
// be a named group ("all", "weekdays", "weekends") or an explicit list of
// weekday names ("monday,wednesday,friday").
type Days struct {
	Name     string         // the day specification, lower-cased
	Location *time.Location // we always need a timezone to use day information, e.g. "2024-04-06T23:30:00Z" is a Friday in UTC but a Saturday in BST
}

// IsWeekday returns true if the day is Mon-Fri inclusive, or false if the day
// is Sat or Sun.
func IsWeekday(t time.Time) bool {
	day := t.Weekday()
	if day == time.Saturday || day == time.Sunday {
		return false
	}
	return true
}

// IsOnDay returns true if the given time is on one of the days specified by d.
func (d *Days) IsOnDay(t time.Time) bool {

	// Make sure that t is in the relevant timezone for the day configuration.
	if d.Location != nil {
		t = t.In(d.Location)
	}

	switch strings.ToLower(d.Name) {
	case AllDaysName, "":
		return true
	case WeekdayDaysName:
		return IsWeekday(t)
	case WeekendDaysName:
		return !IsWeekday(t)
	default:
		for _, name := range strings.Split(strings.ToLower(d.Name), ",") {
			if strings.TrimSpace(name) == strings.ToLower(t.Weekday().String()) {
				return true
			}
		}
		return false
	}
}

// Validate checks that the day specification names real weekdays or one of
// the known groups.
func (d *Days) Validate() error {
	switch strings.ToLower(d.Name) {
	case AllDaysName, WeekdayDaysName, WeekendDaysName, "":
		return nil
	}
	known := map[string]bool{}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		known[strings.ToLower(wd.String())] = true
	}
	for _, name := range strings.Split(strings.ToLower(d.Name), ",") {
		if !known[strings.TrimSpace(name)] {
			return fmt.Errorf("unknown day specification element: %q", name)
		}
	}
	return nil
}
