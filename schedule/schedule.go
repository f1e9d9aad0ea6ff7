// Package schedule evaluates named time-of-week operating schedules. A
// schedule is a list of windows; membership at an instant means the instant's
// weekday is in the window's day mask and its clock time lies inside the
// window (which may wrap midnight, or be anchored to dawn/dusk).
package schedule

import (
	"time"

	"github.com/marloweh/powercontroller/timeutils"
)

// Window is one entry of an operating schedule.
type Window struct {
	timeutils.DayedPeriod
	Price *float64 // optional nominal price for the window, in c/kWh
}

// Schedule is a named list of windows.
type Schedule struct {
	Name    string
	Windows []Window
}

// InWindow reports whether t lies inside the schedule, and the nominal price
// of the matching window. Where overlapping windows both match, the lowest
// price wins. The returned price is nil if no matching window carries one.
func (s *Schedule) InWindow(t time.Time, eph *timeutils.Ephemeris) (bool, *float64) {
	hit := false
	var best *float64
	for i := range s.Windows {
		w := &s.Windows[i]
		if !w.Contains(t, eph) {
			continue
		}
		hit = true
		if w.Price != nil && (best == nil || *w.Price < *best) {
			best = w.Price
		}
	}
	return hit, best
}

// NextWindowStart returns the start of the next window at or after t, looking
// ahead up to the given horizon. Returns false if no window starts within it.
func (s *Schedule) NextWindowStart(t time.Time, horizon time.Duration, eph *timeutils.Ephemeris) (time.Time, bool) {
	probe := timeutils.FloorHH(t)
	end := t.Add(horizon)
	for !probe.After(end) {
		if ok, _ := s.InWindow(probe, eph); ok {
			return probe, true
		}
		probe = probe.Add(timeutils.SlotDuration)
	}
	return time.Time{}, false
}
