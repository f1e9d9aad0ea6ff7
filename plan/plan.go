// Package plan builds per-output run plans: ordered half-hour slots marked
// ON or OFF over a horizon, selected to meet the output's daily hour budget
// at the lowest price subject to its constraints. Building is deterministic -
// identical inputs always yield identical plans.
package plan

import (
	"time"

	"github.com/marloweh/powercontroller/pricing"
	"github.com/marloweh/powercontroller/timeutils"
)

// Reason explains why a slot was decided ON or OFF.
type Reason string

const (
	ReasonScheduleHit       Reason = "schedule-hit"
	ReasonPriceBelowCeiling Reason = "price-below-ceiling"
	ReasonPriority          Reason = "priority"
	ReasonParentGated       Reason = "parent-gated"
	ReasonConstrainedOff    Reason = "constrained-off"
	ReasonDateOff           Reason = "date-off"
	ReasonForcedOff         Reason = "forced-off"
	ReasonAppOverride       Reason = "app-override"
	ReasonPriceAboveCeiling Reason = "price-above-ceiling"
	ReasonScheduleMiss      Reason = "schedule-miss"
	ReasonNotSelected       Reason = "not-selected"
	ReasonElapsed           Reason = "elapsed"
)

// Slot is one half-hour decision within a plan.
type Slot struct {
	Start    time.Time
	End      time.Time
	On       bool
	Reason   Reason
	PriceKwh float64
	Quality  pricing.Quality
}

// Plan is the ordered, gap-free sequence of slots for one output.
type Plan struct {
	Output  string
	BuiltAt time.Time
	Slots   []Slot
}

// DecisionAt returns the slot covering the given instant.
func (p *Plan) DecisionAt(t time.Time) (Slot, bool) {
	for _, slot := range p.Slots {
		if !t.Before(slot.Start) && t.Before(slot.End) {
			return slot, true
		}
	}
	return Slot{}, false
}

// PlannedOnHours sums the ON time of slots ending after the given instant.
func (p *Plan) PlannedOnHours(after time.Time) float64 {
	var d time.Duration
	for _, slot := range p.Slots {
		if !slot.On || !slot.End.After(after) {
			continue
		}
		start := slot.Start
		if start.Before(after) {
			start = after
		}
		d += slot.End.Sub(start)
	}
	return d.Hours()
}

// NextChange returns the start of the next slot after t whose decision
// differs from the decision at t.
func (p *Plan) NextChange(t time.Time) (time.Time, bool) {
	current, ok := p.DecisionAt(t)
	if !ok {
		return time.Time{}, false
	}
	for _, slot := range p.Slots {
		if slot.Start.After(t) && slot.On != current.On {
			return slot.Start, true
		}
	}
	return time.Time{}, false
}

// Equal reports whether two plans make the same decisions over the same
// slots. BuiltAt is ignored.
func (p *Plan) Equal(other *Plan) bool {
	if other == nil || len(p.Slots) != len(other.Slots) {
		return false
	}
	for i, slot := range p.Slots {
		o := other.Slots[i]
		if !slot.Start.Equal(o.Start) || slot.On != o.On || slot.Reason != o.Reason {
			return false
		}
	}
	return true
}

// DateRange is an inclusive range of calendar dates on which an output must
// stay off.
type DateRange struct {
	From time.Time // midnight local on the first excluded day
	To   time.Time // midnight local on the last excluded day
}

// ContainsDate reports whether the day containing t falls within the range.
func (r *DateRange) ContainsDate(t time.Time, loc *time.Location) bool {
	day := timeutils.StartOfDay(t, loc)
	from := timeutils.StartOfDay(r.From, loc)
	to := timeutils.StartOfDay(r.To, loc)
	return !day.Before(from) && !day.After(to)
}

// Override is an app-pushed forced state with optional expiry.
type Override struct {
	On        bool
	ExpiresAt time.Time // zero means no expiry
}

// Active reports whether the override is in force at t.
func (o *Override) Active(t time.Time) bool {
	return o.ExpiresAt.IsZero() || t.Before(o.ExpiresAt)
}
