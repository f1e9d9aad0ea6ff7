package pricing

import (
	"time"

	"github.com/marloweh/powercontroller/schedule"
	"github.com/marloweh/powercontroller/timeutils"
)

// Fallback synthesises a price series for [from, to) when the price source is
// down or an output runs in schedule mode. Slots inside a schedule window take
// the window's nominal price with fallback-schedule quality; everything else
// takes the default price with default quality. The run-plan builder is
// unchanged downstream.
func Fallback(channel Channel, from, to time.Time, sched *schedule.Schedule, eph *timeutils.Ephemeris, defaultPrice float64) []PricePoint {
	var out []PricePoint
	for slot := timeutils.FloorHH(from.UTC()); slot.Before(to); slot = slot.Add(timeutils.SlotDuration) {
		point := PricePoint{
			Start:    slot,
			Duration: timeutils.SlotDuration,
			Channel:  channel,
			PriceKwh: defaultPrice,
			Quality:  QualityDefault,
		}
		if sched != nil {
			if in, price := sched.InWindow(slot, eph); in && price != nil {
				point.PriceKwh = *price
				point.Quality = QualityFallbackSchedule
			}
		}
		out = append(out, point)
	}
	return out
}
