package plan

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/marloweh/powercontroller/pricing"
	"github.com/marloweh/powercontroller/schedule"
	"github.com/marloweh/powercontroller/timeutils"
)

// Mode selects the planning strategy for an output.
type Mode string

const (
	ModeBestPrice Mode = "BestPrice"
	ModeSchedule  Mode = "Schedule"
)

// Request carries everything the builder needs to plan one output. The price
// series must already cover the full window - the caller substitutes fallback
// prices when the price source is down (see pricing.Fallback).
type Request struct {
	Output   string
	Now      time.Time
	Location *time.Location
	Eph      *timeutils.Ephemeris

	Mode               Mode
	Prices             []pricing.PricePoint
	DefaultPrice       float64 // price assumed for slots the series does not cover
	Schedule           *schedule.Schedule
	ConstraintSchedule *schedule.Schedule
	DatesOff           []DateRange

	TargetHours        float64 // -1 selects all eligible slots under the ceiling
	MonthlyTargetHours map[time.Month]float64
	MinHours           float64
	MaxHours           float64
	MaxShortfallHours  float64
	AccumulatedHours   float64 // hours already run today
	ShortfallHours     float64 // carried from prior days

	MaxBestPrice     float64
	MaxPriorityPrice float64

	AppOverride            *Override
	UPSTurnOff             bool // UPS unhealthy with action TurnOff
	TempConstraintViolated bool

	Lookback time.Duration // defaults to 12h
	Horizon  time.Duration // defaults to 24h
}

// TargetForDay resolves the target hours for the day containing t, honouring
// any per-month override.
func (r *Request) TargetForDay(t time.Time) float64 {
	if override, ok := r.MonthlyTargetHours[t.In(r.Location).Month()]; ok {
		return override
	}
	return r.TargetHours
}

// RolloverShortfall computes the shortfall carried into a new day:
// clamp(yesterdayTarget - yesterdayActual + oldShortfall, 0, maxShortfall).
// A target of -1 ("all eligible") resets the shortfall.
func RolloverShortfall(yesterdayTarget, yesterdayActual, oldShortfall, maxShortfall float64) float64 {
	if yesterdayTarget < 0 {
		return 0
	}
	shortfall := yesterdayTarget - yesterdayActual + oldShortfall
	if shortfall < 0 {
		return 0
	}
	if shortfall > maxShortfall {
		return maxShortfall
	}
	return shortfall
}

// Build produces the run plan for one output over
// [FloorHH(now - lookback), now + horizon).
func Build(req Request) *Plan {
	if req.Location == nil {
		req.Location = time.UTC
	}
	if req.Lookback <= 0 {
		req.Lookback = 12 * time.Hour
	}
	if req.Horizon <= 0 {
		req.Horizon = 24 * time.Hour
	}

	windowStart := timeutils.FloorHH(req.Now.UTC().Add(-req.Lookback))
	windowEnd := req.Now.UTC().Add(req.Horizon)

	priceByStart := make(map[int64]pricing.PricePoint, len(req.Prices))
	for _, point := range req.Prices {
		priceByStart[timeutils.FloorHH(point.Start.UTC()).Unix()] = point
	}

	result := &Plan{Output: req.Output, BuiltAt: req.Now}

	// Lay down the grid with eligibility decided per slot. Selection then
	// turns eligible slots ON per local day.
	type candidate struct {
		index int // position in result.Slots
	}
	eligibleByDay := make(map[int64][]candidate) // keyed by local midnight unix

	currentSlot := timeutils.FloorHH(req.Now.UTC())
	for start := windowStart; start.Before(windowEnd); start = start.Add(timeutils.SlotDuration) {
		slot := Slot{
			Start:    start,
			End:      start.Add(timeutils.SlotDuration),
			PriceKwh: req.DefaultPrice,
			Quality:  pricing.QualityDefault,
		}
		if point, ok := priceByStart[start.Unix()]; ok {
			slot.PriceKwh = point.PriceKwh
			slot.Quality = point.Quality
		}

		if start.Before(currentSlot) {
			// History is carried for accounting only, never re-decided.
			slot.Reason = ReasonElapsed
			result.Slots = append(result.Slots, slot)
			continue
		}

		if reason, eligible := req.slotEligibility(slot.Start); !eligible {
			slot.Reason = reason
			result.Slots = append(result.Slots, slot)
			continue
		}

		// Forced ON by app override wins over everything except the
		// always-off gates already checked above.
		if req.AppOverride != nil && req.AppOverride.Active(start) && req.AppOverride.On {
			slot.On = true
			slot.Reason = ReasonAppOverride
			result.Slots = append(result.Slots, slot)
			continue
		}

		slot.Reason = ReasonNotSelected
		result.Slots = append(result.Slots, slot)
		day := timeutils.StartOfDay(start, req.Location).Unix()
		eligibleByDay[day] = append(eligibleByDay[day], candidate{index: len(result.Slots) - 1})
	}

	// Select per local day. Today's budget accounts for hours already run and
	// carried shortfall; later days start from zero.
	today := timeutils.StartOfDay(req.Now, req.Location).Unix()
	days := make([]int64, 0, len(eligibleByDay))
	for day := range eligibleByDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	for _, day := range days {
		indices := make([]int, 0, len(eligibleByDay[day]))
		for _, cand := range eligibleByDay[day] {
			indices = append(indices, cand.index)
		}

		accumulated := 0.0
		shortfall := 0.0
		if day == today {
			accumulated = req.AccumulatedHours
			shortfall = math.Min(req.ShortfallHours, req.MaxShortfallHours)
		}
		target := req.TargetForDay(time.Unix(day, 0).In(req.Location))

		switch req.Mode {
		case ModeSchedule:
			req.selectSchedule(result, indices, target, accumulated)
		default:
			req.selectBestPrice(result, indices, target, accumulated, shortfall)
		}
	}

	return result
}

// slotEligibility applies the always-off gates in priority order. It returns
// the reason an ineligible slot is off.
func (r *Request) slotEligibility(start time.Time) (Reason, bool) {
	for i := range r.DatesOff {
		if r.DatesOff[i].ContainsDate(start, r.Location) {
			return ReasonDateOff, false
		}
	}
	if r.UPSTurnOff {
		return ReasonConstrainedOff, false
	}
	if r.AppOverride != nil && r.AppOverride.Active(start) && !r.AppOverride.On {
		return ReasonAppOverride, false
	}
	if r.ConstraintSchedule != nil {
		if in, _ := r.ConstraintSchedule.InWindow(start, r.Eph); !in {
			return ReasonConstrainedOff, false
		}
	}
	if r.Mode == ModeSchedule && r.Schedule != nil {
		if in, _ := r.Schedule.InWindow(start, r.Eph); !in {
			return ReasonScheduleMiss, false
		}
	}
	if r.TempConstraintViolated {
		return ReasonConstrainedOff, false
	}
	return "", true
}

// selectBestPrice turns on the cheapest eligible slots to meet the day's
// needed hours, honouring the best-price ceiling, then lifts to the priority
// ceiling if MinHours would otherwise be missed.
func (r *Request) selectBestPrice(p *Plan, indices []int, target, accumulated, shortfall float64) {

	// target -1 means run in every eligible slot under the ceiling
	if target < 0 {
		for _, i := range indices {
			if p.Slots[i].PriceKwh <= r.MaxBestPrice {
				p.Slots[i].On = true
				p.Slots[i].Reason = ReasonPriceBelowCeiling
			} else {
				p.Slots[i].Reason = ReasonPriceAboveCeiling
			}
		}
		return
	}

	need := math.Max(0, target-accumulated) + shortfall
	if remaining := r.MaxHours - accumulated; r.MaxHours > 0 && need > remaining {
		need = math.Max(0, remaining)
	}
	needSlots := int(math.Ceil(need * 2))

	// Stable sort ascending by (price, start). The start tie-break keeps the
	// plan deterministic across rebuilds.
	sorted := make([]int, len(indices))
	copy(sorted, indices)
	sort.SliceStable(sorted, func(a, b int) bool {
		sa, sb := p.Slots[sorted[a]], p.Slots[sorted[b]]
		if sa.PriceKwh != sb.PriceKwh {
			return sa.PriceKwh < sb.PriceKwh
		}
		return sa.Start.Before(sb.Start)
	})

	selected := 0
	for _, i := range sorted {
		if selected >= needSlots {
			break
		}
		if p.Slots[i].PriceKwh > r.MaxBestPrice {
			continue
		}
		p.Slots[i].On = true
		p.Slots[i].Reason = ReasonPriceBelowCeiling
		selected++
	}

	// Priority lift: make up to MinHours from the remaining cheapest eligible
	// slots under the priority ceiling, counting hours already run today.
	minSlots := int(math.Ceil(r.MinHours * 2))
	haveSlots := selected + int(accumulated*2)
	if haveSlots < minSlots && r.MaxPriorityPrice > 0 {
		for _, i := range sorted {
			if haveSlots >= minSlots {
				break
			}
			if p.Slots[i].On || p.Slots[i].PriceKwh > r.MaxPriorityPrice {
				continue
			}
			p.Slots[i].On = true
			p.Slots[i].Reason = ReasonPriority
			haveSlots++
		}
	}

	for _, i := range indices {
		if !p.Slots[i].On && p.Slots[i].PriceKwh > r.MaxBestPrice {
			p.Slots[i].Reason = ReasonPriceAboveCeiling
		}
	}

	if needSlots > 0 && selected == 0 && haveSlots < minSlots {
		slog.Warn("Run plan found no affordable slots",
			"output", r.Output,
			"need_hours", need,
			"max_best_price", r.MaxBestPrice,
		)
	}
}

// selectSchedule turns on every eligible slot (they already passed the window
// membership check) up to the day's MaxHours.
func (r *Request) selectSchedule(p *Plan, indices []int, target, accumulated float64) {
	budgetSlots := math.MaxInt32
	if r.MaxHours > 0 {
		budgetSlots = int(math.Max(0, (r.MaxHours-accumulated)*2))
	}
	if target >= 0 {
		targetSlots := int(math.Ceil(math.Max(0, target-accumulated) * 2))
		if targetSlots < budgetSlots {
			budgetSlots = targetSlots
		}
	}

	on := 0
	for _, i := range indices {
		if on >= budgetSlots {
			p.Slots[i].Reason = ReasonNotSelected
			continue
		}
		p.Slots[i].On = true
		p.Slots[i].Reason = ReasonScheduleHit
		on++
	}
}

// GateByParent post-processes a child's plan so that a child slot stays ON
// only if the parent's plan also has that slot ON. Callers resolve children
// in topological order so grandchildren see their parent's gated plan.
func GateByParent(child, parent *Plan) {
	if child == nil || parent == nil {
		return
	}
	for i := range child.Slots {
		slot := &child.Slots[i]
		if !slot.On {
			continue
		}
		parentSlot, ok := parent.DecisionAt(slot.Start)
		if !ok || !parentSlot.On {
			slot.On = false
			slot.Reason = ReasonParentGated
		}
	}
}
