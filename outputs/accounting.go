package outputs

import (
	"time"

	"github.com/marloweh/powercontroller/plan"
	"github.com/marloweh/powercontroller/statestore"
)

// Accrue charges elapsed wall time since the previous call to today's
// counters. priceKwh is the current channel price in c/kWh; cost accumulates
// in cents.
func (c *Controller) Accrue(now time.Time, priceKwh float64) {
	elapsed := now.Sub(c.lastAccrue).Seconds()
	c.lastAccrue = now
	if elapsed <= 0 {
		return
	}

	running := c.persisted.Relay == statestore.RelayOn
	if c.Config.Kind == KindMeter {
		running = c.meterRunning
	}
	if !running {
		return
	}

	c.persisted.OnSecondsToday += elapsed
	energyWh := c.lastPowerW * elapsed / 3600
	c.dayEnergyWh += energyWh
	c.dayCost += energyWh / 1000 * priceKwh
	c.markDirty()
}

// ObservePower feeds a meter sample in. Switched outputs just remember the
// draw for accrual; meter-kind outputs also run the hysteresis classifier.
// Session energy integrates over the gap since the previous sample, so the
// window advances per sample regardless of the accrual cadence.
func (c *Controller) ObservePower(now time.Time, powerW float64) {
	previous := c.lastPowerAt
	c.lastPowerAt = now
	c.lastPowerW = powerW
	c.persisted.LastPowerW = powerW
	c.persisted.LastContact = now

	if c.Config.Kind != KindMeter {
		return
	}

	switch {
	case !c.meterRunning && powerW >= c.Config.PowerOnW:
		c.meterRunning = true
		c.sessionStart = now
		c.sessionWh = 0
		c.logger.Info("Meter running", "power_w", powerW)
	case c.meterRunning && powerW <= c.Config.PowerOffW:
		c.meterRunning = false
		if now.After(previous) {
			c.sessionWh += powerW * now.Sub(previous).Seconds() / 3600
		}
		c.endSession(now)
	case c.meterRunning:
		// between thresholds the classifier holds its state
		if now.After(previous) {
			c.sessionWh += powerW * now.Sub(previous).Seconds() / 3600
		}
	}
}

// endSession closes a meter-kind run. Sessions below the energy floor are
// noise (a fridge compressor blip, a pump prime) and are dropped.
func (c *Controller) endSession(now time.Time) {
	duration := now.Sub(c.sessionStart)
	if c.sessionWh < c.Config.MinEnergyToLogWh {
		c.logger.Debug("Session below energy floor, discarded",
			"energy_wh", c.sessionWh, "duration", duration)
		return
	}
	c.persisted.LastEnergyWh = c.sessionWh
	c.logger.Info("Session ended", "energy_wh", c.sessionWh, "duration", duration)
	c.markDirty()
}

// MeterRunning reports the classifier verdict for meter-kind outputs.
func (c *Controller) MeterRunning() bool { return c.meterRunning }

// IngestSession attributes an externally metered session (an EV charge pulled
// from another system) to this output at the channel price ruling when the
// session started.
func (c *Controller) IngestSession(start, end time.Time, energyWh, priceKwh float64) {
	if !end.After(start) || energyWh <= 0 {
		return
	}
	c.persisted.OnSecondsToday += end.Sub(start).Seconds()
	c.dayEnergyWh += energyWh
	c.dayCost += energyWh / 1000 * priceKwh
	c.persisted.LastEnergyWh = energyWh
	c.persisted.LastContact = end
	c.markDirty()
	c.logger.Info("Imported session",
		"start", start, "energy_wh", energyWh, "price_kwh", priceKwh)
}

// DayTotals returns today's running totals (energy Wh, cost cents).
func (c *Controller) DayTotals() (float64, float64) {
	return c.dayEnergyWh, c.dayCost
}

// Rollover closes out the day that ended at local midnight: yesterday's
// totals join the history ring, the shortfall carries forward (bounded), and
// today's counters reset.
func (c *Controller) Rollover(now time.Time) {
	yesterday := now.In(c.Config.Location).AddDate(0, 0, -1)

	target := c.Config.TargetHours
	if override, ok := c.Config.MonthlyTargetHours[yesterday.Month()]; ok {
		target = override
	}

	c.persisted.RecordDay(statestore.DayRecord{
		Date:      yesterday.Format("2006-01-02"),
		OnSeconds: c.persisted.OnSecondsToday,
		EnergyWh:  c.dayEnergyWh,
		Cost:      c.dayCost,
	})
	c.persisted.ShortfallHours = plan.RolloverShortfall(
		target, c.persisted.OnSecondsToday/3600,
		c.persisted.ShortfallHours, c.Config.MaxShortfallHours)

	c.persisted.OnSecondsToday = 0
	c.dayEnergyWh = 0
	c.dayCost = 0
	c.markDirty()
	c.logger.Info("Day rolled over", "shortfall_hours", c.persisted.ShortfallHours)
}
