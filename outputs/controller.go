package outputs

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/marloweh/powercontroller/plan"
	"github.com/marloweh/powercontroller/pricing"
	"github.com/marloweh/powercontroller/shelly"
	"github.com/marloweh/powercontroller/statestore"
	"github.com/marloweh/powercontroller/timeutils"
)

// State is the controller state machine position.
type State string

const (
	StateOff        State = "OFF"
	StateOn         State = "ON"
	StateTurningOn  State = "TURNING_ON"
	StateTurningOff State = "TURNING_OFF"
	StateLockedOn   State = "LOCKED_ON"
	StateLockedOff  State = "LOCKED_OFF"
	StateFault      State = "FAULT"
)

// decisionSource says where a desired state came from, which decides which
// guards apply.
type decisionSource int

const (
	sourcePlan decisionSource = iota
	sourceUPS
	sourcePin
	sourceOverride
	sourceExercise // maxOff forced pulse
)

// Action asks the control loop to run a sequence driving the output to On.
type Action struct {
	Output   string
	On       bool
	Sequence *shelly.Sequence
}

// Controller is the state machine for one output. It never touches hardware
// itself: Evaluate returns an Action, the control loop runs the sequence and
// reports back via SequenceDone. Not safe for concurrent use; the control
// loop is the sole caller.
type Controller struct {
	Config Config

	state     State
	persisted *statestore.OutputState
	plan      *plan.Plan
	logger    *slog.Logger

	lockedUntil time.Time
	offSince    time.Time
	onSince     time.Time

	appOverride *plan.Override
	pinForce    *bool
	parentOn    bool
	upsTurnOff  bool
	deviceDown  bool
	probeTemps  map[string]*float64

	lastAccrue  time.Time
	lastPowerAt time.Time
	lastPowerW  float64
	dayEnergyWh float64
	dayCost     float64

	meterRunning  bool
	sessionStart  time.Time
	sessionWh     float64
	dirty         bool
	sequenceError error
}

// NewController restores a controller from its persisted state. An unknown
// relay state starts as OFF; the first reconciliation corrects the physical
// relay if it disagrees.
func NewController(config Config, persisted *statestore.OutputState, now time.Time) *Controller {
	if config.Location == nil {
		config.Location = time.Local
	}
	c := &Controller{
		Config:      config,
		persisted:   persisted,
		logger:      slog.Default().With("output", config.Name),
		probeTemps:  map[string]*float64{},
		lastAccrue:  now,
		lastPowerAt: now,
		offSince:    now,
		onSince:     now,
	}

	switch persisted.Relay {
	case statestore.RelayOn:
		c.state = StateOn
		if !persisted.LastChange.IsZero() {
			c.onSince = persisted.LastChange
		}
	default:
		c.state = StateOff
		if !persisted.LastChange.IsZero() {
			c.offSince = persisted.LastChange
		}
	}

	if persisted.Override != nil {
		restored := plan.Override{On: persisted.Override.On, ExpiresAt: persisted.Override.ExpiresAt}
		if restored.Active(now) {
			c.appOverride = &restored
		} else {
			persisted.Override = nil
		}
	}
	return c
}

// State returns the current machine position.
func (c *Controller) State() State { return c.state }

// Persisted exposes the backing state document entry.
func (c *Controller) Persisted() *statestore.OutputState { return c.persisted }

// Dirty reports whether persisted state changed since the last ClearDirty.
// The control loop uses it to coalesce state-file writes to one per tick.
func (c *Controller) Dirty() bool { return c.dirty }
func (c *Controller) ClearDirty() { c.dirty = false }
func (c *Controller) markDirty()  { c.dirty = true }

// SetPlan installs a freshly built plan.
func (c *Controller) SetPlan(p *plan.Plan) { c.plan = p }

// Plan returns the current plan, which may be nil before the first build.
func (c *Controller) Plan() *plan.Plan { return c.plan }

// BuildRequest assembles the plan builder input from the config and the
// controller's live state.
func (c *Controller) BuildRequest(now time.Time, prices []pricing.PricePoint, eph *timeutils.Ephemeris) plan.Request {
	return plan.Request{
		Output:                 c.Config.Name,
		Now:                    now,
		Location:               c.Config.Location,
		Eph:                    eph,
		Mode:                   c.Config.Mode,
		Prices:                 prices,
		DefaultPrice:           c.Config.DefaultPrice,
		Schedule:               c.Config.Schedule,
		ConstraintSchedule:     c.Config.ConstraintSchedule,
		DatesOff:               c.Config.DatesOff,
		TargetHours:            c.Config.TargetHours,
		MonthlyTargetHours:     c.Config.MonthlyTargetHours,
		MinHours:               c.Config.MinHours,
		MaxHours:               c.Config.MaxHours,
		MaxShortfallHours:      c.Config.MaxShortfallHours,
		AccumulatedHours:       c.persisted.OnSecondsToday / 3600,
		ShortfallHours:         c.persisted.ShortfallHours,
		MaxBestPrice:           c.Config.MaxBestPrice,
		MaxPriorityPrice:       c.Config.MaxPriorityPrice,
		AppOverride:            c.appOverride,
		UPSTurnOff:             c.upsTurnOff && c.Config.UPSAction == UPSTurnOff,
		TempConstraintViolated: c.tempViolated(),
	}
}

// Evaluate advances the state machine one tick. A non-nil Action must be
// executed by the caller, which then reports the outcome via SequenceDone.
// At most one action is in flight per output at any time.
func (c *Controller) Evaluate(now time.Time) *Action {
	if c.Config.Kind != KindSwitched {
		return nil
	}

	c.expireOverride(now)
	c.releaseLocks(now)

	// one in-flight command per output
	if c.state == StateTurningOn || c.state == StateTurningOff {
		return nil
	}
	if c.deviceDown {
		return nil
	}

	desired, source := c.desiredState(now)

	switch c.state {
	case StateFault:
		// retry toward wherever we should be; the opposing sequence runs if
		// the failed turn-on left things half done
		return c.begin(now, desired)

	case StateOff, StateLockedOff:
		if !desired {
			return nil
		}
		if c.state == StateLockedOff && source != sourceOverride && source != sourcePin {
			return nil
		}
		if source == sourcePlan {
			if c.Config.Parent != "" && !c.parentOn {
				return nil
			}
			if c.tempViolated() {
				return nil
			}
		}
		if c.upsTurnOff && c.Config.UPSAction == UPSTurnOff {
			return nil
		}
		return c.begin(now, true)

	case StateOn, StateLockedOn:
		if desired {
			return nil
		}
		if c.state == StateLockedOn && source != sourceOverride && source != sourcePin && source != sourceUPS {
			return nil
		}
		return c.begin(now, false)
	}
	return nil
}

// desiredState resolves what the output should be right now. Precedence:
// UPS turn-off, wired input pin, app override, maxOff exercise pulse, plan.
func (c *Controller) desiredState(now time.Time) (bool, decisionSource) {
	if c.upsTurnOff && c.Config.UPSAction == UPSTurnOff {
		return false, sourceUPS
	}
	if c.pinForce != nil {
		return *c.pinForce, sourcePin
	}
	if c.appOverride != nil {
		return c.appOverride.On, sourceOverride
	}
	if c.Config.MaxOff > 0 && (c.state == StateOff || c.state == StateLockedOff) &&
		now.Sub(c.offSince) > c.Config.MaxOff {
		return true, sourceExercise
	}
	if c.plan != nil {
		if slot, ok := c.plan.DecisionAt(now); ok {
			return slot.On, sourcePlan
		}
	}
	return false, sourcePlan
}

func (c *Controller) begin(now time.Time, on bool) *Action {
	if on {
		c.state = StateTurningOn
	} else {
		c.state = StateTurningOff
	}
	c.logger.Info("Starting transition", "to", c.state)
	return &Action{
		Output:   c.Config.Name,
		On:       on,
		Sequence: c.Config.sequenceFor(on),
	}
}

// SequenceDone reports the outcome of the in-flight action.
func (c *Controller) SequenceDone(now time.Time, err error) {
	switch c.state {
	case StateTurningOn:
		if err != nil {
			c.fault(err)
			return
		}
		c.recordRelay(now, true)
		c.onSince = now
		if c.Config.MinOn > 0 {
			c.state = StateLockedOn
			c.lockedUntil = now.Add(c.Config.MinOn)
		} else {
			c.state = StateOn
		}
		c.logger.Info("Turned on", "state", c.state)

	case StateTurningOff:
		if err != nil {
			c.fault(err)
			return
		}
		c.recordRelay(now, false)
		c.offSince = now
		if c.Config.MinOff > 0 {
			c.state = StateLockedOff
			c.lockedUntil = now.Add(c.Config.MinOff)
		} else {
			c.state = StateOff
		}
		c.logger.Info("Turned off", "state", c.state)

	default:
		c.logger.Warn("Sequence result in unexpected state", "state", c.state, "error", err)
	}
}

func (c *Controller) fault(err error) {
	c.sequenceError = err
	c.state = StateFault
	c.logger.Error("Output faulted", "error", err)
}

// LastError returns the error that caused the most recent FAULT, if any.
func (c *Controller) LastError() error { return c.sequenceError }

func (c *Controller) recordRelay(now time.Time, on bool) {
	relay := statestore.RelayOff
	if on {
		relay = statestore.RelayOn
	}
	c.persisted.Relay = relay
	c.persisted.LastChange = now
	c.persisted.LastContact = now
	c.markDirty()
}

func (c *Controller) releaseLocks(now time.Time) {
	switch c.state {
	case StateLockedOn:
		if !now.Before(c.lockedUntil) {
			c.state = StateOn
		}
	case StateLockedOff:
		if !now.Before(c.lockedUntil) {
			c.state = StateOff
		}
	}
}

func (c *Controller) expireOverride(now time.Time) {
	if c.appOverride != nil && !c.appOverride.Active(now) {
		c.logger.Info("App override expired")
		c.appOverride = nil
		c.persisted.Override = nil
		c.markDirty()
	}
}

// SetAppOverride applies an on/off/auto request from the HTTP surface.
// ttl 0 with state on uses the configured MaxAppOnTime cap.
func (c *Controller) SetAppOverride(now time.Time, state string, ttl time.Duration) error {
	switch state {
	case "auto":
		c.appOverride = nil
		c.persisted.Override = nil
	case "on", "off":
		override := &plan.Override{On: state == "on"}
		if ttl > 0 {
			override.ExpiresAt = now.Add(ttl)
		} else if override.On && c.Config.MaxAppOnTime > 0 {
			override.ExpiresAt = now.Add(c.Config.MaxAppOnTime)
		}
		c.appOverride = override
		c.persisted.Override = &statestore.Override{On: override.On, ExpiresAt: override.ExpiresAt}
	default:
		return fmt.Errorf("unknown override state %q", state)
	}
	c.markDirty()
	c.logger.Info("App override set", "state", state, "ttl", ttl)
	return nil
}

// AppOverride returns the active override, nil when plan-driven.
func (c *Controller) AppOverride(now time.Time) *plan.Override {
	c.expireOverride(now)
	return c.appOverride
}

// ObserveInput applies a wired input pin's active state per the configured
// mode. An inactive pin always hands control back to the plan.
func (c *Controller) ObserveInput(active bool) {
	switch c.Config.PinMode {
	case InputTurnOn:
		if active {
			forced := true
			c.pinForce = &forced
		} else {
			c.pinForce = nil
		}
	case InputTurnOff:
		if active {
			forced := false
			c.pinForce = &forced
		} else {
			c.pinForce = nil
		}
	}
}

// ObserveParent records the parent's last observed relay state.
func (c *Controller) ObserveParent(on bool) { c.parentOn = on }

// SetUPSUnhealthy flags the linked UPS unhealthy (or clears the flag).
func (c *Controller) SetUPSUnhealthy(unhealthy bool) { c.upsTurnOff = unhealthy }

// ObserveTemp records the latest reading of one probe; nil means stale.
func (c *Controller) ObserveTemp(probe string, degreesC *float64) {
	c.probeTemps[probe] = degreesC
}

func (c *Controller) tempViolated() bool {
	for _, constraint := range c.Config.TempConstraints {
		if constraint.Violated(c.probeTemps[constraint.Probe]) {
			return true
		}
	}
	return false
}

// DeviceDown marks the backing device unreachable: the output is FAULT and no
// commands are issued until recovery.
func (c *Controller) DeviceDown() {
	if c.deviceDown {
		return
	}
	c.deviceDown = true
	c.state = StateFault
	c.logger.Warn("Backing device down, output faulted")
}

// DeviceRecovered clears the down flag; the next Evaluate reconciles.
func (c *Controller) DeviceRecovered() {
	c.deviceDown = false
}

// ObserveRelay records a device status poll of the physical relay.
func (c *Controller) ObserveRelay(now time.Time, on bool) {
	relay := statestore.RelayOff
	if on {
		relay = statestore.RelayOn
	}
	if c.persisted.Relay != relay {
		c.persisted.Relay = relay
		c.markDirty()
	}
	c.persisted.LastContact = now

	// adopt the physical state when idle so a restart does not cycle relays
	switch c.state {
	case StateOff:
		if on {
			c.state = StateOn
			c.onSince = now
		}
	case StateOn:
		if !on {
			c.state = StateOff
			c.offSince = now
		}
	}
}

// StopAction returns the turn-off action for stop-on-exit outputs that are
// not already off, nil otherwise. The caller completes the transition via
// SequenceDone as usual.
func (c *Controller) StopAction() *Action {
	if !c.Config.StopOnExit || c.Config.Kind != KindSwitched {
		return nil
	}
	if c.state == StateOff || c.state == StateLockedOff || c.state == StateTurningOff {
		return nil
	}
	c.state = StateTurningOff
	return &Action{
		Output:   c.Config.Name,
		On:       false,
		Sequence: c.Config.sequenceFor(false),
	}
}
