// Package outputs holds the per-output controllers: the state machine that
// drives a relay toward its run plan, the power-hysteresis classifier for
// meter-only outputs, and the session ingester for imported outputs. All
// controller state is owned by the control loop; nothing here is safe for
// concurrent use.
package outputs

import (
	"time"

	"github.com/marloweh/powercontroller/plan"
	"github.com/marloweh/powercontroller/pricing"
	"github.com/marloweh/powercontroller/schedule"
	"github.com/marloweh/powercontroller/shelly"
)

// Kind discriminates what an output physically is.
type Kind string

const (
	KindSwitched Kind = "switched" // a relay we drive
	KindMeter    Kind = "meter"    // a meter we only observe
	KindImported Kind = "imported" // sessions pulled from an external system
)

// InputPinMode says how a wired input pin affects the output.
type InputPinMode string

const (
	InputIgnore  InputPinMode = "ignore"
	InputTurnOn  InputPinMode = "turnOn"  // pin active forces ON, inactive resumes plan
	InputTurnOff InputPinMode = "turnOff" // pin active forces OFF, inactive resumes plan
)

// UPSAction says what to do with the output when the linked UPS is unhealthy.
type UPSAction string

const (
	UPSNone    UPSAction = ""
	UPSTurnOff UPSAction = "turnOff"
)

// TempConstraint keeps the output off while a probe reading is on the wrong
// side of the threshold.
type TempConstraint struct {
	Probe      string
	Above      bool // true: violated when reading > threshold
	ThresholdC float64
}

// Violated reports whether the reading breaks the constraint. A nil reading
// (stale or never taken) is unknown and never a violation on its own.
func (t TempConstraint) Violated(degreesC *float64) bool {
	if degreesC == nil {
		return false
	}
	if t.Above {
		return *degreesC > t.ThresholdC
	}
	return *degreesC < t.ThresholdC
}

// Config is one output's full configuration, resolved from YAML at load.
type Config struct {
	Name string
	Kind Kind

	// device bindings, optional per kind
	Device   string
	Relay    int
	Meter    int
	InputPin int
	PinMode  InputPinMode

	Mode               plan.Mode
	Schedule           *schedule.Schedule
	ConstraintSchedule *schedule.Schedule
	Channel            pricing.Channel

	// daily budget
	TargetHours        float64 // -1 selects every eligible cheap slot
	MonthlyTargetHours map[time.Month]float64
	MinHours           float64
	MaxHours           float64
	MaxShortfallHours  float64

	// price ceilings, c/kWh
	MaxBestPrice     float64
	MaxPriorityPrice float64
	DefaultPrice     float64

	// anti-chatter; MinOff and MaxOff are mutually exclusive
	MinOn  time.Duration
	MinOff time.Duration
	MaxOff time.Duration

	DatesOff   []plan.DateRange
	StopOnExit bool
	Parent     string

	TurnOnSequence  *shelly.Sequence
	TurnOffSequence *shelly.Sequence

	// app override; zero means no expiry cap
	MaxAppOnTime time.Duration

	TempConstraints []TempConstraint

	UPS       string
	UPSAction UPSAction

	// meter-kind thresholds
	PowerOnW         float64
	PowerOffW        float64
	MinEnergyToLogWh float64

	Location *time.Location
}

// defaultSequence synthesises the single-step recipe used when no explicit
// sequence is configured.
func (c *Config) defaultSequence(on bool) *shelly.Sequence {
	name := c.Name + "/turn-off"
	if on {
		name = c.Name + "/turn-on"
	}
	return &shelly.Sequence{
		Name:    name,
		Timeout: time.Minute,
		Steps: []shelly.Step{{
			Kind:   shelly.StepChangeOutput,
			Device: c.Device,
			Relay:  c.Relay,
			On:     on,
		}},
	}
}

// sequenceFor returns the recipe that drives the output to the given state.
func (c *Config) sequenceFor(on bool) *shelly.Sequence {
	if on && c.TurnOnSequence != nil {
		return c.TurnOnSequence
	}
	if !on && c.TurnOffSequence != nil {
		return c.TurnOffSequence
	}
	return c.defaultSequence(on)
}
