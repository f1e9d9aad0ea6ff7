// Package controller runs the control loop: the single owner of every output
// controller. It wakes on a ticker or on any input change, rebuilds plans,
// advances each output's state machine, issues device commands through the
// workers and flushes the state store.
//
// Put device statuses, device events, input-pin webhooks and UPS health onto
// the appropriate channels; override and refresh commands arrive from the
// HTTP surface on the Commands channel. No controller state is touched by any
// other goroutine.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/marloweh/powercontroller/metering"
	"github.com/marloweh/powercontroller/outputs"
	"github.com/marloweh/powercontroller/plan"
	"github.com/marloweh/powercontroller/pricing"
	"github.com/marloweh/powercontroller/shelly"
	"github.com/marloweh/powercontroller/statestore"
	"github.com/marloweh/powercontroller/telemetry"
	"github.com/marloweh/powercontroller/timeutils"
	"github.com/marloweh/powercontroller/ups"
)

// OverrideCommand is a manual on/off/auto request from the HTTP surface.
type OverrideCommand struct {
	Output string
	State  string // on, off or auto
	TTL    time.Duration
	Reply  chan error
}

// RefreshCommand forces an immediate price refresh.
type RefreshCommand struct{}

// SessionCommand attributes one external charge session to an imported
// output, costed at the channel price ruling when the session started.
type SessionCommand struct {
	Output   string
	Start    time.Time
	End      time.Time
	EnergyWh float64
}

// sequenceResult reports a finished sequence back to the loop.
type sequenceResult struct {
	output string
	err    error
}

// Config wires the control loop to its collaborators.
type Config struct {
	Outputs  []outputs.Config
	Workers  map[string]*shelly.Worker
	Runner   *shelly.Runner
	Cache    *pricing.Cache
	Store    *statestore.Store
	Document *statestore.Document
	Eph      *timeutils.Ephemeris
	Location *time.Location

	// PriceDown reports whether the price source is DOWN; nil means never.
	PriceDown func() bool
	// KickRefresh asks the price refresher for an immediate fetch; may be nil.
	KickRefresh chan struct{}

	// Uploader receives usage and sensor rows; may be nil.
	Uploader *metering.Uploader

	Lookback time.Duration
	Horizon  time.Duration
}

// Controller is the control loop.
type Controller struct {
	Statuses     chan shelly.Status
	DeviceEvents chan telemetry.DeviceEvent
	InputEvents  chan telemetry.InputEvent
	UPSHealth    chan ups.Health
	Refreshed    chan struct{}
	Commands     chan any
	Snapshots    chan chan Snapshot

	config  Config
	byName  map[string]*outputs.Controller
	ordered []string // topological, parents before children
	logger  *slog.Logger

	sequenceResults chan sequenceResult
	inFlight        map[string]bool
	upsHealth       map[string]ups.Health
	internalTemps   map[string]float64
	day             time.Time
}

// New builds the control loop and its output controllers, restoring each from
// the persisted document.
func New(config Config, now time.Time) (*Controller, error) {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Lookback <= 0 {
		config.Lookback = 12 * time.Hour
	}
	if config.Horizon <= 0 {
		config.Horizon = 24 * time.Hour
	}

	c := &Controller{
		Statuses:        make(chan shelly.Status, 16),
		DeviceEvents:    make(chan telemetry.DeviceEvent, 16),
		InputEvents:     make(chan telemetry.InputEvent, 16),
		UPSHealth:       make(chan ups.Health, 16),
		Refreshed:       make(chan struct{}, 1),
		Commands:        make(chan any, 16),
		Snapshots:       make(chan chan Snapshot, 4),
		config:          config,
		byName:          map[string]*outputs.Controller{},
		logger:          slog.Default().With("component", "control_loop"),
		sequenceResults: make(chan sequenceResult, 16),
		inFlight:        map[string]bool{},
		upsHealth:       map[string]ups.Health{},
		internalTemps:   map[string]float64{},
		day:             timeutils.StartOfDay(now, config.Location),
	}

	for _, output := range config.Outputs {
		if output.Location == nil {
			output.Location = config.Location
		}
		c.byName[output.Name] = outputs.NewController(output, config.Document.Output(output.Name), now)
	}

	ordered, err := topoSort(config.Outputs)
	if err != nil {
		return nil, err
	}
	c.ordered = ordered
	return c, nil
}

// topoSort orders outputs so parents come before children, rejecting cycles.
func topoSort(configs []outputs.Config) ([]string, error) {
	children := map[string][]string{}
	indegree := map[string]int{}
	for _, config := range configs {
		if _, ok := indegree[config.Name]; !ok {
			indegree[config.Name] = 0
		}
		if config.Parent != "" {
			children[config.Parent] = append(children[config.Parent], config.Name)
			indegree[config.Name]++
		}
	}

	var ready []string
	for name, degree := range indegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var ordered []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)
		for _, child := range children[name] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		sort.Strings(ready)
	}
	if len(ordered) != len(indegree) {
		return nil, fmt.Errorf("output parent references form a cycle")
	}
	return ordered, nil
}

// Run loops until the context is cancelled, evaluating every output on each
// ticker delivery and on every input change. On exit, stop-on-exit outputs
// are commanded off and the state is flushed.
func (c *Controller) Run(ctx context.Context, ticker <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return

		case t := <-ticker:
			c.tick(t)

		case status := <-c.Statuses:
			c.applyStatus(status)

		case event := <-c.DeviceEvents:
			c.applyDeviceEvent(event)
			c.tick(event.Time)

		case event := <-c.InputEvents:
			c.applyInputEvent(event)
			c.tick(event.Time)

		case health := <-c.UPSHealth:
			c.applyUPSHealth(health)
			c.tick(time.Now())

		case <-c.Refreshed:
			c.tick(time.Now())

		case result := <-c.sequenceResults:
			now := time.Now()
			c.inFlight[result.output] = false
			if ctrl, ok := c.byName[result.output]; ok {
				ctrl.SequenceDone(now, result.err)
			}
			c.flushState()

		case command := <-c.Commands:
			c.applyCommand(command)

		case reply := <-c.Snapshots:
			reply <- c.snapshot(time.Now())
		}
	}
}

// tick is one full pass: rollover, replan, accrue, advance, flush.
func (c *Controller) tick(now time.Time) {
	c.rolloverIfNeeded(now)
	c.rebuildPlans(now)

	for _, name := range c.ordered {
		ctrl := c.byName[name]
		price := c.currentPrice(ctrl, now)
		ctrl.Accrue(now, price)

		if parent := ctrl.Config.Parent; parent != "" {
			if parentCtrl, ok := c.byName[parent]; ok {
				ctrl.ObserveParent(parentCtrl.Persisted().Relay == statestore.RelayOn)
			}
		}

		if c.inFlight[name] {
			continue
		}
		if action := ctrl.Evaluate(now); action != nil {
			c.dispatch(action)
		}
	}

	c.emitUsage(now)
	c.flushState()
}

// rebuildPlans rebuilds every output's plan and applies parent gating in
// topological order. Rebuilds are deterministic, so an unchanged world yields
// an identical plan.
func (c *Controller) rebuildPlans(now time.Time) {
	from := timeutils.FloorHH(now.Add(-c.config.Lookback))
	to := now.Add(c.config.Horizon)

	for _, name := range c.ordered {
		ctrl := c.byName[name]
		prices := c.pricesFor(ctrl, from, to)

		request := ctrl.BuildRequest(now, prices, c.config.Eph)
		request.Lookback = c.config.Lookback
		request.Horizon = c.config.Horizon
		ctrl.SetPlan(plan.Build(request))
	}

	for _, name := range c.ordered {
		ctrl := c.byName[name]
		if ctrl.Config.Parent == "" {
			continue
		}
		if parentCtrl, ok := c.byName[ctrl.Config.Parent]; ok {
			plan.GateByParent(ctrl.Plan(), parentCtrl.Plan())
		}
	}
}

// pricesFor returns the price series for one output's channel, substituting
// fallback prices when the source is down or the output runs on a schedule.
func (c *Controller) pricesFor(ctrl *outputs.Controller, from, to time.Time) []pricing.PricePoint {
	down := c.config.PriceDown != nil && c.config.PriceDown()
	if down || ctrl.Config.Mode == plan.ModeSchedule {
		return pricing.Fallback(ctrl.Config.Channel, from, to,
			ctrl.Config.Schedule, c.config.Eph, ctrl.Config.DefaultPrice)
	}
	return c.config.Cache.Forecast(ctrl.Config.Channel, from, to)
}

func (c *Controller) currentPrice(ctrl *outputs.Controller, now time.Time) float64 {
	if point, ok := c.config.Cache.PriceAt(ctrl.Config.Channel, now); ok {
		return point.PriceKwh
	}
	return ctrl.Config.DefaultPrice
}

// dispatch runs a sequence off-thread; the result comes back on
// sequenceResults so the loop never blocks on device I/O.
func (c *Controller) dispatch(action *outputs.Action) {
	c.inFlight[action.Output] = true
	go func() {
		result := c.config.Runner.Run(context.Background(), *action.Sequence)
		c.sequenceResults <- sequenceResult{output: action.Output, err: result.Err}
	}()
}

func (c *Controller) rolloverIfNeeded(now time.Time) {
	today := timeutils.StartOfDay(now, c.config.Location)
	if today.Equal(c.day) {
		return
	}
	c.logger.Info("Day rollover", "day", today.Format("2006-01-02"))
	c.day = today
	for _, name := range c.ordered {
		c.byName[name].Rollover(now)
	}
}

// applyStatus folds one device status snapshot into the affected outputs.
func (c *Controller) applyStatus(status shelly.Status) {
	now := status.Taken
	if status.InternalC != nil {
		c.internalTemps[status.Device] = *status.InternalC
	}

	for _, name := range c.ordered {
		ctrl := c.byName[name]
		if ctrl.Config.Device != status.Device {
			continue
		}
		if on, ok := status.Relays[ctrl.Config.Relay]; ok && ctrl.Config.Kind == outputs.KindSwitched {
			ctrl.ObserveRelay(now, on)
		}
		if reading, ok := status.Meters[ctrl.Config.Meter]; ok {
			ctrl.ObservePower(now, reading.PowerW)
			c.forwardMeterReading(reading)
		}
		if active, ok := status.Inputs[ctrl.Config.InputPin]; ok && ctrl.Config.PinMode != outputs.InputIgnore {
			ctrl.ObserveInput(active)
		}
	}

	for probe, reading := range status.Temps {
		degreesC := reading.DegreesC
		for _, name := range c.ordered {
			c.byName[name].ObserveTemp(probe, &degreesC)
		}
		c.forwardTempReading(reading)
	}
}

func (c *Controller) applyDeviceEvent(event telemetry.DeviceEvent) {
	for _, name := range c.ordered {
		ctrl := c.byName[name]
		if ctrl.Config.Device != event.Device {
			continue
		}
		switch event.Kind {
		case telemetry.DeviceEventDown:
			ctrl.DeviceDown()
		case telemetry.DeviceEventRecovered:
			ctrl.DeviceRecovered()
		}
	}
}

func (c *Controller) applyInputEvent(event telemetry.InputEvent) {
	for _, name := range c.ordered {
		ctrl := c.byName[name]
		if ctrl.Config.Device == event.Device && ctrl.Config.InputPin == event.Input &&
			ctrl.Config.PinMode != outputs.InputIgnore {
			ctrl.ObserveInput(event.State)
		}
	}
}

func (c *Controller) applyUPSHealth(health ups.Health) {
	c.upsHealth[health.Name] = health
	for _, name := range c.ordered {
		ctrl := c.byName[name]
		if ctrl.Config.UPS == health.Name && ctrl.Config.UPSAction == outputs.UPSTurnOff {
			ctrl.SetUPSUnhealthy(health.Healthy == ups.Unhealthy)
		}
	}
}

func (c *Controller) applyCommand(command any) {
	switch cmd := command.(type) {
	case OverrideCommand:
		err := c.setOverride(cmd)
		if cmd.Reply != nil {
			cmd.Reply <- err
		}
		c.tick(time.Now())
	case RefreshCommand:
		if c.config.KickRefresh != nil {
			select {
			case c.config.KickRefresh <- struct{}{}:
			default:
			}
		}
	case SessionCommand:
		c.applySession(cmd)
	default:
		c.logger.Warn("Unknown command", "command", fmt.Sprintf("%T", command))
	}
}

func (c *Controller) applySession(cmd SessionCommand) {
	ctrl, ok := c.byName[cmd.Output]
	if !ok || ctrl.Config.Kind != outputs.KindImported {
		c.logger.Warn("Session for unknown or non-imported output", "output", cmd.Output)
		return
	}
	price := ctrl.Config.DefaultPrice
	if point, ok := c.config.Cache.PriceAt(ctrl.Config.Channel, cmd.Start); ok {
		price = point.PriceKwh
	}
	ctrl.IngestSession(cmd.Start, cmd.End, cmd.EnergyWh, price)
	c.flushState()
}

func (c *Controller) setOverride(cmd OverrideCommand) error {
	ctrl, ok := c.byName[cmd.Output]
	if !ok {
		return fmt.Errorf("unknown output %q", cmd.Output)
	}
	return ctrl.SetAppOverride(time.Now(), cmd.State, cmd.TTL)
}

// emitUsage pushes one usage row per output to the metering buffer.
func (c *Controller) emitUsage(now time.Time) {
	if c.config.Uploader == nil {
		return
	}
	for _, name := range c.ordered {
		ctrl := c.byName[name]
		energyWh, cost := ctrl.DayTotals()
		row := metering.StoredUsageRow{UsageRow: telemetry.UsageRow{
			ID:        uuid.New(),
			Time:      now,
			Output:    name,
			OnSeconds: int(ctrl.Persisted().OnSecondsToday),
			EnergyWh:  energyWh,
			Cost:      cost,
			PriceKwh:  c.currentPrice(ctrl, now),
		}}
		select {
		case c.config.Uploader.UsageRows <- row:
		default:
		}
	}
}

func (c *Controller) forwardMeterReading(reading telemetry.MeterReading) {
	if c.config.Uploader == nil {
		return
	}
	select {
	case c.config.Uploader.MeterReadings <- metering.StoredMeterReading{MeterReading: reading}:
	default:
	}
}

func (c *Controller) forwardTempReading(reading telemetry.TempReading) {
	if c.config.Uploader == nil {
		return
	}
	select {
	case c.config.Uploader.TempReadings <- metering.StoredTempReading{TempReading: reading}:
	default:
	}
}

// flushState writes the document if anything changed, at most once per wake.
func (c *Controller) flushState() {
	dirty := false
	for _, name := range c.ordered {
		if c.byName[name].Dirty() {
			dirty = true
			break
		}
	}
	if !dirty {
		return
	}
	if err := c.config.Store.Save(c.config.Document); err != nil {
		c.logger.Error("Failed to write state file", "error", err)
		return
	}
	for _, name := range c.ordered {
		c.byName[name].ClearDirty()
	}
}

// shutdown commands stop-on-exit outputs off and flushes state.
func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	for _, name := range c.ordered {
		ctrl := c.byName[name]
		if c.inFlight[name] {
			// a dispatched sequence still owns this output's relay
			c.logger.Warn("Sequence in flight at exit, leaving output as is", "output", name)
			continue
		}
		action := ctrl.StopAction()
		if action == nil {
			continue
		}
		c.logger.Info("Stopping output on exit", "output", name)
		result := c.config.Runner.Run(ctx, *action.Sequence)
		if result.Err != nil {
			c.logger.Error("Failed to stop output on exit", "output", name, "error", result.Err)
			continue
		}
		ctrl.SequenceDone(now, nil)
	}
	c.flushState()
}
