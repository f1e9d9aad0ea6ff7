package config

import (
	"fmt"
	"os"
	"time"

	"github.com/marloweh/powercontroller/outputs"
	"github.com/marloweh/powercontroller/plan"
	"github.com/marloweh/powercontroller/pricing"
	"github.com/marloweh/powercontroller/schedule"
	"github.com/marloweh/powercontroller/shelly"
	"github.com/marloweh/powercontroller/teslamate"
	"github.com/marloweh/powercontroller/timeutils"
	"github.com/marloweh/powercontroller/ups"
)

// Resolved is the fully validated configuration. All names have been resolved
// into the structs the rest of the system consumes.
type Resolved struct {
	Label           string
	PollingInterval time.Duration
	DaysOfHistory   int
	StateFile       string

	Location *time.Location
	Eph      *timeutils.Ephemeris

	Devices         map[string]shelly.WorkerConfig
	DeviceHosts     map[string]string
	DevicePolls     map[string]time.Duration
	Schedules       map[string]*schedule.Schedule
	Sequences       map[string]*shelly.Sequence
	Outputs         []outputs.Config
	UPS             []ups.Config
	UPSPollInterval time.Duration

	Amber       AmberResolved
	Webapp      WebappSection
	Viewer      ViewerResolved
	Metering    MeteringSection
	TempLogging TempSection
	TeslaMate   *TeslaMateResolved
}

// AmberResolved carries the price API client and refresher settings.
type AmberResolved struct {
	APIURL    string
	SiteID    string
	APIKey    string
	Timeout   time.Duration
	Refresher pricing.RefresherConfig
}

// ViewerResolved carries the viewer-site upload settings.
type ViewerResolved struct {
	Enable         bool
	BaseURL        string
	AccessKey      string
	Timeout        time.Duration
	UploadInterval time.Duration
}

// TeslaMateResolved carries the session importer settings; nil when disabled.
type TeslaMateResolved struct {
	Database        teslamate.Config
	RefreshInterval time.Duration
}

const (
	defaultPollingInterval = 30 * time.Second
	defaultDaysOfHistory   = 14
	defaultPrice           = 35.0 // c/kWh
)

// Load reads and resolves the configuration in one step.
func Load(path string) (*Resolved, error) {
	file, err := Read(path)
	if err != nil {
		return nil, err
	}
	return Resolve(file)
}

// Resolve validates the raw file and resolves all cross-references. The
// returned configuration is self-consistent: every device, schedule, sequence,
// parent and UPS an output names exists.
func Resolve(file File) (*Resolved, error) {
	if file.Files.SavedStateFile == "" {
		return nil, fmt.Errorf("files.savedStateFile is mandatory")
	}
	if len(file.Devices.Devices) == 0 {
		return nil, fmt.Errorf("shellyDevices.devices must name at least one device")
	}
	if len(file.Outputs) == 0 {
		return nil, fmt.Errorf("outputs must name at least one output")
	}

	r := &Resolved{
		Label:           file.General.Label,
		PollingInterval: secsOr(file.General.PollingIntervalSecs, defaultPollingInterval),
		DaysOfHistory:   intOr(file.General.DaysOfHistory, defaultDaysOfHistory),
		StateFile:       file.Files.SavedStateFile,
		DeviceHosts:     map[string]string{},
		Devices:         map[string]shelly.WorkerConfig{},
		DevicePolls:     map[string]time.Duration{},
		Schedules:       map[string]*schedule.Schedule{},
		Sequences:       map[string]*shelly.Sequence{},
		Webapp:          file.Webapp,
		Metering:        file.Metering,
		TempLogging:     file.TempLogging,
	}

	err := r.resolveLocation(file.Location)
	if err != nil {
		return nil, err
	}

	for name, device := range file.Devices.Devices {
		if device.Host == "" {
			return nil, fmt.Errorf("device %q: host is mandatory", name)
		}
		r.DeviceHosts[name] = device.Host
		r.DevicePolls[name] = secsOr(device.PollIntervalSecs, time.Minute)
		r.Devices[name] = shelly.WorkerConfig{
			Device:              name,
			RetryCount:          device.RetryCount,
			RetryDelay:          secsOr(device.RetryDelaySecs, 0),
			MaxConcurrentErrors: file.Devices.MaxConcurrentErrors,
		}
	}

	for _, section := range file.Schedules {
		sched, err := r.resolveSchedule(section)
		if err != nil {
			return nil, err
		}
		r.Schedules[section.Name] = sched
	}

	for _, section := range file.Sequences {
		seq, err := r.resolveSequence(section)
		if err != nil {
			return nil, err
		}
		r.Sequences[section.Name] = seq
	}

	upsNames := map[string]bool{}
	for _, device := range file.UPS.Devices {
		if device.Name == "" || device.Script == "" {
			return nil, fmt.Errorf("upsIntegration devices need both name and script")
		}
		upsNames[device.Name] = true
		r.UPS = append(r.UPS, ups.Config{
			Name:         device.Name,
			Command:      device.Script,
			Args:         device.Args,
			Timeout:      secsOr(device.TimeoutSecs, 0),
			PollInterval: secsOr(file.UPS.PollingIntervalSecs, 0),
			Thresholds: ups.Thresholds{
				MinChargePercent:  device.MinChargePercent,
				MinRuntimeSeconds: device.MinRuntimeSeconds,
			},
		})
	}
	r.UPSPollInterval = secsOr(file.UPS.PollingIntervalSecs, time.Minute)

	fallbackPrice := defaultPrice
	if file.General.DefaultPrice != nil {
		fallbackPrice = *file.General.DefaultPrice
	}

	names := map[string]bool{}
	for _, section := range file.Outputs {
		if section.Name == "" {
			return nil, fmt.Errorf("every output needs a name")
		}
		if names[section.Name] {
			return nil, fmt.Errorf("output %q is defined twice", section.Name)
		}
		names[section.Name] = true

		output, err := r.resolveOutput(section, fallbackPrice, upsNames)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", section.Name, err)
		}
		r.Outputs = append(r.Outputs, output)
	}

	err = checkParents(r.Outputs)
	if err != nil {
		return nil, err
	}

	r.Amber = AmberResolved{
		APIURL:  file.AmberAPI.APIURL,
		SiteID:  file.AmberAPI.SiteID,
		APIKey:  envFallback(file.AmberAPI.APIKey, "AMBER_API_KEY"),
		Timeout: secsOr(file.AmberAPI.TimeoutSecs, 20*time.Second),
		Refresher: pricing.RefresherConfig{
			Interval:            secsOr(file.AmberAPI.RefreshIntervalSecs, 0),
			StaleTTL:            time.Duration(file.AmberAPI.StaleTTLMins) * time.Minute,
			MaxConcurrentErrors: file.AmberAPI.MaxConcurrentErrors,
			CacheFile:           file.AmberAPI.PricesCacheFile,
			FetchUsage:          file.AmberAPI.FetchUsage,
		},
	}
	r.Webapp.AccessKey = envFallback(file.Webapp.AccessKey, "WEBAPP_ACCESS_KEY")

	r.Viewer = ViewerResolved{
		Enable:         file.Viewer.Enable,
		BaseURL:        file.Viewer.BaseURL,
		AccessKey:      envFallback(file.Viewer.AccessKey, "VIEWER_ACCESS_KEY"),
		Timeout:        secsOr(file.Viewer.TimeoutSecs, 10*time.Second),
		UploadInterval: secsOr(file.Viewer.UploadIntervalSecs, 30*time.Second),
	}
	if r.Viewer.Enable && r.Viewer.BaseURL == "" {
		return nil, fmt.Errorf("viewerWebsite.baseURL is mandatory when enabled")
	}

	if file.TeslaMate.Enable {
		r.TeslaMate = &TeslaMateResolved{
			Database: teslamate.Config{
				Host:     file.TeslaMate.Host,
				Port:     file.TeslaMate.Port,
				Name:     file.TeslaMate.DatabaseName,
				User:     file.TeslaMate.Username,
				Password: file.TeslaMate.Password,
				Geofence: file.TeslaMate.Geofence,
			},
			RefreshInterval: minsOr(file.TeslaMate.RefreshIntervalMins, 15*time.Minute),
		}
	}

	return r, nil
}

func (r *Resolved) resolveLocation(section *LocationSection) error {
	r.Location = time.Local
	if section == nil {
		return nil
	}
	if section.Timezone != "" {
		loc, err := time.LoadLocation(section.Timezone)
		if err != nil {
			return fmt.Errorf("location.timezone: %w", err)
		}
		r.Location = loc
	}
	if section.Latitude != 0 || section.Longitude != 0 {
		r.Eph = &timeutils.Ephemeris{
			Latitude:  section.Latitude,
			Longitude: section.Longitude,
		}
	}
	return nil
}

func (r *Resolved) resolveSchedule(section ScheduleSection) (*schedule.Schedule, error) {
	if section.Name == "" {
		return nil, fmt.Errorf("every operating schedule needs a name")
	}
	if len(section.Windows) == 0 {
		return nil, fmt.Errorf("schedule %q has no windows", section.Name)
	}

	sched := &schedule.Schedule{Name: section.Name}
	for i, window := range section.Windows {
		start, err := timeutils.ParseClockTime(window.StartTime, r.Location)
		if err != nil {
			return nil, fmt.Errorf("schedule %q window %d: %w", section.Name, i, err)
		}
		end, err := timeutils.ParseClockTime(window.EndTime, r.Location)
		if err != nil {
			return nil, fmt.Errorf("schedule %q window %d: %w", section.Name, i, err)
		}
		days := timeutils.Days{Name: window.DaysOfWeek, Location: r.Location}
		if err = days.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %q window %d: %w", section.Name, i, err)
		}
		sched.Windows = append(sched.Windows, schedule.Window{
			DayedPeriod: timeutils.DayedPeriod{
				ClockTimePeriod: timeutils.ClockTimePeriod{Start: start, End: end},
				Days:            days,
			},
			Price: window.Price,
		})
	}
	return sched, nil
}

func (r *Resolved) resolveSequence(section SequenceSection) (*shelly.Sequence, error) {
	if section.Name == "" {
		return nil, fmt.Errorf("every output sequence needs a name")
	}
	seq := &shelly.Sequence{
		Name:    section.Name,
		Timeout: secsOr(section.TimeoutSecs, time.Minute),
	}
	for i, step := range section.Steps {
		resolved := shelly.Step{
			Retries:      step.Retries,
			RetryBackoff: secsOr(step.RetryBackoffSecs, 0),
		}
		switch step.Type {
		case string(shelly.StepChangeOutput):
			if _, ok := r.DeviceHosts[step.Device]; !ok {
				return nil, fmt.Errorf("sequence %q step %d: unknown device %q", section.Name, i, step.Device)
			}
			resolved.Kind = shelly.StepChangeOutput
			resolved.Device = step.Device
			resolved.Relay = step.Relay
			resolved.On = step.State
		case string(shelly.StepSleep):
			resolved.Kind = shelly.StepSleep
			resolved.Duration = time.Duration(step.Seconds) * time.Second
		case string(shelly.StepRefreshStatus):
			resolved.Kind = shelly.StepRefreshStatus
			resolved.Device = step.Device
		case string(shelly.StepGetLocation):
			resolved.Kind = shelly.StepGetLocation
			resolved.Device = step.Device
		default:
			return nil, fmt.Errorf("sequence %q step %d: unknown step type %q", section.Name, i, step.Type)
		}
		seq.Steps = append(seq.Steps, resolved)
	}
	if len(seq.Steps) == 0 {
		return nil, fmt.Errorf("sequence %q has no steps", section.Name)
	}
	return seq, nil
}

func (r *Resolved) resolveOutput(section OutputSection, fallbackPrice float64, upsNames map[string]bool) (outputs.Config, error) {
	kind := outputs.KindSwitched
	switch section.Kind {
	case "", "switched":
	case "meter":
		kind = outputs.KindMeter
	case "imported":
		kind = outputs.KindImported
	default:
		return outputs.Config{}, fmt.Errorf("unknown kind %q", section.Kind)
	}

	output := outputs.Config{
		Name:              section.Name,
		Kind:              kind,
		Device:            section.Device,
		Relay:             section.Relay,
		Mode:              plan.ModeBestPrice,
		Channel:           pricing.ChannelGeneral,
		TargetHours:       -1,
		MinHours:          section.MinHours,
		MaxHours:          section.MaxHours,
		MaxShortfallHours: section.MaxShortfallHours,
		MaxBestPrice:      section.MaxBestPrice,
		MaxPriorityPrice:  section.MaxPriorityPrice,
		DefaultPrice:      fallbackPrice,
		MinOn:             time.Duration(section.MinOnMinutes) * time.Minute,
		MinOff:            time.Duration(section.MinOffMinutes) * time.Minute,
		MaxOff:            time.Duration(section.MaxOffMinutes) * time.Minute,
		StopOnExit:        section.StopOnExit,
		Parent:            section.Parent,
		MaxAppOnTime:      time.Duration(section.MaxAppOnTimeMinutes) * time.Minute,
		UPS:               section.UPS,
		PowerOnW:          section.PowerOnThresholdW,
		PowerOffW:         section.PowerOffThresholdW,
		MinEnergyToLogWh:  section.MinEnergyToLogWh,
		Location:          r.Location,
	}

	if section.TargetHours != nil {
		output.TargetHours = *section.TargetHours
	}
	if section.DefaultPrice != nil {
		output.DefaultPrice = *section.DefaultPrice
	}
	for month, hours := range section.MonthlyTargetHours {
		if month < 1 || month > 12 {
			return outputs.Config{}, fmt.Errorf("monthlyTargetHours month %d out of range", month)
		}
		if output.MonthlyTargetHours == nil {
			output.MonthlyTargetHours = map[time.Month]float64{}
		}
		output.MonthlyTargetHours[time.Month(month)] = hours
	}

	switch section.Mode {
	case "", "BestPrice":
	case "Schedule":
		output.Mode = plan.ModeSchedule
		if section.Schedule == "" {
			return outputs.Config{}, fmt.Errorf("schedule mode needs a schedule")
		}
	default:
		return outputs.Config{}, fmt.Errorf("unknown mode %q", section.Mode)
	}

	switch section.Channel {
	case "", string(pricing.ChannelGeneral):
	case string(pricing.ChannelControlled):
		output.Channel = pricing.ChannelControlled
	case string(pricing.ChannelFeedIn):
		output.Channel = pricing.ChannelFeedIn
	default:
		return outputs.Config{}, fmt.Errorf("unknown channel %q", section.Channel)
	}

	if section.Schedule != "" {
		sched, ok := r.Schedules[section.Schedule]
		if !ok {
			return outputs.Config{}, fmt.Errorf("unknown schedule %q", section.Schedule)
		}
		output.Schedule = sched
	}
	if section.ConstraintSchedule != "" {
		sched, ok := r.Schedules[section.ConstraintSchedule]
		if !ok {
			return outputs.Config{}, fmt.Errorf("unknown constraint schedule %q", section.ConstraintSchedule)
		}
		output.ConstraintSchedule = sched
	}

	if section.TurnOnSequence != "" {
		seq, ok := r.Sequences[section.TurnOnSequence]
		if !ok {
			return outputs.Config{}, fmt.Errorf("unknown sequence %q", section.TurnOnSequence)
		}
		output.TurnOnSequence = seq
	}
	if section.TurnOffSequence != "" {
		seq, ok := r.Sequences[section.TurnOffSequence]
		if !ok {
			return outputs.Config{}, fmt.Errorf("unknown sequence %q", section.TurnOffSequence)
		}
		output.TurnOffSequence = seq
	}

	if section.Meter != nil {
		output.Meter = *section.Meter
	}
	if section.InputPin != nil {
		output.InputPin = *section.InputPin
		switch section.InputPinMode {
		case "", "ignore":
			output.PinMode = outputs.InputIgnore
		case "turnOn":
			output.PinMode = outputs.InputTurnOn
		case "turnOff":
			output.PinMode = outputs.InputTurnOff
		default:
			return outputs.Config{}, fmt.Errorf("unknown input pin mode %q", section.InputPinMode)
		}
	}

	for _, dates := range section.DatesOff {
		from, err := time.ParseInLocation("2006-01-02", dates.StartDate, r.Location)
		if err != nil {
			return outputs.Config{}, fmt.Errorf("datesOff start %q: %w", dates.StartDate, err)
		}
		to, err := time.ParseInLocation("2006-01-02", dates.EndDate, r.Location)
		if err != nil {
			return outputs.Config{}, fmt.Errorf("datesOff end %q: %w", dates.EndDate, err)
		}
		output.DatesOff = append(output.DatesOff, plan.DateRange{From: from, To: to})
	}

	for _, constraint := range section.TempConstraints {
		resolved := outputs.TempConstraint{
			Probe:      constraint.Probe,
			ThresholdC: constraint.TemperatureC,
		}
		switch constraint.Condition {
		case "greaterThan":
			resolved.Above = true
		case "lessThan":
		default:
			return outputs.Config{}, fmt.Errorf("unknown temp condition %q", constraint.Condition)
		}
		output.TempConstraints = append(output.TempConstraints, resolved)
	}

	switch section.UPSAction {
	case "":
	case "turnOff":
		output.UPSAction = outputs.UPSTurnOff
	default:
		return outputs.Config{}, fmt.Errorf("unknown UPS action %q", section.UPSAction)
	}
	if section.UPS != "" && !upsNames[section.UPS] {
		return outputs.Config{}, fmt.Errorf("unknown UPS %q", section.UPS)
	}

	return output, r.checkKind(section, output)
}

// checkKind rejects fields that make no sense for the output's kind, and the
// mutually exclusive anti-chatter pair.
func (r *Resolved) checkKind(section OutputSection, output outputs.Config) error {
	if output.MinOff > 0 && output.MaxOff > 0 {
		return fmt.Errorf("minOffMinutes and maxOffMinutes are mutually exclusive")
	}

	switch output.Kind {
	case outputs.KindSwitched:
		if output.Device == "" {
			return fmt.Errorf("switched outputs need a device")
		}
		if _, ok := r.DeviceHosts[output.Device]; !ok {
			return fmt.Errorf("unknown device %q", output.Device)
		}
	case outputs.KindMeter:
		if output.Device == "" || section.Meter == nil {
			return fmt.Errorf("meter outputs need a device and a meter")
		}
		if _, ok := r.DeviceHosts[output.Device]; !ok {
			return fmt.Errorf("unknown device %q", output.Device)
		}
		if section.TurnOnSequence != "" || section.TurnOffSequence != "" {
			return fmt.Errorf("meter outputs cannot run sequences")
		}
		if section.InputPin != nil {
			return fmt.Errorf("meter outputs cannot watch an input pin")
		}
	case outputs.KindImported:
		if output.Device != "" {
			return fmt.Errorf("imported outputs have no device")
		}
		if section.TurnOnSequence != "" || section.TurnOffSequence != "" {
			return fmt.Errorf("imported outputs cannot run sequences")
		}
	}
	return nil
}

// checkParents verifies each parent exists and that the references are
// acyclic.
func checkParents(configs []outputs.Config) error {
	parents := map[string]string{}
	exists := map[string]bool{}
	for _, output := range configs {
		exists[output.Name] = true
		if output.Parent != "" {
			parents[output.Name] = output.Parent
		}
	}
	for child, parent := range parents {
		if !exists[parent] {
			return fmt.Errorf("output %q: unknown parent %q", child, parent)
		}
		seen := map[string]bool{child: true}
		for parent != "" {
			if seen[parent] {
				return fmt.Errorf("output %q: parent references form a cycle", child)
			}
			seen[parent] = true
			parent = parents[parent]
		}
	}
	return nil
}

func secsOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func minsOr(mins int, fallback time.Duration) time.Duration {
	if mins <= 0 {
		return fallback
	}
	return time.Duration(mins) * time.Minute
}

func intOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func envFallback(value, envName string) string {
	if value != "" {
		return value
	}
	return os.Getenv(envName)
}
