// Package config reads the single YAML configuration file into typed structs
// and resolves every cross-reference (outputs to devices, schedules,
// sequences, parents and UPSes) at load time. Downstream code never sees raw
// YAML values.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// File is the raw shape of the YAML configuration. Field values are exactly
// what the file says; use Resolve to get validated, typed configuration.
type File struct {
	General     GeneralSection    `yaml:"general"`
	Files       FilesSection      `yaml:"files"`
	Location    *LocationSection  `yaml:"location"`
	AmberAPI    AmberSection      `yaml:"amberAPI"`
	Devices     DevicesSection    `yaml:"shellyDevices"`
	Schedules   []ScheduleSection `yaml:"operatingSchedules"`
	Sequences   []SequenceSection `yaml:"outputSequences"`
	Outputs     []OutputSection   `yaml:"outputs"`
	UPS         UPSSection        `yaml:"upsIntegration"`
	Webapp      WebappSection     `yaml:"webapp"`
	Viewer      ViewerSection     `yaml:"viewerWebsite"`
	Metering    MeteringSection   `yaml:"outputMetering"`
	TempLogging TempSection       `yaml:"tempProbeLogging"`
	TeslaMate   TeslaMateSection  `yaml:"teslaMate"`
}

type GeneralSection struct {
	Label               string   `yaml:"label"`
	PollingIntervalSecs int      `yaml:"pollingIntervalSecs"`
	DefaultPrice        *float64 `yaml:"defaultPrice"` // c/kWh, applied to outputs that set none
	DaysOfHistory       int      `yaml:"daysOfHistory"`
}

type FilesSection struct {
	SavedStateFile string `yaml:"savedStateFile"`
}

type LocationSection struct {
	Timezone  string  `yaml:"timezone"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type AmberSection struct {
	APIURL              string `yaml:"apiURL"`
	SiteID              string `yaml:"siteID"`
	APIKey              string `yaml:"apiKey"`
	TimeoutSecs         int    `yaml:"timeoutSecs"`
	RefreshIntervalSecs int    `yaml:"refreshIntervalSecs"`
	StaleTTLMins        int    `yaml:"staleTTLMins"`
	MaxConcurrentErrors int    `yaml:"maxConcurrentErrors"`
	PricesCacheFile     string `yaml:"pricesCacheFile"`
	FetchUsage          bool   `yaml:"fetchUsage"`
}

type DevicesSection struct {
	MaxConcurrentErrors int                      `yaml:"maxConcurrentErrors"`
	Devices             map[string]DeviceSection `yaml:"devices"`
}

type DeviceSection struct {
	Host             string `yaml:"host"`
	PollIntervalSecs int    `yaml:"pollIntervalSecs"`
	RetryCount       int    `yaml:"retryCount"`
	RetryDelaySecs   int    `yaml:"retryDelaySecs"`
}

type ScheduleSection struct {
	Name    string          `yaml:"name"`
	Windows []WindowSection `yaml:"windows"`
}

type WindowSection struct {
	StartTime  string   `yaml:"startTime"` // "HH:MM", "dawn", "dusk+30"
	EndTime    string   `yaml:"endTime"`
	DaysOfWeek string   `yaml:"daysOfWeek"` // "all", "weekdays", "weekends" or a day list
	Price      *float64 `yaml:"price"`
}

type SequenceSection struct {
	Name        string        `yaml:"name"`
	TimeoutSecs int           `yaml:"timeoutSecs"`
	Steps       []StepSection `yaml:"steps"`
}

type StepSection struct {
	Type             string `yaml:"type"` // ChangeOutput, Sleep, RefreshStatus, GetLocation
	Device           string `yaml:"device"`
	Relay            int    `yaml:"relay"`
	State            bool   `yaml:"state"`
	Retries          int    `yaml:"retries"`
	RetryBackoffSecs int    `yaml:"retryBackoffSecs"`
	Seconds          int    `yaml:"seconds"` // Sleep duration
}

type OutputSection struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // switched, meter, imported; default switched

	Device       string `yaml:"device"`
	Relay        int    `yaml:"relay"`
	Meter        *int   `yaml:"meter"`
	InputPin     *int   `yaml:"inputPin"`
	InputPinMode string `yaml:"inputPinMode"` // ignore, turnOn, turnOff

	Mode               string `yaml:"mode"` // BestPrice (default) or Schedule
	Schedule           string `yaml:"schedule"`
	ConstraintSchedule string `yaml:"constraintSchedule"`
	Channel            string `yaml:"channel"` // general (default), controlledLoad, feedIn

	TargetHours        *float64        `yaml:"targetHours"`
	MonthlyTargetHours map[int]float64 `yaml:"monthlyTargetHours"` // keyed 1-12
	MinHours           float64         `yaml:"minHours"`
	MaxHours           float64         `yaml:"maxHours"`
	MaxShortfallHours  float64         `yaml:"maxShortfallHours"`

	MaxBestPrice     float64  `yaml:"maxBestPrice"`
	MaxPriorityPrice float64  `yaml:"maxPriorityPrice"`
	DefaultPrice     *float64 `yaml:"defaultPrice"`

	MinOnMinutes  int `yaml:"minOnMinutes"`
	MinOffMinutes int `yaml:"minOffMinutes"`
	MaxOffMinutes int `yaml:"maxOffMinutes"`

	DatesOff   []DateRangeSection `yaml:"datesOff"`
	StopOnExit bool               `yaml:"stopOnExit"`
	Parent     string             `yaml:"parent"`

	TurnOnSequence  string `yaml:"turnOnSequence"`
	TurnOffSequence string `yaml:"turnOffSequence"`

	MaxAppOnTimeMinutes int `yaml:"maxAppOnTimeMinutes"`

	TempConstraints []TempConstraintSection `yaml:"tempConstraints"`

	UPS       string `yaml:"ups"`
	UPSAction string `yaml:"upsAction"` // turnOff

	PowerOnThresholdW  float64 `yaml:"powerOnThresholdW"`
	PowerOffThresholdW float64 `yaml:"powerOffThresholdW"`
	MinEnergyToLogWh   float64 `yaml:"minEnergyToLogWh"`
}

type DateRangeSection struct {
	StartDate string `yaml:"startDate"` // YYYY-MM-DD
	EndDate   string `yaml:"endDate"`
}

type TempConstraintSection struct {
	Probe        string  `yaml:"probe"`
	Condition    string  `yaml:"condition"` // greaterThan or lessThan
	TemperatureC float64 `yaml:"temperatureC"`
}

type UPSSection struct {
	PollingIntervalSecs int                `yaml:"pollingIntervalSecs"`
	Devices             []UPSDeviceSection `yaml:"devices"`
}

type UPSDeviceSection struct {
	Name              string   `yaml:"name"`
	Script            string   `yaml:"script"`
	Args              []string `yaml:"args"`
	TimeoutSecs       int      `yaml:"timeoutSecs"`
	MinChargePercent  float64  `yaml:"minChargePercent"`
	MinRuntimeSeconds int      `yaml:"minRuntimeSeconds"`
}

type WebappSection struct {
	ListenAddress  string   `yaml:"listenAddress"`
	AccessKey      string   `yaml:"accessKey"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type ViewerSection struct {
	Enable             bool   `yaml:"enable"`
	BaseURL            string `yaml:"baseURL"`
	AccessKey          string `yaml:"accessKey"`
	TimeoutSecs        int    `yaml:"timeoutSecs"`
	UploadIntervalSecs int    `yaml:"uploadIntervalSecs"`
}

type MeteringSection struct {
	DatabaseFile  string `yaml:"databaseFile"`
	UsageDataFile string `yaml:"usageDataFile"`
	UsageMaxDays  int    `yaml:"usageMaxDays"`
}

type TempSection struct {
	Enable              bool     `yaml:"enable"`
	Probes              []string `yaml:"probes"`
	LoggingIntervalMins int      `yaml:"loggingIntervalMins"`
	HistoryDataFile     string   `yaml:"historyDataFile"`
	HistoryMaxDays      int      `yaml:"historyMaxDays"`
}

type TeslaMateSection struct {
	Enable              bool   `yaml:"enable"`
	RefreshIntervalMins int    `yaml:"refreshIntervalMins"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	DatabaseName        string `yaml:"databaseName"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	Geofence            string `yaml:"geofence"`
}

// Read loads and parses the YAML file. Environment variable references of the
// form ${NAME} are substituted before parsing, so secrets never need to live
// in the file itself.
func Read(path string) (File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file: %w", err)
	}

	content = substituteEnv(content)

	var file File
	err = yaml.Unmarshal(content, &file)
	if err != nil {
		return File{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return file, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func substituteEnv(content []byte) []byte {
	return envRef.ReplaceAllFunc(content, func(ref []byte) []byte {
		name := string(envRef.FindSubmatch(ref)[1])
		return []byte(os.Getenv(name))
	})
}
