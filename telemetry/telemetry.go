// Package telemetry holds the data structures that are passed over channels
// between the device workers, the control loop and the metering uploader.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// MeterReading holds data pulled from a device's power meter channel.
type MeterReading struct {
	ID       uuid.UUID
	Time     time.Time
	Device   string  // device name from the config
	Meter    int     // meter index on the device
	PowerW   float64 // instantaneous active power
	EnergyWh float64 // lifetime energy counter
}

// TempReading holds a temperature probe sample.
type TempReading struct {
	ID       uuid.UUID
	Time     time.Time
	Probe    string
	DegreesC float64
}

// RelayReading holds the observed state of one relay on a device.
type RelayReading struct {
	Time   time.Time
	Device string
	Relay  int
	On     bool
}

// DeviceEventKind discriminates the events a device worker can emit.
type DeviceEventKind string

const (
	DeviceEventDown      DeviceEventKind = "down"      // the device stopped answering after repeated attempts
	DeviceEventRecovered DeviceEventKind = "recovered" // the device answered again after being down
)

// DeviceEvent is emitted by a device worker when a device's reachability
// changes.
type DeviceEvent struct {
	Time   time.Time
	Device string
	Kind   DeviceEventKind
	Error  string
}

// InputEvent is an unsolicited webhook notification of an input pin change.
type InputEvent struct {
	Time   time.Time
	Device string
	Input  int
	State  bool
}

// UsageRow is one per-tick usage accounting record for an output, buffered
// locally before upload and CSV export.
type UsageRow struct {
	ID        uuid.UUID
	Time      time.Time
	Output    string
	OnSeconds int
	EnergyWh  float64
	Cost      float64
	PriceKwh  float64
}
