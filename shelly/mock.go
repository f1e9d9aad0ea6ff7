package shelly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marloweh/powercontroller/telemetry"
)

// MockClient is an in-memory device used in tests and for dry runs. It
// records every relay command and can be told to fail.
type MockClient struct {
	mu sync.Mutex

	relays   map[string]map[int]bool
	powerW   map[string]map[int]float64
	tempC    map[string]float64
	FailWith error // when set, every call fails with this error

	SetCalls []struct {
		Device string
		Relay  int
		On     bool
	}
}

// NewMockClient returns an empty mock device fleet.
func NewMockClient() *MockClient {
	return &MockClient{
		relays: map[string]map[int]bool{},
		powerW: map[string]map[int]float64{},
		tempC:  map[string]float64{},
	}
}

// SetPower primes the power reading for a device meter.
func (m *MockClient) SetPower(device string, meter int, powerW float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.powerW[device] == nil {
		m.powerW[device] = map[int]float64{}
	}
	m.powerW[device][meter] = powerW
}

// SetTemp primes a probe reading.
func (m *MockClient) SetTemp(probe string, degreesC float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempC[probe] = degreesC
}

// RelayState returns the last commanded state of a relay.
func (m *MockClient) RelayState(device string, relay int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relays[device][relay]
}

func (m *MockClient) GetStatus(ctx context.Context, device string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return Status{}, m.FailWith
	}

	status := Status{
		Device: device,
		Taken:  time.Now(),
		Relays: map[int]bool{},
		Inputs: map[int]bool{},
		Meters: map[int]telemetry.MeterReading{},
		Temps:  map[string]telemetry.TempReading{},
	}
	for relay, on := range m.relays[device] {
		status.Relays[relay] = on
	}
	for meter, powerW := range m.powerW[device] {
		status.Meters[meter] = telemetry.MeterReading{
			ID:     uuid.New(),
			Time:   status.Taken,
			Device: device,
			Meter:  meter,
			PowerW: powerW,
		}
	}
	return status, nil
}

func (m *MockClient) SetOutput(ctx context.Context, device string, relay int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetCalls = append(m.SetCalls, struct {
		Device string
		Relay  int
		On     bool
	}{device, relay, on})

	if m.FailWith != nil {
		return m.FailWith
	}
	if m.relays[device] == nil {
		m.relays[device] = map[int]bool{}
	}
	m.relays[device][relay] = on
	return nil
}

func (m *MockClient) ReadMeter(ctx context.Context, device string, meter int) (telemetry.MeterReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return telemetry.MeterReading{}, m.FailWith
	}
	return telemetry.MeterReading{
		ID:     uuid.New(),
		Time:   time.Now(),
		Device: device,
		Meter:  meter,
		PowerW: m.powerW[device][meter],
	}, nil
}

func (m *MockClient) ReadTemp(ctx context.Context, device string, probe string) (telemetry.TempReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return telemetry.TempReading{}, m.FailWith
	}
	degreesC, ok := m.tempC[probe]
	if !ok {
		return telemetry.TempReading{}, fmt.Errorf("unknown probe %q", probe)
	}
	return telemetry.TempReading{
		ID:       uuid.New(),
		Time:     time.Now(),
		Probe:    probe,
		DegreesC: degreesC,
	}, nil
}
