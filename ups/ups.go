// Package ups polls battery-backup health through an external script. The
// script prints one JSON document to stdout; non-zero exit or malformed output
// gives health "unknown" and the controllers ignore the UPS link for that
// tick.
package ups

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// BatteryState is what the UPS reports it is doing.
type BatteryState string

const (
	StateCharging    BatteryState = "charging"
	StateCharged     BatteryState = "charged"
	StateDischarging BatteryState = "discharging"
)

// Healthiness is a three-valued verdict.
type Healthiness string

const (
	Healthy   Healthiness = "healthy"
	Unhealthy Healthiness = "unhealthy"
	Unknown   Healthiness = "unknown"
)

// Health is one snapshot of a UPS.
type Health struct {
	Name          string
	LastTimestamp time.Time
	State         BatteryState
	ChargePct     *float64
	RuntimeSec    *int
	Healthy       Healthiness
}

// Thresholds decide health while the UPS is on battery or charging. A charged
// UPS is always healthy.
type Thresholds struct {
	MinChargePercent  float64
	MinRuntimeSeconds int
}

// scriptReport is the document the health script prints.
type scriptReport struct {
	Timestamp     time.Time    `json:"timestamp"`
	BatteryState  BatteryState `json:"battery_state"`
	ChargePercent *float64     `json:"battery_charge_percent"`
	RuntimeSecs   *int         `json:"battery_runtime_seconds"`
}

// Config describes one monitored UPS.
type Config struct {
	Name         string
	Command      string
	Args         []string
	Timeout      time.Duration // script execution limit, default 5s
	PollInterval time.Duration
	Thresholds   Thresholds
}

// Monitor runs the health script on a cadence and publishes health
// transitions. Snapshot never blocks, so the control loop can read the latest
// health without waiting on the subprocess.
type Monitor struct {
	// Transitions carries a snapshot whenever Healthy changed value.
	Transitions chan Health

	config   Config
	logger   *slog.Logger
	runner   func(ctx context.Context) ([]byte, error)
	requests chan chan Health

	current Health
}

// NewMonitor wires a monitor for one UPS.
func NewMonitor(config Config) *Monitor {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Minute
	}
	m := &Monitor{
		Transitions: make(chan Health, 4),
		config:      config,
		logger:      slog.Default().With("ups", config.Name),
		requests:    make(chan chan Health, 4),
		current:     Health{Name: config.Name, Healthy: Unknown},
	}
	m.runner = m.runScript
	return m
}

// Snapshot returns the latest health. Safe from any goroutine.
func (m *Monitor) Snapshot(ctx context.Context) Health {
	reply := make(chan Health, 1)
	select {
	case m.requests <- reply:
	case <-ctx.Done():
		return Health{Name: m.config.Name, Healthy: Unknown}
	}
	select {
	case health := <-reply:
		return health
	case <-ctx.Done():
		return Health{Name: m.config.Name, Healthy: Unknown}
	}
}

// Run polls the script until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-m.requests:
			reply <- m.current
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	health := m.check(ctx)
	if health.Healthy != m.current.Healthy {
		m.logger.Info("UPS health changed",
			"from", m.current.Healthy, "to", health.Healthy, "state", health.State)
		select {
		case m.Transitions <- health:
		default:
		}
	}
	m.current = health
}

func (m *Monitor) check(ctx context.Context) Health {
	health := Health{Name: m.config.Name, Healthy: Unknown}

	output, err := m.runner(ctx)
	if err != nil {
		m.logger.Warn("UPS script failed", "error", err)
		return health
	}

	var report scriptReport
	if err = json.Unmarshal(bytes.TrimSpace(output), &report); err != nil {
		m.logger.Warn("UPS script output malformed", "error", err)
		return health
	}
	if report.ChargePercent == nil && report.RuntimeSecs == nil {
		m.logger.Warn("UPS script reported neither charge nor runtime")
		return health
	}

	health.LastTimestamp = report.Timestamp
	health.State = report.BatteryState
	health.ChargePct = report.ChargePercent
	health.RuntimeSec = report.RuntimeSecs
	health.Healthy = m.config.Thresholds.Evaluate(report.BatteryState, report.ChargePercent, report.RuntimeSecs)
	return health
}

func (m *Monitor) runScript(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.config.Command, m.config.Args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run %s: %w", m.config.Command, err)
	}
	return stdout.Bytes(), nil
}

// Evaluate applies the thresholds to one report. A charged battery is healthy
// regardless of thresholds; otherwise any present metric below its threshold
// makes the UPS unhealthy.
func (t Thresholds) Evaluate(state BatteryState, chargePct *float64, runtimeSec *int) Healthiness {
	switch state {
	case StateCharged:
		return Healthy
	case StateCharging, StateDischarging:
		if chargePct != nil && *chargePct < t.MinChargePercent {
			return Unhealthy
		}
		if runtimeSec != nil && *runtimeSec < t.MinRuntimeSeconds {
			return Unhealthy
		}
		if chargePct == nil && runtimeSec == nil {
			return Unknown
		}
		return Healthy
	default:
		return Unknown
	}
}
