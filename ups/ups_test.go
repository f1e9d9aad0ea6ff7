package ups

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestThresholdsEvaluate(t *testing.T) {
	thresholds := Thresholds{MinChargePercent: 10, MinRuntimeSeconds: 300}

	tests := []struct {
		name     string
		state    BatteryState
		charge   *float64
		runtime  *int
		expected Healthiness
	}{
		{"charged is always healthy", StateCharged, floatPtr(5), nil, Healthy},
		{"discharging below charge threshold", StateDischarging, floatPtr(8), nil, Unhealthy},
		{"discharging above charge threshold", StateDischarging, floatPtr(80), nil, Healthy},
		{"discharging below runtime threshold", StateDischarging, nil, intPtr(120), Unhealthy},
		{"charging above both thresholds", StateCharging, floatPtr(50), intPtr(900), Healthy},
		{"charging charge ok but runtime short", StateCharging, floatPtr(50), intPtr(60), Unhealthy},
		{"no metrics at all", StateDischarging, nil, nil, Unknown},
		{"unrecognised state", BatteryState("exploded"), floatPtr(50), nil, Unknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, thresholds.Evaluate(tc.state, tc.charge, tc.runtime))
		})
	}
}

func monitorWith(output []byte, err error) *Monitor {
	m := NewMonitor(Config{
		Name:       "garage-ups",
		Command:    "/usr/local/bin/ups-health",
		Thresholds: Thresholds{MinChargePercent: 10},
	})
	m.runner = func(ctx context.Context) ([]byte, error) { return output, err }
	return m
}

func TestCheckParsesReport(t *testing.T) {
	m := monitorWith([]byte(`{
		"timestamp": "2025-06-04T10:00:00Z",
		"battery_state": "discharging",
		"battery_charge_percent": 8,
		"battery_runtime_seconds": null
	}`), nil)

	health := m.check(context.Background())
	assert.Equal(t, Unhealthy, health.Healthy)
	assert.Equal(t, StateDischarging, health.State)
	require.NotNil(t, health.ChargePct)
	assert.Equal(t, 8.0, *health.ChargePct)
	assert.Equal(t, time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC), health.LastTimestamp)
}

func TestCheckScriptFailureIsUnknown(t *testing.T) {
	m := monitorWith(nil, errors.New("exit status 1"))
	assert.Equal(t, Unknown, m.check(context.Background()).Healthy)
}

func TestCheckMalformedOutputIsUnknown(t *testing.T) {
	m := monitorWith([]byte("battery fine probably"), nil)
	assert.Equal(t, Unknown, m.check(context.Background()).Healthy)
}

func TestCheckRequiresAtLeastOneMetric(t *testing.T) {
	m := monitorWith([]byte(`{
		"timestamp": "2025-06-04T10:00:00Z",
		"battery_state": "charging",
		"battery_charge_percent": null,
		"battery_runtime_seconds": null
	}`), nil)
	assert.Equal(t, Unknown, m.check(context.Background()).Healthy)
}

func TestMonitorPublishesTransitions(t *testing.T) {
	m := monitorWith([]byte(`{
		"timestamp": "2025-06-04T10:00:00Z",
		"battery_state": "discharging",
		"battery_charge_percent": 5
	}`), nil)

	m.poll(context.Background())

	select {
	case health := <-m.Transitions:
		assert.Equal(t, Unhealthy, health.Healthy)
	default:
		t.Fatal("expected a transition from unknown to unhealthy")
	}

	// same verdict again is not a transition
	m.poll(context.Background())
	select {
	case <-m.Transitions:
		t.Fatal("unchanged health must not publish")
	default:
	}
}

func TestSnapshotServedByRunLoop(t *testing.T) {
	m := monitorWith([]byte(`{
		"timestamp": "2025-06-04T10:00:00Z",
		"battery_state": "charged",
		"battery_charge_percent": 100
	}`), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	deadline := time.After(time.Second)
	for {
		health := m.Snapshot(ctx)
		if health.Healthy == Healthy {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("snapshot never became healthy, got %v", health.Healthy)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
