package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marloweh/powercontroller/outputs"
	"github.com/marloweh/powercontroller/plan"
	"github.com/marloweh/powercontroller/pricing"
	"github.com/marloweh/powercontroller/shelly"
	"github.com/marloweh/powercontroller/statestore"
	"github.com/marloweh/powercontroller/timeutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRig is everything one control loop test needs: a mock device fleet, a
// running worker, and the loop itself driven by an injected ticker channel.
type testRig struct {
	client *shelly.MockClient
	ctrl   *Controller
	ticker chan time.Time
	cancel context.CancelFunc
}

func newTestRig(t *testing.T, configs []outputs.Config, prices []pricing.PricePoint, now time.Time) *testRig {
	t.Helper()

	client := shelly.NewMockClient()
	worker := shelly.NewWorker(client, shelly.WorkerConfig{
		Device:     "shed",
		RetryCount: 1,
		RetryDelay: time.Millisecond,
	})
	workers := map[string]*shelly.Worker{"shed": worker}

	cache := pricing.NewCache(24 * time.Hour)
	cache.Merge(prices)

	store := statestore.NewStore(filepath.Join(t.TempDir(), "state.json"), 30)
	doc := statestore.NewDocument()

	ctrl, err := New(Config{
		Outputs:  configs,
		Workers:  workers,
		Runner:   shelly.NewRunner(workers),
		Cache:    cache,
		Store:    store,
		Document: doc,
		Location: time.UTC,
		Lookback: time.Hour,
		Horizon:  6 * time.Hour,
	}, now)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx, time.Hour)
	ticker := make(chan time.Time, 1)
	go ctrl.Run(ctx, ticker)

	return &testRig{client: client, ctrl: ctrl, ticker: ticker, cancel: cancel}
}

// waitForRelay polls the mock until the relay reaches the wanted state.
func (r *testRig) waitForRelay(t *testing.T, relay int, want bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if r.client.RelayState("shed", relay) == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("relay %d never reached %v", relay, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func cheapPrices(now time.Time, price float64, slots int) []pricing.PricePoint {
	start := timeutils.FloorHH(now.Add(-time.Hour))
	points := make([]pricing.PricePoint, slots)
	for i := range points {
		points[i] = pricing.PricePoint{
			Start:    start.Add(time.Duration(i) * timeutils.SlotDuration),
			Duration: timeutils.SlotDuration,
			Channel:  pricing.ChannelGeneral,
			PriceKwh: price,
			Quality:  pricing.QualityCurrent,
		}
	}
	return points
}

func pumpConfig() outputs.Config {
	return outputs.Config{
		Name:         "pump",
		Kind:         outputs.KindSwitched,
		Device:       "shed",
		Relay:        0,
		Mode:         plan.ModeBestPrice,
		Channel:      pricing.ChannelGeneral,
		TargetHours:  -1,
		MaxHours:     24,
		MaxBestPrice: 25,
		DefaultPrice: 99,
		Location:     time.UTC,
	}
}

func TestTickTurnsOutputOnWhenCheap(t *testing.T) {
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	rig := newTestRig(t, []outputs.Config{pumpConfig()}, cheapPrices(now, 10, 16), now)
	defer rig.cancel()

	rig.ticker <- now
	rig.waitForRelay(t, 0, true)
}

func TestTickLeavesOutputOffWhenExpensive(t *testing.T) {
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	rig := newTestRig(t, []outputs.Config{pumpConfig()}, cheapPrices(now, 50, 16), now)
	defer rig.cancel()

	rig.ticker <- now

	snapshot, err := rig.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Outputs, 1)
	assert.Equal(t, string(outputs.StateOff), snapshot.Outputs[0].State)
	assert.False(t, rig.client.RelayState("shed", 0))
}

func TestOverrideCommandForcesOn(t *testing.T) {
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	rig := newTestRig(t, []outputs.Config{pumpConfig()}, cheapPrices(now, 50, 16), now)
	defer rig.cancel()

	reply := make(chan error, 1)
	rig.ctrl.Commands <- OverrideCommand{Output: "pump", State: "on", TTL: time.Hour, Reply: reply}
	require.NoError(t, <-reply)

	rig.waitForRelay(t, 0, true)
}

func TestOverrideCommandUnknownOutput(t *testing.T) {
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	rig := newTestRig(t, []outputs.Config{pumpConfig()}, cheapPrices(now, 50, 16), now)
	defer rig.cancel()

	reply := make(chan error, 1)
	rig.ctrl.Commands <- OverrideCommand{Output: "nope", State: "on", Reply: reply}
	assert.Error(t, <-reply)
}

func TestParentGatingAcrossOutputs(t *testing.T) {
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	parent := pumpConfig()
	parent.Name = "bore-pump"

	child := pumpConfig()
	child.Name = "irrigation"
	child.Relay = 1
	child.Parent = "bore-pump"

	// parent's channel is priced out, so the child must stay off too
	parent.MaxBestPrice = 5

	rig := newTestRig(t, []outputs.Config{parent, child}, cheapPrices(now, 10, 16), now)
	defer rig.cancel()

	rig.ticker <- now

	snapshot, err := rig.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	for _, status := range snapshot.Outputs {
		assert.Equal(t, string(outputs.StateOff), status.State, status.Name)
	}
	assert.False(t, rig.client.RelayState("shed", 0))
	assert.False(t, rig.client.RelayState("shed", 1))
}

func TestTopoSortRejectsCycles(t *testing.T) {
	a := pumpConfig()
	a.Name = "a"
	a.Parent = "b"
	b := pumpConfig()
	b.Name = "b"
	b.Parent = "a"

	_, err := topoSort([]outputs.Config{a, b})
	assert.Error(t, err)
}

func TestShutdownSkipsOutputWithSequenceInFlight(t *testing.T) {
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	config := pumpConfig()
	config.StopOnExit = true

	client := shelly.NewMockClient()
	worker := shelly.NewWorker(client, shelly.WorkerConfig{
		Device:     "shed",
		RetryCount: 1,
		RetryDelay: time.Millisecond,
	})
	workers := map[string]*shelly.Worker{"shed": worker}

	cache := pricing.NewCache(24 * time.Hour)
	cache.Merge(cheapPrices(now, 10, 16))

	ctrl, err := New(Config{
		Outputs:  []outputs.Config{config},
		Workers:  workers,
		Runner:   shelly.NewRunner(workers),
		Cache:    cache,
		Store:    statestore.NewStore(filepath.Join(t.TempDir(), "state.json"), 30),
		Document: statestore.NewDocument(),
		Location: time.UTC,
		Lookback: time.Hour,
		Horizon:  6 * time.Hour,
	}, now)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx, time.Hour)

	// drive one pass by hand: the turn-on dispatches, but nothing collects
	// its result, so the sequence stays in flight
	ctrl.tick(now)
	require.True(t, ctrl.inFlight["pump"])
	deadline := time.After(2 * time.Second)
	for !client.RelayState("shed", 0) {
		select {
		case <-deadline:
			t.Fatal("relay never turned on")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// exit must leave the output alone rather than racing the in-flight
	// sequence with a turn-off
	ctrl.shutdown()
	assert.True(t, client.RelayState("shed", 0))
}

func TestSnapshotCarriesPlanSummary(t *testing.T) {
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	rig := newTestRig(t, []outputs.Config{pumpConfig()}, cheapPrices(now, 10, 16), now)
	defer rig.cancel()

	rig.ticker <- now
	rig.waitForRelay(t, 0, true)

	snapshot, err := rig.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Outputs, 1)
	status := snapshot.Outputs[0]
	assert.Equal(t, "pump", status.Name)
	assert.Greater(t, status.PlannedOnHours, 0.0)
	assert.Equal(t, 10.0, status.PriceKwhNow)
}
