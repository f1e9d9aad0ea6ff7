package shelly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marloweh/powercontroller/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorker(t *testing.T, client Client) (*Worker, context.CancelFunc) {
	t.Helper()
	worker := NewWorker(client, WorkerConfig{
		Device:              "shed",
		RetryCount:          2,
		RetryDelay:          time.Millisecond,
		ResponseTimeout:     time.Second,
		MaxConcurrentErrors: 3,
		MeterStaleness:      time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx, time.Hour)
	return worker, cancel
}

func TestWorkerSetDrivesRelay(t *testing.T) {
	client := NewMockClient()
	worker, cancel := testWorker(t, client)
	defer cancel()

	require.NoError(t, worker.Set(context.Background(), 0, true))
	assert.True(t, client.RelayState("shed", 0))

	require.NoError(t, worker.Set(context.Background(), 0, false))
	assert.False(t, client.RelayState("shed", 0))
}

func TestWorkerRetriesThenFails(t *testing.T) {
	client := NewMockClient()
	client.FailWith = errors.New("connection refused")
	worker, cancel := testWorker(t, client)
	defer cancel()

	err := worker.Set(context.Background(), 0, true)
	require.Error(t, err)

	// RetryCount is 2, so the device saw exactly two attempts
	assert.Len(t, client.SetCalls, 2)
}

func TestWorkerEmitsDownAndRecoveredEvents(t *testing.T) {
	client := NewMockClient()
	client.FailWith = errors.New("timeout")
	worker, cancel := testWorker(t, client)
	defer cancel()

	// each Set is one failure streak entry after retries are exhausted;
	// the initial status poll already counted one failure
	worker.Set(context.Background(), 0, true)
	worker.Set(context.Background(), 0, true)

	select {
	case event := <-worker.Events:
		assert.Equal(t, telemetry.DeviceEventDown, event.Kind)
		assert.Equal(t, "shed", event.Device)
	case <-time.After(time.Second):
		t.Fatal("no down event emitted")
	}

	client.mu.Lock()
	client.FailWith = nil
	client.mu.Unlock()
	require.NoError(t, worker.Set(context.Background(), 0, true))

	select {
	case event := <-worker.Events:
		assert.Equal(t, telemetry.DeviceEventRecovered, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("no recovered event emitted")
	}
}

func TestWorkerMeterReadUsesCache(t *testing.T) {
	client := NewMockClient()
	client.SetPower("shed", 0, 1500)
	worker, cancel := testWorker(t, client)
	defer cancel()

	first, err := worker.ReadMeter(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, first.PowerW)

	// a second read inside the staleness window returns the same sample
	client.SetPower("shed", 0, 9999)
	second, err := worker.ReadMeter(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1500.0, second.PowerW)
}

func TestWorkerRefreshPublishesStatus(t *testing.T) {
	client := NewMockClient()
	require.NoError(t, client.SetOutput(context.Background(), "shed", 1, true))
	worker, cancel := testWorker(t, client)
	defer cancel()

	require.NoError(t, worker.Refresh(context.Background()))

	var status Status
	for {
		select {
		case status = <-worker.Statuses:
			if on, ok := status.Relays[1]; ok && on {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no status published")
		}
	}
}
