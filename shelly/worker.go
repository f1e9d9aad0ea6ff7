package shelly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/marloweh/powercontroller/telemetry"
)

// Command asks a worker to drive one relay to a target state.
type Command struct {
	ID    uuid.UUID
	Relay int
	On    bool

	reply chan error
}

// meterRequest asks a worker for a (possibly cached) meter reading.
type meterRequest struct {
	meter int
	reply chan meterReply
}

type meterReply struct {
	reading telemetry.MeterReading
	err     error
}

// WorkerConfig carries the per-device tunables.
type WorkerConfig struct {
	Device              string
	RetryCount          int
	RetryDelay          time.Duration
	ResponseTimeout     time.Duration
	MaxConcurrentErrors int           // consecutive failures before a down event
	MeterStaleness      time.Duration // meter reads within this window return the cached value
}

// Worker is the single writer for one physical device. All relay commands
// and meter reads are serialised through its goroutine so RPCs to a device
// never interleave. Status polls are taken on a cadence and published on
// Statuses; reachability transitions are published on Events.
type Worker struct {
	Statuses chan Status
	Events   chan telemetry.DeviceEvent

	commands   chan Command
	meterReads chan meterRequest
	refreshes  chan chan error

	client Client
	config WorkerConfig
	logger *slog.Logger

	errorStreak int
	down        bool
	meterCache  map[int]telemetry.MeterReading
}

// NewWorker wires a worker for one device.
func NewWorker(client Client, config WorkerConfig) *Worker {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = 5 * time.Second
	}
	if config.MaxConcurrentErrors <= 0 {
		config.MaxConcurrentErrors = 5
	}
	if config.MeterStaleness <= 0 {
		config.MeterStaleness = 5 * time.Second
	}
	return &Worker{
		Statuses:   make(chan Status, 4),
		Events:     make(chan telemetry.DeviceEvent, 4),
		commands:   make(chan Command, 16),
		meterReads: make(chan meterRequest, 16),
		refreshes:  make(chan chan error, 4),
		client:     client,
		config:     config,
		logger:     slog.Default().With("device", config.Device),
		meterCache: map[int]telemetry.MeterReading{},
	}
}

// Set drives a relay to the target state, blocking until the device
// acknowledged the change or retries were exhausted. Safe to call from any
// goroutine; execution happens on the worker's goroutine.
func (w *Worker) Set(ctx context.Context, relay int, on bool) error {
	cmd := Command{
		ID:    uuid.New(),
		Relay: relay,
		On:    on,
		reply: make(chan error, 1),
	}
	select {
	case w.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadMeter returns a meter reading, reusing a cached value if one was taken
// within the staleness window.
func (w *Worker) ReadMeter(ctx context.Context, meter int) (telemetry.MeterReading, error) {
	req := meterRequest{meter: meter, reply: make(chan meterReply, 1)}
	select {
	case w.meterReads <- req:
	case <-ctx.Done():
		return telemetry.MeterReading{}, ctx.Err()
	}
	select {
	case reply := <-req.reply:
		return reply.reading, reply.err
	case <-ctx.Done():
		return telemetry.MeterReading{}, ctx.Err()
	}
}

// Run loops forever serving commands and meter reads, and polling the device
// status every pollInterval. Exits when the context is cancelled.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	// take an initial status so the controller has something to reconcile
	w.pollStatus(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-w.commands:
			cmd.reply <- w.execute(ctx, cmd)
		case req := <-w.meterReads:
			req.reply <- w.serveMeterRead(ctx, req.meter)
		case reply := <-w.refreshes:
			reply <- w.pollStatus(ctx)
		case <-pollTicker.C:
			w.pollStatus(ctx)
		}
	}
}

// execute performs a relay change with retry-and-fixed-backoff.
func (w *Worker) execute(ctx context.Context, cmd Command) error {
	var lastErr error
	for attempt := 0; attempt < w.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, w.config.ResponseTimeout)
		lastErr = w.client.SetOutput(callCtx, w.config.Device, cmd.Relay, cmd.On)
		cancel()

		if lastErr == nil {
			w.recordSuccess()
			w.logger.Info("Relay changed", "relay", cmd.Relay, "on", cmd.On, "correlation_id", cmd.ID)
			return nil
		}
		w.logger.Warn("Relay change attempt failed", "relay", cmd.Relay, "attempt", attempt+1, "error", lastErr)
	}

	w.recordFailure(lastErr)
	return fmt.Errorf("set relay %d after %d attempts: %w", cmd.Relay, w.config.RetryCount, lastErr)
}

func (w *Worker) serveMeterRead(ctx context.Context, meter int) meterReply {
	if cached, ok := w.meterCache[meter]; ok && time.Since(cached.Time) < w.config.MeterStaleness {
		return meterReply{reading: cached}
	}

	callCtx, cancel := context.WithTimeout(ctx, w.config.ResponseTimeout)
	defer cancel()

	reading, err := w.client.ReadMeter(callCtx, w.config.Device, meter)
	if err != nil {
		w.recordFailure(err)
		return meterReply{err: err}
	}
	w.recordSuccess()
	w.meterCache[meter] = reading
	return meterReply{reading: reading}
}

// Refresh forces an immediate status poll on the worker's goroutine.
func (w *Worker) Refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.refreshes <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pollStatus(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, w.config.ResponseTimeout)
	defer cancel()

	status, err := w.client.GetStatus(callCtx, w.config.Device)
	if err != nil {
		w.logger.Warn("Status poll failed", "error", err)
		w.recordFailure(err)
		return err
	}
	w.recordSuccess()

	for meter, reading := range status.Meters {
		w.meterCache[meter] = reading
	}

	// non-blocking: the controller only ever wants the freshest snapshot
	select {
	case w.Statuses <- status:
	default:
	}
	return nil
}

func (w *Worker) recordFailure(err error) {
	w.errorStreak++
	if w.errorStreak == w.config.MaxConcurrentErrors && !w.down {
		w.down = true
		w.logger.Error("Device is down", "consecutive_errors", w.errorStreak, "error", err)
		w.emitEvent(telemetry.DeviceEventDown, err)
	}
}

func (w *Worker) recordSuccess() {
	if w.down {
		w.down = false
		w.logger.Info("Device recovered")
		w.emitEvent(telemetry.DeviceEventRecovered, nil)
	}
	w.errorStreak = 0
}

func (w *Worker) emitEvent(kind telemetry.DeviceEventKind, err error) {
	event := telemetry.DeviceEvent{
		Time:   time.Now(),
		Device: w.config.Device,
		Kind:   kind,
	}
	if err != nil {
		event.Error = err.Error()
	}
	select {
	case w.Events <- event:
	default:
	}
}
