package shelly

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StepKind discriminates the step types a sequence can contain.
type StepKind string

const (
	StepChangeOutput  StepKind = "ChangeOutput"
	StepSleep         StepKind = "Sleep"
	StepRefreshStatus StepKind = "RefreshStatus"
	StepGetLocation   StepKind = "GetLocation"
)

// Step is one entry of a turn-on/turn-off recipe.
type Step struct {
	Kind StepKind

	// ChangeOutput fields
	Device       string
	Relay        int
	On           bool
	Retries      int
	RetryBackoff time.Duration

	// Sleep fields
	Duration time.Duration
}

// Sequence is an ordered turn-on/turn-off recipe with an overall timeout.
type Sequence struct {
	Name    string
	Timeout time.Duration
	Steps   []Step
}

// Result reports how far a sequence got. On failure the physical outputs are
// left in whatever state the completed steps reached.
type Result struct {
	Sequence       string
	Output         string // owning output, set by the submitter
	Err            error
	StepsCompleted int
	Elapsed        time.Duration
}

// Runner executes sequences serially against the device workers. The
// workers keep per-device single-writer semantics; the runner just paces the
// steps and enforces the overall timeout.
type Runner struct {
	workers map[string]*Worker
	logger  *slog.Logger
}

// NewRunner returns a sequence runner over the given workers, keyed by
// device name.
func NewRunner(workers map[string]*Worker) *Runner {
	return &Runner{
		workers: workers,
		logger:  slog.Default().With("component", "sequence_runner"),
	}
}

// Run executes the sequence. It returns once every step succeeded, a step
// exhausted its retries, or the sequence's overall timeout lapsed (in which
// case pending steps are cancelled).
func (r *Runner) Run(ctx context.Context, seq Sequence) Result {
	started := time.Now()

	if seq.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, seq.Timeout)
		defer cancel()
	}

	result := Result{Sequence: seq.Name}
	for i, step := range seq.Steps {
		if err := r.runStep(ctx, step); err != nil {
			result.Err = fmt.Errorf("step %d (%s): %w", i+1, step.Kind, err)
			result.StepsCompleted = i
			result.Elapsed = time.Since(started)
			r.logger.Warn("Sequence failed",
				"sequence", seq.Name,
				"steps_completed", i,
				"error", result.Err,
			)
			return result
		}
		result.StepsCompleted = i + 1
	}

	result.Elapsed = time.Since(started)
	r.logger.Info("Sequence complete", "sequence", seq.Name, "elapsed", result.Elapsed)
	return result
}

func (r *Runner) runStep(ctx context.Context, step Step) error {
	switch step.Kind {
	case StepSleep:
		select {
		case <-time.After(step.Duration):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case StepChangeOutput:
		worker, ok := r.workers[step.Device]
		if !ok {
			return fmt.Errorf("no worker for device %q", step.Device)
		}
		retries := step.Retries
		if retries <= 0 {
			retries = 1
		}
		var lastErr error
		for attempt := 0; attempt < retries; attempt++ {
			if attempt > 0 && step.RetryBackoff > 0 {
				select {
				case <-time.After(step.RetryBackoff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if lastErr = worker.Set(ctx, step.Relay, step.On); lastErr == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return lastErr

	case StepRefreshStatus:
		// ask every worker for a fresh snapshot; failures here are not fatal
		// to the sequence, the next poll will catch up
		for _, worker := range r.workers {
			if err := worker.Refresh(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return ctx.Err()

	case StepGetLocation:
		// location queries are advisory; treat as a status refresh of the
		// named device
		if worker, ok := r.workers[step.Device]; ok {
			if err := worker.Refresh(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return ctx.Err()

	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}
