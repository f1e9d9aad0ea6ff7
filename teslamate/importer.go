package teslamate

import (
	"context"
	"log/slog"
	"time"

	"github.com/marloweh/powercontroller/controller"
)

// sessionSource abstracts the database reader so the importer can be tested
// without Postgres.
type sessionSource interface {
	SessionsSince(ctx context.Context, since time.Time) ([]Session, error)
}

// Importer polls for completed charging sessions and posts each one to the
// control loop exactly once. Only sessions with an end date are imported; an
// in-progress session is picked up on a later poll.
type Importer struct {
	source   sessionSource
	output   string
	commands chan<- any
	lookback time.Duration
	logger   *slog.Logger

	since    time.Time
	imported map[int64]bool
}

// NewImporter wires an importer that feeds the named imported output.
func NewImporter(source sessionSource, output string, commands chan<- any) *Importer {
	return &Importer{
		source:   source,
		output:   output,
		commands: commands,
		lookback: 7 * 24 * time.Hour,
		logger:   slog.Default().With("component", "teslamate_importer", "output", output),
		imported: map[int64]bool{},
	}
}

// Run polls on the given cadence until the context is cancelled.
func (i *Importer) Run(ctx context.Context, pollInterval time.Duration) error {
	i.since = time.Now().Add(-i.lookback)
	i.poll(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			i.poll(ctx)
		}
	}
}

func (i *Importer) poll(ctx context.Context) {
	sessions, err := i.source.SessionsSince(ctx, i.since)
	if err != nil {
		i.logger.Error("Failed to read charging sessions", "error", err)
		return
	}

	for _, session := range sessions {
		if session.End == nil || i.imported[session.ID] {
			continue
		}
		i.imported[session.ID] = true

		command := controller.SessionCommand{
			Output:   i.output,
			Start:    session.Start,
			End:      *session.End,
			EnergyWh: session.EnergyAddedKwh * 1000,
		}
		select {
		case i.commands <- command:
		case <-ctx.Done():
			return
		}
	}

	// Advance the window past fully imported history, keeping any in-progress
	// session inside it.
	for _, session := range sessions {
		if session.End == nil {
			return
		}
	}
	if len(sessions) > 0 {
		i.since = sessions[len(sessions)-1].Start
	}
}
