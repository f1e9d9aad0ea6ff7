// Package statestore persists controller state across restarts as a single
// JSON document. Writes are atomic (temp file, fsync, rename) so a crash can
// never leave a half-written file, and unknown fields survive a rewrite so
// newer documents can be read by older binaries.
package statestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const schemaVersion = 1

// RelayState is the last relay state the device acknowledged.
type RelayState string

const (
	RelayOn      RelayState = "on"
	RelayOff     RelayState = "off"
	RelayUnknown RelayState = "unknown"
)

// Override is a manual on/off request with an optional expiry.
type Override struct {
	On        bool      `json:"on"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DayRecord is one day of usage history for an output.
type DayRecord struct {
	Date      string  `json:"date"` // YYYY-MM-DD in the output's local zone
	OnSeconds float64 `json:"onSeconds"`
	EnergyWh  float64 `json:"energyWh"`
	Cost      float64 `json:"cost"`
}

// OutputState is everything persisted for one output.
type OutputState struct {
	Relay          RelayState  `json:"relay"`
	LastChange     time.Time   `json:"lastChange"`
	OnSecondsToday float64     `json:"onSecondsToday"`
	ShortfallHours float64     `json:"shortfallHours"`
	Override       *Override   `json:"override,omitempty"`
	History        []DayRecord `json:"history,omitempty"`
	LastPowerW     float64     `json:"lastPowerW"`
	LastEnergyWh   float64     `json:"lastEnergyWh"`
	LastContact    time.Time   `json:"lastContact"`
}

// Meta records provenance of the document.
type Meta struct {
	SchemaVersion int       `json:"schemaVersion"`
	WrittenAt     time.Time `json:"writtenAt"`
}

// Document is the whole persisted state. Top-level fields this version does
// not know about are carried in extra and written back verbatim.
type Document struct {
	Outputs map[string]*OutputState
	Meta    Meta

	extra map[string]json.RawMessage
}

// NewDocument returns an empty document ready for use.
func NewDocument() *Document {
	return &Document{Outputs: map[string]*OutputState{}}
}

// Output returns the state for the named output, creating it if absent.
func (d *Document) Output(name string) *OutputState {
	if d.Outputs == nil {
		d.Outputs = map[string]*OutputState{}
	}
	state, ok := d.Outputs[name]
	if !ok {
		state = &OutputState{Relay: RelayUnknown}
		d.Outputs[name] = state
	}
	return state
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	d.Outputs = map[string]*OutputState{}
	if section, ok := raw["outputs"]; ok {
		if err := json.Unmarshal(section, &d.Outputs); err != nil {
			return fmt.Errorf("outputs section: %w", err)
		}
		delete(raw, "outputs")
	}
	if section, ok := raw["meta"]; ok {
		if err := json.Unmarshal(section, &d.Meta); err != nil {
			return fmt.Errorf("meta section: %w", err)
		}
		delete(raw, "meta")
	}
	d.extra = raw
	return nil
}

func (d *Document) MarshalJSON() ([]byte, error) {
	merged := map[string]any{}
	for key, section := range d.extra {
		merged[key] = section
	}
	merged["outputs"] = d.Outputs
	merged["meta"] = d.Meta
	return json.Marshal(merged)
}

// Store loads and saves the state document at a fixed path.
type Store struct {
	path          string
	daysOfHistory int
	logger        *slog.Logger
}

// NewStore returns a store for the given file. History rings are truncated to
// daysOfHistory entries on every save.
func NewStore(path string, daysOfHistory int) *Store {
	if daysOfHistory <= 0 {
		daysOfHistory = 30
	}
	return &Store{
		path:          path,
		daysOfHistory: daysOfHistory,
		logger:        slog.Default().With("component", "statestore"),
	}
}

// Load reads the document from disk. A missing file yields a fresh document.
// A corrupt file is moved aside with a timestamp suffix and a fresh document
// is returned so the controller can start.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("No state file, starting fresh", "path", s.path)
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	doc := NewDocument()
	if err = json.Unmarshal(data, doc); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%s", s.path, time.Now().UTC().Format("20060102T150405Z"))
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			return nil, fmt.Errorf("state file corrupt (%v) and backup failed: %w", err, renameErr)
		}
		s.logger.Error("State file corrupt, backed up and starting fresh",
			"path", s.path, "backup", backup, "error", err)
		return NewDocument(), nil
	}
	return doc, nil
}

// Save writes the document atomically. The history ring of every output is
// truncated to the configured number of days first.
func (s *Store) Save(doc *Document) error {
	for _, state := range doc.Outputs {
		state.truncateHistory(s.daysOfHistory)
	}
	doc.Meta.SchemaVersion = schemaVersion
	doc.Meta.WrittenAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}

// truncateHistory keeps the most recent maxDays records, sorted by date.
func (o *OutputState) truncateHistory(maxDays int) {
	if len(o.History) <= maxDays {
		return
	}
	sort.Slice(o.History, func(i, j int) bool {
		return o.History[i].Date < o.History[j].Date
	})
	o.History = o.History[len(o.History)-maxDays:]
}

// RecordDay appends (or replaces) a day record in the history ring.
func (o *OutputState) RecordDay(record DayRecord) {
	for i := range o.History {
		if o.History[i].Date == record.Date {
			o.History[i] = record
			return
		}
	}
	o.History = append(o.History, record)
}
