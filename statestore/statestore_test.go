package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path, 30)

	doc := NewDocument()
	state := doc.Output("pool-pump")
	state.Relay = RelayOn
	state.OnSecondsToday = 1234
	state.ShortfallHours = 0.5
	state.Override = &Override{On: true, ExpiresAt: time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)}
	state.RecordDay(DayRecord{Date: "2025-06-03", OnSeconds: 7200, EnergyWh: 900, Cost: 22.5})

	require.NoError(t, store.Save(doc))

	loaded, err := store.Load()
	require.NoError(t, err)

	got := loaded.Output("pool-pump")
	assert.Equal(t, RelayOn, got.Relay)
	assert.Equal(t, 1234.0, got.OnSecondsToday)
	assert.Equal(t, 0.5, got.ShortfallHours)
	require.NotNil(t, got.Override)
	assert.True(t, got.Override.On)
	require.Len(t, got.History, 1)
	assert.Equal(t, "2025-06-03", got.History[0].Date)
	assert.Equal(t, schemaVersion, loaded.Meta.SchemaVersion)
}

func TestLoadMissingFileStartsFresh(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"), 30)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Outputs)
}

func TestLoadCorruptFileBacksUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewStore(path, 30)
	doc, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Outputs)

	// original moved aside with a timestamp suffix
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "state.json.corrupt-")
}

func TestUnknownFieldsSurviveRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	original := `{
		"outputs": {"heater": {"relay": "off"}},
		"priceHistory": [{"slot": "2025-06-04T00:00:00Z", "price": 12.5}],
		"meta": {"schemaVersion": 1, "writtenAt": "2025-06-04T00:00:00Z"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	store := NewStore(path, 30)
	doc, err := store.Load()
	require.NoError(t, err)
	doc.Output("heater").Relay = RelayOn
	require.NoError(t, store.Save(doc))

	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), "priceHistory")
	assert.Contains(t, string(rewritten), "2025-06-04T00:00:00Z")
}

func TestHistoryRingTruncatedOnSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path, 3)

	doc := NewDocument()
	state := doc.Output("heater")
	for _, date := range []string{"2025-06-01", "2025-06-03", "2025-06-02", "2025-06-04", "2025-05-31"} {
		state.RecordDay(DayRecord{Date: date, OnSeconds: 100})
	}

	require.NoError(t, store.Save(doc))

	require.Len(t, state.History, 3)
	assert.Equal(t, "2025-06-02", state.History[0].Date)
	assert.Equal(t, "2025-06-04", state.History[2].Date)
}

func TestRecordDayReplacesExistingDate(t *testing.T) {
	state := &OutputState{}
	state.RecordDay(DayRecord{Date: "2025-06-04", OnSeconds: 100})
	state.RecordDay(DayRecord{Date: "2025-06-04", OnSeconds: 250})

	require.Len(t, state.History, 1)
	assert.Equal(t, 250.0, state.History[0].OnSeconds)
}
