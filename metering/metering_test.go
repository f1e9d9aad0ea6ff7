package metering

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/marloweh/powercontroller/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "buffer.db"))
	require.NoError(t, err)
	return repo
}

func usageRow(output string, when time.Time) telemetry.UsageRow {
	return telemetry.UsageRow{
		ID:        uuid.New(),
		Time:      when,
		Output:    output,
		OnSeconds: 1800,
		EnergyWh:  750,
		Cost:      18.75,
		PriceKwh:  25,
	}
}

func TestRepositoryFreshAndRetryQueues(t *testing.T) {
	repo := testRepository(t)
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.AddUsageRow(usageRow("pool-pump", now)))
	require.NoError(t, repo.AddUsageRow(usageRow("heater", now.Add(time.Minute))))

	fresh, err := repo.GetUsageRows(10, true)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)

	retry, err := repo.GetUsageRows(10, false)
	require.NoError(t, err)
	assert.Empty(t, retry)

	require.NoError(t, repo.IncrementUploadAttemptCount(fresh))

	fresh, err = repo.GetUsageRows(10, true)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	retry, err = repo.GetUsageRows(10, false)
	require.NoError(t, err)
	assert.Len(t, retry, 2)
	assert.Equal(t, uint(1), retry[0].UploadAttemptCount)
}

func TestRepositoryDeleteRemovesRows(t *testing.T) {
	repo := testRepository(t)
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AddUsageRow(usageRow("pool-pump", now)))

	rows, err := repo.GetUsageRows(10, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, repo.DeleteRows(rows))

	rows, err = repo.GetUsageRows(10, true)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

type mockSink struct {
	fail    bool
	batches map[string]int
}

func (m *mockSink) Upload(ctx context.Context, collection string, rows any) error {
	if m.fail {
		return errors.New("viewer unreachable")
	}
	if m.batches == nil {
		m.batches = map[string]int{}
	}
	m.batches[collection]++
	return nil
}

func TestUploaderDeletesOnSuccess(t *testing.T) {
	repo := testRepository(t)
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AddUsageRow(usageRow("pool-pump", now)))

	sink := &mockSink{}
	uploader := NewUploader(repo, sink, time.Second)
	uploader.attemptUpload(context.Background())

	assert.Equal(t, 1, sink.batches["usage"])
	rows, err := repo.GetUsageRows(10, true)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUploaderKeepsRowsOnFailure(t *testing.T) {
	repo := testRepository(t)
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AddUsageRow(usageRow("pool-pump", now)))

	uploader := NewUploader(repo, &mockSink{fail: true}, time.Second)
	uploader.attemptUpload(context.Background())

	// the row moved from the fresh queue to the retry queue
	fresh, err := repo.GetUsageRows(10, true)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	retry, err := repo.GetUsageRows(10, false)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, uint(1), retry[0].UploadAttemptCount)
}

func TestCSVLogHeaderAndTrim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.csv")
	log := NewUsageCSV(path, 7)
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, log.AppendUsage(usageRow("pool-pump", now.AddDate(0, 0, -10))))
	require.NoError(t, log.AppendUsage(usageRow("pool-pump", now)))

	require.NoError(t, log.Trim(now))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	// header plus the one row inside the retention window
	require.Len(t, records, 2)
	assert.Equal(t, usageHeader, records[0])
	assert.Equal(t, "pool-pump", records[1][1])
}
