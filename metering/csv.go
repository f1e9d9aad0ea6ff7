package metering

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/marloweh/powercontroller/telemetry"
)

var usageHeader = []string{"time", "output", "on_seconds", "energy_wh", "cost", "price_kwh"}
var tempHeader = []string{"time", "probe", "degrees_c"}

// CSVLog appends telemetry rows to a CSV file, writing the header when the
// file is new, and trims rows older than maxDays on request.
type CSVLog struct {
	path    string
	header  []string
	maxDays int
}

// NewCSVLog returns a log writing to path with the given header row.
func NewCSVLog(path string, header []string, maxDays int) *CSVLog {
	if maxDays <= 0 {
		maxDays = 30
	}
	return &CSVLog{path: path, header: header, maxDays: maxDays}
}

// NewUsageCSV returns the per-tick usage log.
func NewUsageCSV(path string, maxDays int) *CSVLog {
	return NewCSVLog(path, usageHeader, maxDays)
}

// NewTempCSV returns the temperature probe log.
func NewTempCSV(path string, maxDays int) *CSVLog {
	return NewCSVLog(path, tempHeader, maxDays)
}

// Append writes one record, creating the file with its header first if
// needed.
func (l *CSVLog) Append(record []string) error {
	_, statErr := os.Stat(l.path)
	isNew := os.IsNotExist(statErr)

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open csv log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if isNew {
		if err = writer.Write(l.header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if err = writer.Write(record); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

// AppendUsage writes one usage row.
func (l *CSVLog) AppendUsage(row telemetry.UsageRow) error {
	return l.Append([]string{
		row.Time.UTC().Format(time.RFC3339),
		row.Output,
		strconv.Itoa(row.OnSeconds),
		strconv.FormatFloat(row.EnergyWh, 'f', 1, 64),
		strconv.FormatFloat(row.Cost, 'f', 2, 64),
		strconv.FormatFloat(row.PriceKwh, 'f', 2, 64),
	})
}

// AppendTemp writes one probe sample.
func (l *CSVLog) AppendTemp(reading telemetry.TempReading) error {
	return l.Append([]string{
		reading.Time.UTC().Format(time.RFC3339),
		reading.Probe,
		strconv.FormatFloat(reading.DegreesC, 'f', 1, 64),
	})
}

// Trim rewrites the file keeping only rows whose first column parses to a
// time within the retention window.
func (l *CSVLog) Trim(now time.Time) error {
	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open csv log: %w", err)
	}

	records, err := csv.NewReader(file).ReadAll()
	file.Close()
	if err != nil {
		return fmt.Errorf("read csv log: %w", err)
	}

	cutoff := now.AddDate(0, 0, -l.maxDays)
	kept := [][]string{l.header}
	for i, record := range records {
		if i == 0 || len(record) == 0 {
			continue
		}
		when, parseErr := time.Parse(time.RFC3339, record[0])
		if parseErr != nil || when.Before(cutoff) {
			continue
		}
		kept = append(kept, record)
	}

	tmp := l.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create csv temp file: %w", err)
	}
	writer := csv.NewWriter(out)
	if err = writer.WriteAll(kept); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("rewrite csv log: %w", err)
	}
	writer.Flush()
	if err = out.Close(); err != nil {
		return fmt.Errorf("close csv temp file: %w", err)
	}
	return os.Rename(tmp, l.path)
}
