package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// uploadChunkLimit caps how many rows go into one viewer HTTP request.
const uploadChunkLimit = 100

// Sink receives batches of rows for a named collection. The production
// implementation posts JSON to the viewer site; tests substitute their own.
type Sink interface {
	Upload(ctx context.Context, collection string, rows any) error
}

// ViewerSink posts row batches to the viewer site, authenticated by an access
// key header.
type ViewerSink struct {
	baseURL   string
	accessKey string
	client    http.Client
}

// NewViewerSink builds a sink for the viewer endpoint. timeout bounds each
// upload request.
func NewViewerSink(baseURL, accessKey string, timeout time.Duration) *ViewerSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ViewerSink{
		baseURL:   baseURL,
		accessKey: accessKey,
		client:    http.Client{Timeout: timeout},
	}
}

func (s *ViewerSink) Upload(ctx context.Context, collection string, rows any) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal %s rows: %w", collection, err)
	}

	endpoint := fmt.Sprintf("%s/ingest/%s", s.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.accessKey != "" {
		req.Header.Set("X-Access-Key", s.accessKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", collection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("upload %s returned %d: %s", collection, resp.StatusCode, detail)
	}
	return nil
}

// Uploader drains telemetry channels into the buffer repository and pushes
// buffered rows to the sink on a cadence.
type Uploader struct {
	UsageRows     chan StoredUsageRow
	MeterReadings chan StoredMeterReading
	TempReadings  chan StoredTempReading

	repository *Repository
	sink       Sink
	interval   time.Duration
	usageCSV   *CSVLog
	tempCSV    *CSVLog
	logger     *slog.Logger
}

// NewUploader wires an uploader over the given repository and sink.
func NewUploader(repository *Repository, sink Sink, interval time.Duration) *Uploader {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Uploader{
		// small buffers let SQLite catch up if the disk is slow
		UsageRows:     make(chan StoredUsageRow, 25),
		MeterReadings: make(chan StoredMeterReading, 25),
		TempReadings:  make(chan StoredTempReading, 25),
		repository:    repository,
		sink:          sink,
		interval:      interval,
		logger:        slog.Default().With("component", "metering"),
	}
}

// WithCSVLogs mirrors usage and temperature rows into CSV files. Either log
// may be nil.
func (u *Uploader) WithCSVLogs(usage, temps *CSVLog) *Uploader {
	u.usageCSV = usage
	u.tempCSV = temps
	return u
}

// Run loops forever buffering incoming rows and attempting uploads. CSV logs
// are trimmed to their retention window once a day.
func (u *Uploader) Run(ctx context.Context) {
	uploadTicker := time.NewTicker(u.interval)
	defer uploadTicker.Stop()
	trimTicker := time.NewTicker(24 * time.Hour)
	defer trimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case row := <-u.UsageRows:
			if err := u.repository.AddUsageRow(row.UsageRow); err != nil {
				u.logger.Error("Failed to persist usage row", "error", err)
			}
			if u.usageCSV != nil {
				if err := u.usageCSV.AppendUsage(row.UsageRow); err != nil {
					u.logger.Error("Failed to append usage CSV row", "error", err)
				}
			}
		case reading := <-u.MeterReadings:
			if err := u.repository.AddMeterReading(reading.MeterReading); err != nil {
				u.logger.Error("Failed to persist meter reading", "error", err)
			}
		case reading := <-u.TempReadings:
			if err := u.repository.AddTempReading(reading.TempReading); err != nil {
				u.logger.Error("Failed to persist temp reading", "error", err)
			}
			if u.tempCSV != nil {
				if err := u.tempCSV.AppendTemp(reading.TempReading); err != nil {
					u.logger.Error("Failed to append temp CSV row", "error", err)
				}
			}
		case <-trimTicker.C:
			u.trimCSVLogs()
		case <-uploadTicker.C:
			u.attemptUpload(ctx)
		}
	}
}

func (u *Uploader) trimCSVLogs() {
	for _, log := range []*CSVLog{u.usageCSV, u.tempCSV} {
		if log == nil {
			continue
		}
		if err := log.Trim(time.Now()); err != nil {
			u.logger.Error("Failed to trim CSV log", "error", err)
		}
	}
}

// attemptUpload pushes fresh rows first, then retries rows that failed
// before.
func (u *Uploader) attemptUpload(ctx context.Context) {
	for _, fresh := range []bool{true, false} {
		rows, err := u.repository.GetUsageRows(uploadChunkLimit, fresh)
		if err != nil {
			u.logger.Error("Failed to query usage rows", "error", err)
		} else if len(rows) > 0 {
			u.handleBatch(ctx, "usage", rows)
		}

		readings, err := u.repository.GetMeterReadings(uploadChunkLimit, fresh)
		if err != nil {
			u.logger.Error("Failed to query meter readings", "error", err)
		} else if len(readings) > 0 {
			u.handleBatch(ctx, "meter", readings)
		}

		temps, err := u.repository.GetTempReadings(uploadChunkLimit, fresh)
		if err != nil {
			u.logger.Error("Failed to query temp readings", "error", err)
		} else if len(temps) > 0 {
			u.handleBatch(ctx, "temperature", temps)
		}
	}
}

// handleBatch uploads one chunk. On success the rows leave the buffer; on
// failure their attempt count goes up and they stay for next time.
func (u *Uploader) handleBatch(ctx context.Context, collection string, rows any) {
	if err := u.sink.Upload(ctx, collection, rows); err != nil {
		u.logger.Warn("Upload failed, rows kept for retry", "collection", collection, "error", err)
		if incErr := u.repository.IncrementUploadAttemptCount(rows); incErr != nil {
			u.logger.Error("Failed to record upload attempt", "collection", collection, "error", incErr)
		}
		return
	}
	if err := u.repository.DeleteRows(rows); err != nil {
		u.logger.Error("Failed to delete uploaded rows", "collection", collection, "error", err)
		return
	}
	u.logger.Info("Uploaded rows", "collection", collection)
}
