// Package metering buffers usage and sensor rows in a local SQLite database
// and uploads them to the viewer site in chunks. Rows survive network outages
// on disk and are deleted only once the viewer acknowledged them.
package metering

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/marloweh/powercontroller/telemetry"
	"gorm.io/gorm"
)

// StoredUsageRow is a usage row persisted to SQLite with its upload attempt
// count.
type StoredUsageRow struct {
	telemetry.UsageRow
	UploadAttemptCount uint
}

// StoredMeterReading is a meter reading persisted to SQLite.
type StoredMeterReading struct {
	telemetry.MeterReading
	UploadAttemptCount uint
}

// StoredTempReading is a temperature probe sample persisted to SQLite.
type StoredTempReading struct {
	telemetry.TempReading
	UploadAttemptCount uint
}

// Repository stores telemetry on the local file system before upload.
type Repository struct {
	db *gorm.DB
}

// NewRepository opens (or creates) the buffer database at path.
func NewRepository(path string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.AutoMigrate(&StoredUsageRow{}, &StoredMeterReading{}, &StoredTempReading{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) AddUsageRow(row telemetry.UsageRow) error {
	result := r.db.Create(&StoredUsageRow{UsageRow: row})
	return result.Error
}

func (r *Repository) AddMeterReading(reading telemetry.MeterReading) error {
	result := r.db.Create(&StoredMeterReading{MeterReading: reading})
	return result.Error
}

func (r *Repository) AddTempReading(reading telemetry.TempReading) error {
	result := r.db.Create(&StoredTempReading{TempReading: reading})
	return result.Error
}

// GetUsageRows returns up to limit rows; fresh selects rows never tried
// before, otherwise rows that have already failed at least one upload.
func (r *Repository) GetUsageRows(limit int, fresh bool) ([]StoredUsageRow, error) {
	var rows []StoredUsageRow
	if err := r.pending(limit, fresh).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) GetMeterReadings(limit int, fresh bool) ([]StoredMeterReading, error) {
	var readings []StoredMeterReading
	if err := r.pending(limit, fresh).Find(&readings).Error; err != nil {
		return nil, err
	}
	return readings, nil
}

func (r *Repository) GetTempReadings(limit int, fresh bool) ([]StoredTempReading, error) {
	var readings []StoredTempReading
	if err := r.pending(limit, fresh).Find(&readings).Error; err != nil {
		return nil, err
	}
	return readings, nil
}

func (r *Repository) pending(limit int, fresh bool) *gorm.DB {
	query := r.db.Limit(limit).Order("upload_attempt_count asc, time desc")
	if fresh {
		return query.Where("upload_attempt_count = ?", 0)
	}
	return query.Where("upload_attempt_count > ?", 0)
}

// DeleteRows removes uploaded rows from the buffer.
func (r *Repository) DeleteRows(rows interface{}) error {
	result := r.db.Delete(rows)
	return result.Error
}

// IncrementUploadAttemptCount bumps the attempt counter on every given row.
func (r *Repository) IncrementUploadAttemptCount(rows interface{}) error {
	result := r.db.Model(rows).UpdateColumn("upload_attempt_count", gorm.Expr("upload_attempt_count + ?", 1))
	return result.Error
}
