// Package storage buffers sensor readings in a local SQLite database so
// the push service survives network outages. Rows are uploaded
// oldest-first and pruned once they have been on the server long enough.
package storage

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/keukaworks/keuka-station/internal/models"
)

// SensorReading is the buffered-upload table. Payload holds the reading
// JSON exactly as it will be sent to the server.
type SensorReading struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp string    `gorm:"column:timestamp_ny;not null"`
	Payload   string    `gorm:"column:data;not null"`
	Uploaded  bool      `gorm:"column:uploaded;default:false;index"`
	CreatedAt time.Time `gorm:"index"`
}

func (SensorReading) TableName() string { return "sensor_readings" }

// ReadingBuffer is the interface the push service depends on.
type ReadingBuffer interface {
	StoreReading(timestamp, payload string) (int64, error)
	Unuploaded(limit int) ([]models.BufferedReading, error)
	MarkUploaded(id int64) error
	Stats() (models.BufferStats, error)
	CleanupUploaded(olderThan time.Duration) (int64, error)
	Vacuum() error
	Close() error
}

// Store implements ReadingBuffer on SQLite via GORM.
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// Open opens (creating if needed) the buffer database at path and
// migrates the schema.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer database: %w", err)
	}
	if err := db.AutoMigrate(&SensorReading{}); err != nil {
		return nil, fmt.Errorf("failed to migrate buffer schema: %w", err)
	}
	logger.WithField("path", path).Info("reading buffer initialized")
	return &Store{db: db, logger: logger}, nil
}

// StoreReading inserts a pending reading and returns its row ID.
func (s *Store) StoreReading(timestamp, payload string) (int64, error) {
	row := SensorReading{Timestamp: timestamp, Payload: payload}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to store reading: %w", err)
	}
	return row.ID, nil
}

// Unuploaded returns pending readings in insertion order, capped at limit.
func (s *Store) Unuploaded(limit int) ([]models.BufferedReading, error) {
	var rows []SensorReading
	err := s.db.Where("uploaded = ?", false).Order("id").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.BufferedReading, len(rows))
	for i, r := range rows {
		out[i] = models.BufferedReading{
			ID:        r.ID,
			Timestamp: r.Timestamp,
			Payload:   r.Payload,
			Uploaded:  r.Uploaded,
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

// MarkUploaded flags a reading as accepted by the server.
func (s *Store) MarkUploaded(id int64) error {
	res := s.db.Model(&SensorReading{}).Where("id = ?", id).Update("uploaded", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.logger.WithField("id", id).Warn("reading not found when marking uploaded")
	}
	return nil
}

// Stats reports buffer totals and the oldest pending timestamp.
func (s *Store) Stats() (models.BufferStats, error) {
	var stats models.BufferStats
	if err := s.db.Model(&SensorReading{}).Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	if err := s.db.Model(&SensorReading{}).Where("uploaded = ?", true).Count(&stats.Uploaded).Error; err != nil {
		return stats, err
	}
	stats.Pending = stats.Total - stats.Uploaded

	var oldest SensorReading
	err := s.db.Where("uploaded = ?", false).Order("id").First(&oldest).Error
	if err == nil {
		stats.OldestPending = &oldest.Timestamp
	} else if err != gorm.ErrRecordNotFound {
		return stats, err
	}
	return stats, nil
}

// CleanupUploaded deletes uploaded rows older than the retention window.
func (s *Store) CleanupUploaded(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.Where("uploaded = ? AND created_at < ?", true, cutoff).Delete(&SensorReading{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.WithField("deleted", res.RowsAffected).Info("pruned uploaded readings")
	}
	return res.RowsAffected, nil
}

// Vacuum reclaims file space after a cleanup.
func (s *Store) Vacuum() error {
	return s.db.Exec("VACUUM").Error
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ ReadingBuffer = (*Store)(nil)
