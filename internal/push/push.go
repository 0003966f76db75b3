// Package push collects sensor readings, buffers them locally and
// uploads them to the remote collection endpoint. Readings always land
// in the buffer first so a dead uplink loses nothing; uploads go
// oldest-first and stop at the first failure to preserve server-side
// ordering.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keukaworks/keuka-station/internal/models"
	"github.com/keukaworks/keuka-station/internal/sensors"
	"github.com/keukaworks/keuka-station/internal/storage"
	"github.com/keukaworks/keuka-station/internal/wan"
)

// SnapshotReader is the sensor surface the service needs.
type SnapshotReader interface {
	Read(fast bool) sensors.Snapshot
}

// IPSource reports the last known public address without probing.
type IPSource interface {
	Last() wan.Status
}

// Config tunes one push service instance.
type Config struct {
	StationName    string
	ServerURL      string
	UploadTimeout  time.Duration
	MaxUploadBatch int
	RetainUploaded time.Duration

	// Position reported with every reading. The station is fixed, so
	// these come from config rather than a GPS fix.
	FallbackLatitude      float64
	FallbackLongitude     float64
	FallbackElevationFeet float64
}

// Service runs the collect/store/upload cycle.
type Service struct {
	cfg     Config
	sensors SnapshotReader
	buffer  storage.ReadingBuffer
	ip      IPSource
	client  *http.Client
	logger  *logrus.Logger
	loc     *time.Location
}

func NewService(cfg Config, snap SnapshotReader, buffer storage.ReadingBuffer, ip IPSource, logger *logrus.Logger) *Service {
	if cfg.MaxUploadBatch <= 0 {
		cfg.MaxUploadBatch = 50
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.Local
	}
	return &Service{
		cfg:     cfg,
		sensors: snap,
		buffer:  buffer,
		ip:      ip,
		client:  &http.Client{Timeout: cfg.UploadTimeout},
		logger:  logger,
		loc:     loc,
	}
}

// CycleResult summarizes one RunCycle for callers that map it to an
// exit code.
type CycleResult struct {
	Stored      bool
	Uploaded    int
	StoreErr    error
	UploadErr   error
	CleanupErr  error
	PendingLeft int64
}

// Failed reports whether the cycle both failed to store locally and
// failed to upload, i.e. the reading is lost.
func (r CycleResult) Failed() bool {
	return r.StoreErr != nil && r.UploadErr != nil
}

// RunCycle takes one reading, stores it, then drains the pending
// buffer. Retention cleanup runs only after at least one successful
// upload so a long outage never trims data it still needs to send.
func (s *Service) RunCycle(ctx context.Context) CycleResult {
	var res CycleResult

	ts, reading := s.Collect()
	payload, err := json.Marshal(reading)
	if err != nil {
		res.StoreErr = fmt.Errorf("failed to encode reading: %w", err)
	} else if _, err := s.buffer.StoreReading(ts, string(payload)); err != nil {
		res.StoreErr = err
		s.logger.WithError(err).Error("failed to buffer reading")
	} else {
		res.Stored = true
	}

	res.Uploaded, res.UploadErr = s.UploadPending(ctx)

	if res.Uploaded > 0 && s.cfg.RetainUploaded > 0 {
		if _, err := s.buffer.CleanupUploaded(s.cfg.RetainUploaded); err != nil {
			res.CleanupErr = err
		} else if err := s.buffer.Vacuum(); err != nil {
			res.CleanupErr = err
		}
	}

	if stats, err := s.buffer.Stats(); err == nil {
		res.PendingLeft = stats.Pending
	}

	s.logger.WithFields(logrus.Fields{
		"stored":   res.Stored,
		"uploaded": res.Uploaded,
		"pending":  res.PendingLeft,
	}).Info("push cycle complete")
	return res
}

// Collect reads the sensors and assembles the reading. Sensor values
// that could not be read stay nil in the JSON.
func (s *Service) Collect() (timestamp string, reading models.Reading) {
	snap := s.sensors.Read(false)
	reading = models.Reading{
		WaterTempF:       finiteOrNil(snap.TempF),
		WaterLevelInches: finiteOrNil(snap.DistanceInches),
		Latitude:         s.cfg.FallbackLatitude,
		Longitude:        s.cfg.FallbackLongitude,
		ElevationFeet:    s.cfg.FallbackElevationFeet,
		PublicIP:         s.ip.Last().IP,
	}
	return time.Now().In(s.loc).Format("2006-01-02T15:04:05"), reading
}

// UploadPending posts buffered readings oldest-first, stopping at the
// first failure. Returns how many were accepted.
func (s *Service) UploadPending(ctx context.Context) (int, error) {
	rows, err := s.buffer.Unuploaded(s.cfg.MaxUploadBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending readings: %w", err)
	}

	hostname, _ := os.Hostname()
	publicIP := s.ip.Last().IP

	uploaded := 0
	for _, row := range rows {
		var reading models.Reading
		if err := json.Unmarshal([]byte(row.Payload), &reading); err != nil {
			// A corrupt row would block the queue forever; flag it
			// uploaded and move on.
			s.logger.WithError(err).WithField("id", row.ID).Warn("skipping corrupt buffered reading")
			_ = s.buffer.MarkUploaded(row.ID)
			continue
		}

		envelope := models.PushPayload{
			SensorName: s.cfg.StationName,
			Timestamp:  row.Timestamp,
			Data:       reading,
			Metadata: models.PushMetadata{
				DeviceName: hostname,
				LocalID:    row.ID,
				PublicIP:   publicIP,
			},
		}
		if err := s.post(ctx, envelope); err != nil {
			s.logger.WithError(err).WithField("id", row.ID).Warn("upload failed, keeping remainder buffered")
			return uploaded, err
		}
		if err := s.buffer.MarkUploaded(row.ID); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}

func (s *Service) post(ctx context.Context, payload models.PushPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ServerURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

// Stats exposes buffer totals for the status command and health page.
func (s *Service) Stats() (models.BufferStats, error) {
	return s.buffer.Stats()
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
