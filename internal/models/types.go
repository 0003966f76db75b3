package models

import "time"

// Reading is a single station measurement cycle. Fields that could not
// be read are nil so JSON consumers can tell "missing" from zero.
type Reading struct {
	WaterTempF       *float64 `json:"waterTempF"`
	WaterLevelInches *float64 `json:"waterLevelInches"`
	TurbidityNTU     *float64 `json:"turbidityNTU"`
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	ElevationFeet    float64  `json:"elevationFeet"`
	PublicIP         string   `json:"publicIP,omitempty"`
}

// BufferedReading is one row of the local upload buffer.
type BufferedReading struct {
	ID        int64
	Timestamp string
	Payload   string
	Uploaded  bool
	CreatedAt time.Time
}

// BufferStats summarizes the state of the local upload buffer.
type BufferStats struct {
	Total         int64   `json:"total"`
	Uploaded      int64   `json:"uploaded"`
	Pending       int64   `json:"pending"`
	OldestPending *string `json:"oldest_pending"`
}

// PushPayload is the envelope posted to the remote collection endpoint.
type PushPayload struct {
	SensorName string       `json:"sensorName"`
	Timestamp  string       `json:"timestampNY"`
	Data       Reading      `json:"data"`
	Metadata   PushMetadata `json:"metadata"`
}

type PushMetadata struct {
	DeviceName string `json:"deviceName"`
	LocalID    int64  `json:"localId"`
	PublicIP   string `json:"publicIP,omitempty"`
}
