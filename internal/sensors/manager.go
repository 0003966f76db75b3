package sensors

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Snapshot is one cached pair of readings.
type Snapshot struct {
	TempF          float64
	DistanceInches float64
	TakenAt        time.Time
	Fast           bool
}

// ManagerOptions tune sampling behaviour.
type ManagerOptions struct {
	Samples        int           // median window, normal mode
	FastSamples    int           // median window, fast mode (page loads)
	SampleInterval time.Duration // spacing between ultrasonic samples
	CacheTTL       time.Duration // how long a snapshot stays fresh
}

// Manager serializes hardware access and caches the most recent
// snapshot so concurrent HTTP requests don't stack sensor reads. A
// snapshot taken in normal mode also satisfies fast-mode requests.
type Manager struct {
	temp   TempSensor
	dist   DistanceSensor
	opts   ManagerOptions
	logger *logrus.Logger

	mu   sync.Mutex
	last *Snapshot
}

func NewManager(temp TempSensor, dist DistanceSensor, opts ManagerOptions, logger *logrus.Logger) *Manager {
	if opts.Samples <= 0 {
		opts.Samples = 11
	}
	if opts.FastSamples <= 0 {
		opts.FastSamples = 5
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 75 * time.Millisecond
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 1500 * time.Millisecond
	}
	return &Manager{temp: temp, dist: dist, opts: opts, logger: logger}
}

// Read returns a snapshot, reusing the cache when it is still fresh.
// fast reduces the median window for latency-sensitive callers.
func (m *Manager) Read(fast bool) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.last != nil && time.Since(m.last.TakenAt) < m.opts.CacheTTL {
		// A normal-mode snapshot is at least as good as a fast one.
		if !m.last.Fast || fast {
			return *m.last
		}
	}

	samples := m.opts.Samples
	if fast {
		samples = m.opts.FastSamples
	}

	snap := Snapshot{
		TempF:          m.temp.ReadFahrenheit(),
		DistanceInches: Median(m.dist.ReadInches, samples, m.opts.SampleInterval),
		TakenAt:        time.Now(),
		Fast:           fast,
	}

	m.logger.WithFields(logrus.Fields{
		"tempF":          snap.TempF,
		"distanceInches": snap.DistanceInches,
		"fast":           fast,
	}).Debug("sensor snapshot")

	m.last = &snap
	return snap
}
