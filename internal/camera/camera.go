// Package camera captures JPEG frames from the station webcam and fans
// them out to the web layer (snapshot + MJPEG stream). The GStreamer
// source delivers encoded frames over a channel; the Hub keeps the
// latest frame and retries a missing or failing device with a backoff
// so the station keeps serving sensor data when the camera is unplugged.
package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one encoded JPEG image from the camera.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
}

// FrameSource produces frames until Stop is called or the context ends.
// Implementations close the Frames channel when the pipeline terminates.
type FrameSource interface {
	Start(ctx context.Context) error
	Stop()
	Frames() <-chan Frame
}

// Stats counts the capture side of the hub.
type Stats struct {
	FramesCaptured uint64    `json:"frames_captured"`
	FramesDropped  uint64    `json:"frames_dropped"`
	BytesCaptured  uint64    `json:"bytes_captured"`
	Restarts       uint64    `json:"restarts"`
	LastFrameAt    time.Time `json:"last_frame_at"`
	Running        bool      `json:"running"`
}

// Hub consumes a FrameSource and retains the newest frame for snapshot
// requests while broadcasting every frame to stream subscribers.
type Hub struct {
	src     FrameSource
	backoff time.Duration
	logger  logger

	mu     sync.RWMutex
	latest *Frame
	subs   map[chan Frame]struct{}

	captured uint64
	dropped  uint64
	bytes    uint64
	restarts uint64
	running  atomic.Bool
}

// logger is the slice of logrus the hub needs; keeps tests quiet.
type logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

const defaultBackoff = 60 * time.Second

func NewHub(src FrameSource, log logger) *Hub {
	return &Hub{
		src:     src,
		backoff: defaultBackoff,
		logger:  log,
		subs:    make(map[chan Frame]struct{}),
	}
}

// Run keeps the source alive until ctx is done. A source that fails to
// start (device missing) is retried after the backoff; a source whose
// frame channel closes (device yanked mid-stream) is restarted the same
// way.
func (h *Hub) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := h.src.Start(ctx); err != nil {
			h.logger.Warnf("camera: start failed, retrying in %s: %v", h.backoff, err)
			if !sleepCtx(ctx, h.backoff) {
				return
			}
			atomic.AddUint64(&h.restarts, 1)
			continue
		}

		h.running.Store(true)
		h.consume(ctx)
		h.running.Store(false)
		h.src.Stop()

		if ctx.Err() != nil {
			return
		}
		h.logger.Warnf("camera: frame stream ended, restarting in %s", h.backoff)
		if !sleepCtx(ctx, h.backoff) {
			return
		}
		atomic.AddUint64(&h.restarts, 1)
	}
}

func (h *Hub) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-h.src.Frames():
			if !ok {
				return
			}
			h.publish(f)
		}
	}
}

func (h *Hub) publish(f Frame) {
	atomic.AddUint64(&h.captured, 1)
	atomic.AddUint64(&h.bytes, uint64(len(f.Data)))

	h.mu.Lock()
	h.latest = &f
	for ch := range h.subs {
		select {
		case ch <- f:
		default:
			// Slow subscriber keeps its stale frame; never block capture.
			atomic.AddUint64(&h.dropped, 1)
		}
	}
	h.mu.Unlock()
}

// Latest returns the newest frame, or ok=false before the first capture.
func (h *Hub) Latest() (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return Frame{}, false
	}
	return *h.latest, true
}

// Subscribe registers a stream consumer. The returned cancel func must
// be called when the consumer goes away.
func (h *Hub) Subscribe() (<-chan Frame, func()) {
	ch := make(chan Frame, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Snapshot reports capture statistics for the health page.
func (h *Hub) Snapshot() Stats {
	st := Stats{
		FramesCaptured: atomic.LoadUint64(&h.captured),
		FramesDropped:  atomic.LoadUint64(&h.dropped),
		BytesCaptured:  atomic.LoadUint64(&h.bytes),
		Restarts:       atomic.LoadUint64(&h.restarts),
		Running:        h.running.Load(),
	}
	h.mu.RLock()
	if h.latest != nil {
		st.LastFrameAt = h.latest.Timestamp
	}
	h.mu.RUnlock()
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
