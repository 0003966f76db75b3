package camera

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// GstConfig describes the capture pipeline.
type GstConfig struct {
	Device      string // e.g. /dev/video0
	Width       int
	Height      int
	JPEGQuality int
	TargetFPS   int
}

// GstSource captures JPEG frames from a V4L2 device.
//
// Pipeline: v4l2src → videoconvert → videorate → capsfilter → jpegenc →
// appsink. The appsink keeps only the newest buffer so a slow consumer
// never backs up the kernel queue.
type GstSource struct {
	cfg GstConfig

	frames   chan Frame
	pipeline *gst.Pipeline
	stopOnce sync.Once

	seq uint64
}

func NewGstSource(cfg GstConfig) *GstSource {
	return &GstSource{cfg: cfg}
}

func (s *GstSource) Frames() <-chan Frame { return s.frames }

// Start builds and plays the pipeline. Fails fast when the device node
// is absent so the hub's backoff handles an unplugged camera.
func (s *GstSource) Start(ctx context.Context) error {
	if _, err := os.Stat(s.cfg.Device); err != nil {
		return fmt.Errorf("camera device %s unavailable: %w", s.cfg.Device, err)
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", s.cfg.Device)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}

	rate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("failed to create videorate: %w", err)
	}
	rate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1",
		s.cfg.Width, s.cfg.Height, s.cfg.TargetFPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	enc, err := gst.NewElement("jpegenc")
	if err != nil {
		return fmt.Errorf("failed to create jpegenc: %w", err)
	}
	enc.SetProperty("quality", s.cfg.JPEGQuality)

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, convert, rate, capsfilter, enc, sink.Element); err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	if err := gst.ElementLinkMany(src, convert, rate, capsfilter, enc, sink.Element); err != nil {
		return fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	frames := make(chan Frame, 4)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onSample(sink, frames)
		},
		EOSFunc: func(sink *app.Sink) {
			close(frames)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	s.pipeline = pipeline
	s.frames = frames
	s.stopOnce = sync.Once{}
	return nil
}

func (s *GstSource) onSample(sink *app.Sink, frames chan Frame) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	// The buffer is reused by GStreamer; copy before unmap.
	jpeg := make([]byte, len(data))
	copy(jpeg, data)
	buffer.Unmap()

	frame := Frame{
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      jpeg,
	}
	select {
	case frames <- frame:
	default:
	}
	return gst.FlowOK
}

// Stop tears the pipeline down. Idempotent.
func (s *GstSource) Stop() {
	s.stopOnce.Do(func() {
		if s.pipeline != nil {
			_ = s.pipeline.SetState(gst.StateNull)
		}
	})
}
