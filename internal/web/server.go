// Package web serves the station's public pages (sensor readout,
// health, webcam) and the Basic-Auth admin surface (wifi, network,
// DuckDNS, code updates, logs).
package web

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/keukaworks/keuka-station/internal/camera"
	"github.com/keukaworks/keuka-station/internal/duckdns"
	"github.com/keukaworks/keuka-station/internal/logbuf"
	"github.com/keukaworks/keuka-station/internal/models"
	"github.com/keukaworks/keuka-station/internal/sensors"
	"github.com/keukaworks/keuka-station/internal/sysdiag"
	"github.com/keukaworks/keuka-station/internal/updater"
	"github.com/keukaworks/keuka-station/internal/version"
	"github.com/keukaworks/keuka-station/internal/wan"
	"github.com/keukaworks/keuka-station/internal/wifi"
)

//go:embed templates/*.html
var templateFS embed.FS

// SnapshotReader is the sensor surface the handlers need.
type SnapshotReader interface {
	Read(fast bool) sensors.Snapshot
}

// FrameHub is the camera surface: newest frame plus a live feed.
type FrameHub interface {
	Latest() (camera.Frame, bool)
	Subscribe() (<-chan camera.Frame, func())
	Snapshot() camera.Stats
}

// BufferReporter exposes upload-buffer totals for the health page.
type BufferReporter interface {
	Stats() (models.BufferStats, error)
}

// WANTracker reports and refreshes the public address.
type WANTracker interface {
	Last() wan.Status
	Check(ctx context.Context) (wan.Status, error)
}

// UpdateManager drives code updates from the admin page.
type UpdateManager interface {
	Start(ctx context.Context) bool
	Cancel()
	StatusSnapshot() updater.Status
}

// DuckDNSRunner performs an on-demand dynamic-DNS refresh.
type DuckDNSRunner func(ctx context.Context, conf duckdns.Conf) ([]duckdns.Result, bool)

// DuckDNSTimerControl enables or disables the periodic update timer.
type DuckDNSTimerControl func(ctx context.Context, enable bool) error

// Options is the static server configuration.
type Options struct {
	StationName    string
	AdminUser      string
	AdminPass      string
	RateLimit      float64
	RateLimitBurst int
	CacheSize      int
	HealthCacheTTL time.Duration

	AppRoot            string
	ContactPath        string
	DuckDNSConfPath    string
	DuckDNSLastRunPath string
	DhcpcdPath         string

	SSEInterval time.Duration
	JoinWait    time.Duration // how long to wait for DHCP after a wifi join
}

// Deps are the runtime collaborators, all injectable for tests.
type Deps struct {
	Sensors      SnapshotReader
	Camera       FrameHub
	Buffer       BufferReporter
	WAN          WANTracker
	Updater      UpdateManager
	Wifi         *wifi.Manager
	Logs         *logbuf.Hook
	Diag         *sysdiag.Collector
	RunDuckDNS   DuckDNSRunner
	DuckDNSTimer DuckDNSTimerControl
	Logger       *logrus.Logger
}

// Server assembles the gin router.
type Server struct {
	opts     Options
	deps     Deps
	metrics  *Metrics
	registry *prometheus.Registry
	cache    *responseCache
}

func NewServer(opts Options, deps Deps) (*Server, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.HealthCacheTTL <= 0 {
		opts.HealthCacheTTL = 1500 * time.Millisecond
	}
	if opts.SSEInterval <= 0 {
		opts.SSEInterval = 5 * time.Second
	}
	if opts.JoinWait <= 0 {
		opts.JoinWait = 20 * time.Second
	}
	cache, err := newResponseCache(opts.CacheSize, opts.HealthCacheTTL)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	return &Server{
		opts:     opts,
		deps:     deps,
		metrics:  NewMetrics(registry),
		registry: registry,
		cache:    cache,
	}, nil
}

// Router builds the HTTP routing table with the full middleware chain.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	if s.opts.RateLimit > 0 {
		r.Use(RateLimit(s.opts.RateLimit, s.opts.RateLimitBurst))
	}
	r.Use(RequestLogger(s.deps.Logger))
	r.Use(MetricsMiddleware(s.metrics))

	r.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/*.html")))

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealthPage)
	r.GET("/health.json", s.handleHealthJSON)
	r.GET("/health.sse", s.handleHealthSSE)
	r.GET("/webcam", s.handleWebcamPage)
	r.GET("/stream", s.handleStream)
	r.GET("/snapshot", s.handleSnapshot)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// No credentials configured means no admin surface at all.
	if s.opts.AdminUser != "" {
		admin := r.Group("/admin", gin.BasicAuth(gin.Accounts{s.opts.AdminUser: s.opts.AdminPass}))
		s.registerAdmin(admin)
	}
	return r
}

// handleRoot answers the legacy plain-text readout:
// "<tempF>,<levelInches>" with two decimals, failed reads as 0.00.
func (s *Server) handleRoot(c *gin.Context) {
	snap := s.deps.Sensors.Read(true)
	c.String(http.StatusOK, "%.2f,%.2f", zeroIfNaN(snap.TempF), zeroIfNaN(snap.DistanceInches))
}

// HealthReport is the full station health payload.
type HealthReport struct {
	Station     string `json:"station"`
	Hostname    string `json:"hostname"`
	Commit      string `json:"commit"`
	GeneratedAt string `json:"generated_at"`

	Sensors struct {
		WaterTempF       *float64 `json:"waterTempF"`
		WaterLevelInches *float64 `json:"waterLevelInches"`
		TakenAt          string   `json:"taken_at"`
	} `json:"sensors"`

	System struct {
		UptimeSeconds int64             `json:"uptime_seconds"`
		CPUTempC      float64           `json:"cpu_temp_c"`
		CPUUtilPct    *float64          `json:"cpu_util_pct"`
		Disk          *sysdiag.DiskUsage `json:"disk"`
		Mem           *sysdiag.MemUsage  `json:"mem"`
	} `json:"system"`

	Camera camera.Stats        `json:"camera"`
	Buffer *models.BufferStats `json:"buffer"`
	WAN    wan.Status          `json:"wan"`
}

func (s *Server) buildHealth() HealthReport {
	if v, ok := s.cache.get("health"); ok {
		s.metrics.CacheHits.Inc()
		return v.(HealthReport)
	}
	s.metrics.CacheMisses.Inc()

	start := time.Now()
	snap := s.deps.Sensors.Read(false)
	s.metrics.SensorReadSeconds.Observe(time.Since(start).Seconds())

	var rep HealthReport
	rep.Station = s.opts.StationName
	rep.Hostname = sysdiag.Hostname()
	commit, _ := version.LocalCommit(s.opts.AppRoot)
	rep.Commit = version.Short(commit)
	rep.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	rep.Sensors.WaterTempF = finiteOrNil(snap.TempF)
	rep.Sensors.WaterLevelInches = finiteOrNil(snap.DistanceInches)
	rep.Sensors.TakenAt = snap.TakenAt.UTC().Format(time.RFC3339)

	if d := s.deps.Diag; d != nil {
		rep.System.UptimeSeconds = d.UptimeSeconds()
		rep.System.CPUTempC = d.CPUTempC()
		rep.System.CPUUtilPct = d.CPUUtilPct()
		rep.System.Disk = d.Disk()
		rep.System.Mem = d.Mem()
	}
	if s.deps.Camera != nil {
		rep.Camera = s.deps.Camera.Snapshot()
	}
	if s.deps.Buffer != nil {
		if st, err := s.deps.Buffer.Stats(); err == nil {
			rep.Buffer = &st
		}
	}
	if s.deps.WAN != nil {
		rep.WAN = s.deps.WAN.Last()
	}

	s.cache.set("health", rep)
	return rep
}

func (s *Server) handleHealthJSON(c *gin.Context) {
	c.JSON(http.StatusOK, s.buildHealth())
}

func (s *Server) handleHealthPage(c *gin.Context) {
	rep := s.buildHealth()
	c.HTML(http.StatusOK, "health.html", gin.H{
		"Report":  rep,
		"TempF":   fmtPtr(rep.Sensors.WaterTempF),
		"Level":   fmtPtr(rep.Sensors.WaterLevelInches),
		"CPUUtil": fmtPtr(rep.System.CPUUtilPct),
	})
}

// fmtPtr renders an optional reading for the HTML page.
func fmtPtr(v *float64) string {
	if v == nil {
		return "unavailable"
	}
	return fmt.Sprintf("%.2f", *v)
}

// handleHealthSSE streams the health payload as server-sent events
// until the client goes away.
func (s *Server) handleHealthSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(s.opts.SSEInterval)
	defer ticker.Stop()

	// First event immediately; the page should not wait a full tick.
	c.SSEvent("health", s.buildHealth())
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			c.SSEvent("health", s.buildHealth())
			c.Writer.Flush()
		}
	}
}

func (s *Server) handleWebcamPage(c *gin.Context) {
	c.HTML(http.StatusOK, "webcam.html", gin.H{"Station": s.opts.StationName})
}

// handleSnapshot serves the newest JPEG, 503 until the camera delivers.
func (s *Server) handleSnapshot(c *gin.Context) {
	frame, ok := s.deps.Camera.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame captured yet"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

const mjpegBoundary = "frame"

// handleStream serves an MJPEG multipart stream. The latest frame goes
// out first so the image appears before the next capture tick.
func (s *Server) handleStream(c *gin.Context) {
	frames, cancel := s.deps.Camera.Subscribe()
	defer cancel()

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-store")
	c.Writer.WriteHeader(http.StatusOK)

	if frame, ok := s.deps.Camera.Latest(); ok {
		if err := writeMJPEGPart(c.Writer, frame.Data); err != nil {
			return
		}
		c.Writer.Flush()
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := writeMJPEGPart(c.Writer, frame.Data); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeMJPEGPart(w io.Writer, jpeg []byte) error {
	_, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		mjpegBoundary, len(jpeg))
	if err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\r\n")
	return err
}

func zeroIfNaN(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
