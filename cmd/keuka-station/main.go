package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keukaworks/keuka-station/internal/camera"
	"github.com/keukaworks/keuka-station/internal/config"
	"github.com/keukaworks/keuka-station/internal/duckdns"
	"github.com/keukaworks/keuka-station/internal/logbuf"
	"github.com/keukaworks/keuka-station/internal/push"
	"github.com/keukaworks/keuka-station/internal/scheduler"
	"github.com/keukaworks/keuka-station/internal/sensors"
	"github.com/keukaworks/keuka-station/internal/storage"
	"github.com/keukaworks/keuka-station/internal/sysdiag"
	"github.com/keukaworks/keuka-station/internal/tunnel"
	"github.com/keukaworks/keuka-station/internal/updater"
	"github.com/keukaworks/keuka-station/internal/wan"
	"github.com/keukaworks/keuka-station/internal/web"
	"github.com/keukaworks/keuka-station/internal/wifi"
)

// Command keuka-station runs the lake monitoring station: sensor
// sampling, the public web pages and webcam stream, the admin surface,
// and the background jobs that push readings upstream.
//
// Usage:
//
//	keuka-station [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logHook := buildLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"station": cfg.Station.Name,
		"port":    cfg.Server.Port,
	}).Info("starting station")

	if err := os.MkdirAll(cfg.Station.DataDir, 0755); err != nil {
		logger.Fatalf("Failed to create data dir: %v", err)
	}

	// Hardware sensors behind the cached manager.
	temp := sensors.NewDS18B20(cfg.Sensors.W1Dir)
	dist := sensors.NewUltrasonic(cfg.Sensors.TrigPin, cfg.Sensors.EchoPin, cfg.Sensors.EchoTimeout)
	defer dist.Close()
	sensorMgr := sensors.NewManager(temp, dist, sensors.ManagerOptions{
		Samples:        cfg.Sensors.Samples,
		FastSamples:    cfg.Sensors.FastSamples,
		SampleInterval: cfg.Sensors.SampleInterval,
		CacheTTL:       cfg.Sensors.CacheTTL,
	}, logger)

	// Local upload buffer.
	store, err := storage.Open(filepath.Join(cfg.Station.DataDir, "readings.db"), logger)
	if err != nil {
		logger.Fatalf("Failed to open reading buffer: %v", err)
	}
	defer store.Close()

	wanTracker := wan.NewTracker(filepath.Join(cfg.Station.DataDir, "wan_ip.json"), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Camera hub; a missing device retries in the background.
	camSrc := camera.NewGstSource(camera.GstConfig{
		Device:      cfg.Camera.Device,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		JPEGQuality: cfg.Camera.JPEGQuality,
		TargetFPS:   int(cfg.Camera.TargetFPS),
	})
	hub := camera.NewHub(camSrc, logger)
	go hub.Run(ctx)

	pushSvc := push.NewService(push.Config{
		StationName:           cfg.Station.Name,
		ServerURL:             cfg.Push.ServerURL,
		UploadTimeout:         cfg.Push.UploadTimeout,
		MaxUploadBatch:        cfg.Push.MaxUploadBatch,
		RetainUploaded:        cfg.Push.RetainUploaded,
		FallbackLatitude:      cfg.Push.FallbackLatitude,
		FallbackLongitude:     cfg.Push.FallbackLongitude,
		FallbackElevationFeet: cfg.Push.FallbackElevation,
	}, sensorMgr, store, wanTracker, logger)

	applier := &updater.Applier{
		Services: updater.SystemctlManager{},
		Health:   updater.HTTPHealthCheck(cfg.Updater.HealthURL, 2*time.Minute),
		Logger:   logger,
	}
	updMgr := updater.NewManager(updater.ManagerConfig{
		RepoURL:     cfg.Updater.RepoURL,
		AppRoot:     cfg.Updater.AppRoot,
		ServiceName: cfg.Updater.ServiceName,
	}, applier, logger)

	ddnsClient := duckdns.NewClient(cfg.DuckDNS.URL, cfg.DuckDNS.Timeout, logger)

	srv, err := web.NewServer(web.Options{
		StationName:        cfg.Station.Name,
		AdminUser:          cfg.Server.AdminUser,
		AdminPass:          cfg.Server.AdminPass,
		RateLimit:          cfg.Server.RateLimit,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
		CacheSize:          cfg.Server.CacheSize,
		HealthCacheTTL:     cfg.Sensors.CacheTTL,
		AppRoot:            cfg.Updater.AppRoot,
		ContactPath:        filepath.Join(cfg.Station.DataDir, "contact.json"),
		DuckDNSConfPath:    cfg.DuckDNS.ConfPath,
		DuckDNSLastRunPath: filepath.Join(cfg.Station.DataDir, "duckdns_last_run.log"),
		DhcpcdPath:         "/etc/dhcpcd.conf",
	}, web.Deps{
		Sensors: sensorMgr,
		Camera:  hub,
		Buffer:  store,
		WAN:     wanTracker,
		Updater: updMgr,
		Wifi:    wifi.NewManager("wlan0", "uap0"),
		Logs:    logHook,
		Diag:    sysdiag.NewCollector(),
		RunDuckDNS: func(ctx context.Context, conf duckdns.Conf) ([]duckdns.Result, bool) {
			return ddnsClient.UpdateAll(ctx, conf, []duckdns.Family{duckdns.FamilyV4})
		},
		DuckDNSTimer: func(ctx context.Context, enable bool) error {
			verb := "disable"
			if enable {
				verb = "enable"
			}
			return exec.CommandContext(ctx, "systemctl", verb, "--now", "duckdns-update.timer").Run()
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatalf("Failed to build web server: %v", err)
	}

	// Reverse tunnel so the web interface is reachable from the
	// central server when the station sits behind NAT.
	if cfg.Tunnel.Enabled {
		tun := tunnel.NewClient(tunnel.Config{
			SensorName: cfg.Station.Name,
			ServerURL:  cfg.Tunnel.ServerURL,
			LocalURL:   fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		}, logger)
		go tun.Run(ctx)
	}

	// Recurring jobs.
	sched := scheduler.New(logger)
	jobs := []scheduler.Job{
		{Name: "push-cycle", Spec: cfg.Push.Interval, Timeout: cfg.Push.UploadTimeout + time.Minute,
			Run: func(ctx context.Context) { pushSvc.RunCycle(ctx) }},
		{Name: "wan-check", Spec: "*/15 * * * *",
			Run: func(ctx context.Context) {
				if _, err := wanTracker.Check(ctx); err != nil {
					logger.WithError(err).Warn("public IP check failed")
				}
			}},
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			logger.Fatalf("Failed to schedule %s: %v", j.Name, err)
		}
	}
	sched.Start()
	defer sched.Stop()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Router(),
	}

	errChan := make(chan error, 1)
	go func() {
		logger.WithField("addr", httpSrv.Addr).Info("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.WithField("signal", sig.String()).Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		errChan <- httpSrv.Shutdown(shutdownCtx)
	}()

	if err := <-errChan; err != nil {
		logger.Fatalf("Service error: %v", err)
	}
	logger.Info("station stopped")
}

func buildLogger(cfg config.LoggingConfig) (*logrus.Logger, *logbuf.Hook) {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	hook := logbuf.NewHook(logbuf.DefaultCapacity)
	logger.AddHook(hook)
	return logger, hook
}
