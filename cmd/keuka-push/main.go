package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/keukaworks/keuka-station/internal/config"
	"github.com/keukaworks/keuka-station/internal/push"
	"github.com/keukaworks/keuka-station/internal/sensors"
	"github.com/keukaworks/keuka-station/internal/storage"
	"github.com/keukaworks/keuka-station/internal/wan"
)

// Command keuka-push runs one collect/store/upload cycle and exits.
// It is meant for cron or a systemd timer when the station daemon's
// built-in scheduler is not used.
//
// Exit codes:
//
//	0  reading buffered (and uploads drained as far as possible)
//	1  the reading was lost: local store failed AND upload failed
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	statusOnly := flag.Bool("status", false, "print buffer statistics and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logrus.New()
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	store, err := storage.Open(filepath.Join(cfg.Station.DataDir, "readings.db"), logger)
	if err != nil {
		logger.Fatalf("Failed to open reading buffer: %v", err)
	}
	defer store.Close()

	if *statusOnly {
		stats, err := store.Stats()
		if err != nil {
			logger.Fatalf("Failed to read buffer stats: %v", err)
		}
		out, _ := json.MarshalIndent(stats, "", "  ")
		os.Stdout.Write(append(out, '\n'))
		return
	}

	temp := sensors.NewDS18B20(cfg.Sensors.W1Dir)
	dist := sensors.NewUltrasonic(cfg.Sensors.TrigPin, cfg.Sensors.EchoPin, cfg.Sensors.EchoTimeout)
	defer dist.Close()
	sensorMgr := sensors.NewManager(temp, dist, sensors.ManagerOptions{
		Samples:        cfg.Sensors.Samples,
		FastSamples:    cfg.Sensors.FastSamples,
		SampleInterval: cfg.Sensors.SampleInterval,
		CacheTTL:       cfg.Sensors.CacheTTL,
	}, logger)

	wanTracker := wan.NewTracker(filepath.Join(cfg.Station.DataDir, "wan_ip.json"), logger)

	svc := push.NewService(push.Config{
		StationName:           cfg.Station.Name,
		ServerURL:             cfg.Push.ServerURL,
		UploadTimeout:         cfg.Push.UploadTimeout,
		MaxUploadBatch:        cfg.Push.MaxUploadBatch,
		RetainUploaded:        cfg.Push.RetainUploaded,
		FallbackLatitude:      cfg.Push.FallbackLatitude,
		FallbackLongitude:     cfg.Push.FallbackLongitude,
		FallbackElevationFeet: cfg.Push.FallbackElevation,
	}, sensorMgr, store, wanTracker, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Push.UploadTimeout*2)
	defer cancel()

	res := svc.RunCycle(ctx)
	if res.Failed() {
		logger.WithFields(logrus.Fields{
			"store_err":  res.StoreErr,
			"upload_err": res.UploadErr,
		}).Error("reading lost: could not buffer or upload")
		os.Exit(1)
	}
}
