package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keukaworks/keuka-station/internal/config"
	"github.com/keukaworks/keuka-station/internal/duckdns"
)

// Command duckdns-update refreshes the station's dynamic DNS records.
// It is safe to run from cron: a directory lock keeps overlapping
// invocations out, and the verdict of the last run is kept in a small
// log the admin page reads.
//
// Exit codes:
//
//	0  all updates OK, or another instance already holds the lock
//	1  at least one address family failed to update
//	2  local error: unreadable config, lock failure, or DuckDNS not
//	   configured (missing token or domains)
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	ipv6 := flag.Bool("ipv6", false, "also refresh the IPv6 record")
	flag.Parse()

	os.Exit(run(*configPath, *ipv6))
}

func run(configPath string, ipv6 bool) int {
	logger := logrus.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Error("failed to load configuration")
		return 2
	}

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	lock := duckdns.NewLock(cfg.DuckDNS.LockDir)
	held, err := lock.TryAcquire()
	if err != nil {
		logger.WithError(err).Error("failed to acquire lock")
		return 2
	}
	if !held {
		logger.Info("another update is already running")
		return 0
	}
	defer lock.Release()

	conf, err := duckdns.LoadConf(cfg.DuckDNS.ConfPath)
	if err != nil {
		logger.WithError(err).Error("failed to read duckdns config")
		return 2
	}
	if !conf.Valid() {
		logger.Error("duckdns is not configured")
		return 2
	}

	families := []duckdns.Family{duckdns.FamilyV4}
	if ipv6 {
		families = append(families, duckdns.FamilyV6)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DuckDNS.Timeout*2)
	defer cancel()

	client := duckdns.NewClient(cfg.DuckDNS.URL, cfg.DuckDNS.Timeout, logger)
	results, allOK := client.UpdateAll(ctx, conf, families)

	writeLastRun(filepath.Join(cfg.Station.DataDir, "duckdns_last_run.log"), results)

	if !allOK {
		return 1
	}
	return 0
}

// writeLastRun records one verdict line per family, replacing the
// previous run's log.
func writeLastRun(path string, results []duckdns.Result) {
	now := time.Now()
	var b strings.Builder
	for _, r := range results {
		b.WriteString(duckdns.FormatLogLine(now, r))
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}
