package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keukaworks/keuka-station/internal/config"
	"github.com/keukaworks/keuka-station/internal/updater"
)

// Command update-code deploys a new code revision onto the running
// station. With -stage it applies a pre-staged snapshot directly; with
// only -config it clones the configured repo, stages it and applies.
// Without -apply nothing is touched (plan is printed).
//
// Exit codes:
//
//	0  applied (or nothing to do)
//	1  invalid arguments or staged tree
//	2  insufficient permissions
//	3  apply failed before any restart
//	4  apply failed and the previous code was restored
func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to config file")
		stage      = flag.String("stage", "", "apply this staged snapshot instead of cloning")
		root       = flag.String("root", "", "deployed application root (defaults to config)")
		service    = flag.String("service", "", "systemd unit to bounce (defaults to config)")
		commit     = flag.String("commit", "", "commit SHA recorded for a staged apply")
		apply      = flag.Bool("apply", false, "actually modify the system")
		dryRun     = flag.Bool("dry-run", false, "print the plan and exit")
		force      = flag.Bool("force", false, "apply even when the plan is empty or the SHA is unknown")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *root == "" {
		*root = cfg.Updater.AppRoot
	}
	if *service == "" {
		*service = cfg.Updater.ServiceName
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	applier := &updater.Applier{
		Services: updater.SystemctlManager{},
		Health:   updater.HTTPHealthCheck(cfg.Updater.HealthURL, 2*time.Minute),
		Logger:   logger,
	}

	if *stage != "" {
		err := applier.Run(context.Background(), updater.ApplyOptions{
			StageDir: *stage,
			Root:     *root,
			Service:  *service,
			Commit:   *commit,
			DryRun:   *dryRun || !*apply,
			Force:    *force,
		})
		if err != nil {
			logger.WithError(err).Error("apply failed")
		}
		os.Exit(updater.ExitCode(err))
	}

	// No staged snapshot: run the full clone-and-apply pipeline.
	if !*apply {
		logger.Info("refusing to clone without -apply (use -stage for a dry run of a local tree)")
		os.Exit(updater.ExitValidation)
	}

	mgr := updater.NewManager(updater.ManagerConfig{
		RepoURL:     cfg.Updater.RepoURL,
		AppRoot:     *root,
		ServiceName: *service,
	}, applier, logger)

	if !mgr.Start(context.Background()) {
		logger.Error("an update is already running")
		os.Exit(updater.ExitValidation)
	}
	for mgr.State() == updater.StateRunning {
		time.Sleep(time.Second)
	}

	status := mgr.StatusSnapshot()
	for _, line := range status.Logs {
		fmt.Println(line)
	}
	if status.State != updater.StateSuccess {
		os.Exit(updater.ExitApply)
	}
}
