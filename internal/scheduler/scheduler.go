// Package scheduler runs the station's recurring jobs: the push cycle,
// public-IP checks and buffer housekeeping.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one scheduled task. Every run gets its own timeout context so
// a hung uplink cannot wedge the cron goroutine.
type Job struct {
	Name    string
	Spec    string // standard 5-field cron expression
	Timeout time.Duration
	Run     func(ctx context.Context)
}

type Scheduler struct {
	logger *logrus.Logger
	cron   *cron.Cron
}

func New(logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		cron:   cron.New(),
	}
}

// Add registers a job. Returns an error for an invalid cron spec.
func (s *Scheduler) Add(job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	_, err := s.cron.AddFunc(job.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		job.Run(ctx)
		s.logger.WithFields(logrus.Fields{
			"job":      job.Name,
			"duration": time.Since(start).String(),
		}).Debug("scheduled job finished")
	})
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"job": job.Name, "spec": job.Spec}).Info("job scheduled")
	return nil
}

// Start begins dispatching jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts dispatch and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
