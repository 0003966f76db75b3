package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestAddRejectsInvalidSpec(t *testing.T) {
	s := New(testLogger())
	err := s.Add(Job{Name: "bad", Spec: "not a cron spec", Run: func(ctx context.Context) {}})
	assert.Error(t, err)
}

func TestJobRunsWithTimeoutContext(t *testing.T) {
	s := New(testLogger())

	var ran int32
	var hadDeadline int32
	err := s.Add(Job{
		Name:    "tick",
		Spec:    "* * * * *",
		Timeout: time.Minute,
		Run: func(ctx context.Context) {
			atomic.AddInt32(&ran, 1)
			if _, ok := ctx.Deadline(); ok {
				atomic.AddInt32(&hadDeadline, 1)
			}
		},
	})
	require.NoError(t, err)

	// Cron's finest granularity is a minute; drive the entry directly.
	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	entries[0].Job.Run()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hadDeadline))
}

func TestStopWaitsForRunningJobs(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.Add(Job{
		Name: "noop", Spec: "* * * * *",
		Run: func(ctx context.Context) {},
	}))

	s.Start()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
