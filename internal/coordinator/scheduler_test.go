package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayedSchedule(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &delayedSchedule{delay: 30 * time.Second, period: time.Minute}

	assert.Equal(t, start.Add(30*time.Second), s.Next(start))
	assert.Equal(t, start.Add(90*time.Second), s.Next(start.Add(30*time.Second)))
	assert.Equal(t, start.Add(150*time.Second), s.Next(start.Add(90*time.Second)))

	now := &delayedSchedule{period: time.Minute}
	assert.Equal(t, start, now.Next(start), "zero delay fires at once")
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(quietLogger())

	var runs atomic.Int32
	s.Every("tick", 10*time.Millisecond, 20*time.Millisecond, func(ctx context.Context) {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "jobs run with a deadline")
		runs.Add(1)
	})
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	after := runs.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestSchedulerStopCancelsRunningJob(t *testing.T) {
	s := NewScheduler(quietLogger())

	started := make(chan struct{})
	var canceled atomic.Bool
	s.Every("slow", 0, time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
	})
	s.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.True(t, canceled.Load())
}
