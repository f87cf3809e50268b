package coordinator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// delayedSchedule fires delay after the scheduler first asks for it, then
// every period. Cron calls Next from its run goroutine only.
type delayedSchedule struct {
	delay  time.Duration
	period time.Duration
	first  time.Time
}

func (s *delayedSchedule) Next(t time.Time) time.Time {
	if s.first.IsZero() {
		s.first = t.Add(s.delay)
		return s.first
	}
	return t.Add(s.period)
}

// Scheduler runs the periodic heartbeat and orphan scan jobs on a cron
// runner. A job still running when its next tick arrives is skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	log    logrus.FieldLogger
}

// NewScheduler creates an idle scheduler
func NewScheduler(log logrus.FieldLogger) *Scheduler {
	logger := cron.PrintfLogger(log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Every registers job to run first after delay and then every period.
// Each run gets a context bounded by period.
func (s *Scheduler) Every(name string, delay, period time.Duration, job func(ctx context.Context)) {
	sched := &delayedSchedule{delay: delay, period: period}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(s.ctx, period)
		defer cancel()
		job(ctx)
	}))
	s.log.WithFields(logrus.Fields{"job": name, "delay": delay, "period": period}).Debug("Job scheduled")
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("Scheduler jobs still running at shutdown")
	}
}
