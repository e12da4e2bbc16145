package scheduler

import (
	"context"
	"fmt"
	"time"
)

// WakeJobID identifies the periodic background replay job.
const WakeJobID = "background-wake"

const wakeTimeout = 25 * time.Second

// CronWaker runs the background wake callback on a cron schedule while the
// process is alive. It satisfies orchestrator.WakeRegistrar on hosts without
// an OS task scheduler.
type CronWaker struct {
	sched *Scheduler
	spec  string
}

// NewCronWaker returns a waker that fires on spec.
func NewCronWaker(s *Scheduler, spec string) *CronWaker {
	return &CronWaker{sched: s, spec: spec}
}

// Register installs wake as the background-wake job, replacing any
// previous registration.
func (w *CronWaker) Register(_ context.Context, wake func(ctx context.Context) error) error {
	if wake == nil {
		return fmt.Errorf("scheduler: nil wake callback")
	}
	job := &Job{
		ID:       WakeJobID,
		Name:     "background replay",
		Schedule: w.spec,
		Enabled:  true,
		Timeout:  wakeTimeout,
		Run:      wake,
	}
	if _, err := w.sched.GetJob(WakeJobID); err == nil {
		return w.sched.UpdateJob(job)
	}
	return w.sched.AddJob(job)
}
