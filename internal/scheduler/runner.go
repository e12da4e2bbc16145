package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobRunner executes a single job and records its state. It implements
// cron.Job.
type JobRunner struct {
	job    *Job
	logger *slog.Logger
	ctx    func() context.Context

	exec sync.Mutex
	mu   sync.Mutex
}

// NewJobRunner creates a runner for job. ctx supplies the parent context of
// each run; nil means context.Background.
func NewJobRunner(job *Job, ctx func() context.Context, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background
	}
	return &JobRunner{
		job:    job,
		ctx:    ctx,
		logger: log.With("job", job.ID),
	}
}

// Run is called by cron on each activation.
func (r *JobRunner) Run() {
	if !r.exec.TryLock() {
		r.logger.Debug("skipping activation, previous run still active")
		return
	}
	defer r.exec.Unlock()
	_ = r.executeJob(r.ctx())
}

// RunNow executes the job once unless it is already running.
func (r *JobRunner) RunNow(ctx context.Context) error {
	if !r.exec.TryLock() {
		return ErrJobRunning
	}
	defer r.exec.Unlock()
	return r.executeJob(ctx)
}

// executeJob runs the job once
func (r *JobRunner) executeJob(ctx context.Context) error {
	if r.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	r.logger.Debug("executing job")
	err := r.job.Run(ctx)
	duration := time.Since(start)

	r.mu.Lock()
	r.job.State.LastRunAt = start
	r.job.State.LastDuration = duration
	r.job.State.RunCount++
	if err != nil {
		r.job.State.ErrorCount++
		r.job.State.LastError = err.Error()
	} else {
		r.job.State.LastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("job failed", "error", err, "duration", duration)
		return err
	}
	r.logger.Info("job completed", "duration", duration)
	return nil
}

// Snapshot returns a copy of the job with its current state.
func (r *JobRunner) Snapshot() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}
