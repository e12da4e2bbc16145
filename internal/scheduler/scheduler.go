// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler manages all scheduled jobs
type Scheduler struct {
	cron    *cron.Cron
	runners map[string]*JobRunner
	entries map[string]cron.EntryID
	logger  *slog.Logger
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a new scheduler
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		runners: make(map[string]*JobRunner),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Start begins firing enabled jobs. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.runners), "active_jobs", len(s.entries))
	return nil
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// AddJob adds a new job to the scheduler
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}

	runner := NewJobRunner(job, s.runContext, s.logger)
	if job.Enabled {
		id, err := s.cron.AddJob(job.Schedule, runner)
		if err != nil {
			return fmt.Errorf("schedule job %s: %w", job.ID, err)
		}
		s.entries[job.ID] = id
	}
	s.runners[job.ID] = runner
	s.logger.Info("job added", "job", job.ID, "schedule", job.Schedule, "enabled", job.Enabled)
	return nil
}

// RemoveJob removes a job from the scheduler. A run in progress finishes.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[id]; !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	delete(s.runners, id)
	s.logger.Info("job removed", "job", id)
	return nil
}

// UpdateJob replaces an existing job.
func (s *Scheduler) UpdateJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	if err := s.RemoveJob(job.ID); err != nil {
		return err
	}
	return s.AddJob(job)
}

// GetJob retrieves a job by ID
func (s *Scheduler) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runner, exists := s.runners[id]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	return s.snapshot(id, runner), nil
}

// ListJobs returns all jobs ordered by ID.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.runners))
	for id, runner := range s.runners {
		jobs = append(jobs, s.snapshot(id, runner))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

func (s *Scheduler) snapshot(id string, runner *JobRunner) *Job {
	job := runner.Snapshot()
	if entry, ok := s.entries[id]; ok {
		job.State.NextRunAt = s.cron.Entry(entry).Next
	}
	return job
}

// RunJobNow triggers a job immediately (bypassing schedule)
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.RLock()
	runner, exists := s.runners[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	return runner.RunNow(ctx)
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalRuns := int64(0)
	totalErrors := int64(0)
	for _, runner := range s.runners {
		job := runner.Snapshot()
		totalRuns += job.State.RunCount
		totalErrors += job.State.ErrorCount
	}

	return map[string]interface{}{
		"total_jobs":   len(s.runners),
		"active_jobs":  len(s.entries),
		"running":      s.started,
		"total_runs":   totalRuns,
		"total_errors": totalErrors,
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
