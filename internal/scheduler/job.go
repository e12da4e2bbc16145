package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrJobRunning is returned by RunJobNow while the job is already executing.
var ErrJobRunning = errors.New("job already running")

// Job is a unit of periodic maintenance work.
type Job struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Schedule is a standard cron spec. Descriptors such as "@daily" and
	// "@every 5m" are accepted.
	Schedule string        `json:"schedule"`
	Enabled  bool          `json:"enabled"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	State    JobState      `json:"state"`

	Run func(ctx context.Context) error `json:"-"`
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks if job configuration is valid
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s has no run function", j.ID)
	}
	if j.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if _, err := j.parse(); err != nil {
		return err
	}
	return nil
}

func (j *Job) parse() (cron.Schedule, error) {
	if j.Schedule == "" {
		return nil, fmt.Errorf("schedule required")
	}
	sched, err := cron.ParseStandard(j.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", j.Schedule, err)
	}
	return sched, nil
}

// NextRun returns the first activation after from.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	sched, err := j.parse()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Clone returns a copy of the job. The run function is shared.
func (j *Job) Clone() *Job {
	clone := *j
	return &clone
}
