package scheduler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func countingJob(id, schedule string, n *atomic.Int32) *Job {
	return &Job{ID: id, Name: id, Schedule: schedule, Enabled: true, Run: func(context.Context) error {
		n.Add(1)
		return nil
	}}
}

func TestNewScheduler(t *testing.T) {
	s := NewScheduler(nil)
	if s == nil {
		t.Fatal("NewScheduler returned nil")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("new scheduler should have no jobs")
	}
}

func TestAddJob(t *testing.T) {
	s := NewScheduler(testLogger())
	var n atomic.Int32

	if err := s.AddJob(countingJob("a", "@daily", &n)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.AddJob(countingJob("a", "@daily", &n)); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("duplicate err = %v", err)
	}
	if err := s.AddJob(&Job{ID: "bad", Name: "bad", Schedule: "x", Run: noop}); err == nil {
		t.Error("expected error for invalid job")
	}

	job, err := s.GetJob("a")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Schedule != "@daily" {
		t.Errorf("schedule = %q", job.Schedule)
	}
}

func TestDisabledJobNotScheduled(t *testing.T) {
	s := NewScheduler(testLogger())
	var n atomic.Int32
	job := countingJob("off", "@every 1s", &n)
	job.Enabled = false
	if err := s.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	stats := s.GetStats()
	if stats["total_jobs"] != 1 || stats["active_jobs"] != 0 {
		t.Errorf("stats = %v", stats)
	}

	// Still runnable by hand.
	if err := s.RunJobNow(context.Background(), "off"); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}
	if n.Load() != 1 {
		t.Errorf("runs = %d, want 1", n.Load())
	}
}

func TestRemoveJob(t *testing.T) {
	s := NewScheduler(testLogger())
	var n atomic.Int32
	_ = s.AddJob(countingJob("a", "@daily", &n))

	if err := s.RemoveJob("a"); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if _, err := s.GetJob("a"); err == nil {
		t.Error("job still present after remove")
	}
	if err := s.RemoveJob("a"); err == nil {
		t.Error("expected error removing unknown job")
	}
	if len(s.cron.Entries()) != 0 {
		t.Errorf("cron entries = %d, want 0", len(s.cron.Entries()))
	}
}

func TestUpdateJob(t *testing.T) {
	s := NewScheduler(testLogger())
	var n atomic.Int32
	_ = s.AddJob(countingJob("a", "@daily", &n))

	if err := s.UpdateJob(countingJob("a", "@hourly", &n)); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	job, _ := s.GetJob("a")
	if job.Schedule != "@hourly" {
		t.Errorf("schedule = %q, want @hourly", job.Schedule)
	}
	if err := s.UpdateJob(countingJob("missing", "@daily", &n)); err == nil {
		t.Error("expected error updating unknown job")
	}
}

func TestListJobsSorted(t *testing.T) {
	s := NewScheduler(testLogger())
	var n atomic.Int32
	for _, id := range []string{"c", "a", "b"} {
		_ = s.AddJob(countingJob(id, "@daily", &n))
	}
	jobs := s.ListJobs()
	if len(jobs) != 3 || jobs[0].ID != "a" || jobs[2].ID != "c" {
		t.Errorf("jobs = %v", []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	}
}

func TestRunJobNowUnknown(t *testing.T) {
	s := NewScheduler(testLogger())
	if err := s.RunJobNow(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(testLogger())
	var n atomic.Int32
	_ = s.AddJob(countingJob("tick", "@every 1s", &n))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error on second Start")
	}

	job, _ := s.GetJob("tick")
	if job.State.NextRunAt.IsZero() {
		t.Error("NextRunAt not set while running")
	}

	deadline := time.After(3 * time.Second)
	for n.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}

	s.Stop()
	s.Stop()
	if s.GetStats()["running"] != false {
		t.Error("scheduler still running after Stop")
	}
}
