package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunnerRecordsSuccess(t *testing.T) {
	calls := 0
	job := &Job{ID: "ok", Name: "ok", Schedule: "@daily", Run: func(context.Context) error {
		calls++
		return nil
	}}
	r := NewJobRunner(job, nil, testLogger())

	if err := r.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	r.Run()

	snap := r.Snapshot()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if snap.State.RunCount != 2 || snap.State.ErrorCount != 0 {
		t.Errorf("state = %+v", snap.State)
	}
	if snap.State.LastRunAt.IsZero() {
		t.Error("LastRunAt not set")
	}
}

func TestRunnerRecordsFailure(t *testing.T) {
	fail := true
	job := &Job{ID: "f", Name: "f", Schedule: "@daily", Run: func(context.Context) error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	}}
	r := NewJobRunner(job, nil, testLogger())

	if err := r.RunNow(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	snap := r.Snapshot()
	if snap.State.ErrorCount != 1 || snap.State.LastError != "disk full" {
		t.Errorf("state = %+v", snap.State)
	}

	fail = false
	if err := r.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if snap := r.Snapshot(); snap.State.LastError != "" || snap.State.RunCount != 2 {
		t.Errorf("state after recovery = %+v", snap.State)
	}
}

func TestRunnerAppliesTimeout(t *testing.T) {
	job := &Job{ID: "slow", Name: "slow", Schedule: "@daily", Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}
	r := NewJobRunner(job, nil, testLogger())

	err := r.RunNow(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRunnerSkipsOverlap(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	job := &Job{ID: "long", Name: "long", Schedule: "@daily", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	r := NewJobRunner(job, nil, testLogger())

	done := make(chan error, 1)
	go func() { done <- r.RunNow(context.Background()) }()
	<-started

	if err := r.RunNow(context.Background()); !errors.Is(err, ErrJobRunning) {
		t.Errorf("err = %v, want ErrJobRunning", err)
	}
	r.Run()

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if n := r.Snapshot().State.RunCount; n != 1 {
		t.Errorf("RunCount = %d, want 1", n)
	}
}

func TestRunnerUsesContextSupplier(t *testing.T) {
	type key struct{}
	parent := context.WithValue(context.Background(), key{}, "scheduler")
	var got any
	job := &Job{ID: "ctx", Name: "ctx", Schedule: "@daily", Run: func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	}}
	r := NewJobRunner(job, func() context.Context { return parent }, testLogger())
	r.Run()
	if got != "scheduler" {
		t.Errorf("ctx value = %v", got)
	}
}
