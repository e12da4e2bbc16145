package scheduler

import (
	"context"
	"testing"
)

func TestCronWakerRegister(t *testing.T) {
	s := NewScheduler(testLogger())
	w := NewCronWaker(s, "@every 5m")

	calls := 0
	if err := w.Register(context.Background(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("wake ran without a deadline")
		}
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := s.RunJobNow(context.Background(), WakeJobID); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCronWakerReplaces(t *testing.T) {
	s := NewScheduler(testLogger())
	w := NewCronWaker(s, "@every 5m")

	first, second := 0, 0
	_ = w.Register(context.Background(), func(context.Context) error { first++; return nil })
	if err := w.Register(context.Background(), func(context.Context) error { second++; return nil }); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	_ = s.RunJobNow(context.Background(), WakeJobID)
	if first != 0 || second != 1 {
		t.Errorf("first = %d, second = %d", first, second)
	}
	if len(s.ListJobs()) != 1 {
		t.Errorf("jobs = %d, want 1", len(s.ListJobs()))
	}
}

func TestCronWakerErrors(t *testing.T) {
	s := NewScheduler(testLogger())
	if err := NewCronWaker(s, "@every 5m").Register(context.Background(), nil); err == nil {
		t.Error("expected error for nil callback")
	}
	if err := NewCronWaker(s, "whenever").Register(context.Background(), noop); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
