package ios

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestHandleBackgroundTaskBeforeRegister(t *testing.T) {
	s := NewWakeService("error")
	if got := s.HandleBackgroundTask(TaskIdentifier); got != ResultFailed {
		t.Errorf("result = %q, want %q", got, ResultFailed)
	}
}

func TestHandleBackgroundTaskUnknownIdentifier(t *testing.T) {
	s := NewWakeService("error")
	called := false
	_ = s.Register(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if got := s.HandleBackgroundTask("com.other.task"); got != ResultFailed {
		t.Errorf("result = %q, want %q", got, ResultFailed)
	}
	if called {
		t.Error("callback must not run for a foreign identifier")
	}
}

func TestHandleBackgroundTaskCompletes(t *testing.T) {
	s := NewWakeService("error")
	if err := s.Register(context.Background(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a task deadline")
		}
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := s.HandleBackgroundTask(TaskIdentifier); got != ResultCompleted {
		t.Errorf("result = %q, want %q", got, ResultCompleted)
	}

	var status map[string]any
	if err := json.Unmarshal([]byte(s.GetStatus()), &status); err != nil {
		t.Fatalf("GetStatus returned invalid JSON: %v", err)
	}
	if status["runs"] != float64(1) || status["registered"] != true {
		t.Errorf("status = %v", status)
	}
}

func TestExpireCancelsRunningTask(t *testing.T) {
	s := NewWakeService("error")
	started := make(chan struct{})
	_ = s.Register(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan string, 1)
	go func() { done <- s.HandleBackgroundTask(TaskIdentifier) }()

	<-started
	s.Expire()

	select {
	case got := <-done:
		if got != ResultFailed {
			t.Errorf("result = %q, want %q", got, ResultFailed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop after Expire")
	}

	var status map[string]any
	_ = json.Unmarshal([]byte(s.GetStatus()), &status)
	if status["expired"] != float64(1) {
		t.Errorf("expired = %v, want 1", status["expired"])
	}
	if status["last_error"] != context.Canceled.Error() {
		t.Errorf("last_error = %v", status["last_error"])
	}

	// Expire without a running task is a no-op.
	s.Expire()
}

func TestRegisterNil(t *testing.T) {
	s := NewWakeService("error")
	if err := s.Register(context.Background(), nil); err == nil {
		t.Error("expected error for nil callback")
	}
}
