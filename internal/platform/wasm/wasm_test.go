//go:build !(js && wasm)

package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestTriggerBeforeRegister(t *testing.T) {
	s := NewWakeService("error")
	if err := s.Trigger(context.Background()); err == nil {
		t.Fatal("expected error before Register")
	}
}

func TestTriggerRunsCallback(t *testing.T) {
	s := NewWakeService("error")
	calls := 0
	if err := s.Register(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := s.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	defer s.Release()
}

func TestTriggerRecordsFailure(t *testing.T) {
	s := NewWakeService("error")
	cause := errors.New("offline")
	_ = s.Register(context.Background(), func(context.Context) error { return cause })

	err := s.Trigger(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped %v", err, cause)
	}

	var status map[string]any
	if err := json.Unmarshal([]byte(s.GetStatus()), &status); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	if status["failures"] != float64(1) || status["last_error"] != "offline" {
		t.Errorf("status = %v", status)
	}
	if status["platform"] != "stub" {
		t.Errorf("platform = %v", status["platform"])
	}
}

func TestRegisterNil(t *testing.T) {
	s := NewWakeService("error")
	if err := s.Register(context.Background(), nil); err == nil {
		t.Error("expected error for nil callback")
	}
}
