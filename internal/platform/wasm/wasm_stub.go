//go:build !(js && wasm)

// Package wasm runs background replay from a browser service worker.
// On non-WASM builds, this stub allows host compilation and testing.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// SyncTag is the Background Sync tag the page registers.
const SyncTag = "examsync-replay"

const passBudget = 30 * time.Second

// WakeService holds the replay callback.
type WakeService struct {
	logger *slog.Logger
	mu     sync.Mutex
	wake   func(ctx context.Context) error
	status wakeStatus
}

type wakeStatus struct {
	Registered bool   `json:"registered"`
	Platform   string `json:"platform"`
	Runs       int    `json:"runs"`
	Failures   int    `json:"failures"`
	LastRunAt  string `json:"last_run_at,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// NewWakeService creates a stub wake service.
func NewWakeService(logLevel string) *WakeService {
	level := slog.LevelInfo
	if logLevel == "error" {
		level = slog.LevelError
	}
	return &WakeService{
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		status: wakeStatus{Platform: "stub"},
	}
}

// Register stores the replay callback.
func (s *WakeService) Register(_ context.Context, wake func(ctx context.Context) error) error {
	if wake == nil {
		return fmt.Errorf("wasm: nil wake callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = wake
	s.status.Registered = true
	return nil
}

// Release is a no-op outside the browser.
func (s *WakeService) Release() {}

// GetStatus returns the wake status as a JSON string.
func (s *WakeService) GetStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(s.status)
	return string(data)
}

// Trigger runs one replay pass.
func (s *WakeService) Trigger(ctx context.Context) error {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()
	if wake == nil {
		return fmt.Errorf("wasm: no wake callback registered")
	}

	ctx, cancel := context.WithTimeout(ctx, passBudget)
	defer cancel()
	err := wake(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Runs++
	s.status.LastRunAt = time.Now().UTC().Format(time.RFC3339)
	s.status.LastError = ""
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
		return fmt.Errorf("wasm: background replay: %w", err)
	}
	return nil
}
