//go:build !android

// Package android runs background replay from Android WorkManager.
// On non-Android builds the wake service works in-process so the host can
// compile and test the wiring; nothing schedules it.
package android

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ActionBackgroundSync is the intent action that asks for one replay pass.
const ActionBackgroundSync = "com.examsync.ACTION_BACKGROUND_SYNC"

// ErrNotRegistered is returned when the service is woken before a replay
// callback was registered.
var ErrNotRegistered = errors.New("android: no wake callback registered")

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
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
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
		return fmt.Errorf("android: nil wake callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = wake
	s.status.Registered = true
	return nil
}

// DoWork runs one replay pass and reports success.
func (s *WakeService) DoWork(timeoutSeconds int) bool {
	return s.run(timeoutSeconds) == nil
}

// HandleIntent simulates intent handling for tests.
func (s *WakeService) HandleIntent(action string, timeoutSeconds int) error {
	if action == ActionBackgroundSync {
		return s.run(timeoutSeconds)
	}
	s.logger.Warn("unknown android intent action", "action", action)
	return nil
}

// GetStatus returns the wake status as a JSON string.
func (s *WakeService) GetStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(s.status)
	return string(data)
}

func (s *WakeService) run(timeoutSeconds int) error {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()
	if wake == nil {
		return ErrNotRegistered
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 25
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second)
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
		return fmt.Errorf("android: background replay: %w", err)
	}
	return nil
}
