//go:build android

// Package android runs background replay from Android WorkManager through
// gomobile bindings.
//
// # Building for Android
//
// Prerequisites:
//
//	go install golang.org/x/mobile/cmd/gomobile@latest
//	gomobile init
//
// Build AAR (Android Archive):
//
//	gomobile bind -target android -o examsync.aar github.com/clawinfra/examsync/internal/platform/android
//
// # Scheduling
//
// The host app enqueues a PeriodicWorkRequest with a CONNECTED network
// constraint and calls WakeService.DoWork from the worker's doWork():
//
//	override fun doWork(): Result =
//	    if (wake.doWork(25)) Result.success() else Result.retry()
//
// Only primitive types cross the gomobile boundary; Register is called from Go.
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

// ErrNotRegistered is returned when the host wakes the service before the
// orchestrator registered its replay callback.
var ErrNotRegistered = errors.New("android: no wake callback registered")

// WakeService holds the replay callback WorkManager invokes.
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

// NewWakeService creates a wake service logging at logLevel
// ("debug", "info", "warn", "error").
func NewWakeService(logLevel string) *WakeService {
	return &WakeService{
		logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)})),
		status: wakeStatus{Platform: "android"},
	}
}

// Register stores the replay callback. It satisfies
// orchestrator.WakeRegistrar; the periodic work itself is enqueued by the
// host app.
func (s *WakeService) Register(_ context.Context, wake func(ctx context.Context) error) error {
	if wake == nil {
		return fmt.Errorf("android: nil wake callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = wake
	s.status.Registered = true
	s.logger.Info("background wake registered", "action", ActionBackgroundSync)
	return nil
}

// DoWork runs one replay pass bounded by timeoutSeconds. It returns false
// when WorkManager should retry.
func (s *WakeService) DoWork(timeoutSeconds int) bool {
	return s.run(timeoutSeconds) == nil
}

// HandleIntent processes an intent received by the host service.
func (s *WakeService) HandleIntent(action string, timeoutSeconds int) error {
	switch action {
	case ActionBackgroundSync:
		return s.run(timeoutSeconds)
	default:
		s.logger.Warn("unknown android intent action", "action", action)
	}
	return nil
}

// GetStatus returns the wake status as a JSON string.
// Safe to call from the Android main thread.
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
	s.status.Runs++
	s.status.LastRunAt = time.Now().UTC().Format(time.RFC3339)
	s.status.LastError = ""
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("background replay failed", "error", err)
		return fmt.Errorf("android: background replay: %w", err)
	}
	s.logger.Info("background replay finished")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
