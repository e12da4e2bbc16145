//go:build !ios

// Package ios runs background replay from iOS BGTaskScheduler.
// On non-iOS builds the wake service runs tasks in-process so the host can
// compile and test the wiring.
package ios

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// TaskIdentifier is the BGTaskScheduler identifier of the replay task.
const TaskIdentifier = "com.examsync.replay"

const taskBudget = 25 * time.Second

// Results returned to the host.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// WakeService holds the replay callback.
type WakeService struct {
	logger *slog.Logger
	mu     sync.Mutex
	wake   func(ctx context.Context) error
	cancel context.CancelFunc
	status wakeStatus
}

type wakeStatus struct {
	Registered bool   `json:"registered"`
	Platform   string `json:"platform"`
	Runs       int    `json:"runs"`
	Expired    int    `json:"expired"`
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
		return fmt.Errorf("ios: nil wake callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = wake
	s.status.Registered = true
	return nil
}

// HandleBackgroundTask runs one replay pass for the task identifier.
func (s *WakeService) HandleBackgroundTask(identifier string) string {
	if identifier != TaskIdentifier {
		return ResultFailed
	}
	s.mu.Lock()
	wake := s.wake
	if wake == nil {
		s.mu.Unlock()
		return ResultFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), taskBudget)
	s.cancel = cancel
	s.mu.Unlock()

	err := wake(ctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
	s.status.Runs++
	s.status.LastRunAt = time.Now().UTC().Format(time.RFC3339)
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
		return ResultFailed
	}
	return ResultCompleted
}

// Expire cancels the running task.
func (s *WakeService) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.status.Expired++
	}
}

// GetStatus returns the wake status as a JSON string.
func (s *WakeService) GetStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(s.status)
	return string(data)
}
