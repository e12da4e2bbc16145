//go:build ios

// Package ios runs background replay from iOS BGTaskScheduler through
// gomobile bindings.
//
// # Building for iOS
//
// Prerequisites:
//
//	go install golang.org/x/mobile/cmd/gomobile@latest
//	gomobile init
//	# Xcode and iOS SDK required (macOS only)
//
// Build XCFramework:
//
//	gomobile bind -target ios -o ExamSync.xcframework github.com/clawinfra/examsync/internal/platform/ios
//
// # Background Tasks
//
// Permit the task identifier in Info.plist:
//
//	<key>BGTaskSchedulerPermittedIdentifiers</key>
//	<array>
//	  <string>com.examsync.replay</string>
//	</array>
//
// Register a BGAppRefreshTask handler that calls HandleBackgroundTask on a
// background queue, sets the task's expirationHandler to call Expire, and
// completes the task with setTaskCompleted(success: result == "completed").
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

// taskBudget stays under the roughly 30 seconds iOS grants an app refresh task.
const taskBudget = 25 * time.Second

// Results returned to the host.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// WakeService holds the replay callback BGTaskScheduler invokes.
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

// NewWakeService creates a wake service logging at logLevel.
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
		logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		status: wakeStatus{Platform: "ios"},
	}
}

// Register stores the replay callback. It satisfies
// orchestrator.WakeRegistrar; the host submits the BGAppRefreshTaskRequest.
func (s *WakeService) Register(_ context.Context, wake func(ctx context.Context) error) error {
	if wake == nil {
		return fmt.Errorf("ios: nil wake callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = wake
	s.status.Registered = true
	s.logger.Info("background wake registered", "identifier", TaskIdentifier)
	return nil
}

// HandleBackgroundTask runs one replay pass for the task identifier and
// returns ResultCompleted or ResultFailed. It blocks; call it off the main
// thread.
func (s *WakeService) HandleBackgroundTask(identifier string) string {
	if identifier != TaskIdentifier {
		s.logger.Warn("unknown background task", "identifier", identifier)
		return ResultFailed
	}

	s.mu.Lock()
	wake := s.wake
	if wake == nil {
		s.mu.Unlock()
		s.logger.Warn("background task before registration")
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
		s.logger.Warn("background replay failed", "error", err)
		return ResultFailed
	}
	return ResultCompleted
}

// Expire cancels the running task. Call it from the task's
// expirationHandler.
func (s *WakeService) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.status.Expired++
		s.logger.Info("background task expired")
	}
}

// GetStatus returns the wake status as a JSON string.
func (s *WakeService) GetStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(s.status)
	return string(data)
}
