//go:build js && wasm

// Package wasm runs background replay from a browser service worker.
//
// # Building for WASM
//
//	GOOS=js GOARCH=wasm go build -o dist/examsync.wasm <worker main package>
//	cp $(go env GOROOT)/lib/wasm/wasm_exec.js dist/
//
// # JavaScript API
//
// After Register, the service worker global scope exposes:
//
//	examsync.backgroundSync()  → Promise, resolves when one replay pass ends
//	examsync.status()          → status JSON
//
// Hook it to Background Sync and Periodic Background Sync:
//
//	self.addEventListener('sync', e => {
//	  if (e.tag === 'examsync-replay') e.waitUntil(examsync.backgroundSync())
//	})
//	self.addEventListener('periodicsync', e => {
//	  if (e.tag === 'examsync-replay') e.waitUntil(examsync.backgroundSync())
//	})
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall/js"
	"time"
)

// SyncTag is the Background Sync tag the page registers.
const SyncTag = "examsync-replay"

const passBudget = 30 * time.Second

// WakeService exposes the replay callback to the service worker.
type WakeService struct {
	logger *slog.Logger
	mu     sync.Mutex
	wake   func(ctx context.Context) error
	funcs  []js.Func
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
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})),
		status: wakeStatus{Platform: "wasm"},
	}
}

// Register stores the replay callback and publishes the examsync global.
// It satisfies orchestrator.WakeRegistrar.
func (s *WakeService) Register(_ context.Context, wake func(ctx context.Context) error) error {
	if wake == nil {
		return fmt.Errorf("wasm: nil wake callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wake = wake
	s.status.Registered = true

	if len(s.funcs) == 0 {
		syncFn := js.FuncOf(s.jsBackgroundSync)
		statusFn := js.FuncOf(func(js.Value, []js.Value) any { return s.GetStatus() })
		s.funcs = append(s.funcs, syncFn, statusFn)
		js.Global().Set("examsync", js.ValueOf(map[string]any{
			"backgroundSync": syncFn,
			"status":         statusFn,
		}))
	}
	s.logger.Info("background wake registered", "tag", SyncTag)
	return nil
}

// Release drops the examsync global and its callbacks.
func (s *WakeService) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	js.Global().Delete("examsync")
	for _, f := range s.funcs {
		f.Release()
	}
	s.funcs = nil
}

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

// jsBackgroundSync returns a Promise settled by one replay pass. The pass
// runs in a goroutine; blocking inside a js.Func would deadlock the event loop.
func (s *WakeService) jsBackgroundSync(js.Value, []js.Value) any {
	var handler js.Func
	handler = js.FuncOf(func(_ js.Value, args []js.Value) any {
		resolve, reject := args[0], args[1]
		go func() {
			defer handler.Release()
			if err := s.Trigger(context.Background()); err != nil {
				s.logger.Warn("background replay failed", "error", err)
				reject.Invoke(js.Global().Get("Error").New(err.Error()))
				return
			}
			resolve.Invoke()
		}()
		return nil
	})
	return js.Global().Get("Promise").New(handler)
}
