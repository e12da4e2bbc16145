package config

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and calls onChange when its modification
// time or size moves.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func()

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu       sync.Mutex
	lastMod  time.Time
	lastSize int64
}

// NewWatcher creates a config file watcher that polls for changes.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
		stop:     make(chan struct{}),
	}
}

// Start records the current file state and begins polling.
func (w *Watcher) Start() {
	if info, err := os.Stat(w.path); err == nil {
		w.mu.Lock()
		w.lastMod, w.lastSize = info.ModTime(), info.Size()
		w.mu.Unlock()
	}

	w.wg.Add(1)
	go w.poll()
	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
		w.logger.Info("config watcher stopped")
	})
}

func (w *Watcher) poll() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check stats the file once and reports whether a change was seen.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("cannot stat config file", "path", w.path, "error", err)
		return false
	}

	w.mu.Lock()
	changed := info.ModTime().After(w.lastMod) || info.Size() != w.lastSize
	if changed {
		w.lastMod, w.lastSize = info.ModTime(), info.Size()
	}
	w.mu.Unlock()

	if !changed {
		return false
	}
	w.logger.Info("config file changed", "path", w.path, "modTime", info.ModTime())
	if w.onChange != nil {
		w.onChange()
	}
	return true
}
