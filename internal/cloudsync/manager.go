package cloudsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/clawinfra/examsync/internal/config"
	"github.com/clawinfra/examsync/internal/security"
)

// Manager wires the replay client, session recovery and a connectivity
// monitor from configuration.
type Manager struct {
	client   *Client
	recovery *Recovery
	config   config.SyncConfig
	logger   *slog.Logger

	mu       sync.Mutex
	online   bool
	onOnline []func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// NewManager creates a manager from cfg. The token falls back to
// EXAMSYNC_TOKEN when the config leaves it empty.
func NewManager(cfg config.SyncConfig, logger *slog.Logger) (*Manager, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv(security.EnvToken)
	}
	if cfg.ProbeIntervalSeconds <= 0 {
		cfg.ProbeIntervalSeconds = 15
	}

	client := NewClient(cfg.ServerURL, cfg.Token, logger)
	return &Manager{
		client:   client,
		recovery: NewRecovery(client, logger),
		config:   cfg,
		logger:   logger.With("component", "cloudsync-manager"),
		online:   true,
		stopCh:   make(chan struct{}),
	}, nil
}

// Client returns the replay client.
func (m *Manager) Client() *Client { return m.client }

// Recovery returns the session recovery helper.
func (m *Manager) Recovery() *Recovery { return m.recovery }

// Online reports the last probe result. It is optimistic until the first
// probe fails.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn to run whenever connectivity comes back.
func (m *Manager) OnOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// Start begins probing the server periodically.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("starting connectivity probe",
		"server", m.config.ServerURL,
		"interval_seconds", m.config.ProbeIntervalSeconds,
	)
	m.wg.Add(1)
	go m.probeLoop(ctx)
	return nil
}

// Stop halts probing.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("connectivity probe stopped")
	return nil
}

func (m *Manager) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Duration(m.config.ProbeIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks the server once and fires the online callbacks on an
// offline to online transition.
func (m *Manager) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := m.client.Health(pctx)
	cancel()
	up := err == nil

	m.mu.Lock()
	was := m.online
	m.online = up
	fns := append([]func(){}, m.onOnline...)
	m.mu.Unlock()

	switch {
	case up && !was:
		m.logger.Info("connectivity restored")
		for _, fn := range fns {
			fn()
		}
	case !up && was:
		m.logger.Warn("server unreachable", "error", err)
	}
	return up
}
