package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/clawinfra/examsync/internal/types"
)

// Provider owns the one orchestrator of a process. It is created by the
// composition root and passed to everything that needs to request a sync.
type Provider struct {
	ctx    context.Context
	build  func() *Orchestrator
	logger *slog.Logger

	mu   sync.Mutex
	inst *Orchestrator
}

// NewProvider returns a provider that builds its orchestrator with build on
// first use and starts it with ctx.
func NewProvider(ctx context.Context, build func() *Orchestrator, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{ctx: ctx, build: build, logger: logger.With("component", "orchestrator-provider")}
}

// Ensure returns the running orchestrator, constructing and starting it on
// the first call.
func (p *Provider) Ensure() *Orchestrator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inst != nil {
		return p.inst
	}
	o := p.build()
	if err := o.Start(p.ctx); err != nil {
		p.logger.Error("start orchestrator", "error", err)
	}
	p.inst = o
	return o
}

// RequestSync forwards to the orchestrator, building it if needed.
func (p *Provider) RequestSync(reason types.SyncReason) {
	p.Ensure().RequestSync(reason)
}

// Current returns the orchestrator if one was built.
func (p *Provider) Current() (*Orchestrator, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inst, p.inst != nil
}

// Dispose stops the orchestrator. A later Ensure builds a fresh one.
func (p *Provider) Dispose() {
	p.mu.Lock()
	inst := p.inst
	p.inst = nil
	p.mu.Unlock()
	if inst != nil {
		inst.Dispose()
	}
}
