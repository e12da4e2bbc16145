package autosave

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/examsync/internal/clock"
	"github.com/clawinfra/examsync/internal/orchestrator"
	"github.com/clawinfra/examsync/internal/types"
)

// Enqueuer stores draft snapshots. *queue.Queue implements it.
type Enqueuer interface {
	EnqueueDraft(ctx context.Context, p types.DraftPayload) (*types.Record, error)
}

// SyncRequester asks for a replay pass. *orchestrator.Orchestrator implements it.
type SyncRequester interface {
	RequestSync(reason types.SyncReason)
}

// Option configures a Capture.
type Option func(*Capture)

// WithWindow sets the debounce quiet period and hard ceiling.
func WithWindow(quiet, maxWait time.Duration) Option {
	return func(c *Capture) { c.m = NewMachine(quiet, maxWait) }
}

// WithClock overrides the timer source.
func WithClock(cl clock.Clock) Option {
	return func(c *Capture) { c.clock = cl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Capture) { c.logger = l }
}

// Capture turns edits of one attempt into queued draft records.
type Capture struct {
	q      Enqueuer
	sync   SyncRequester
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	m       *Machine
	timer   clock.Timer
	subs    map[int]func(State)
	nextSub int
	enqueue int
}

// NewCapture returns a Capture writing to q and notifying s.
func NewCapture(q Enqueuer, s SyncRequester, opts ...Option) *Capture {
	c := &Capture{
		q:     q,
		sync:  s,
		clock: clock.Real{},
		m:     NewMachine(DefaultQuiet, DefaultMaxWait),
		subs:  make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "autosave")
	return c
}

// Seed sets the starting draft, typically a resumed server copy.
func (c *Capture) Seed(p types.DraftPayload) {
	c.mu.Lock()
	c.m.Seed(p)
	c.mu.Unlock()
}

// Edit records new content. The snapshot is enqueued once the user pauses.
func (c *Capture) Edit(p types.DraftPayload) {
	c.step(Input{Trigger: TriggerEdit, Draft: p}, types.ReasonQueued)
}

// Flush enqueues the latest content immediately. It is safe to call
// redundantly; each call overwrites the same queue record.
func (c *Capture) Flush() {
	c.step(Input{Trigger: TriggerVisibilityHidden}, types.ReasonManual)
}

// VisibilityHidden flushes when the exam view is hidden.
func (c *Capture) VisibilityHidden() {
	c.step(Input{Trigger: TriggerVisibilityHidden}, types.ReasonVisibility)
}

// Unload flushes before the process or page goes away.
func (c *Capture) Unload() {
	c.step(Input{Trigger: TriggerUnload}, types.ReasonVisibility)
}

// Enable resumes capturing.
func (c *Capture) Enable() {
	c.step(Input{Trigger: TriggerEnable}, types.ReasonQueued)
}

// Disable stops capturing, for example after the attempt is submitted.
func (c *Capture) Disable() {
	c.step(Input{Trigger: TriggerDisable}, types.ReasonQueued)
}

// HandleOutcome feeds replay outcomes of draft records into the save status.
// Subscribe it to the orchestrator.
func (c *Capture) HandleOutcome(o orchestrator.Outcome) {
	if o.Kind != types.KindDraft {
		return
	}
	c.mu.Lock()
	latest, ok := c.m.Latest()
	c.mu.Unlock()
	if !ok || latest.AttemptID != o.AttemptID {
		return
	}
	c.step(Input{
		Trigger: TriggerNetworkResult,
		Result: Result{
			Revision:   o.Revision,
			SavedAt:    o.SavedAt,
			Err:        o.Err,
			Terminal:   o.Rejected() || o.Exhausted || o.StorageFailed,
			Superseded: o.Superseded,
		},
	}, "")
}

// State returns the current save status.
func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.State()
}

// Enqueues returns how many snapshots were stored.
func (c *Capture) Enqueues() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueue
}

// Subscribe registers fn for state changes. The returned func unsubscribes.
func (c *Capture) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Close stops the debounce timer without flushing.
func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Capture) fire() {
	c.step(Input{Trigger: TriggerTimerElapsed}, types.ReasonQueued)
}

func (c *Capture) step(in Input, reason types.SyncReason) {
	c.mu.Lock()
	before := c.m.State()
	in.At = c.clock.Now()
	eff := c.m.Step(in)

	if eff.CancelTimer && c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if eff.ArmTimer > 0 {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = c.clock.AfterFunc(eff.ArmTimer, c.fire)
	}

	requestSync := false
	if eff.Snapshot != nil {
		rec, err := c.q.EnqueueDraft(context.Background(), *eff.Snapshot)
		switch {
		case err != nil:
			c.logger.Error("enqueue draft failed", "attempt", eff.Snapshot.AttemptID, "error", err)
			c.m.Failed(err)
		case rec != nil:
			c.enqueue++
			c.m.Enqueued(rec.Revision)
			requestSync = true
			c.logger.Debug("draft enqueued", "id", rec.ID, "revision", rec.Revision, "trigger", in.Trigger)
		}
	}

	after := c.m.State()
	var fns []func(State)
	if stateChanged(before, after) {
		for _, fn := range c.subs {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	if requestSync && c.sync != nil {
		c.sync.RequestSync(reason)
	}
	for _, fn := range fns {
		fn(after)
	}
}

func stateChanged(a, b State) bool {
	return a.Status != b.Status ||
		!a.LastSavedAt.Equal(b.LastSavedAt) ||
		a.LastError != b.LastError ||
		a.Dirty != b.Dirty ||
		a.Enabled != b.Enabled
}
