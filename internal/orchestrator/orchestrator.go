// Package orchestrator replays queued drafts and events to the server.
//
// A single coordinator goroutine runs coordination passes. Sync requests that
// arrive while a pass is scheduled or running collapse into one follow-up
// pass. Within a pass, records of different keys are replayed concurrently
// up to MaxParallel; a record marked in-flight is never dispatched twice.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/examsync/internal/clock"
	"github.com/clawinfra/examsync/internal/queue"
	"github.com/clawinfra/examsync/internal/types"
)

// ErrDisposed is returned when using an orchestrator after Dispose.
var ErrDisposed = errors.New("orchestrator: disposed")

// Replayer sends one queued record to the server.
type Replayer interface {
	Replay(ctx context.Context, rec types.Record) (types.Ack, error)
}

// WakeRegistrar asks the host platform to run wake while the app is not in
// the foreground. Registration is best-effort.
type WakeRegistrar interface {
	Register(ctx context.Context, wake func(ctx context.Context) error) error
}

// Connectivity reports whether the network is believed reachable.
type Connectivity interface {
	Online() bool
}

// Config tunes replay.
type Config struct {
	Backoff     BackoffPolicy
	MaxParallel int
	// DraftBatch and EventBatch bound how many records of each kind one
	// pass replays. Leftovers get an immediate follow-up pass.
	DraftBatch    int
	EventBatch    int
	ReplayTimeout time.Duration
}

// DefaultConfig returns the default replay tuning.
func DefaultConfig() Config {
	return Config{
		Backoff:       DefaultBackoffPolicy(),
		MaxParallel:   4,
		DraftBatch:    5,
		EventBatch:    50,
		ReplayTimeout: 30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	c.Backoff = c.Backoff.normalized()
	if c.MaxParallel <= 0 {
		c.MaxParallel = d.MaxParallel
	}
	if c.DraftBatch <= 0 {
		c.DraftBatch = d.DraftBatch
	}
	if c.EventBatch <= 0 {
		c.EventBatch = d.EventBatch
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = d.ReplayTimeout
	}
	return c
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets replay tuning.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.normalized() }
}

// WithClock overrides the time source used for eligibility and retry timers.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithWakeRegistrar enables background wake registration.
func WithWakeRegistrar(w WakeRegistrar) Option {
	return func(o *Orchestrator) { o.wake = w }
}

// WithConnectivity skips passes while the probe reports offline.
func WithConnectivity(c Connectivity) Option {
	return func(o *Orchestrator) { o.conn = c }
}

// Stats counts orchestrator activity since construction.
type Stats struct {
	Passes    int
	Coalesced int
	Skipped   int
	Replayed  int
	Acked     int
	Failed    int
	Rejected  int

	// StorageErrors counts replay results the queue could not record.
	StorageErrors int
}

// Orchestrator coordinates replay of the durable queue.
type Orchestrator struct {
	q        *queue.Queue
	replayer Replayer
	clock    clock.Clock
	logger   *slog.Logger
	wake     WakeRegistrar
	conn     Connectivity

	requests chan types.SyncReason

	mu             sync.Mutex
	cfg            Config
	started        bool
	disposed       bool
	stopCh         chan struct{}
	wakeRegistered bool
	retryTimer     clock.Timer
	retryAt        time.Time
	subs           map[int]func(Outcome)
	nextSub        int
	passesStarted  uint64
	passesDone     uint64
	passDone       chan struct{}
	stats          Stats

	wg sync.WaitGroup
}

// New creates an orchestrator over q. It does nothing until Start.
func New(q *queue.Queue, replayer Replayer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		q:        q,
		replayer: replayer,
		clock:    clock.Real{},
		cfg:      DefaultConfig(),
		requests: make(chan types.SyncReason, 1),
		stopCh:   make(chan struct{}),
		subs:     make(map[int]func(Outcome)),
		passDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Start launches the coordinator and requests an initial pass so records left
// by a previous session are replayed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(ctx)

	o.logger.Info("orchestrator started",
		"max_parallel", o.config().MaxParallel,
		"draft_batch", o.config().DraftBatch,
		"event_batch", o.config().EventBatch,
		"pending", len(o.q.Pending()),
	)
	o.RequestSync(types.ReasonQueued)
	return nil
}

// Dispose stops the coordinator. A running pass completes first and its
// replay results are recorded. Dispose is idempotent.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	close(o.stopCh)
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Info("orchestrator disposed")
}

// SetConfig replaces replay tuning. It applies from the next pass.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.normalized()
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Stats returns activity counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// RequestSync records the intent to replay. It never blocks: while a pass is
// already scheduled the request is merged into it.
func (o *Orchestrator) RequestSync(reason types.SyncReason) {
	o.mu.Lock()
	disposed := o.disposed
	o.mu.Unlock()
	if disposed {
		return
	}

	select {
	case o.requests <- reason:
		o.logger.Debug("sync requested", "reason", reason)
	default:
		o.mu.Lock()
		o.stats.Coalesced++
		o.mu.Unlock()
		o.logger.Debug("sync request coalesced", "reason", reason)
	}
}

// SyncNow requests a pass and waits until a pass that observed the queue
// after this call has finished.
func (o *Orchestrator) SyncNow(ctx context.Context, reason types.SyncReason) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	if !o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: not started")
	}
	target := o.passesStarted + 1
	o.mu.Unlock()

	o.RequestSync(reason)

	for {
		o.mu.Lock()
		done := o.passesDone
		ch := o.passDone
		o.mu.Unlock()
		if done >= target {
			return nil
		}
		select {
		case <-ch:
		case <-o.stopCh:
			return ErrDisposed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RegisterBackgroundWake asks the platform to replay when the app is in the
// background. A failure is logged and retried on the next pass.
func (o *Orchestrator) RegisterBackgroundWake(ctx context.Context) error {
	if o.wake == nil {
		return nil
	}
	o.mu.Lock()
	if o.wakeRegistered {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	err := o.wake.Register(ctx, func(ctx context.Context) error {
		return o.SyncNow(ctx, types.ReasonBackgroundWake)
	})
	if err != nil {
		o.logger.Warn("background wake registration failed", "error", err)
		return fmt.Errorf("register background wake: %w", err)
	}

	o.mu.Lock()
	o.wakeRegistered = true
	o.mu.Unlock()
	o.logger.Info("background wake registered")
	return nil
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case reason := <-o.requests:
			o.pass(ctx, reason)
		}
	}
}

func (o *Orchestrator) pass(ctx context.Context, reason types.SyncReason) {
	o.mu.Lock()
	o.passesStarted++
	o.stats.Passes++
	cfg := o.cfg
	registered := o.wakeRegistered
	o.mu.Unlock()
	defer o.finishPass()

	if !registered {
		_ = o.RegisterBackgroundWake(ctx) // best-effort
	}

	now := o.clock.Now()
	if o.conn != nil && !o.conn.Online() {
		o.mu.Lock()
		o.stats.Skipped++
		o.mu.Unlock()
		o.logger.Debug("offline, pass skipped", "reason", reason)
		o.scheduleRetry(now.Add(cfg.Backoff.Base))
		return
	}

	eligible, more := selectBatch(o.q.PeekPending(now), cfg)

	if len(eligible) > 0 {
		o.logger.Debug("coordination pass", "reason", reason, "records", len(eligible), "more", more)
	}

	// Replays never return errors to the group; results are recorded per record.
	g := new(errgroup.Group)
	g.SetLimit(cfg.MaxParallel)
	for _, rec := range eligible {
		id := rec.ID
		g.Go(func() error {
			o.dispatch(ctx, id, cfg)
			return nil
		})
	}
	_ = g.Wait()

	if more {
		o.RequestSync(types.ReasonQueued)
		return
	}
	if next, ok := o.q.NextEligible(o.clock.Now()); ok {
		o.scheduleRetry(next)
	}
}

// selectBatch keeps enqueue order and takes at most DraftBatch drafts and
// EventBatch events. more reports whether eligible records were left out.
func selectBatch(eligible []types.Record, cfg Config) (batch []types.Record, more bool) {
	drafts, events := 0, 0
	for _, rec := range eligible {
		switch rec.Kind {
		case types.KindDraft:
			if drafts == cfg.DraftBatch {
				more = true
				continue
			}
			drafts++
		default:
			if events == cfg.EventBatch {
				more = true
				continue
			}
			events++
		}
		batch = append(batch, rec)
	}
	return batch, more
}

func (o *Orchestrator) finishPass() {
	o.mu.Lock()
	o.passesDone++
	close(o.passDone)
	o.passDone = make(chan struct{})
	o.mu.Unlock()
}

// dispatch replays one record. The network call is detached from ctx so a
// shutdown never abandons a replay whose result has not been recorded.
func (o *Orchestrator) dispatch(ctx context.Context, id string, cfg Config) {
	snap, err := o.q.MarkInFlight(ctx, id)
	if err != nil {
		if !errors.Is(err, queue.ErrInvalidTransition) && !errors.Is(err, queue.ErrNotFound) {
			o.logger.Error("mark in-flight failed", "id", id, "error", err)
		}
		return
	}

	o.mu.Lock()
	o.stats.Replayed++
	o.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ReplayTimeout)
	ack, replayErr := o.replayer.Replay(rctx, snap)
	cancel()

	// Queue bookkeeping must land even when ctx was cancelled mid-replay.
	bctx := context.WithoutCancel(ctx)
	out := Outcome{
		RecordID:  snap.ID,
		Kind:      snap.Kind,
		AttemptID: snap.AttemptID,
		Revision:  snap.Revision,
		Attempts:  snap.Attempts,
	}

	if replayErr == nil {
		removed, err := o.q.MarkAcked(bctx, id, snap.Revision)
		if err != nil {
			o.unsettled(bctx, out, err, cfg)
			return
		}
		out.SavedAt = ack.SavedAt
		out.Superseded = !removed
		o.mu.Lock()
		o.stats.Acked++
		o.mu.Unlock()
		o.logger.Debug("replay acked", "id", id, "revision", snap.Revision, "superseded", out.Superseded)
		o.publish(out)
		return
	}

	out.Err = replayErr
	out.Class = types.Classify(replayErr)
	out.Attempts = snap.Attempts + 1

	if out.Class.Retryable() {
		next := o.clock.Now().Add(cfg.Backoff.Delay(out.Attempts))
		if err := o.q.MarkFailed(bctx, id, replayErr, next); err != nil {
			o.unsettled(bctx, out, err, cfg)
			return
		}
		out.NextAttemptAt = next
		out.Exhausted = cfg.Backoff.Exhausted(out.Attempts)
		o.mu.Lock()
		o.stats.Failed++
		o.mu.Unlock()
		o.logger.Warn("replay failed, will retry",
			"id", id, "attempts", out.Attempts, "next_attempt_at", next, "exhausted", out.Exhausted, "error", replayErr)
		o.publish(out)
		return
	}

	if err := o.q.MarkRejected(bctx, id, replayErr); err != nil {
		o.unsettled(bctx, out, err, cfg)
		return
	}
	o.mu.Lock()
	o.stats.Rejected++
	o.mu.Unlock()
	o.logger.Error("replay rejected", "id", id, "class", out.Class, "error", replayErr)
	o.publish(out)
}

// unsettled handles a replay whose result could not be written to the
// queue. The record goes back to pending with a backoff so a later pass
// replays it again; the server upsert is idempotent. The outcome carries
// the storage error.
func (o *Orchestrator) unsettled(ctx context.Context, out Outcome, storeErr error, cfg Config) {
	attempts := out.Attempts
	if out.Err == nil {
		attempts++
	}
	next := o.clock.Now().Add(cfg.Backoff.Delay(attempts))
	if err := o.q.Requeue(ctx, out.RecordID, storeErr, next); err != nil {
		o.logger.Warn("requeue not persisted", "id", out.RecordID, "error", err)
	}

	o.mu.Lock()
	o.stats.StorageErrors++
	o.mu.Unlock()
	o.logger.Error("replay result not recorded, will retry",
		"id", out.RecordID, "next_attempt_at", next, "replay_error", out.Err, "error", storeErr)

	out.Err = fmt.Errorf("record replay result: %w", storeErr)
	out.Class = types.ClassTransient
	out.Attempts = attempts
	out.NextAttemptAt = next
	out.SavedAt = time.Time{}
	out.Superseded = false
	out.StorageFailed = true
	o.publish(out)
}

// scheduleRetry arms a single timer for the earliest retry time. An armed
// timer that fires sooner is kept.
func (o *Orchestrator) scheduleRetry(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return
	}
	if o.retryTimer != nil && !o.retryAt.After(at) {
		return
	}
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}
	d := at.Sub(o.clock.Now())
	if d < 0 {
		d = 0
	}
	o.retryAt = at
	o.retryTimer = o.clock.AfterFunc(d, func() {
		o.mu.Lock()
		o.retryTimer = nil
		o.retryAt = time.Time{}
		o.mu.Unlock()
		o.RequestSync(types.ReasonRetry)
	})
}
