package orchestrator

import (
	"time"

	"github.com/clawinfra/examsync/internal/types"
)

// Outcome is published after every replay attempt.
type Outcome struct {
	RecordID  string
	Kind      types.Kind
	AttemptID string
	Revision  int64
	Attempts  int

	// SavedAt is the server confirmation time of a successful replay.
	SavedAt time.Time
	// Superseded is set when the acked revision was overwritten locally
	// while in flight, so a newer revision is still queued.
	Superseded bool

	Err           error
	Class         types.ErrorClass
	NextAttemptAt time.Time
	// Exhausted is set once a transient failure reached MaxAttempts. The
	// record keeps retrying at the capped delay.
	Exhausted bool
	// StorageFailed is set when the replay result could not be written to
	// the queue. The record is pending again and will be replayed.
	StorageFailed bool
}

// OK reports whether the replay was confirmed by the server.
func (o Outcome) OK() bool { return o.Err == nil }

// Rejected reports whether the record was parked as non-retryable.
func (o Outcome) Rejected() bool { return o.Err != nil && !o.Class.Retryable() }

// Subscribe registers fn to receive every outcome. fn runs on replay
// goroutines and must not block. The returned func unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Outcome)) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) publish(out Outcome) {
	o.mu.Lock()
	fns := make([]func(Outcome), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(out)
	}
}
