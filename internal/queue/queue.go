// Package queue implements the durable local queue of pending writes.
//
// The queue holds exactly one record per logical key. A new local edit to the
// same key replaces the pending payload instead of appending a second entry,
// so the last local edit always wins and the queue cannot grow without bound.
// Every mutation is written through the Backend before the in-memory view
// changes, so a crash right after a call leaves storage in the post-call state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/examsync/internal/types"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("queue: record not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
)

// Backend persists queue records. Implementations must make Put and Delete
// durable before returning.
type Backend interface {
	Load(ctx context.Context) ([]types.Record, error)
	Put(ctx context.Context, rec types.Record) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Sealer protects payloads at rest. Sealed output must itself be valid JSON.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithSealer encrypts payloads before they reach the backend.
func WithSealer(s Sealer) Option {
	return func(q *Queue) { q.sealer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue is the durable store of pending drafts and events.
type Queue struct {
	mu      sync.Mutex
	backend Backend
	records map[string]types.Record
	// retired holds the last revision of keys removed after an ack, so a
	// new record under the same key never reuses a lower revision.
	retired map[string]int64
	sealer  Sealer
	now     func() time.Time
	logger  *slog.Logger
}

// Open loads all records from backend. Records left in-flight by a previous
// process never got an answer, so they are returned to pending.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Queue, error) {
	q := &Queue{
		backend: backend,
		records: make(map[string]types.Record),
		retired: make(map[string]int64),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("component", "queue")

	stored, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}

	recovered := 0
	for _, rec := range stored {
		if q.sealer != nil {
			plain, err := q.sealer.Open(rec.Payload)
			if err != nil {
				return nil, fmt.Errorf("queue: open payload %s: %w", rec.ID, err)
			}
			rec.Payload = plain
		}
		if rec.Status == types.StatusInFlight {
			rec.Status = types.StatusPending
			if err := q.persist(ctx, rec); err != nil {
				return nil, err
			}
			recovered++
		}
		q.records[rec.ID] = rec
	}

	q.logger.Info("queue opened", "records", len(q.records), "recovered_in_flight", recovered)
	return q, nil
}

// Close releases the backend.
func (q *Queue) Close() error {
	return q.backend.Close()
}

// EnqueueDraft writes or overwrites the draft record of the payload's
// attempt. It returns nil without persisting anything when the payload has
// no attempt id or no task content. Tasks that are individually empty are
// kept so a cleared answer replaces the stored one.
func (q *Queue) EnqueueDraft(ctx context.Context, p types.DraftPayload) (*types.Record, error) {
	if strings.TrimSpace(p.AttemptID) == "" || p.Empty() {
		return nil, nil
	}
	p = p.Clone()
	if p.Module == "" {
		p.Module = types.DefaultModule
	}
	if p.ElapsedSeconds < 0 {
		p.ElapsedSeconds = 0
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal draft: %w", err)
	}
	return q.upsert(ctx, types.KindDraft, types.DraftKey(p.AttemptID, p.Module), p.AttemptID, raw)
}

// EnqueueEvent writes or overwrites the event keyed by its offline id.
// A missing offline id is generated, a missing occurrence time is now.
func (q *Queue) EnqueueEvent(ctx context.Context, e types.EventPayload) (*types.Record, error) {
	if strings.TrimSpace(e.AttemptID) == "" || strings.TrimSpace(e.Type) == "" {
		return nil, nil
	}
	if e.OfflineID == "" {
		e.OfflineID = uuid.NewString()
	}
	if e.OccurredAt == nil {
		at := q.now().UTC()
		e.OccurredAt = &at
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal event: %w", err)
	}
	return q.upsert(ctx, types.KindEvent, types.EventKey(e.AttemptID, e.OfflineID), e.AttemptID, raw)
}

func (q *Queue) upsert(ctx context.Context, kind types.Kind, id, attemptID string, payload json.RawMessage) (*types.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	rec, exists := q.records[id]
	if !exists {
		// Revisions of a key grow across acks and restarts: a fresh
		// record starts at the edit time in milliseconds.
		rev := now.UnixMilli()
		if last := q.retired[id]; rev <= last {
			rev = last + 1
		}
		rec = types.Record{
			ID:        id,
			Kind:      kind,
			AttemptID: attemptID,
			CreatedAt: now,
			Status:    types.StatusPending,
			Revision:  rev - 1,
		}
	} else if !now.After(rec.UpdatedAt) {
		now = rec.UpdatedAt.Add(time.Nanosecond)
	}

	rec.Payload = payload
	rec.Revision++
	rec.UpdatedAt = now
	switch rec.Status {
	case types.StatusInFlight:
		// The outstanding replay carries the previous revision; its ack
		// returns the record to pending instead of removing it.
	case types.StatusRejected:
		rec.Status = types.StatusPending
		rec.NextAttemptAt = time.Time{}
	default:
		rec.Status = types.StatusPending
	}

	if err := q.persist(ctx, rec); err != nil {
		return nil, err
	}
	q.records[id] = rec
	out := rec
	return &out, nil
}

// PeekPending returns the pending records eligible for replay at now, in
// enqueue order.
func (q *Queue) PeekPending(now time.Time) []types.Record {
	return q.collect(func(r types.Record) bool {
		return r.Status == types.StatusPending && !r.NextAttemptAt.After(now)
	})
}

// Pending returns every pending record, including those backing off.
func (q *Queue) Pending() []types.Record {
	return q.collect(func(r types.Record) bool { return r.Status == types.StatusPending })
}

// Records returns a snapshot of every record in the queue.
func (q *Queue) Records() []types.Record {
	return q.collect(func(types.Record) bool { return true })
}

func (q *Queue) collect(keep func(types.Record) bool) []types.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.Record, 0, len(q.records))
	for _, r := range q.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NextEligible returns the earliest retry time after now among pending
// records that are backing off.
func (q *Queue) NextEligible(now time.Time) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	for _, r := range q.records {
		if r.Status != types.StatusPending || !r.NextAttemptAt.After(now) {
			continue
		}
		if next.IsZero() || r.NextAttemptAt.Before(next) {
			next = r.NextAttemptAt
		}
	}
	return next, !next.IsZero()
}

// Get returns the record stored under id.
func (q *Queue) Get(id string) (types.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.records[id]
	return r, ok
}

// Len returns the number of records held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// MarkInFlight moves a pending record to in-flight and returns the snapshot
// that must be replayed.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (types.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return types.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != types.StatusPending {
		return types.Record{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, rec.Status)
	}
	rec.Status = types.StatusInFlight
	if err := q.persist(ctx, rec); err != nil {
		return types.Record{}, err
	}
	q.records[id] = rec
	return rec, nil
}

// MarkAcked removes an in-flight record once the server confirmed revision.
// If the payload was overwritten while the replay was outstanding, the newer
// revision stays queued as pending. It reports whether the record was removed.
func (q *Queue) MarkAcked(ctx context.Context, id string, revision int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != types.StatusInFlight {
		return false, fmt.Errorf("%w: ack of %s while %s", ErrInvalidTransition, id, rec.Status)
	}

	if rec.Revision == revision {
		if err := q.backend.Delete(ctx, id); err != nil {
			return false, fmt.Errorf("queue: delete %s: %w", id, err)
		}
		delete(q.records, id)
		q.retired[id] = rec.Revision
		return true, nil
	}

	rec.Status = types.StatusPending
	rec.Attempts = 0
	rec.NextAttemptAt = time.Time{}
	rec.LastError = ""
	if err := q.persist(ctx, rec); err != nil {
		return false, err
	}
	q.records[id] = rec
	return false, nil
}

// MarkFailed records a retryable failure: attempts grows by one and the
// record returns to pending, eligible again at next.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, next time.Time) error {
	return q.fail(ctx, id, cause, types.StatusPending, next)
}

// MarkRejected parks a record the server refused for good. It is kept for
// diagnostics and not replayed until overwritten or released.
func (q *Queue) MarkRejected(ctx context.Context, id string, cause error) error {
	return q.fail(ctx, id, cause, types.StatusRejected, time.Time{})
}

func (q *Queue) fail(ctx context.Context, id string, cause error, status types.Status, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != types.StatusInFlight {
		return fmt.Errorf("%w: failure of %s while %s", ErrInvalidTransition, id, rec.Status)
	}
	rec.Attempts++
	rec.Status = status
	rec.NextAttemptAt = next
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if err := q.persist(ctx, rec); err != nil {
		return err
	}
	q.records[id] = rec
	return nil
}

// Requeue returns an in-flight record to pending, eligible again at next,
// after its replay result could not be recorded. Unlike the other
// transitions the in-memory change is kept even when the write fails:
// storage still holds the record in-flight, which Open recovers to pending,
// so both views converge. The write error is returned for logging.
func (q *Queue) Requeue(ctx context.Context, id string, cause error, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != types.StatusInFlight {
		return fmt.Errorf("%w: requeue of %s while %s", ErrInvalidTransition, id, rec.Status)
	}
	rec.Attempts++
	rec.Status = types.StatusPending
	rec.NextAttemptAt = next
	if cause != nil {
		rec.LastError = cause.Error()
	}
	q.records[id] = rec
	return q.persist(ctx, rec)
}

// ReleaseRejected returns every rejected record to pending, for example
// after the user signed in again.
func (q *Queue) ReleaseRejected(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	released := 0
	for id, rec := range q.records {
		if rec.Status != types.StatusRejected {
			continue
		}
		rec.Status = types.StatusPending
		rec.NextAttemptAt = time.Time{}
		if err := q.persist(ctx, rec); err != nil {
			return released, err
		}
		q.records[id] = rec
		released++
	}
	return released, nil
}

// persist writes rec through the backend. Must be called with q.mu held.
func (q *Queue) persist(ctx context.Context, rec types.Record) error {
	if q.sealer != nil {
		sealed, err := q.sealer.Seal(rec.Payload)
		if err != nil {
			return fmt.Errorf("queue: seal %s: %w", rec.ID, err)
		}
		rec.Payload = sealed
	}
	if err := q.backend.Put(ctx, rec); err != nil {
		return fmt.Errorf("queue: put %s: %w", rec.ID, err)
	}
	return nil
}
