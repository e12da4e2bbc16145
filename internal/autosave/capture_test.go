package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/examsync/internal/clock"
	"github.com/clawinfra/examsync/internal/orchestrator"
	"github.com/clawinfra/examsync/internal/queue"
	"github.com/clawinfra/examsync/internal/types"
)

type syncCounter struct {
	mu      sync.Mutex
	reasons []types.SyncReason
}

func (s *syncCounter) RequestSync(r types.SyncReason) {
	s.mu.Lock()
	s.reasons = append(s.reasons, r)
	s.mu.Unlock()
}

func (s *syncCounter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reasons)
}

type captureEnv struct {
	clock   *clock.Fake
	backend *queue.MemoryBackend
	q       *queue.Queue
	sync    *syncCounter
	c       *Capture
}

func newCaptureEnv(t *testing.T) *captureEnv {
	t.Helper()
	fc := clock.NewFake(t0)
	backend := queue.NewMemoryBackend()
	q, err := queue.Open(context.Background(), backend, queue.WithClock(fc.Now))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	s := &syncCounter{}
	c := NewCapture(q, s, WithClock(fc))
	t.Cleanup(c.Close)
	return &captureEnv{clock: fc, backend: backend, q: q, sync: s, c: c}
}

func TestCaptureCoalescesEdits(t *testing.T) {
	env := newCaptureEnv(t)

	text := ""
	for i := 0; i < 10; i++ {
		text += "word "
		env.c.Edit(draftOf(text))
		env.clock.Advance(100 * time.Millisecond)
	}
	if env.c.Enqueues() != 0 {
		t.Fatal("nothing should be enqueued while typing")
	}

	env.clock.Advance(2 * time.Second)

	if env.c.Enqueues() != 1 {
		t.Fatalf("expected exactly 1 enqueue, got %d", env.c.Enqueues())
	}
	if env.sync.count() != 1 {
		t.Fatalf("expected exactly 1 sync request, got %d", env.sync.count())
	}
	if env.q.Len() != 1 {
		t.Fatalf("expected 1 queued record, got %d", env.q.Len())
	}
	rec, _ := env.q.Get(types.DraftKey("A1", ""))
	p, _ := rec.Draft()
	if p.Tasks["task1"].WordCount != 10 {
		t.Errorf("expected last content captured, got %+v", p.Tasks["task1"])
	}
	if env.c.State().Status != StatusSaving {
		t.Errorf("expected saving, got %s", env.c.State().Status)
	}
}

func TestCaptureScenarioHelloWorld(t *testing.T) {
	env := newCaptureEnv(t)

	env.c.Edit(draftOf("Hello"))
	env.clock.Advance(500 * time.Millisecond)
	env.c.Edit(draftOf("Hello world"))
	env.clock.Advance(DefaultMaxWait)

	if env.q.Len() != 1 {
		t.Fatalf("expected one record for A1, got %d", env.q.Len())
	}
	rec, ok := env.q.Get(types.DraftKey("A1", types.DefaultModule))
	if !ok {
		t.Fatal("draft record missing")
	}
	p, _ := rec.Draft()
	if got := p.Tasks["task1"]; got.Content != "Hello world" || got.WordCount != 2 {
		t.Errorf("unexpected task snapshot %+v", got)
	}
}

func TestCaptureFlushOnHide(t *testing.T) {
	env := newCaptureEnv(t)

	env.c.Edit(draftOf("draft before switching tabs"))
	env.c.VisibilityHidden()
	if env.c.Enqueues() != 1 || env.q.Len() != 1 {
		t.Fatalf("expected immediate enqueue on hide, enqueues=%d", env.c.Enqueues())
	}
	if env.clock.Pending() != 0 {
		t.Errorf("flush should cancel the debounce timer, %d armed", env.clock.Pending())
	}
	first, _ := env.q.Get(types.DraftKey("A1", ""))

	env.c.Unload()
	env.c.Flush()
	if env.c.Enqueues() != 3 || env.q.Len() != 1 {
		t.Errorf("redundant flushes overwrite one record, enqueues=%d len=%d", env.c.Enqueues(), env.q.Len())
	}
	rec, _ := env.q.Get(types.DraftKey("A1", ""))
	if rec.Revision != first.Revision+2 {
		t.Errorf("expected revision %d, got %d", first.Revision+2, rec.Revision)
	}

	env.sync.mu.Lock()
	firstReason := env.sync.reasons[0]
	env.sync.mu.Unlock()
	if firstReason != types.ReasonVisibility {
		t.Errorf("expected visibility reason, got %s", firstReason)
	}
}

func TestCaptureStorageFailureSurfaces(t *testing.T) {
	env := newCaptureEnv(t)
	var states []State
	env.c.Subscribe(func(s State) { states = append(states, s) })

	env.backend.FailWith(errors.New("quota exceeded"))
	env.c.Edit(draftOf("text"))
	env.c.Flush()

	st := env.c.State()
	if st.Status != StatusError || st.LastError == nil {
		t.Fatalf("expected error state, got %+v", st)
	}
	if env.sync.count() != 0 {
		t.Error("no sync should be requested when nothing was stored")
	}
	if len(states) == 0 || states[len(states)-1].Status != StatusError {
		t.Errorf("subscribers should see the error, got %+v", states)
	}

	env.backend.FailWith(nil)
	env.c.Flush()
	if env.c.Enqueues() != 1 {
		t.Errorf("flush after recovery should store the draft")
	}
}

func TestCaptureHandleOutcome(t *testing.T) {
	env := newCaptureEnv(t)
	env.c.Edit(draftOf("essay"))
	env.c.Flush()
	rec, _ := env.q.Get(types.DraftKey("A1", ""))

	env.c.HandleOutcome(orchestrator.Outcome{Kind: types.KindEvent, AttemptID: "A1", Revision: rec.Revision, SavedAt: t0})
	if env.c.State().Status == StatusSaved {
		t.Fatal("event outcomes must not change the draft status")
	}
	env.c.HandleOutcome(orchestrator.Outcome{Kind: types.KindDraft, AttemptID: "OTHER", Revision: rec.Revision, SavedAt: t0})
	if env.c.State().Status == StatusSaved {
		t.Fatal("outcomes of other attempts must be ignored")
	}

	saved := t0.Add(time.Minute)
	env.c.HandleOutcome(orchestrator.Outcome{Kind: types.KindDraft, AttemptID: "A1", Revision: rec.Revision, SavedAt: saved})
	st := env.c.State()
	if st.Status != StatusSaved || !st.LastSavedAt.Equal(saved) {
		t.Fatalf("expected saved, got %+v", st)
	}

	env.c.HandleOutcome(orchestrator.Outcome{
		Kind: types.KindDraft, AttemptID: "A1", Revision: rec.Revision,
		Err: errors.New("unavailable"), Class: types.ClassTransient, Exhausted: true,
	})
	if env.c.State().Status != StatusError {
		t.Errorf("exhausted retries should surface an error")
	}
}

func TestCaptureUnrecordedResultSurfaces(t *testing.T) {
	env := newCaptureEnv(t)
	env.c.Edit(draftOf("essay"))
	env.c.Flush()
	rec, _ := env.q.Get(types.DraftKey("A1", ""))

	env.c.HandleOutcome(orchestrator.Outcome{
		Kind: types.KindDraft, AttemptID: "A1", Revision: rec.Revision,
		Err: errors.New("disk full"), Class: types.ClassTransient, StorageFailed: true,
	})
	st := env.c.State()
	if st.Status != StatusError || st.LastError == nil {
		t.Fatalf("expected error state, got %+v", st)
	}

	env.c.HandleOutcome(orchestrator.Outcome{Kind: types.KindDraft, AttemptID: "A1", Revision: rec.Revision, SavedAt: t0})
	if env.c.State().Status != StatusSaved {
		t.Errorf("a later confirmed replay should clear the error, got %+v", env.c.State())
	}
}

func TestCaptureKeepsClearedTask(t *testing.T) {
	env := newCaptureEnv(t)
	env.c.Edit(types.DraftPayload{
		AttemptID: "A1",
		Tasks: map[string]types.TaskSnapshot{
			"task1": {Content: "Hello", WordCount: 1},
			"task2": {Content: "Secret draft", WordCount: 2},
		},
	})
	env.c.Flush()
	env.c.Edit(types.DraftPayload{
		AttemptID: "A1",
		Tasks: map[string]types.TaskSnapshot{
			"task1": {Content: "Hello", WordCount: 1},
			"task2": {},
		},
	})
	env.c.Flush()

	rec, ok := env.q.Get(types.DraftKey("A1", ""))
	if !ok {
		t.Fatal("draft not queued")
	}
	p, err := rec.Draft()
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	task2, ok := p.Tasks["task2"]
	if !ok || task2.Content != "" || task2.WordCount != 0 {
		t.Errorf("cleared task must be queued empty, got %+v", p.Tasks)
	}
}

func TestCaptureDisable(t *testing.T) {
	env := newCaptureEnv(t)
	env.c.Disable()
	env.c.Edit(draftOf("after submit"))
	env.c.VisibilityHidden()
	env.clock.Advance(time.Minute)
	if env.c.Enqueues() != 0 {
		t.Fatal("disabled capture must not enqueue")
	}
	env.c.Enable()
	env.clock.Advance(DefaultQuiet)
	if env.c.Enqueues() != 1 {
		t.Errorf("re-enabled capture should save pending edits, got %d", env.c.Enqueues())
	}
}
