package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawinfra/examsync/internal/config"
	"github.com/clawinfra/examsync/internal/queue"
	"github.com/clawinfra/examsync/internal/security"
	"github.com/clawinfra/examsync/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResumer struct {
	progress *types.Progress
	err      error
	calls    int
}

func (f *fakeResumer) Resume(context.Context, string, string) (*types.Progress, error) {
	f.calls++
	return f.progress, f.err
}

type fakeStarter struct {
	id    string
	err   error
	calls int
}

func (f *fakeStarter) StartAttempt(_ context.Context, module, _ string) (*types.Attempt, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &types.Attempt{ID: f.id, Module: module}, nil
}

func memQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(context.Background(), queue.NewMemoryBackend(), queue.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func queueDraft(t *testing.T, q *queue.Queue, attempt, module, content string) {
	t.Helper()
	_, err := q.EnqueueDraft(context.Background(), types.DraftPayload{
		AttemptID: attempt,
		Module:    module,
		Tasks:     map[string]types.TaskSnapshot{"task1": {Content: content, WordCount: 1}},
	})
	if err != nil {
		t.Fatalf("enqueue draft: %v", err)
	}
}

var writingExam = config.ExamConfig{Module: "writing", Tasks: []string{"task1"}}

func TestResumeSessionPrefersQueuedDraft(t *testing.T) {
	q := memQueue(t)
	queueDraft(t, q, "A-local", "writing", "unsent")
	queueDraft(t, q, "A-other", "speaking", "elsewhere")
	rec := &fakeResumer{progress: &types.Progress{DraftPayload: types.DraftPayload{AttemptID: "A-server"}}}
	start := &fakeStarter{id: "A-new"}

	s, err := resumeSession(context.Background(), q, rec, start, writingExam, testLogger())
	if err != nil {
		t.Fatalf("resumeSession: %v", err)
	}
	if s.AttemptID != "A-local" || s.Source != sourceQueue {
		t.Errorf("session = %+v", s)
	}
	if s.Seed == nil || s.Seed.Tasks["task1"].Content != "unsent" {
		t.Errorf("seed = %+v", s.Seed)
	}
	if rec.calls != 0 || start.calls != 0 {
		t.Error("server consulted despite queued work")
	}
}

func TestResumeSessionFromServer(t *testing.T) {
	rec := &fakeResumer{progress: &types.Progress{
		DraftPayload: types.DraftPayload{
			AttemptID: "A-server",
			Module:    "writing",
			Tasks:     map[string]types.TaskSnapshot{"task1": {Content: "saved", WordCount: 1}},
		},
		Revision: 7,
	}}
	start := &fakeStarter{id: "A-new"}

	s, err := resumeSession(context.Background(), memQueue(t), rec, start, writingExam, testLogger())
	if err != nil {
		t.Fatalf("resumeSession: %v", err)
	}
	if s.AttemptID != "A-server" || s.Source != sourceServer || s.Seed.Tasks["task1"].Content != "saved" {
		t.Errorf("session = %+v", s)
	}
	if start.calls != 0 {
		t.Error("attempt started although one is in progress")
	}
}

func TestResumeSessionStartsNewAttempt(t *testing.T) {
	start := &fakeStarter{id: "A-new"}
	s, err := resumeSession(context.Background(), memQueue(t), &fakeResumer{}, start, writingExam, testLogger())
	if err != nil {
		t.Fatalf("resumeSession: %v", err)
	}
	if s.AttemptID != "A-new" || s.Source != sourceNew || s.Seed != nil {
		t.Errorf("session = %+v", s)
	}
}

func TestResumeSessionOffline(t *testing.T) {
	offline := errors.New("connection refused")
	rec := &fakeResumer{err: offline}
	start := &fakeStarter{err: offline}

	s, err := resumeSession(context.Background(), memQueue(t), rec, start, writingExam, testLogger())
	if err != nil {
		t.Fatalf("resumeSession: %v", err)
	}
	if s.Source != sourceLocal || s.AttemptID == "" {
		t.Errorf("session = %+v", s)
	}
	if rec.calls != 1 || start.calls != 1 {
		t.Errorf("calls = %d/%d", rec.calls, start.calls)
	}
}

func TestResumeSessionAuthorizationFails(t *testing.T) {
	denied := &types.ReplayError{Class: types.ClassAuthorization, Status: 401, Err: errors.New("bad token")}

	_, err := resumeSession(context.Background(), memQueue(t), &fakeResumer{err: denied}, &fakeStarter{id: "x"}, writingExam, testLogger())
	if !errors.Is(err, denied) {
		t.Errorf("resume err = %v", err)
	}

	_, err = resumeSession(context.Background(), memQueue(t), &fakeResumer{}, &fakeStarter{err: denied}, writingExam, testLogger())
	if !errors.Is(err, denied) {
		t.Errorf("start err = %v", err)
	}
}

func TestResumeSessionDefaultModule(t *testing.T) {
	q := memQueue(t)
	queueDraft(t, q, "A-default", "", "unsent")

	s, err := resumeSession(context.Background(), q, nil, nil, config.ExamConfig{}, testLogger())
	if err != nil {
		t.Fatalf("resumeSession: %v", err)
	}
	if s.AttemptID != "A-default" {
		t.Errorf("session = %+v", s)
	}
}

func TestReplayConfig(t *testing.T) {
	sc := config.DefaultConfig().Sync
	rc := replayConfig(sc)

	if rc.Backoff.Base != 2*time.Second || rc.Backoff.Max != time.Minute || rc.Backoff.Factor != 2 {
		t.Errorf("backoff = %+v", rc.Backoff)
	}
	if rc.Backoff.MaxAttempts != sc.Backoff.MaxAttempts {
		t.Errorf("max attempts = %d", rc.Backoff.MaxAttempts)
	}
	if rc.DraftBatch != 5 || rc.EventBatch != 50 || rc.MaxParallel != sc.MaxParallel {
		t.Errorf("limits = %+v", rc)
	}
	if rc.ReplayTimeout != time.Duration(sc.ReplayTimeoutSeconds)*time.Second {
		t.Errorf("timeout = %v", rc.ReplayTimeout)
	}
}

func TestOpenQueueBackends(t *testing.T) {
	for _, backend := range []string{config.BackendSQLite, config.BackendJournal, config.BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Server.DataDir = t.TempDir()
			cfg.Queue.Backend = backend

			q, err := openQueue(context.Background(), cfg, testLogger())
			if err != nil {
				t.Fatalf("openQueue: %v", err)
			}
			defer q.Close()
			queueDraft(t, q, "A1", "writing", "text")
			if q.Len() != 1 {
				t.Errorf("len = %d", q.Len())
			}
		})
	}
}

func TestOpenQueueSealing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Queue.Seal = true

	t.Setenv(security.EnvSealKey, "")
	if _, err := openQueue(context.Background(), cfg, testLogger()); !errors.Is(err, security.ErrSealKeyMissing) {
		t.Fatalf("err = %v, want ErrSealKeyMissing", err)
	}

	t.Setenv(security.EnvSealKey, "correct horse")
	cfg.Queue.Path = filepath.Join(cfg.Server.DataDir, "sealed.db")
	q, err := openQueue(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("openQueue: %v", err)
	}
	queueDraft(t, q, "A1", "writing", "secret answer")
	q.Close()

	q, err = openQueue(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q.Close()
	recs := q.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	d, err := recs[0].Draft()
	if err != nil || d.Tasks["task1"].Content != "secret answer" {
		t.Errorf("draft = %+v, err = %v", d, err)
	}
}
