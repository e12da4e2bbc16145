package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/examsync/internal/config"
	"github.com/clawinfra/examsync/internal/orchestrator"
	"github.com/clawinfra/examsync/internal/queue"
	"github.com/clawinfra/examsync/internal/security"
	"github.com/clawinfra/examsync/internal/types"
	"github.com/clawinfra/examsync/internal/wal"
)

// openQueue opens the durable queue on the configured backend.
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*queue.Queue, error) {
	var backend queue.Backend
	switch cfg.Queue.Backend {
	case config.BackendJournal:
		j, err := wal.New(cfg.QueuePath())
		if err != nil {
			return nil, err
		}
		backend = j
	case config.BackendMemory:
		logger.Warn("memory queue selected, unsent work is lost on exit")
		backend = queue.NewMemoryBackend()
	default:
		b, err := queue.OpenSQLite(ctx, cfg.QueuePath())
		if err != nil {
			return nil, err
		}
		backend = b
	}

	opts := []queue.Option{queue.WithLogger(logger)}
	if cfg.Queue.Seal {
		sealer, err := security.SealerFromEnv()
		if err != nil {
			backend.Close() //nolint:errcheck
			return nil, err
		}
		if sealer == nil {
			backend.Close() //nolint:errcheck
			return nil, fmt.Errorf("queue sealing enabled: %w", security.ErrSealKeyMissing)
		}
		opts = append(opts, queue.WithSealer(sealer))
	}

	q, err := queue.Open(ctx, backend, opts...)
	if err != nil {
		backend.Close() //nolint:errcheck
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

// replayConfig maps the sync section onto orchestrator tuning. Zero values
// fall back to the orchestrator defaults.
func replayConfig(sc config.SyncConfig) orchestrator.Config {
	return orchestrator.Config{
		Backoff: orchestrator.BackoffPolicy{
			Base:        time.Duration(sc.Backoff.BaseMs) * time.Millisecond,
			Factor:      sc.Backoff.Factor,
			Max:         time.Duration(sc.Backoff.MaxMs) * time.Millisecond,
			MaxAttempts: sc.Backoff.MaxAttempts,
		},
		MaxParallel:   sc.MaxParallel,
		DraftBatch:    sc.DraftBatch,
		EventBatch:    sc.EventBatch,
		ReplayTimeout: time.Duration(sc.ReplayTimeoutSeconds) * time.Second,
	}
}

// session is the attempt the room opens on.
type session struct {
	AttemptID string
	Seed      *types.DraftPayload
	Source    string
}

// Session sources.
const (
	sourceQueue  = "queue"
	sourceServer = "server"
	sourceNew    = "new"
	sourceLocal  = "local"
)

// attemptStarter creates attempts and reads progress on the server.
type attemptStarter interface {
	StartAttempt(ctx context.Context, module, examContext string) (*types.Attempt, error)
}

// resumer returns the in-progress server draft of a module, or nil.
type resumer interface {
	Resume(ctx context.Context, module, examContext string) (*types.Progress, error)
}

// resumeSession picks the attempt to continue. Unsent local work wins over
// the server copy since it is newer by construction. Without either, a new
// attempt is started on the server, or a local id is minted when offline;
// the server claims it on the first write.
func resumeSession(ctx context.Context, q *queue.Queue, rec resumer, starter attemptStarter, exam config.ExamConfig, logger *slog.Logger) (session, error) {
	module := exam.Module
	if module == "" {
		module = types.DefaultModule
	}

	if s, ok := queuedSession(q, module, logger); ok {
		return s, nil
	}

	if rec != nil {
		p, err := rec.Resume(ctx, module, exam.Context)
		switch {
		case err == nil && p != nil:
			draft := p.DraftPayload.Clone()
			return session{AttemptID: p.AttemptID, Seed: &draft, Source: sourceServer}, nil
		case err != nil && !types.Classify(err).Retryable():
			return session{}, err
		case err != nil:
			logger.Warn("server progress unavailable, continuing offline", "error", err)
		}
	}

	if starter != nil {
		a, err := starter.StartAttempt(ctx, module, exam.Context)
		if err == nil {
			return session{AttemptID: a.ID, Source: sourceNew}, nil
		}
		if !types.Classify(err).Retryable() {
			return session{}, fmt.Errorf("start attempt: %w", err)
		}
		logger.Warn("could not start attempt on server", "error", err)
	}

	return session{AttemptID: uuid.NewString(), Source: sourceLocal}, nil
}

// queuedSession returns the most recently updated unsent draft of module.
func queuedSession(q *queue.Queue, module string, logger *slog.Logger) (session, bool) {
	var (
		best  types.DraftPayload
		at    time.Time
		found bool
	)
	for _, r := range q.Records() {
		if r.Kind != types.KindDraft {
			continue
		}
		d, err := r.Draft()
		if err != nil {
			logger.Warn("skipping undecodable draft", "id", r.ID, "error", err)
			continue
		}
		m := d.Module
		if m == "" {
			m = types.DefaultModule
		}
		if m != module || (found && !r.UpdatedAt.After(at)) {
			continue
		}
		best, at, found = d, r.UpdatedAt, true
	}
	if !found {
		return session{}, false
	}
	return session{AttemptID: best.AttemptID, Seed: &best, Source: sourceQueue}, true
}
