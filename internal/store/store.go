// Package store is the server side of the exam upsert contract. Drafts are
// upserted per (attempt, task) behind a revision guard and events are
// inserted once per (attempt, offline id), so replaying any request yields
// the same stored state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/examsync/internal/sqlitedb"
	"github.com/clawinfra/examsync/internal/types"
)

var (
	// ErrNotFound is returned for unknown attempts or missing progress.
	ErrNotFound = errors.New("store: not found")
	// ErrNotOwner is returned when the caller does not own the attempt.
	ErrNotOwner = errors.New("store: attempt owned by another user")
	// ErrSubmitted is returned for draft writes to a completed attempt.
	ErrSubmitted = errors.New("store: attempt already submitted")
	// ErrInvalid wraps request validation failures.
	ErrInvalid = errors.New("store: invalid request")
)

// Attempt statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// EventAutosave is the event type of the marker written with each draft.
const EventAutosave = "autosave"

// DraftResult describes the outcome of a draft upsert.
type DraftResult struct {
	SavedAt   time.Time
	Revision  int64 // revision now stored
	WordCount int
	// Stale is set when a newer revision was already stored; nothing changed.
	Stale bool
	// Replayed is set when this revision was already stored; nothing changed.
	Replayed bool
}

// EventResult describes the outcome of an event insert.
type EventResult struct {
	ID        int64
	Duplicate bool
	SavedAt   time.Time
}

// Event is a stored exam event.
type Event struct {
	ID         int64          `json:"id"`
	AttemptID  string         `json:"attemptId"`
	UserID     string         `json:"userId"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OfflineID  string         `json:"offlineId"`
	OccurredAt time.Time      `json:"occurredAt"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Store persists attempts, writing responses and exam events in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at path and applies migrations.
// Use sqlitedb.Memory for a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlitedb.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.Migrate(ctx, db, migrations); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("store opened", "path", path)
	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// StartAttempt creates a new in-progress attempt owned by userID.
func (s *Store) StartAttempt(ctx context.Context, userID, module, examContext string) (*types.Attempt, error) {
	if module == "" {
		module = types.DefaultModule
	}
	now := s.now()
	a := &types.Attempt{
		ID:        uuid.NewString(),
		UserID:    userID,
		Module:    module,
		Context:   examContext,
		Status:    StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, user_id, module, context, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, userID, module, examContext, StatusInProgress, sqlitedb.Nanos(now), sqlitedb.Nanos(now))
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	s.logger.Info("attempt started", "attempt_id", a.ID, "user_id", userID, "module", module)
	return a, nil
}

// Attempt returns the attempt with id.
func (s *Store) Attempt(ctx context.Context, id string) (*types.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, module, context, status, created_at, updated_at, submitted_at
		FROM attempts WHERE id = ?`, id)
	return scanAttempt(row)
}

// SaveDraft upserts the draft of attemptID for userID. An unknown attempt
// is created owned by the caller. A revision older than the stored one is
// acknowledged without overwriting, and the stored revision is acknowledged
// without writing again.
func (s *Store) SaveDraft(ctx context.Context, userID, attemptID string, req types.DraftRequest) (DraftResult, error) {
	if err := validateDraft(attemptID, req); err != nil {
		return DraftResult{}, err
	}
	module := req.Module
	if module == "" {
		module = types.DefaultModule
	}

	var res DraftResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		cur, err := s.claim(ctx, tx, userID, attemptID, module, now)
		if err != nil {
			return err
		}
		if cur.revision > 0 && req.Revision <= cur.revision {
			res = DraftResult{
				SavedAt:  cur.savedAt,
				Revision: cur.revision,
				Stale:    req.Revision < cur.revision,
				Replayed: req.Revision == cur.revision,
			}
			return nil
		}
		if cur.status == StatusCompleted {
			return fmt.Errorf("%w: %s", ErrSubmitted, attemptID)
		}

		tasks := make([]string, 0, len(req.Tasks))
		for id := range req.Tasks {
			tasks = append(tasks, id)
		}
		sort.Strings(tasks)

		words := 0
		for _, task := range tasks {
			snap := req.Tasks[task]
			wc := max(snap.WordCount, 0)
			words += wc
			_, err := tx.ExecContext(ctx, `
				INSERT INTO writing_responses (attempt_id, task, user_id, answer_text, word_count, duration_seconds, revision, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(attempt_id, task) DO UPDATE SET
					answer_text = excluded.answer_text,
					word_count = excluded.word_count,
					duration_seconds = excluded.duration_seconds,
					revision = excluded.revision,
					updated_at = excluded.updated_at`,
				attemptID, task, userID, snap.Content, wc, max(req.ElapsedSeconds, 0), req.Revision, sqlitedb.Nanos(now))
			if err != nil {
				return fmt.Errorf("upsert response %s/%s: %w", attemptID, task, err)
			}
		}
		if err := dropMissingTasks(ctx, tx, attemptID, tasks); err != nil {
			return err
		}

		marker, err := json.Marshal(map[string]any{
			"tasks":           req.Tasks,
			"activeTask":      req.ActiveTask,
			"elapsedSeconds":  req.ElapsedSeconds,
			"offlineRevision": req.Revision,
		})
		if err != nil {
			return fmt.Errorf("marshal autosave marker: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO exam_events (attempt_id, user_id, event_type, payload, offline_id, occurred_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(attempt_id, offline_id) DO NOTHING`,
			attemptID, userID, EventAutosave, string(marker), autosaveID(req.Revision), sqlitedb.Nanos(now), sqlitedb.Nanos(now))
		if err != nil {
			return fmt.Errorf("insert autosave marker: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE attempts
			SET revision = ?, active_task = ?, elapsed_seconds = ?, updated_at = ?, saved_at = ?
			WHERE id = ?`,
			req.Revision, req.ActiveTask, max(req.ElapsedSeconds, 0), sqlitedb.Nanos(now), sqlitedb.Nanos(now), attemptID)
		if err != nil {
			return fmt.Errorf("update attempt %s: %w", attemptID, err)
		}

		res = DraftResult{SavedAt: now, Revision: req.Revision, WordCount: words}
		return nil
	})
	if err != nil {
		return DraftResult{}, err
	}

	s.logger.Debug("draft saved",
		"attempt_id", attemptID,
		"revision", res.Revision,
		"stale", res.Stale,
		"replayed", res.Replayed,
	)
	return res, nil
}

// RecordEvent inserts an exam event once per (attempt, offline id). A
// replay of a stored event reports Duplicate with the original id.
func (s *Store) RecordEvent(ctx context.Context, userID, attemptID string, req types.EventRequest) (EventResult, error) {
	if strings.TrimSpace(attemptID) == "" {
		return EventResult{}, fmt.Errorf("%w: attempt id is required", ErrInvalid)
	}
	if strings.TrimSpace(req.Type) == "" {
		return EventResult{}, fmt.Errorf("%w: event type is required", ErrInvalid)
	}
	if req.Type == EventAutosave {
		return EventResult{}, fmt.Errorf("%w: event type %q is reserved", ErrInvalid, EventAutosave)
	}
	if strings.TrimSpace(req.OfflineID) == "" {
		return EventResult{}, fmt.Errorf("%w: offlineId is required", ErrInvalid)
	}
	if strings.HasPrefix(req.OfflineID, EventAutosave+":") {
		return EventResult{}, fmt.Errorf("%w: offlineId %q is reserved", ErrInvalid, req.OfflineID)
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventResult{}, fmt.Errorf("%w: payload: %v", ErrInvalid, err)
	}

	var res EventResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if _, err := s.claim(ctx, tx, userID, attemptID, types.DefaultModule, now); err != nil {
			return err
		}
		occurred := now
		if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
			occurred = req.OccurredAt.UTC()
		}

		r, err := tx.ExecContext(ctx, `
			INSERT INTO exam_events (attempt_id, user_id, event_type, payload, offline_id, occurred_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(attempt_id, offline_id) DO NOTHING`,
			attemptID, userID, req.Type, string(raw), req.OfflineID, sqlitedb.Nanos(occurred), sqlitedb.Nanos(now))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		var created int64
		err = tx.QueryRowContext(ctx,
			`SELECT id, created_at FROM exam_events WHERE attempt_id = ? AND offline_id = ?`,
			attemptID, req.OfflineID).Scan(&res.ID, &created)
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		res.Duplicate = n == 0
		res.SavedAt = sqlitedb.Time(created)
		return nil
	})
	if err != nil {
		return EventResult{}, err
	}
	return res, nil
}

// SyncBatch applies a batch of drafts and events for userID. Items that
// fail are left out of the synced id lists so the client retries them.
func (s *Store) SyncBatch(ctx context.Context, userID string, req types.BatchRequest) types.BatchResponse {
	resp := types.BatchResponse{
		OK:             true,
		SyncedDraftIDs: []string{},
		SyncedEventIDs: []string{},
		SavedAt:        s.now(),
	}
	for _, d := range req.Drafts {
		_, err := s.SaveDraft(ctx, userID, d.Payload.AttemptID, types.DraftRequest{DraftPayload: d.Payload, Revision: d.Revision})
		if err != nil {
			s.logger.Warn("batch draft failed", "id", d.ID, "attempt_id", d.Payload.AttemptID, "error", err)
			continue
		}
		resp.SyncedDraftIDs = append(resp.SyncedDraftIDs, d.ID)
	}
	for _, e := range req.Events {
		_, err := s.RecordEvent(ctx, userID, e.Payload.AttemptID, types.EventRequest{
			Type:       e.Payload.Type,
			Payload:    e.Payload.Payload,
			OccurredAt: e.Payload.OccurredAt,
			OfflineID:  e.Payload.OfflineID,
		})
		if err != nil {
			s.logger.Warn("batch event failed", "id", e.ID, "attempt_id", e.Payload.AttemptID, "error", err)
			continue
		}
		resp.SyncedEventIDs = append(resp.SyncedEventIDs, e.ID)
	}
	return resp
}

// Progress returns the most recently updated in-progress attempt of userID
// for module, optionally narrowed to examContext. It returns ErrNotFound
// when there is none.
func (s *Store) Progress(ctx context.Context, userID, module, examContext string) (*types.Progress, error) {
	if module == "" {
		module = types.DefaultModule
	}
	var (
		p       types.Progress
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, module, context, revision, active_task, elapsed_seconds, updated_at
		FROM attempts
		WHERE user_id = ? AND module = ? AND status = ? AND (? = '' OR context = ?)
		ORDER BY updated_at DESC
		LIMIT 1`,
		userID, module, StatusInProgress, examContext, examContext,
	).Scan(&p.AttemptID, &p.Module, &p.Context, &p.Revision, &p.ActiveTask, &p.ElapsedSeconds, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	p.UpdatedAt = sqlitedb.Time(updated)

	tasks, err := s.responses(ctx, p.AttemptID)
	if err != nil {
		return nil, err
	}
	p.Tasks = tasks
	return &p, nil
}

// Responses returns the stored task snapshots of an attempt.
func (s *Store) Responses(ctx context.Context, attemptID string) (map[string]types.TaskSnapshot, error) {
	return s.responses(ctx, attemptID)
}

func (s *Store) responses(ctx context.Context, attemptID string) (map[string]types.TaskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task, answer_text, word_count FROM writing_responses WHERE attempt_id = ?`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	tasks := make(map[string]types.TaskSnapshot)
	for rows.Next() {
		var (
			task string
			snap types.TaskSnapshot
		)
		if err := rows.Scan(&task, &snap.Content, &snap.WordCount); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		tasks[task] = snap
	}
	return tasks, rows.Err()
}

// Submit marks an attempt of userID completed. Submitting twice is a no-op.
func (s *Store) Submit(ctx context.Context, userID, attemptID string) (*types.Attempt, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.lookup(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if cur.userID != userID {
			return fmt.Errorf("%w: %s", ErrNotOwner, attemptID)
		}
		if cur.status == StatusCompleted {
			return nil
		}
		now := sqlitedb.Nanos(s.now())
		_, err = tx.ExecContext(ctx,
			`UPDATE attempts SET status = ?, submitted_at = ?, updated_at = ? WHERE id = ?`,
			StatusCompleted, now, now, attemptID)
		if err != nil {
			return fmt.Errorf("submit attempt %s: %w", attemptID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("attempt submitted", "attempt_id", attemptID, "user_id", userID)
	return s.Attempt(ctx, attemptID)
}

// Events returns the events of an attempt in occurrence order.
func (s *Store) Events(ctx context.Context, attemptID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_id, user_id, event_type, payload, offline_id, occurred_at, created_at
		FROM exam_events WHERE attempt_id = ?
		ORDER BY occurred_at, id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                 Event
			payload           string
			occurred, created int64
		)
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.UserID, &e.Type, &payload, &e.OfflineID, &occurred, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
		}
		e.OccurredAt = sqlitedb.Time(occurred)
		e.CreatedAt = sqlitedb.Time(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeAutosaves deletes the autosave markers of attempts submitted before
// cutoff and returns how many were removed.
func (s *Store) PurgeAutosaves(ctx context.Context, cutoff time.Time) (int64, error) {
	r, err := s.db.ExecContext(ctx, `
		DELETE FROM exam_events
		WHERE event_type = ? AND attempt_id IN (
			SELECT id FROM attempts WHERE status = ? AND submitted_at > 0 AND submitted_at < ?
		)`, EventAutosave, StatusCompleted, sqlitedb.Nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge autosaves: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge autosaves: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged autosave markers", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

type attemptState struct {
	userID   string
	status   string
	revision int64
	savedAt  time.Time
}

func (s *Store) lookup(ctx context.Context, tx *sql.Tx, attemptID string) (attemptState, error) {
	var (
		st    attemptState
		saved int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT user_id, status, revision, saved_at FROM attempts WHERE id = ?`, attemptID,
	).Scan(&st.userID, &st.status, &st.revision, &saved)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("%w: attempt %s", ErrNotFound, attemptID)
	}
	if err != nil {
		return st, fmt.Errorf("query attempt %s: %w", attemptID, err)
	}
	st.savedAt = sqlitedb.Time(saved)
	return st, nil
}

// claim returns the attempt state, creating the attempt for userID when it
// does not exist yet. Attempts of other users fail with ErrNotOwner.
func (s *Store) claim(ctx context.Context, tx *sql.Tx, userID, attemptID, module string, now time.Time) (attemptState, error) {
	st, err := s.lookup(ctx, tx, attemptID)
	if errors.Is(err, ErrNotFound) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attempts (id, user_id, module, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			attemptID, userID, module, StatusInProgress, sqlitedb.Nanos(now), sqlitedb.Nanos(now))
		if err != nil {
			return st, fmt.Errorf("claim attempt %s: %w", attemptID, err)
		}
		s.logger.Info("attempt claimed on first write", "attempt_id", attemptID, "user_id", userID)
		return attemptState{userID: userID, status: StatusInProgress}, nil
	}
	if err != nil {
		return st, err
	}
	if st.userID != userID {
		return st, fmt.Errorf("%w: %s", ErrNotOwner, attemptID)
	}
	return st, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func validateDraft(attemptID string, req types.DraftRequest) error {
	if strings.TrimSpace(attemptID) == "" {
		return fmt.Errorf("%w: attempt id is required", ErrInvalid)
	}
	if req.AttemptID != "" && req.AttemptID != attemptID {
		return fmt.Errorf("%w: body attempt %q does not match path %q", ErrInvalid, req.AttemptID, attemptID)
	}
	if req.Revision < 0 {
		return fmt.Errorf("%w: negative revision", ErrInvalid)
	}
	for task := range req.Tasks {
		if strings.TrimSpace(task) == "" {
			return fmt.Errorf("%w: empty task id", ErrInvalid)
		}
	}
	return nil
}

// dropMissingTasks deletes the responses of attemptID whose task is not in
// keep. A draft is a snapshot of every task, so a task it leaves out was
// removed locally. An empty keep deletes nothing.
func dropMissingTasks(ctx context.Context, tx *sql.Tx, attemptID string, keep []string) error {
	if len(keep) == 0 {
		return nil
	}
	args := make([]any, 0, len(keep)+1)
	args = append(args, attemptID)
	for _, task := range keep {
		args = append(args, task)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ")
	_, err := tx.ExecContext(ctx,
		`DELETE FROM writing_responses WHERE attempt_id = ? AND task NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("drop removed responses of %s: %w", attemptID, err)
	}
	return nil
}

func autosaveID(revision int64) string {
	return EventAutosave + ":" + strconv.FormatInt(revision, 10)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*types.Attempt, error) {
	var (
		a                           types.Attempt
		created, updated, submitted int64
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Module, &a.Context, &a.Status, &created, &updated, &submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	a.CreatedAt = sqlitedb.Time(created)
	a.UpdatedAt = sqlitedb.Time(updated)
	if submitted != 0 {
		t := sqlitedb.Time(submitted)
		a.SubmittedAt = &t
	}
	return &a, nil
}
