package store

import "github.com/clawinfra/examsync/internal/sqlitedb"

// Timestamps are unix nanoseconds; 0 means unset.
var migrations = []sqlitedb.Migration{
	{
		Version: 1,
		UpSQL: `
-- Attempts: one exam sitting, owned by the first user that writes to it
CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    module TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'in_progress' CHECK(status IN ('in_progress','completed')),
    revision INTEGER NOT NULL DEFAULT 0, -- last accepted draft revision
    active_task TEXT NOT NULL DEFAULT '',
    elapsed_seconds INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    saved_at INTEGER NOT NULL DEFAULT 0,
    submitted_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_attempts_progress ON attempts(user_id, module, status, updated_at DESC);

-- Writing responses: latest text per task
CREATE TABLE IF NOT EXISTS writing_responses (
    attempt_id TEXT NOT NULL,
    task TEXT NOT NULL,
    user_id TEXT NOT NULL,
    answer_text TEXT NOT NULL DEFAULT '',
    word_count INTEGER NOT NULL DEFAULT 0,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    revision INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (attempt_id, task),
    FOREIGN KEY (attempt_id) REFERENCES attempts(id) ON DELETE CASCADE
);

-- Exam events: append-only telemetry, deduplicated per attempt by offline id.
-- Autosave markers use offline id 'autosave:<revision>'.
CREATE TABLE IF NOT EXISTS exam_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}', -- JSON object
    offline_id TEXT NOT NULL,
    occurred_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (attempt_id, offline_id),
    FOREIGN KEY (attempt_id) REFERENCES attempts(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_exam_events_attempt ON exam_events(attempt_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_exam_events_type ON exam_events(event_type);
`,
	},
}
