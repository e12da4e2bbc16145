package types

import "time"

// DraftRequest is the body of PUT /api/attempts/{attemptId}/draft.
type DraftRequest struct {
	DraftPayload
	Revision int64 `json:"revision"`
}

// EventRequest is the body of POST /api/attempts/{attemptId}/events.
type EventRequest struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt *time.Time     `json:"occurredAt,omitempty"`
	OfflineID  string         `json:"offlineId"`
}

// EventAck is the response to an event write.
type EventAck struct {
	OK        bool `json:"ok"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// BatchDraft is one draft inside a batch sync request.
type BatchDraft struct {
	ID       string       `json:"id"`
	Revision int64        `json:"revision"`
	Payload  DraftPayload `json:"payload"`
}

// BatchEvent is one event inside a batch sync request.
type BatchEvent struct {
	ID      string       `json:"id"`
	Payload EventPayload `json:"payload"`
}

// BatchRequest is the body of POST /api/offline/sync.
type BatchRequest struct {
	Drafts []BatchDraft `json:"drafts"`
	Events []BatchEvent `json:"events"`
}

// BatchResponse lists the ids the server stored.
type BatchResponse struct {
	OK             bool      `json:"ok"`
	SyncedDraftIDs []string  `json:"syncedDraftIds"`
	SyncedEventIDs []string  `json:"syncedEventIds"`
	SavedAt        time.Time `json:"savedAt"`
}

// Progress is the most recent in-progress attempt of a user.
type Progress struct {
	DraftPayload
	Revision    int64     `json:"revision"`
	Completed   bool      `json:"completed"`
	SubmittedAt time.Time `json:"submittedAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Context     string    `json:"context,omitempty"`
}

// StartAttemptRequest is the body of POST /api/attempts.
type StartAttemptRequest struct {
	Module  string `json:"module"`
	Context string `json:"context,omitempty"`
}

// Attempt describes an exam attempt.
type Attempt struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Module      string     `json:"module"`
	Context     string     `json:"context,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
}

// SavedNotice is pushed to watchers of an attempt after a write is stored.
type SavedNotice struct {
	AttemptID string    `json:"attemptId"`
	Kind      Kind      `json:"kind"`
	Revision  int64     `json:"revision,omitempty"`
	EventType string    `json:"eventType,omitempty"`
	WordCount int       `json:"wordCount,omitempty"`
	SavedAt   time.Time `json:"savedAt"`
}

// DraftAck is the response to a draft write. Stale is set when the server
// already held a newer revision and kept it.
type DraftAck struct {
	SavedAt  time.Time `json:"savedAt"`
	Revision int64     `json:"revision"`
	Stale    bool      `json:"stale,omitempty"`
}

// AcceptedEvent is forwarded to analytics once an event is first stored.
type AcceptedEvent struct {
	AttemptID  string         `json:"attemptId"`
	UserID     string         `json:"userId"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OfflineID  string         `json:"offlineId"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// BatchSummary is the analytics record of one batch sync request.
type BatchSummary struct {
	UserID          string    `json:"userId"`
	RequestedDrafts int       `json:"requestedDrafts"`
	SyncedDrafts    int       `json:"syncedDrafts"`
	RequestedEvents int       `json:"requestedEvents"`
	SyncedEvents    int       `json:"syncedEvents"`
	At              time.Time `json:"at"`
}
