// Package types provides shared types used across examsync packages
// to avoid import cycles between the queue, orchestrator and transports.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes mutable draft snapshots from append-only exam events.
type Kind string

const (
	KindDraft Kind = "draft"
	KindEvent Kind = "event"
)

// Status is the replay state of a queued record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in-flight"
	// StatusRejected marks a record the server refused for a non-retryable
	// reason. It stays queued for diagnostics until overwritten or released.
	StatusRejected Status = "rejected"
)

// SyncReason is why a coordination pass was requested.
type SyncReason string

const (
	ReasonQueued         SyncReason = "queued"
	ReasonManual         SyncReason = "manual"
	ReasonVisibility     SyncReason = "visibility"
	ReasonBackgroundWake SyncReason = "background-wake"
	ReasonOnline         SyncReason = "online"
	ReasonRetry          SyncReason = "retry"
)

// DefaultModule is used for drafts that do not name their module.
const DefaultModule = "writing"

// TaskSnapshot is the content of one task inside a draft.
type TaskSnapshot struct {
	Content   string `json:"content"`
	WordCount int    `json:"wordCount"`
}

// DraftPayload is the autosave material for one attempt.
type DraftPayload struct {
	AttemptID      string                  `json:"attemptId"`
	Module         string                  `json:"module,omitempty"`
	Tasks          map[string]TaskSnapshot `json:"tasks"`
	ActiveTask     string                  `json:"activeTask,omitempty"`
	ElapsedSeconds int                     `json:"elapsedSeconds"`
}

// Empty reports whether no task carries content or a word count.
func (p DraftPayload) Empty() bool {
	for _, t := range p.Tasks {
		if strings.TrimSpace(t.Content) != "" || t.WordCount > 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can keep mutating their own map.
func (p DraftPayload) Clone() DraftPayload {
	out := p
	out.Tasks = make(map[string]TaskSnapshot, len(p.Tasks))
	for k, v := range p.Tasks {
		out.Tasks[k] = v
	}
	return out
}

// EventPayload is a discrete exam telemetry event.
type EventPayload struct {
	AttemptID  string         `json:"attemptId"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt *time.Time     `json:"occurredAt,omitempty"`
	OfflineID  string         `json:"offlineId"`
}

// Record is the unit of durable storage in the local queue.
type Record struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	AttemptID     string          `json:"attemptId"`
	Payload       json.RawMessage `json:"payload"`
	Revision      int64           `json:"revision"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Attempts      int             `json:"attempts"`
	Status        Status          `json:"status"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

// Draft decodes the payload of a draft record.
func (r Record) Draft() (DraftPayload, error) {
	var p DraftPayload
	if r.Kind != KindDraft {
		return p, fmt.Errorf("record %s is a %s, not a draft", r.ID, r.Kind)
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return p, fmt.Errorf("decode draft %s: %w", r.ID, err)
	}
	return p, nil
}

// Event decodes the payload of an event record.
func (r Record) Event() (EventPayload, error) {
	var p EventPayload
	if r.Kind != KindEvent {
		return p, fmt.Errorf("record %s is a %s, not an event", r.ID, r.Kind)
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return p, fmt.Errorf("decode event %s: %w", r.ID, err)
	}
	return p, nil
}

// BackingOff reports whether a pending record failed before and is waiting
// for its retry time.
func (r Record) BackingOff(now time.Time) bool {
	return r.Status == StatusPending && r.Attempts > 0 && r.NextAttemptAt.After(now)
}

// RecordKey builds the logical key kind:attemptId:discriminator.
func RecordKey(kind Kind, attemptID, discriminator string) string {
	return string(kind) + ":" + attemptID + ":" + discriminator
}

// DraftKey is the key of the single draft record of an attempt module.
func DraftKey(attemptID, module string) string {
	if module == "" {
		module = DefaultModule
	}
	return RecordKey(KindDraft, attemptID, module)
}

// EventKey is the key of an event, deduplicated by its offline id.
func EventKey(attemptID, offlineID string) string {
	return RecordKey(KindEvent, attemptID, offlineID)
}

// Ack is the server confirmation of a replayed record.
type Ack struct {
	SavedAt time.Time `json:"savedAt"`
}

// ErrorClass drives the retry decision for a failed replay.
type ErrorClass string

const (
	ClassTransient     ErrorClass = "transient"
	ClassValidation    ErrorClass = "validation"
	ClassAuthorization ErrorClass = "authorization"
)

// Retryable reports whether replaying again can succeed.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient
}

// ReplayError is returned by replay transports with the failure class.
type ReplayError struct {
	Class  ErrorClass
	Status int
	Err    error
}

func (e *ReplayError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s replay failure (http %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s replay failure: %v", e.Class, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Classify extracts the class of err. Unknown errors are transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var re *ReplayError
	if errors.As(err, &re) {
		return re.Class
	}
	return ClassTransient
}
