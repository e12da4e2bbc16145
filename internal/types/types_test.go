package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	if got := DraftKey("A1", ""); got != "draft:A1:writing" {
		t.Errorf("DraftKey default = %q", got)
	}
	if got := DraftKey("A1", "speaking"); got != "draft:A1:speaking" {
		t.Errorf("DraftKey = %q", got)
	}
	if got := EventKey("A1", "off-1"); got != "event:A1:off-1" {
		t.Errorf("EventKey = %q", got)
	}
}

func TestDraftPayloadEmpty(t *testing.T) {
	tests := []struct {
		name  string
		tasks map[string]TaskSnapshot
		want  bool
	}{
		{"nil", nil, true},
		{"whitespace", map[string]TaskSnapshot{"t1": {Content: "  \n"}}, true},
		{"content", map[string]TaskSnapshot{"t1": {Content: "Hello"}}, false},
		{"count only", map[string]TaskSnapshot{"t1": {WordCount: 3}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (DraftPayload{Tasks: tt.tasks}).Empty(); got != tt.want {
				t.Errorf("Empty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDraftPayloadClone(t *testing.T) {
	p := DraftPayload{AttemptID: "A1", Tasks: map[string]TaskSnapshot{"t1": {Content: "a"}}}
	c := p.Clone()
	c.Tasks["t1"] = TaskSnapshot{Content: "b"}
	if p.Tasks["t1"].Content != "a" {
		t.Error("clone shares the tasks map")
	}
}

func TestRecordDecode(t *testing.T) {
	raw, _ := json.Marshal(DraftPayload{AttemptID: "A1", Tasks: map[string]TaskSnapshot{"t1": {Content: "x", WordCount: 1}}})
	r := Record{ID: "draft:A1:writing", Kind: KindDraft, Payload: raw}

	d, err := r.Draft()
	if err != nil || d.Tasks["t1"].Content != "x" {
		t.Fatalf("Draft() = %+v, %v", d, err)
	}
	if _, err := r.Event(); err == nil {
		t.Error("Event() on a draft record should fail")
	}

	r.Payload = json.RawMessage(`{`)
	if _, err := r.Draft(); err == nil {
		t.Error("expected decode error")
	}
}

func TestRecordBackingOff(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := Record{Status: StatusPending, Attempts: 1, NextAttemptAt: now.Add(time.Second)}
	if !r.BackingOff(now) {
		t.Error("expected backing off before next attempt")
	}
	if r.BackingOff(now.Add(2 * time.Second)) {
		t.Error("not backing off after next attempt")
	}
	r.Attempts = 0
	if r.BackingOff(now) {
		t.Error("never-failed record is not backing off")
	}
}

func TestClassify(t *testing.T) {
	denied := &ReplayError{Class: ClassAuthorization, Status: 401, Err: errors.New("expired")}
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"plain", errors.New("dial tcp: refused"), ClassTransient},
		{"replay", denied, ClassAuthorization},
		{"wrapped", fmt.Errorf("resume: %w", denied), ClassAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
	if ClassValidation.Retryable() || !ClassTransient.Retryable() {
		t.Error("only transient failures are retryable")
	}
	if denied.Error() != "authorization replay failure (http 401): expired" {
		t.Errorf("Error() = %q", denied.Error())
	}
}
