// Package autosave decides when local edits become save candidates.
//
// Machine is a pure state machine: it takes triggers with their time and
// returns the effects to apply. Capture is the runtime wrapper that applies
// those effects against a queue, an orchestrator and real timers.
package autosave

import (
	"time"

	"github.com/clawinfra/examsync/internal/types"
)

// Trigger names an input of the state machine.
type Trigger string

const (
	TriggerEdit             Trigger = "edit"
	TriggerTimerElapsed     Trigger = "timer-elapsed"
	TriggerVisibilityHidden Trigger = "visibility-hidden"
	TriggerUnload           Trigger = "unload"
	TriggerNetworkResult    Trigger = "network-result"
	TriggerEnable           Trigger = "enable"
	TriggerDisable          Trigger = "disable"
)

// Status is the save indicator shown to the user.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// Defaults for the debounce window.
const (
	DefaultQuiet   = 1500 * time.Millisecond
	DefaultMaxWait = 3 * time.Second
)

// Result is the replay outcome of a draft revision.
type Result struct {
	Revision int64
	SavedAt  time.Time
	Err      error
	// Terminal is set when the failure must be shown: the record was
	// rejected, exhausted its attempts, or its state could not be stored.
	Terminal bool
	// Superseded is set when a newer revision of the draft is still queued.
	Superseded bool
}

// Input is one step of the machine.
type Input struct {
	Trigger Trigger
	At      time.Time
	Draft   types.DraftPayload // edit only
	Result  Result             // network-result only
}

// Effects are what the caller must do after a step.
type Effects struct {
	// Snapshot, when set, must be enqueued as the draft record.
	Snapshot *types.DraftPayload
	// ArmTimer, when positive, replaces the debounce timer.
	ArmTimer time.Duration
	// CancelTimer stops the debounce timer.
	CancelTimer bool
}

// State is the observable part of the machine.
type State struct {
	Status      Status
	LastSavedAt time.Time
	LastError   error
	Dirty       bool
	Enabled     bool
}

// Machine debounces edits: a snapshot is produced after Quiet without edits,
// and never later than MaxWait after the first unsaved edit.
type Machine struct {
	Quiet   time.Duration
	MaxWait time.Duration

	enabled   bool
	latest    types.DraftPayload
	hasDraft  bool
	dirty     bool
	firstEdit time.Time
	lastEdit  time.Time
	awaiting  int64

	status      Status
	lastSavedAt time.Time
	lastErr     error
}

// NewMachine returns an enabled machine with the given window. Zero values
// fall back to the defaults.
func NewMachine(quiet, maxWait time.Duration) *Machine {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if maxWait < quiet {
		maxWait = quiet
	}
	return &Machine{Quiet: quiet, MaxWait: maxWait, enabled: true, status: StatusIdle}
}

// State returns the current observable state.
func (m *Machine) State() State {
	return State{
		Status:      m.status,
		LastSavedAt: m.lastSavedAt,
		LastError:   m.lastErr,
		Dirty:       m.dirty,
		Enabled:     m.enabled,
	}
}

// Latest returns the most recent draft seen by the machine.
func (m *Machine) Latest() (types.DraftPayload, bool) {
	return m.latest.Clone(), m.hasDraft
}

// Deadline is when the pending edits must be snapshotted. It is zero when
// nothing is pending.
func (m *Machine) Deadline() time.Time {
	if !m.dirty {
		return time.Time{}
	}
	quiet := m.lastEdit.Add(m.Quiet)
	ceiling := m.firstEdit.Add(m.MaxWait)
	if ceiling.Before(quiet) {
		return ceiling
	}
	return quiet
}

// Seed sets the current draft without marking it unsaved, for example when
// resuming an attempt from the server.
func (m *Machine) Seed(p types.DraftPayload) {
	m.latest = p.Clone()
	m.hasDraft = true
}

// Enqueued records the revision the last snapshot was stored under, so a
// later network result can tell whether it confirms the newest content.
func (m *Machine) Enqueued(revision int64) {
	m.awaiting = revision
}

// Failed records a local failure to store a snapshot.
func (m *Machine) Failed(err error) {
	m.status = StatusError
	m.lastErr = err
	// Keep the content pending so the next trigger tries again.
	m.dirty = true
}

// Step applies one trigger.
func (m *Machine) Step(in Input) Effects {
	switch in.Trigger {
	case TriggerEdit:
		return m.edit(in)
	case TriggerTimerElapsed:
		return m.timerElapsed(in.At)
	case TriggerVisibilityHidden, TriggerUnload:
		if !m.enabled {
			return Effects{}
		}
		return m.flush()
	case TriggerNetworkResult:
		m.networkResult(in.Result)
		return Effects{}
	case TriggerEnable:
		m.enabled = true
		if m.dirty {
			return m.arm(in.At)
		}
		return Effects{}
	case TriggerDisable:
		m.enabled = false
		return Effects{CancelTimer: true}
	}
	return Effects{}
}

func (m *Machine) edit(in Input) Effects {
	m.latest = in.Draft.Clone()
	m.hasDraft = true
	if !m.enabled {
		m.dirty = true
		return Effects{}
	}
	if !m.dirty {
		m.firstEdit = in.At
	}
	m.dirty = true
	m.lastEdit = in.At
	return m.arm(in.At)
}

func (m *Machine) arm(now time.Time) Effects {
	if m.firstEdit.IsZero() {
		m.firstEdit = now
		m.lastEdit = now
	}
	wait := m.Deadline().Sub(now)
	if wait <= 0 {
		return m.flush()
	}
	return Effects{ArmTimer: wait}
}

func (m *Machine) timerElapsed(now time.Time) Effects {
	if !m.enabled || !m.dirty {
		return Effects{}
	}
	if wait := m.Deadline().Sub(now); wait > 0 {
		// A stale timer fired; edits moved the deadline.
		return Effects{ArmTimer: wait}
	}
	return m.flush()
}

// flush produces a snapshot of the latest content, bypassing the debounce.
// It yields nothing when no task has content.
func (m *Machine) flush() Effects {
	m.dirty = false
	m.firstEdit = time.Time{}
	m.lastEdit = time.Time{}
	if !m.hasDraft || m.latest.Empty() {
		return Effects{CancelTimer: true}
	}
	snap := m.latest.Clone()
	m.status = StatusSaving
	return Effects{Snapshot: &snap, CancelTimer: true}
}

func (m *Machine) networkResult(r Result) {
	if r.Err == nil {
		if r.Revision >= m.awaiting && !r.Superseded {
			m.status = StatusSaved
			m.lastSavedAt = r.SavedAt
			m.lastErr = nil
		}
		return
	}
	if r.Terminal {
		m.status = StatusError
		m.lastErr = r.Err
	}
}
