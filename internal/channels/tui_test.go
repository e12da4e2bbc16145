package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/clawinfra/examsync/internal/autosave"
	"github.com/clawinfra/examsync/internal/types"
)

type fakeCapture struct {
	mu      sync.Mutex
	edits   []types.DraftPayload
	flushes int
	hidden  int
	unloads int
	state   autosave.State
	subs    []func(autosave.State)
}

func (f *fakeCapture) Edit(p types.DraftPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, p.Clone())
}

func (f *fakeCapture) Flush()            { f.mu.Lock(); f.flushes++; f.mu.Unlock() }
func (f *fakeCapture) VisibilityHidden() { f.mu.Lock(); f.hidden++; f.mu.Unlock() }
func (f *fakeCapture) Unload()           { f.mu.Lock(); f.unloads++; f.mu.Unlock() }

func (f *fakeCapture) State() autosave.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCapture) Subscribe(fn func(autosave.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	idx := len(f.subs) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[idx] = nil
	}
}

// setState changes the state and notifies subscribers like Capture does.
func (f *fakeCapture) setState(s autosave.State) {
	f.mu.Lock()
	f.state = s
	subs := append([]func(autosave.State){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(s)
		}
	}
}

func (f *fakeCapture) lastEdit(t *testing.T) types.DraftPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatal("no edits captured")
	}
	return f.edits[len(f.edits)-1]
}

type fakeEvents struct {
	events []types.EventPayload
}

func (f *fakeEvents) EnqueueEvent(_ context.Context, e types.EventPayload) (*types.Record, error) {
	f.events = append(f.events, e)
	return &types.Record{ID: types.RecordKey(types.KindEvent, e.AttemptID, e.OfflineID)}, nil
}

type fakeSync struct {
	reasons []types.SyncReason
}

func (f *fakeSync) RequestSync(r types.SyncReason) { f.reasons = append(f.reasons, r) }

func newTestRoom(seed *types.DraftPayload) (*ExamRoom, *fakeCapture, *fakeEvents, *fakeSync) {
	capture := &fakeCapture{state: autosave.State{Status: autosave.StatusIdle, Enabled: true}}
	events := &fakeEvents{}
	syncer := &fakeSync{}
	room := NewExamRoom(RoomConfig{
		AttemptID: "A1",
		Module:    "writing",
		Tasks:     []string{"task1", "task2"},
		Seed:      seed,
	}, capture, events, syncer, testLogger())
	return room, capture, events, syncer
}

func typeText(m roomModel, s string) roomModel {
	for _, r := range s {
		var msg tea.KeyMsg
		if r == ' ' {
			msg = tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
		} else {
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
		}
		next, _ := m.Update(msg)
		m = next.(roomModel)
	}
	return m
}

func TestExamRoomEditsFeedCapture(t *testing.T) {
	room, capture, _, _ := newTestRoom(nil)
	typeText(newRoomModel(room), "Hello world")

	d := capture.lastEdit(t)
	if d.AttemptID != "A1" || d.Module != "writing" {
		t.Errorf("draft = %+v", d)
	}
	if got := d.Tasks["task1"]; got.Content != "Hello world" || got.WordCount != 2 {
		t.Errorf("task1 = %+v", got)
	}
	if d.ActiveTask != "task1" {
		t.Errorf("active task = %q", d.ActiveTask)
	}
	if _, ok := d.Tasks["task2"]; !ok {
		t.Error("expected every task in the snapshot")
	}
	if len(capture.edits) != len("Hello world") {
		t.Errorf("edits = %d, want one per keystroke", len(capture.edits))
	}
}

func TestExamRoomTabSwitchesTask(t *testing.T) {
	room, capture, _, _ := newTestRoom(nil)
	m := typeText(newRoomModel(room), "one")

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(roomModel)
	if m.active != 1 {
		t.Fatalf("active = %d, want 1", m.active)
	}
	if d := capture.lastEdit(t); d.ActiveTask != "task2" {
		t.Errorf("active task after tab = %q", d.ActiveTask)
	}

	typeText(m, "two words")
	d := capture.lastEdit(t)
	if d.Tasks["task1"].Content != "one" || d.Tasks["task2"].Content != "two words" {
		t.Errorf("tasks = %+v", d.Tasks)
	}
}

func TestExamRoomBlurFlushesAndRecords(t *testing.T) {
	room, capture, events, syncer := newTestRoom(nil)
	m := newRoomModel(room)

	next, _ := m.Update(tea.BlurMsg{})
	m = next.(roomModel)
	next, _ = m.Update(tea.FocusMsg{})
	m = next.(roomModel)
	next, _ = m.Update(tea.BlurMsg{})
	m = next.(roomModel)

	if capture.hidden != 2 {
		t.Errorf("visibility hidden = %d, want 2", capture.hidden)
	}
	if len(events.events) != 3 {
		t.Fatalf("events = %d, want 3", len(events.events))
	}
	wantTypes := []string{EventBlur, EventFocus, EventBlur}
	wantSwitches := []int{1, 1, 2}
	for i, e := range events.events {
		if e.Type != wantTypes[i] {
			t.Errorf("event %d type = %q, want %q", i, e.Type, wantTypes[i])
		}
		if e.Payload["tabSwitches"] != wantSwitches[i] {
			t.Errorf("event %d tabSwitches = %v, want %d", i, e.Payload["tabSwitches"], wantSwitches[i])
		}
		if e.OfflineID == "" || e.OccurredAt == nil || e.AttemptID != "A1" {
			t.Errorf("event %d = %+v", i, e)
		}
	}
	if events.events[0].OfflineID == events.events[2].OfflineID {
		t.Error("expected a fresh offline id per event")
	}
	if len(syncer.reasons) != 3 {
		t.Errorf("sync requests = %d, want 3", len(syncer.reasons))
	}
	if m.tabSwitches != 2 {
		t.Errorf("tabSwitches = %d", m.tabSwitches)
	}
}

func TestExamRoomSaveAndQuit(t *testing.T) {
	room, capture, _, _ := newTestRoom(nil)
	m := newRoomModel(room)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlS})
	m = next.(roomModel)
	if capture.flushes != 1 {
		t.Errorf("flushes = %d, want 1", capture.flushes)
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if capture.unloads != 1 {
		t.Errorf("unloads = %d, want 1", capture.unloads)
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestExamRoomSeedRestoresDraft(t *testing.T) {
	seed := &types.DraftPayload{
		AttemptID: "A1",
		Tasks: map[string]types.TaskSnapshot{
			"task1": {Content: "Resumed text", WordCount: 2},
			"task2": {Content: "Second", WordCount: 1},
		},
		ActiveTask:     "task2",
		ElapsedSeconds: 120,
	}
	room, capture, _, _ := newTestRoom(seed)
	m := newRoomModel(room)

	if m.active != 1 {
		t.Errorf("active = %d, want 1", m.active)
	}
	if m.elapsed() < 120 {
		t.Errorf("elapsed = %d, want >= 120", m.elapsed())
	}
	d := m.draft()
	if d.Tasks["task1"].Content != "Resumed text" || d.Tasks["task2"].WordCount != 1 {
		t.Errorf("draft = %+v", d.Tasks)
	}
	if len(capture.edits) != 0 {
		t.Error("seeding must not produce an edit")
	}
}

func TestExamRoomView(t *testing.T) {
	room, capture, _, _ := newTestRoom(nil)
	m := newRoomModel(room)

	if !strings.Contains(m.View(), "Opening") {
		t.Errorf("view before size = %q", m.View())
	}

	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m = next.(roomModel)
	m = typeText(m, "abc")

	capture.state = autosave.State{Status: autosave.StatusSaving, Enabled: true}
	next, _ = m.Update(stateMsg(capture.State()))
	m = next.(roomModel)
	next, _ = m.Update(noticeMsg{AttemptID: "A1", Kind: types.KindDraft, Revision: 7})
	m = next.(roomModel)

	view := m.View()
	for _, want := range []string{"A1", "task1 (1 words)", "saving", "server rev 7"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestExamRoomFollowsCaptureState(t *testing.T) {
	room, capture, _, _ := newTestRoom(nil)

	msgs := make(chan tea.Msg, 4)
	stop := room.followState(func(msg tea.Msg) { msgs <- msg })

	want := autosave.State{Status: autosave.StatusError, Enabled: true}
	capture.setState(want)

	var got tea.Msg
	select {
	case got = <-msgs:
	case <-time.After(2 * time.Second):
		t.Fatal("no state message forwarded")
	}
	sm, ok := got.(stateMsg)
	if !ok || sm.Status != autosave.StatusError {
		t.Fatalf("forwarded %#v", got)
	}

	next, _ := newRoomModel(room).Update(sm)
	if m := next.(roomModel); m.state.Status != autosave.StatusError {
		t.Errorf("model status = %q", m.state.Status)
	}

	stop()
	stop()
	capture.setState(autosave.State{Status: autosave.StatusSaved})
	select {
	case msg := <-msgs:
		t.Errorf("message after stop: %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "00:00"},
		{65, "01:05"},
		{3599, "59:59"},
		{3725, "1:02:05"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.in); got != tt.want {
			t.Errorf("formatElapsed(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
