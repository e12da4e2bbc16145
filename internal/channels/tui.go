package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/clawinfra/examsync/internal/autosave"
	"github.com/clawinfra/examsync/internal/types"
)

// Exam events emitted by the room.
const (
	EventFocus = "focus"
	EventBlur  = "blur"
)

// DraftCapture receives the room's edits. *autosave.Capture implements it.
type DraftCapture interface {
	Edit(p types.DraftPayload)
	Flush()
	VisibilityHidden()
	Unload()
	State() autosave.State
	Subscribe(fn func(autosave.State)) func()
}

// EventRecorder queues exam events. *queue.Queue implements it.
type EventRecorder interface {
	EnqueueEvent(ctx context.Context, e types.EventPayload) (*types.Record, error)
}

// SyncRequester asks for a replay pass after an event is queued.
type SyncRequester interface {
	RequestSync(reason types.SyncReason)
}

// RoomConfig describes the attempt shown in the exam room.
type RoomConfig struct {
	AttemptID string
	Module    string
	Tasks     []string
	// Seed, when set, restores a resumed draft into the editors.
	Seed *types.DraftPayload
}

// ExamRoom is a terminal exam client: one editor per task, every keystroke
// goes to autosave, and losing terminal focus flushes the draft and records
// a blur event.
type ExamRoom struct {
	cfg     RoomConfig
	capture DraftCapture
	events  EventRecorder
	sync    SyncRequester
	logger  *slog.Logger

	mu      sync.Mutex
	program *tea.Program
}

// NewExamRoom creates an exam room. events and syncer may be nil.
func NewExamRoom(cfg RoomConfig, capture DraftCapture, events EventRecorder, syncer SyncRequester, logger *slog.Logger) *ExamRoom {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Module == "" {
		cfg.Module = types.DefaultModule
	}
	if len(cfg.Tasks) == 0 {
		cfg.Tasks = []string{"task1"}
	}
	return &ExamRoom{
		cfg:     cfg,
		capture: capture,
		events:  events,
		sync:    syncer,
		logger:  logger.With("channel", "tui"),
	}
}

// Run shows the room until the user quits or ctx is done. Pending edits are
// flushed on the way out.
func (r *ExamRoom) Run(ctx context.Context) error {
	p := tea.NewProgram(newRoomModel(r), tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))

	r.mu.Lock()
	r.program = p
	r.mu.Unlock()

	stop := r.followState(p.Send)
	_, err := p.Run()
	stop()

	r.mu.Lock()
	r.program = nil
	r.mu.Unlock()

	// Quit through ctrl+c already unloaded; a cancelled ctx did not.
	r.capture.Unload()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("exam room: %w", err)
	}
	return nil
}

// Notice shows a server save notice in the status bar.
func (r *ExamRoom) Notice(n types.SavedNotice) {
	r.mu.Lock()
	p := r.program
	r.mu.Unlock()
	if p != nil {
		p.Send(noticeMsg(n))
	}
}

// followState forwards save status changes to send until the returned stop
// func is called. Capture calls subscribers synchronously, sometimes from
// inside Update, so only the latest state is buffered and a separate
// goroutine delivers it.
func (r *ExamRoom) followState(send func(tea.Msg)) (stop func()) {
	latest := make(chan autosave.State, 1)
	unsubscribe := r.capture.Subscribe(func(s autosave.State) {
		for {
			select {
			case latest <- s:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case s := <-latest:
				send(stateMsg(s))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(done)
			wg.Wait()
		})
	}
}

// recordEvent queues an exam event and asks for a replay.
func (r *ExamRoom) recordEvent(eventType string, payload map[string]any) {
	if r.events == nil {
		return
	}
	now := time.Now().UTC()
	_, err := r.events.EnqueueEvent(context.Background(), types.EventPayload{
		AttemptID:  r.cfg.AttemptID,
		Type:       eventType,
		Payload:    payload,
		OccurredAt: &now,
		OfflineID:  uuid.NewString(),
	})
	if err != nil {
		r.logger.Error("queue exam event failed", "type", eventType, "error", err)
		return
	}
	if r.sync != nil {
		r.sync.RequestSync(types.ReasonQueued)
	}
}

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type noticeMsg types.SavedNotice

type stateMsg autosave.State

type tickMsg struct{}

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED") // violet
	secondaryColor = lipgloss.Color("#06B6D4") // cyan
	mutedColor     = lipgloss.Color("#6B7280") // gray
	successColor   = lipgloss.Color("#10B981") // green
	errorColor     = lipgloss.Color("#EF4444") // red
	warnColor      = lipgloss.Color("#F59E0B") // amber

	editorBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor)

	tabActive = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(secondaryColor).
			Padding(0, 1)

	tabInactive = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	savedStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	savingStyle = lipgloss.NewStyle().Foreground(warnColor)
	errorStyle  = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	idleStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

// ─────────────────────────────────────────────────────
// Room model
// ─────────────────────────────────────────────────────

type roomModel struct {
	room        *ExamRoom
	editors     []textarea.Model
	active      int
	started     time.Time
	baseElapsed int
	tabSwitches int
	state       autosave.State
	notice      *types.SavedNotice
	width       int
	height      int
	ready       bool
}

func newRoomModel(r *ExamRoom) roomModel {
	m := roomModel{
		room:    r,
		started: time.Now(),
		editors: make([]textarea.Model, len(r.cfg.Tasks)),
	}
	for i := range r.cfg.Tasks {
		ta := textarea.New()
		ta.Placeholder = "Write your answer..."
		ta.CharLimit = 0
		ta.ShowLineNumbers = false
		m.editors[i] = ta
	}

	if seed := r.cfg.Seed; seed != nil {
		for i, task := range r.cfg.Tasks {
			if t, ok := seed.Tasks[task]; ok {
				m.editors[i].SetValue(t.Content)
			}
			if task == seed.ActiveTask {
				m.active = i
			}
		}
		m.baseElapsed = seed.ElapsedSeconds
	}
	m.editors[m.active].Focus()
	m.state = r.capture.State()
	return m
}

func (m roomModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg{}
	})
}

// draft snapshots every editor.
func (m roomModel) draft() types.DraftPayload {
	tasks := make(map[string]types.TaskSnapshot, len(m.editors))
	for i, task := range m.room.cfg.Tasks {
		content := m.editors[i].Value()
		tasks[task] = types.TaskSnapshot{
			Content:   content,
			WordCount: autosave.CountWords(content),
		}
	}
	return types.DraftPayload{
		AttemptID:      m.room.cfg.AttemptID,
		Module:         m.room.cfg.Module,
		Tasks:          tasks,
		ActiveTask:     m.room.cfg.Tasks[m.active],
		ElapsedSeconds: m.elapsed(),
	}
}

func (m roomModel) elapsed() int {
	return m.baseElapsed + int(time.Since(m.started).Seconds())
}

func (m roomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.room.capture.Unload()
			return m, tea.Quit
		case "ctrl+s":
			m.room.capture.Flush()
			m.state = m.room.capture.State()
			return m, nil
		case "tab":
			m.editors[m.active].Blur()
			m.active = (m.active + 1) % len(m.editors)
			m.editors[m.active].Focus()
			m.room.capture.Edit(m.draft())
			return m, nil
		}

		before := m.editors[m.active].Value()
		var cmd tea.Cmd
		m.editors[m.active], cmd = m.editors[m.active].Update(msg)
		if m.editors[m.active].Value() != before {
			m.room.capture.Edit(m.draft())
		}
		return m, cmd

	case tea.BlurMsg:
		m.tabSwitches++
		m.room.capture.VisibilityHidden()
		m.room.recordEvent(EventBlur, map[string]any{"tabSwitches": m.tabSwitches})
		m.state = m.room.capture.State()
		return m, nil

	case tea.FocusMsg:
		m.room.recordEvent(EventFocus, map[string]any{"tabSwitches": m.tabSwitches})
		return m, nil

	case noticeMsg:
		n := types.SavedNotice(msg)
		m.notice = &n
		return m, nil

	case stateMsg:
		m.state = autosave.State(msg)
		return m, nil

	case tickMsg:
		cmds = append(cmds, tickCmd())

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		for i := range m.editors {
			m.editors[i].SetWidth(m.width - 4)
			m.editors[i].SetHeight(m.height - 8) // header + tabs + status + footer
		}
		m.ready = true
	}

	var cmd tea.Cmd
	m.editors[m.active], cmd = m.editors[m.active].Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m roomModel) View() string {
	if !m.ready {
		return "Opening exam room..."
	}

	header := headerStyle.Width(m.width).Render(
		fmt.Sprintf("  %s · %s  %s", m.room.cfg.Module, m.room.cfg.AttemptID, formatElapsed(m.elapsed())),
	)

	editor := editorBorder.Width(m.width - 2).Render(m.editors[m.active].View())

	footer := footerStyle.Render(
		"  Tab: next task │ Ctrl+S: save now │ Ctrl+C: save and quit",
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, m.renderTabs(), editor, m.renderStatus(), footer)
}

// ─────────────────────────────────────────────────────
// Rendering helpers
// ─────────────────────────────────────────────────────

func (m roomModel) renderTabs() string {
	tabs := make([]string, len(m.editors))
	for i, task := range m.room.cfg.Tasks {
		label := fmt.Sprintf("%s (%d words)", task, autosave.CountWords(m.editors[i].Value()))
		if i == m.active {
			tabs[i] = tabActive.Render(label)
		} else {
			tabs[i] = tabInactive.Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m roomModel) renderStatus() string {
	var sb strings.Builder
	sb.WriteString("  ")

	switch m.state.Status {
	case autosave.StatusSaving:
		sb.WriteString(savingStyle.Render("● saving…"))
	case autosave.StatusSaved:
		sb.WriteString(savedStyle.Render("● saved " + m.state.LastSavedAt.Local().Format("15:04:05")))
	case autosave.StatusError:
		msg := "save failed"
		if m.state.LastError != nil {
			msg += ": " + m.state.LastError.Error()
		}
		sb.WriteString(errorStyle.Render("● " + msg))
	default:
		sb.WriteString(idleStyle.Render("○ no unsaved changes"))
	}

	if m.state.Dirty && m.state.Status != autosave.StatusSaving {
		sb.WriteString(idleStyle.Render("  (unsaved edits)"))
	}
	if m.notice != nil && m.notice.Kind == types.KindDraft {
		sb.WriteString(idleStyle.Render(fmt.Sprintf("  server rev %d", m.notice.Revision)))
	}
	if m.tabSwitches > 0 {
		sb.WriteString(savingStyle.Render(fmt.Sprintf("  focus lost %d×", m.tabSwitches)))
	}
	return sb.String()
}

func formatElapsed(seconds int) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Hour {
		return fmt.Sprintf("%02d:%02d", int(d.Minutes()), seconds%60)
	}
	return fmt.Sprintf("%d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, seconds%60)
}
