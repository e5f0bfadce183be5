package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/conversations"
	"github.com/go-go-golems/modechat/pkg/events"
	"github.com/go-go-golems/modechat/pkg/session"
)

const helpLine = "enter send · esc stop · ctrl+r reload · tab mode · ctrl+n new · ctrl+o next chat · ctrl+d delete chat · ctrl+y copy · ctrl+c quit"

// Model is a terminal front end for a session router. Router state is the
// source of truth; events only tell the model which mode to re-read.
type Model struct {
	ctx      context.Context
	router   *session.Router
	msgs     <-chan tea.Msg
	copyText func(string) error
	markdown bool
	renderer *glamour.TermRenderer

	modeIDs []string
	current string
	states  map[string]session.ModeState

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model

	statusLine string
	width      int
	height     int
}

type Option func(*Model)

// WithClipboard replaces the system clipboard writer.
func WithClipboard(fn func(string) error) Option {
	return func(m *Model) {
		m.copyText = fn
	}
}

// WithMarkdown toggles glamour rendering of assistant replies.
func WithMarkdown(enabled bool) Option {
	return func(m *Model) {
		m.markdown = enabled
	}
}

func NewModel(ctx context.Context, router *session.Router, msgs <-chan tea.Msg, opts ...Option) (Model, error) {
	if router == nil {
		return Model{}, errors.New("ui: router is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	input := textinput.New()
	input.Prompt = "❯ "
	input.Placeholder = "Ask something..."
	input.CharLimit = 4000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(pink)

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	m := Model{
		ctx:        ctx,
		router:     router,
		msgs:       msgs,
		copyText:   clipboard.WriteAll,
		markdown:   true,
		modeIDs:    router.Registry().IDs(),
		current:    router.CurrentMode(),
		states:     map[string]session.ModeState{},
		input:      input,
		timeline:   timeline,
		spinner:    sp,
		statusLine: "ready",
	}
	for _, o := range opts {
		o(&m)
	}
	for _, id := range m.modeIDs {
		m.refresh(id)
	}
	m.input.SetValue(m.states[m.current].Input)
	return m, nil
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink, waitForUIEvent(m.msgs))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	case EventMsg:
		m.apply(msg.Event)
		cmds = append(cmds, waitForUIEvent(m.msgs))
	case tea.KeyMsg:
		if quit, handled := m.handleKey(msg); quit {
			return m, tea.Quit
		} else if handled {
			break
		}
		prev := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		if v := m.input.Value(); v != prev {
			if err := m.router.SetInput(m.current, v); err != nil {
				m.fail("set input", err)
			}
		}
	}
	m.renderTimeline()
	return m, tea.Batch(cmds...)
}

// handleKey runs router actions bound to keys. It reports whether the
// program should quit and whether the key was consumed.
func (m *Model) handleKey(msg tea.KeyMsg) (bool, bool) {
	switch msg.String() {
	case "ctrl+c":
		return true, true
	case "enter":
		m.submit()
	case "esc", "ctrl+s":
		if err := m.router.Stop(m.current); err != nil {
			if errors.Is(err, session.ErrNoTurn) {
				m.statusLine = "nothing to stop"
			} else {
				m.fail("stop", err)
			}
		} else {
			m.statusLine = "stopped"
		}
		m.refresh(m.current)
	case "ctrl+r":
		if err := m.router.Reload(m.current); err != nil {
			if errors.Is(err, session.ErrNotFailed) {
				m.statusLine = "nothing to reload"
			} else {
				m.fail("reload", err)
			}
			return false, true
		}
		m.refresh(m.current)
		m.input.SetValue(m.states[m.current].Input)
		m.input.CursorEnd()
		m.statusLine = "reloaded · press enter to resend"
	case "tab":
		m.cycleMode(1)
	case "shift+tab":
		m.cycleMode(-1)
	case "ctrl+n":
		if _, err := m.router.NewConversation(m.ctx, m.current); err != nil {
			m.fail("new conversation", err)
			return false, true
		}
		m.refresh(m.current)
		m.statusLine = "new conversation"
	case "ctrl+o":
		m.cycleConversation()
	case "ctrl+d":
		id := m.states[m.current].ActiveConversationID
		if err := m.router.DeleteConversation(m.ctx, id); err != nil {
			if errors.Is(err, conversations.ErrLastConversationForMode) {
				m.statusLine = "cannot delete the only conversation"
			} else {
				m.fail("delete conversation", err)
			}
			return false, true
		}
		m.refresh(m.current)
		m.statusLine = "conversation deleted"
	case "ctrl+y":
		m.copyLastReply()
	case "pgup", "pgdown":
		m.timeline, _ = m.timeline.Update(msg)
	default:
		return false, false
	}
	return false, true
}

func (m *Model) submit() {
	if strings.TrimSpace(m.input.Value()) == "" {
		m.statusLine = "type a message first"
		return
	}
	if _, err := m.router.SubmitInput(m.ctx, m.current); err != nil {
		switch {
		case errors.Is(err, session.ErrModeBusy):
			m.statusLine = "still answering · esc to stop"
		case errors.Is(err, session.ErrEmptyInput):
			m.statusLine = "type a message first"
		default:
			m.fail("submit", err)
		}
		return
	}
	m.input.SetValue("")
	m.refresh(m.current)
	m.statusLine = "sent"
}

func (m *Model) cycleMode(step int) {
	if len(m.modeIDs) == 0 {
		return
	}
	idx := 0
	for i, id := range m.modeIDs {
		if id == m.current {
			idx = i
		}
	}
	next := m.modeIDs[(idx+step+len(m.modeIDs))%len(m.modeIDs)]
	st, err := m.router.ChangeMode(m.ctx, next)
	if err != nil {
		m.fail("change mode", err)
		return
	}
	m.current = next
	m.states[next] = st
	m.input.SetValue(st.Input)
	m.input.CursorEnd()
	m.statusLine = "mode " + next
}

func (m *Model) cycleConversation() {
	convs, err := m.router.Conversations(m.current)
	if err != nil {
		m.fail("list conversations", err)
		return
	}
	if len(convs) < 2 {
		m.statusLine = "no other conversation"
		return
	}
	active := m.states[m.current].ActiveConversationID
	idx := 0
	for i, c := range convs {
		if c.ID == active {
			idx = i
		}
	}
	next := convs[(idx+1)%len(convs)]
	if _, err := m.router.SwitchConversation(m.ctx, next.ID); err != nil {
		m.fail("switch conversation", err)
		return
	}
	m.refresh(m.current)
	m.statusLine = "switched to " + next.Title
}

func (m *Model) copyLastReply() {
	msgs := m.states[m.current].Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != conversations.RoleAssistant || msgs[i].Content == "" {
			continue
		}
		if err := m.copyText(msgs[i].Content); err != nil {
			m.fail("copy", err)
			return
		}
		m.statusLine = "copied last reply"
		return
	}
	m.statusLine = "nothing to copy"
}

// apply re-reads the mode an event belongs to.
func (m *Model) apply(ev events.Event) {
	if ev.Type == events.ModeChanged {
		if cur := m.router.CurrentMode(); cur != m.current {
			m.current = cur
			m.refresh(cur)
			m.input.SetValue(m.states[cur].Input)
			return
		}
	}
	m.refresh(ev.ModeID)
	if ev.ModeID == m.current && ev.Type == events.MessageFailed {
		m.statusLine = "request failed · ctrl+r to reload"
	}
}

func (m *Model) refresh(modeID string) {
	st, err := m.router.Snapshot(modeID)
	if err != nil {
		m.fail("snapshot", err)
		return
	}
	m.states[modeID] = st
}

func (m *Model) fail(action string, err error) {
	log.Debug().Err(err).Str("component", "ui").Str("action", action).Msg("ui action failed")
	m.statusLine = action + ": " + err.Error()
}

func (m *Model) resize() {
	headerHeight, inputHeight, footerHeight := 2, 3, 2
	m.timeline.Width = maxInt(20, m.width-4)
	m.timeline.Height = maxInt(5, m.height-headerHeight-inputHeight-footerHeight-2)
	m.input.Width = maxInt(20, m.width-6)
	if !m.markdown {
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(maxInt(20, m.timeline.Width-2)),
	)
	if err != nil {
		log.Warn().Err(err).Str("component", "ui").Msg("markdown renderer unavailable")
		m.renderer = nil
		return
	}
	m.renderer = r
}

func (m *Model) renderTimeline() {
	atBottom := m.timeline.AtBottom()
	m.timeline.SetContent(m.timelineContent())
	if atBottom {
		m.timeline.GotoBottom()
	}
}

func (m Model) timelineContent() string {
	st := m.states[m.current]
	var b strings.Builder
	for _, msg := range st.Messages {
		switch msg.Role {
		case conversations.RoleUser:
			b.WriteString(userStyle.Render("you") + "\n")
			b.WriteString(msg.Content + "\n\n")
		default:
			b.WriteString(assistantStyle.Render("assistant"))
			if msg.Streaming {
				b.WriteString(" " + m.spinner.View())
			}
			b.WriteString("\n")
			b.WriteString(m.renderReply(msg) + "\n\n")
		}
	}
	if st.Status == session.StatusSubmitted {
		b.WriteString(m.spinner.View() + " waiting for " + m.current + "\n")
	}
	if st.Status == session.StatusError {
		line := "error"
		if st.ErrorKind != "" {
			line += " (" + string(st.ErrorKind) + ")"
		}
		b.WriteString(errorStyle.Render(line+": "+st.Error) + "\n")
		b.WriteString(helpStyle.Render("ctrl+r puts the message back in the input") + "\n")
	}
	return b.String()
}

func (m Model) renderReply(msg conversations.Message) string {
	if msg.Streaming || m.renderer == nil {
		return msg.Content
	}
	out, err := m.renderer.Render(msg.Content)
	if err != nil {
		return msg.Content
	}
	return strings.TrimSpace(out)
}

func (m Model) renderHeader() string {
	tabs := make([]string, 0, len(m.modeIDs))
	for _, id := range m.modeIDs {
		mode, err := m.router.Registry().Resolve(id)
		if err != nil {
			continue
		}
		label := mode.Icon + " " + mode.Name
		switch st := m.states[id].Status; {
		case st.Busy():
			label += " " + m.spinner.View()
		case st == session.StatusError:
			label += " !"
		}
		if id == m.current {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, tabStyle.Render(label))
		}
	}
	title := headerStyle.Render("modechat")
	if conv, ok := m.activeConversation(); ok {
		title += " · " + conv.Title
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(tabs, "  "))
}

func (m Model) activeConversation() (conversations.Conversation, bool) {
	convs, err := m.router.Conversations(m.current)
	if err != nil {
		return conversations.Conversation{}, false
	}
	active := m.states[m.current].ActiveConversationID
	for _, c := range convs {
		if c.ID == active {
			return c, true
		}
	}
	return conversations.Conversation{}, false
}

func (m Model) View() string {
	header := m.renderHeader()
	timeline := panelStyle.Render(m.timeline.View())
	input := m.input.View()
	footer := lipgloss.JoinVertical(lipgloss.Left,
		statusStyle.Render(fmt.Sprintf("[%s] %s", m.states[m.current].Status, m.statusLine)),
		helpStyle.Render(helpLine),
	)
	return lipgloss.JoinVertical(lipgloss.Left, header, timeline, input, footer)
}

// Current is the mode the model shows.
func (m Model) Current() string {
	return m.current
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
