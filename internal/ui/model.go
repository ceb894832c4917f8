// Package ui is the terminal front end of the support chat.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"supportchat/internal/models"
	"supportchat/internal/presentation"
	"supportchat/internal/services"
	"supportchat/internal/transport"
)

const (
	sendTimeout = 15 * time.Second
	rosterWidth = 28
	chromeLines = 4 // header, separator, input, status
)

// ErrOffline is shown when the user tries to send while the broker is not connected.
var ErrOffline = errors.New("not connected, sending is disabled")

// ChatSession is what the UI needs from a mounted chat session.
type ChatSession interface {
	Identity() models.Identity
	Subscribe() (<-chan services.Snapshot, func())
	Snapshot() services.Snapshot
	Select(userID int64) error
	Send(ctx context.Context, content string) (models.Message, error)
	CanSend() bool
}

type snapshotMsg struct {
	snap services.Snapshot
}

type sentMsg struct {
	content string
	err     error
}

type focusArea int

const (
	focusInput focusArea = iota
	focusRoster
)

// Model is the bubbletea model of one chat widget.
type Model struct {
	session ChatSession
	self    models.Identity
	keys    keyMap

	pane  *presentation.MessagePane
	input textinput.Model

	snaps  <-chan services.Snapshot
	cancel func()

	last    services.Snapshot
	roster  []models.Conversation
	cursor  int
	focus   focusArea
	sending bool
	lastErr error

	width, height int
}

// New creates the model and subscribes to session snapshots. Call Close when done.
func New(session ChatSession) *Model {
	self := session.Identity()
	ti := textinput.New()
	ti.Placeholder = "Type a message"
	ti.CharLimit = 4000
	ti.Prompt = "> "
	ti.Focus()

	snaps, cancel := session.Subscribe()
	m := &Model{
		session: session,
		self:    self,
		keys:    defaultKeyMap(),
		pane:    presentation.NewMessagePane(self.UserID, 80, 20),
		input:   ti,
		snaps:   snaps,
		cancel:  cancel,
	}
	m.applySnapshot(session.Snapshot())
	return m
}

// Close stops listening for snapshots.
func (m *Model) Close() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForSnapshotCmd())
}

func (m *Model) waitForSnapshotCmd() tea.Cmd {
	if m.snaps == nil {
		return nil
	}
	ch := m.snaps
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg{snap: s}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = typed.Width, typed.Height
		m.layout()
		return m, nil
	case snapshotMsg:
		m.applySnapshot(typed.snap)
		return m, m.waitForSnapshotCmd()
	case sentMsg:
		m.sending = false
		m.lastErr = typed.err
		if typed.err == nil && m.input.Value() == typed.content {
			m.input.Reset()
		}
		return m, nil
	case tea.KeyMsg:
		return m, m.handleKey(typed)
	case tea.MouseMsg:
		return m, m.pane.Update(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit
	case key.Matches(msg, m.keys.PageUp), key.Matches(msg, m.keys.PageDown):
		return m.pane.Update(msg)
	case key.Matches(msg, m.keys.Focus) && m.self.IsAgent():
		m.toggleFocus()
		return nil
	}

	if m.focus == focusRoster {
		switch {
		case key.Matches(msg, m.keys.Up):
			m.moveCursor(-1)
		case key.Matches(msg, m.keys.Down):
			m.moveCursor(1)
		case key.Matches(msg, m.keys.Open):
			m.openSelected()
		}
		return nil
	}

	if key.Matches(msg, m.keys.Send) {
		return m.sendCmd()
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

func (m *Model) toggleFocus() {
	if m.focus == focusRoster {
		m.focus = focusInput
		m.input.Focus()
		return
	}
	m.focus = focusRoster
	m.input.Blur()
}

func (m *Model) moveCursor(delta int) {
	if len(m.roster) == 0 {
		return
	}
	m.cursor = max(0, min(len(m.roster)-1, m.cursor+delta))
}

func (m *Model) openSelected() {
	if m.cursor >= len(m.roster) {
		return
	}
	if err := m.session.Select(m.roster[m.cursor].UserID); err != nil {
		m.lastErr = err
		return
	}
	m.lastErr = nil
	m.focus = focusInput
	m.input.Focus()
}

func (m *Model) sendCmd() tea.Cmd {
	content := m.input.Value()
	if strings.TrimSpace(content) == "" || m.sending {
		return nil
	}
	if !m.session.CanSend() {
		m.lastErr = ErrOffline
		return nil
	}
	m.sending = true
	m.lastErr = nil
	session := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_, err := session.Send(ctx, content)
		return sentMsg{content: content, err: err}
	}
}

func (m *Model) applySnapshot(s services.Snapshot) {
	if !m.pane.Apply(s) {
		return
	}
	m.last = s

	var keep int64
	if m.cursor < len(m.roster) {
		keep = m.roster[m.cursor].UserID
	} else {
		keep = s.Selected
	}
	m.roster = s.Conversations
	m.cursor = 0
	for i, c := range m.roster {
		if c.UserID == keep {
			m.cursor = i
			break
		}
	}
}

func (m *Model) layout() {
	paneWidth := m.width
	if m.self.IsAgent() {
		paneWidth -= rosterWidth + 1
	}
	m.pane.SetSize(max(paneWidth, 10), max(m.height-chromeLines, 3))
	m.input.Width = max(m.width-len(m.input.Prompt)-1, 10)
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	downStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	cursorStyle   = lipgloss.NewStyle().Reverse(true)
	selectedStyle = lipgloss.NewStyle().Bold(true)
	rosterStyle   = lipgloss.NewStyle().Width(rosterWidth).BorderRight(true).BorderStyle(lipgloss.NormalBorder())
)

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteByte('\n')

	body := m.pane.View()
	if m.self.IsAgent() {
		body = lipgloss.JoinHorizontal(lipgloss.Top, rosterStyle.Height(max(m.height-chromeLines, 3)).Render(m.rosterView()), " ", body)
	}
	b.WriteString(body)
	b.WriteByte('\n')
	b.WriteString(m.input.View())
	b.WriteByte('\n')
	b.WriteString(m.statusLine())
	return b.String()
}

func (m *Model) header() string {
	title := "Support chat"
	if m.self.DisplayName != "" {
		title += " · " + m.self.DisplayName
	}
	return titleStyle.Render(title) + "  " + connectionIndicator(m.last.Connection)
}

func connectionIndicator(state transport.State) string {
	switch state {
	case transport.Connected:
		return okStyle.Render("● connected")
	case transport.Connecting, transport.Reconnecting:
		return warnStyle.Render("● " + strings.ToLower(state.String()))
	default:
		return downStyle.Render("● disconnected")
	}
}

func (m *Model) rosterView() string {
	if len(m.roster) == 0 {
		return helpStyle.Render("No conversations yet.")
	}
	lines := make([]string, 0, len(m.roster))
	for i, c := range m.roster {
		line := presentation.DisplayName(c.UserID, c.DisplayName)
		if c.LastMessagePreview != "" {
			line += ": " + c.LastMessagePreview
		}
		if r := []rune(line); len(r) > rosterWidth-2 {
			line = string(r[:rosterWidth-3]) + "…"
		}
		switch {
		case m.focus == focusRoster && i == m.cursor:
			line = cursorStyle.Render(line)
		case c.UserID == m.last.Selected:
			line = selectedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) statusLine() string {
	switch {
	case m.lastErr != nil:
		return errStyle.Render(fmt.Sprintf("Error: %v", m.lastErr))
	case m.sending:
		return helpStyle.Render("Sending…")
	case m.last.Connection != transport.Connected:
		return warnStyle.Render("Offline: messages will load when the connection is back. Sending is disabled.")
	case m.self.IsAgent():
		return helpStyle.Render("tab switch pane · ↑/↓ choose · enter open/send · pgup/pgdn scroll · esc quit")
	default:
		return helpStyle.Render("enter send · pgup/pgdn scroll · esc quit")
	}
}
