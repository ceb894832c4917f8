// Package presentation renders chat state for the terminal.
package presentation

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"supportchat/internal/models"
	"supportchat/internal/services"
)

// Styles holds the lipgloss styles of the message pane.
type Styles struct {
	Own     lipgloss.Style
	Other   lipgloss.Style
	Pending lipgloss.Style
	Meta    lipgloss.Style
	Empty   lipgloss.Style
}

// DefaultStyles returns the built-in palette.
func DefaultStyles() Styles {
	return Styles{
		Own:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		Other:   lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true),
		Pending: lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true),
		Meta:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Empty:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true),
	}
}

// MessagePane shows the open conversation in a scrollable viewport. Whenever
// the list grows or another conversation is opened it is pinned to the
// bottom, after the new content is in the viewport. There is no override for
// a reader who scrolled up.
type MessagePane struct {
	viewport viewport.Model
	styles   Styles
	self     int64

	hasSnapshot bool
	last        services.Snapshot
}

// NewMessagePane creates an empty pane for self.
func NewMessagePane(self int64, width, height int) *MessagePane {
	return &MessagePane{
		viewport: viewport.New(width, height),
		styles:   DefaultStyles(),
		self:     self,
	}
}

// SetSize resizes the pane, re-wrapping the content.
func (p *MessagePane) SetSize(width, height int) {
	atBottom := p.viewport.AtBottom()
	p.viewport.Width = width
	p.viewport.Height = height
	if !p.hasSnapshot {
		return
	}
	p.viewport.SetContent(p.render(p.last))
	if atBottom {
		p.viewport.GotoBottom()
	}
}

// Apply renders s. Snapshots not newer than the last applied one are ignored
// and reported with false.
func (p *MessagePane) Apply(s services.Snapshot) bool {
	if p.hasSnapshot && s.Version <= p.last.Version {
		return false
	}

	// A capped history keeps its length while new messages push old ones out,
	// so a different last message counts as growth too.
	grew := len(s.Messages) > len(p.last.Messages) || newTail(p.last.Messages, s.Messages)
	switched := !p.hasSnapshot || s.Selected != p.last.Selected

	p.viewport.SetContent(p.render(s))
	if grew || switched {
		p.viewport.GotoBottom()
	}

	p.last = s
	p.hasSnapshot = true
	return true
}

func newTail(prev, next []models.Message) bool {
	if len(prev) == 0 || len(next) == 0 {
		return false
	}
	a, b := prev[len(prev)-1], next[len(next)-1]
	return a.MessageID != b.MessageID || !a.SentAt.Equal(b.SentAt)
}

// Update forwards scroll keys and mouse events to the viewport.
func (p *MessagePane) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return cmd
}

// View renders the visible window.
func (p *MessagePane) View() string {
	return p.viewport.View()
}

// AtBottom reports whether the last line is visible.
func (p *MessagePane) AtBottom() bool {
	return p.viewport.AtBottom()
}

// GotoTop scrolls to the first line.
func (p *MessagePane) GotoTop() {
	p.viewport.GotoTop()
}

// YOffset is the index of the first visible line.
func (p *MessagePane) YOffset() int {
	return p.viewport.YOffset
}

func (p *MessagePane) render(s services.Snapshot) string {
	if s.Selected == 0 {
		return p.styles.Empty.Render("Select a conversation to start chatting.")
	}
	if len(s.Messages) == 0 {
		return p.styles.Empty.Render("No messages yet.")
	}

	names := make(map[int64]string, len(s.Conversations))
	for _, c := range s.Conversations {
		names[c.UserID] = c.DisplayName
	}

	width := p.viewport.Width
	var b strings.Builder
	for i, m := range s.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		line := p.renderMessage(m, names)
		if width > 0 {
			line = lipgloss.NewStyle().Width(width).Render(line)
		}
		b.WriteString(line)
	}
	return b.String()
}

func (p *MessagePane) renderMessage(m models.Message, names map[int64]string) string {
	var who string
	if m.SenderID == p.self {
		who = p.styles.Own.Render("You")
	} else {
		who = p.styles.Other.Render(DisplayName(m.SenderID, names[m.SenderID]))
	}
	stamp := p.styles.Meta.Render(m.SentAt.Local().Format("15:04"))

	line := fmt.Sprintf("%s %s: %s", stamp, who, m.Content)
	if m.Pending {
		line += " " + p.styles.Pending.Render("(sending)")
	}
	return line
}

// DisplayName falls back to "#<id>" for counterparties without a name.
func DisplayName(userID int64, name string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("#%d", userID)
}
