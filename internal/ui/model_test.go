package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/models"
	"supportchat/internal/services"
	"supportchat/internal/transport"
)

type fakeSession struct {
	mu       sync.Mutex
	identity models.Identity
	hub      *services.Hub
	snap     services.Snapshot
	canSend  bool
	sendErr  error
	selected []int64
	sent     []string
}

func newFakeSession(identity models.Identity) *fakeSession {
	return &fakeSession{identity: identity, hub: services.NewHub(), canSend: true}
}

func (f *fakeSession) Identity() models.Identity { return f.identity }

func (f *fakeSession) Subscribe() (<-chan services.Snapshot, func()) { return f.hub.Subscribe() }

func (f *fakeSession) Snapshot() services.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Select(userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, userID)
	return nil
}

func (f *fakeSession) Send(_ context.Context, content string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	f.sent = append(f.sent, content)
	return models.Message{Content: content, Pending: true}, nil
}

func (f *fakeSession) CanSend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canSend
}

var (
	agent    = models.Identity{UserID: 1, Role: models.RoleAgent, DisplayName: "Support"}
	customer = models.Identity{UserID: 42, Role: models.RoleCustomer}
	start    = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

func rosterSnapshot(version uint64, selected int64) services.Snapshot {
	return services.Snapshot{
		Version:    version,
		Self:       agent,
		Selected:   selected,
		Connection: transport.Connected,
		Conversations: []models.Conversation{
			{UserID: 9, DisplayName: "Minh", LastMessagePreview: "are you there?", LastMessageTimestamp: start.Add(time.Minute)},
			{UserID: 7, DisplayName: "Lan", LastMessagePreview: "hello", LastMessageTimestamp: start},
		},
	}
}

func typeText(m *Model, text string) {
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
}

func press(m *Model, t tea.KeyType) tea.Cmd {
	_, cmd := m.Update(tea.KeyMsg{Type: t})
	return cmd
}

func TestSnapshotsFlowIntoTheView(t *testing.T) {
	s := newFakeSession(agent)
	m := New(s)
	defer m.Close()
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 20})

	s.hub.Publish(rosterSnapshot(1, 0))
	msg := m.waitForSnapshotCmd()()
	_, next := m.Update(msg)
	assert.NotNil(t, next, "keeps listening")

	view := m.View()
	assert.Contains(t, view, "Minh: are you there?")
	assert.Contains(t, view, "Lan: hello")
	assert.Contains(t, view, "connected")
	assert.Contains(t, view, "Select a conversation")
}

func TestAgentOpensConversationFromRoster(t *testing.T) {
	s := newFakeSession(agent)
	m := New(s)
	defer m.Close()
	m.Update(snapshotMsg{snap: rosterSnapshot(1, 0)})

	press(m, tea.KeyTab)
	press(m, tea.KeyDown)
	press(m, tea.KeyEnter)
	assert.Equal(t, []int64{7}, s.selected)
	assert.Equal(t, focusInput, m.focus, "typing goes to the input after opening")

	// A reordered roster keeps the cursor on the same counterparty.
	reordered := rosterSnapshot(2, 7)
	reordered.Conversations[0], reordered.Conversations[1] = reordered.Conversations[1], reordered.Conversations[0]
	m.Update(snapshotMsg{snap: reordered})
	assert.Equal(t, int64(7), m.roster[m.cursor].UserID)
}

func TestSendClearsInputOnSuccess(t *testing.T) {
	s := newFakeSession(customer)
	m := New(s)
	defer m.Close()

	typeText(m, "Xin chào")
	cmd := press(m, tea.KeyEnter)
	require.NotNil(t, cmd)
	assert.True(t, m.sending)

	m.Update(cmd())
	assert.Equal(t, []string{"Xin chào"}, s.sent)
	assert.Empty(t, m.input.Value())
	assert.NoError(t, m.lastErr)
	assert.False(t, m.sending)
}

func TestSendFailureKeepsInput(t *testing.T) {
	s := newFakeSession(customer)
	s.sendErr = errors.New("status 503")
	m := New(s)
	defer m.Close()

	typeText(m, "are you there?")
	cmd := press(m, tea.KeyEnter)
	require.NotNil(t, cmd)
	m.Update(cmd())

	assert.Equal(t, "are you there?", m.input.Value())
	assert.Contains(t, m.View(), "status 503")
}

func TestSendDisabledWhileOffline(t *testing.T) {
	s := newFakeSession(customer)
	s.canSend = false
	m := New(s)
	defer m.Close()
	m.Update(snapshotMsg{snap: services.Snapshot{Version: 1, Selected: 1, Connection: transport.Reconnecting}})

	typeText(m, "hello")
	assert.Nil(t, press(m, tea.KeyEnter))
	assert.ErrorIs(t, m.lastErr, ErrOffline)
	assert.Equal(t, "hello", m.input.Value())
	assert.Empty(t, s.sent)
	assert.Contains(t, m.View(), "reconnecting")
}

func TestBlankInputIsNotSent(t *testing.T) {
	s := newFakeSession(customer)
	m := New(s)
	defer m.Close()

	typeText(m, "   ")
	assert.Nil(t, press(m, tea.KeyEnter))
	assert.Empty(t, s.sent)
}

func TestCustomerHasNoRosterPane(t *testing.T) {
	s := newFakeSession(customer)
	m := New(s)
	defer m.Close()

	press(m, tea.KeyTab)
	assert.Equal(t, focusInput, m.focus)
	assert.NotContains(t, m.View(), "No conversations yet.")
}

func TestStaleSnapshotIsIgnored(t *testing.T) {
	s := newFakeSession(agent)
	m := New(s)
	defer m.Close()

	m.Update(snapshotMsg{snap: rosterSnapshot(5, 0)})
	stale := rosterSnapshot(4, 0)
	stale.Conversations = nil
	m.Update(snapshotMsg{snap: stale})
	assert.Len(t, m.roster, 2)
}

func TestQuit(t *testing.T) {
	m := New(newFakeSession(customer))
	defer m.Close()
	cmd := press(m, tea.KeyCtrlC)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
