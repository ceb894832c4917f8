package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"supportchat/internal/adapters/backend"
	"supportchat/internal/adapters/broker"
	"supportchat/internal/models"
)

var (
	customer42 = models.Identity{UserID: 42, Role: models.RoleCustomer, Token: "tok-42"}
	agent1     = models.Identity{UserID: 1, Role: models.RoleAgent, Token: "tok-1"}
)

type fetchCall struct {
	sender, receiver int64
}

// fakeBackend serves the three chat endpoints from memory and, like the real
// backend, notifies both inboxes after a message is stored.
type fakeBackend struct {
	t      *testing.T
	broker *broker.Memory

	mu        sync.Mutex
	messages  []models.Message
	names     map[int64]string
	nextID    int64
	requests  int
	fetches   []fetchCall
	sends     []models.SendRequest
	failSends bool
}

func newFakeBackend(t *testing.T, b *broker.Memory) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{t: t, broker: b, names: map[int64]string{7: "Lan", 9: "Minh", 42: "Khách"}, nextID: 1}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	return fb, srv
}

func newClient(t *testing.T, srv *httptest.Server, identity models.Identity) *backend.Client {
	t.Helper()
	c, err := backend.NewClient(srv.URL, identity.Token, 2*time.Second, zerolog.Nop())
	require.NoError(t, err)
	return c
}

// store persists a message as if another party had sent it and publishes the notification.
func (f *fakeBackend) store(from, to int64, content string, sentAt time.Time) models.Message {
	f.mu.Lock()
	m := models.Message{MessageID: f.nextID, SenderID: from, ReceiverID: to, Content: content, SentAt: sentAt}
	f.nextID++
	f.messages = append(f.messages, m)
	f.mu.Unlock()
	return m
}

func (f *fakeBackend) notify(m models.Message) {
	body, err := json.Marshal(models.Notification{Kind: "message", MessageID: m.MessageID, SenderID: m.SenderID, ReceiverID: m.ReceiverID})
	require.NoError(f.t, err)
	f.broker.Publish(broker.InboxTopic(m.ReceiverID), body)
	f.broker.Publish(broker.InboxTopic(m.SenderID), body)
}

func (f *fakeBackend) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeBackend) Fetches() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.fetches...)
}

func (f *fakeBackend) Sends() []models.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SendRequest(nil), f.sends...)
}

func (f *fakeBackend) SetFailSends(fail bool) {
	f.mu.Lock()
	f.failSends = fail
	f.mu.Unlock()
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests++
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/messages":
		f.serveHistory(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/messages/send":
		f.serveSend(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/messages/chat-users":
		f.serveRoster(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBackend) serveHistory(w http.ResponseWriter, r *http.Request) {
	sender, _ := strconv.ParseInt(r.URL.Query().Get("senderId"), 10, 64)
	receiver, _ := strconv.ParseInt(r.URL.Query().Get("receiverId"), 10, 64)

	f.mu.Lock()
	f.fetches = append(f.fetches, fetchCall{sender: sender, receiver: receiver})
	var env backend.MessagesEnvelope
	env.Data.Messages = []models.Message{}
	// Newest first, to prove the client sorts.
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].Involves(sender, receiver) {
			env.Data.Messages = append(env.Data.Messages, f.messages[i])
		}
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, env)
}

func (f *fakeBackend) serveSend(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.sends = append(f.sends, req)
	fail := f.failSends
	f.mu.Unlock()

	if fail {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	m := f.store(req.SenderID, req.ReceiverID, req.Content, time.Now().UTC())
	w.WriteHeader(http.StatusCreated)
	f.notify(m)
}

// serveRoster answers for the agent with user id 1.
func (f *fakeBackend) serveRoster(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	latest := make(map[int64]models.Message)
	for _, m := range f.messages {
		if m.SenderID != agent1.UserID && m.ReceiverID != agent1.UserID {
			continue
		}
		other := m.Counterparty(agent1.UserID)
		if cur, ok := latest[other]; !ok || !m.SentAt.Before(cur.SentAt) {
			latest[other] = m
		}
	}
	env := backend.ChatUsersEnvelope{Data: []models.Conversation{}}
	for other, m := range latest {
		env.Data = append(env.Data, models.Conversation{
			UserID:               other,
			DisplayName:          f.names[other],
			LastMessagePreview:   m.Content,
			LastMessageTimestamp: m.SentAt,
		})
	}
	f.mu.Unlock()

	sort.Slice(env.Data, func(i, j int) bool { return env.Data[i].UserID < env.Data[j].UserID })
	writeJSON(w, http.StatusOK, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
