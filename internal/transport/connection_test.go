package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/adapters/broker"
	"supportchat/internal/models"
)

var customer = models.Identity{UserID: 42, Role: models.RoleCustomer}

func subscribeInbox(t *testing.T) ConnectHookFunc {
	t.Helper()
	return func(ctx context.Context, session broker.Session) error {
		_, err := session.Subscribe(broker.InboxTopic(customer.UserID))
		return err
	}
}

func newTestConnection(t *testing.T, b *broker.Memory) (*Connection, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	c := NewConnection(b, customer, Options{Clock: mock}, zerolog.Nop())
	t.Cleanup(c.Disconnect)
	return c, mock
}

// advanceUntil keeps firing the reconnect timer until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(DefaultReconnectDelay)
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", Disconnected.String())
	assert.Equal(t, "CONNECTING", Connecting.String())
	assert.Equal(t, "CONNECTED", Connected.String())
	assert.Equal(t, "RECONNECTING", Reconnecting.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestConnectRunsHooksAndConnects(t *testing.T) {
	b := broker.NewMemory()
	c, _ := newTestConnection(t, b)
	c.AddHook(subscribeInbox(t))

	assert.Equal(t, Disconnected, c.State())
	c.Connect(context.Background())

	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.ActiveSessions())
	assert.Equal(t, 1, b.ActiveSubscriptions("chat-42"))
}

func TestConnectTwiceKeepsOneSession(t *testing.T) {
	b := broker.NewMemory()
	c, _ := newTestConnection(t, b)

	c.Connect(context.Background())
	c.Connect(context.Background())

	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.Dials())
	assert.Equal(t, 1, b.ActiveSessions())
}

func TestReconnectResubscribesExactlyOnce(t *testing.T) {
	b := broker.NewMemory()
	c, mock := newTestConnection(t, b)
	c.AddHook(subscribeInbox(t))

	c.Connect(context.Background())
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, 5*time.Millisecond)

	b.DropAll()
	require.Eventually(t, func() bool { return c.State() == Reconnecting }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.ActiveSubscriptions("chat-42"))

	advanceUntil(t, mock, func() bool { return c.State() == Connected })
	assert.Equal(t, 2, b.Dials())
	assert.Equal(t, 1, b.ActiveSessions())
	assert.Equal(t, 1, b.ActiveSubscriptions("chat-42"))
}

func TestDialFailuresRetryIndefinitely(t *testing.T) {
	b := broker.NewMemory()
	b.FailNextDials(4)
	c, mock := newTestConnection(t, b)

	c.Connect(context.Background())
	advanceUntil(t, mock, func() bool { return c.State() == Connected })
	assert.Equal(t, 5, b.Dials())
}

func TestHookErrorIsTreatedAsTransportFailure(t *testing.T) {
	b := broker.NewMemory()
	c, mock := newTestConnection(t, b)

	var mu sync.Mutex
	calls := 0
	c.AddHook(ConnectHookFunc(func(ctx context.Context, session broker.Session) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("subscribe refused")
		}
		return nil
	}))

	c.Connect(context.Background())
	require.Eventually(t, func() bool { return c.State() == Reconnecting }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.ActiveSessions(), "failed session must be closed")

	advanceUntil(t, mock, func() bool { return c.State() == Connected })
	assert.Equal(t, 1, b.ActiveSessions())
}

func TestDisconnect(t *testing.T) {
	b := broker.NewMemory()
	c, _ := newTestConnection(t, b)

	// No-op while inactive.
	c.Disconnect()
	assert.Equal(t, Disconnected, c.State())

	c.Connect(context.Background())
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 0, b.ActiveSessions())

	c.Disconnect()
	assert.Equal(t, Disconnected, c.State())
}

func TestDisconnectWhileWaitingToReconnect(t *testing.T) {
	b := broker.NewMemory()
	b.FailNextDials(1)
	c, _ := newTestConnection(t, b)

	c.Connect(context.Background())
	require.Eventually(t, func() bool { return c.State() == Reconnecting }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 1, b.Dials())
}

func TestStateListenerSeesTransitions(t *testing.T) {
	b := broker.NewMemory()
	c, mock := newTestConnection(t, b)

	var mu sync.Mutex
	var seen []State
	c.AddStateListener(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	snapshot := func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), seen...)
	}

	c.Connect(context.Background())
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, 5*time.Millisecond)
	b.DropAll()
	advanceUntil(t, mock, func() bool { return c.State() == Connected && len(snapshot()) >= 4 })
	c.Disconnect()

	assert.Equal(t, []State{Connecting, Connected, Reconnecting, Connected, Disconnected}, snapshot())
}

func TestConnectAfterParentContextEnded(t *testing.T) {
	b := broker.NewMemory()
	c, _ := newTestConnection(t, b)
	c.AddHook(subscribeInbox(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Connect(ctx)
	require.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, 5*time.Millisecond)

	c.Connect(context.Background())
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.ActiveSubscriptions("chat-42"))
}

func TestParentCancelDisconnects(t *testing.T) {
	b := broker.NewMemory()
	c, _ := newTestConnection(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	c.Connect(ctx)
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
	c.Disconnect()
	assert.Equal(t, Disconnected, c.State())
}
