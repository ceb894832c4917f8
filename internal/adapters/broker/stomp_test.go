package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/adapters/broker/stomptest"
	"supportchat/internal/models"
)

const testHeartbeat = 300 * time.Millisecond

func dialSTOMP(t *testing.T, srv *stomptest.Server, identity models.Identity) Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := NewSTOMPDialer(srv.URL, "/", testHeartbeat, zerolog.Nop()).Dial(ctx, identity)
	require.NoError(t, err)
	return session
}

// receive publishes body until it arrives on sub; topic subscriptions only
// see messages sent after the broker registered them.
func receive(t *testing.T, srv *stomptest.Server, sub Subscription, body string) Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	require.NoError(t, srv.Publish(sub.Topic(), []byte(body)))
	for {
		select {
		case f, ok := <-sub.Frames():
			require.True(t, ok, "frames closed before delivery")
			return f
		case <-tick.C:
			require.NoError(t, srv.Publish(sub.Topic(), []byte(body)))
		case <-deadline:
			t.Fatalf("no frame on %s", sub.Topic())
		}
	}
}

func TestSTOMPDialerCarriesCredentials(t *testing.T) {
	srv := stomptest.NewServer(testHeartbeat)
	defer srv.Close()

	session := dialSTOMP(t, srv, models.Identity{UserID: 42, Role: models.RoleCustomer, Token: "tok-42"})
	defer session.Close()

	handshakes := srv.Handshakes()
	require.NotEmpty(t, handshakes)
	assert.Equal(t, "Bearer tok-42", handshakes[0].Get("Authorization"))
	assert.Contains(t, srv.Logins(), stomptest.Login{Login: "42", Passcode: "tok-42"})
}

func TestSTOMPDialerRejectedLogin(t *testing.T) {
	srv := stomptest.NewServer(testHeartbeat)
	defer srv.Close()
	srv.RejectWhen(func(l stomptest.Login) bool { return l.Passcode != "good" })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewSTOMPDialer(srv.URL, "/", testHeartbeat, zerolog.Nop()).Dial(ctx, models.Identity{UserID: 7, Token: "bad"})
	assert.Error(t, err)
}

func TestSTOMPSubscriptionDeliversInboxFrames(t *testing.T) {
	srv := stomptest.NewServer(testHeartbeat)
	defer srv.Close()

	session := dialSTOMP(t, srv, models.Identity{UserID: 42, Token: "tok"})
	defer session.Close()

	sub, err := session.Subscribe(InboxTopic(42))
	require.NoError(t, err)

	f := receive(t, srv, sub, `{"kind":"message","senderId":1,"receiverId":42}`)
	assert.Equal(t, "chat-42", f.Topic)
	assert.JSONEq(t, `{"kind":"message","senderId":1,"receiverId":42}`, string(f.Body))
}

func TestSTOMPSessionSurvivesIdleHeartbeats(t *testing.T) {
	srv := stomptest.NewServer(testHeartbeat)
	defer srv.Close()

	session := dialSTOMP(t, srv, models.Identity{UserID: 42, Token: "tok"})
	defer session.Close()
	sub, err := session.Subscribe(InboxTopic(42))
	require.NoError(t, err)

	// The broker drops a client silent for two intervals.
	select {
	case <-session.Done():
		t.Fatalf("session ended while idle: %v", session.Err())
	case <-time.After(5 * testHeartbeat):
	}

	f := receive(t, srv, sub, `{"kind":"message"}`)
	assert.Equal(t, "chat-42", f.Topic)
}

func TestSTOMPSessionReportsDrop(t *testing.T) {
	srv := stomptest.NewServer(testHeartbeat)
	defer srv.Close()

	session := dialSTOMP(t, srv, models.Identity{UserID: 42, Token: "tok"})
	defer session.Close()
	sub, err := session.Subscribe(InboxTopic(42))
	require.NoError(t, err)

	srv.Drop()

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("drop not noticed")
	}
	assert.NotErrorIs(t, session.Err(), ErrSessionClosed)
	require.Eventually(t, func() bool {
		_, ok := <-sub.Frames()
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, sub.Unsubscribe())

	_, err = session.Subscribe(InboxTopic(42))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSTOMPUnsubscribeKeepsSessionOpen(t *testing.T) {
	srv := stomptest.NewServer(testHeartbeat)
	defer srv.Close()

	session := dialSTOMP(t, srv, models.Identity{UserID: 42, Token: "tok"})
	defer session.Close()
	sub, err := session.Subscribe(InboxTopic(42))
	require.NoError(t, err)
	receive(t, srv, sub, `{"kind":"message"}`)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.Eventually(t, func() bool {
		_, ok := <-sub.Frames()
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-session.Done():
		t.Fatalf("session ended after unsubscribe: %v", session.Err())
	default:
	}

	again, err := session.Subscribe(InboxTopic(42))
	require.NoError(t, err)
	receive(t, srv, again, `{"kind":"message"}`)
}

func TestSTOMPCloseRacingUnsubscribe(t *testing.T) {
	srv := stomptest.NewServer(testHeartbeat)
	defer srv.Close()

	for i := 0; i < 20; i++ {
		session := dialSTOMP(t, srv, models.Identity{UserID: 42, Token: "tok"})
		sub, err := session.Subscribe(InboxTopic(42))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = session.Close()
		}()
		go func() {
			defer wg.Done()
			_ = sub.Unsubscribe()
		}()
		wg.Wait()

		assert.ErrorIs(t, session.Err(), ErrSessionClosed)
		require.Eventually(t, func() bool {
			_, ok := <-sub.Frames()
			return !ok
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestSTOMPUnsubscribeAfterClose(t *testing.T) {
	srv := stomptest.NewServer(testHeartbeat)
	defer srv.Close()

	session := dialSTOMP(t, srv, models.Identity{UserID: 42, Token: "tok"})
	sub, err := session.Subscribe(InboxTopic(42))
	require.NoError(t, err)

	require.NoError(t, session.Close())
	assert.NoError(t, sub.Unsubscribe())
}
