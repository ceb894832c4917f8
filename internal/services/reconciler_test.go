package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/models"
)

// scriptedFetcher returns the next queued reply, or the default one.
type scriptedFetcher struct {
	mu      sync.Mutex
	calls   int
	pairs   [][2]int64
	replies []func(ctx context.Context) ([]models.Message, error)
	def     []models.Message
	err     error
}

func (f *scriptedFetcher) FetchMessages(ctx context.Context, senderID, receiverID int64) ([]models.Message, error) {
	f.mu.Lock()
	f.calls++
	f.pairs = append(f.pairs, [2]int64{senderID, receiverID})
	var reply func(ctx context.Context) ([]models.Message, error)
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
	}
	def, err := f.def, f.err
	f.mu.Unlock()

	if reply != nil {
		return reply(ctx)
	}
	return def, err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestReconciler(t *testing.T, store *Store, fetcher HistoryFetcher, clk clock.Clock) *Reconciler {
	t.Helper()
	r, err := NewReconciler(store, fetcher, 0, clk, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func TestNewReconcilerValidation(t *testing.T) {
	_, err := NewReconciler(nil, &scriptedFetcher{}, 0, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewReconciler(NewStore(agent, 0), nil, 0, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestReconcileFetchesSelectedPair(t *testing.T) {
	store := selectedStore(t, 7)
	fetcher := &scriptedFetcher{def: []models.Message{msg(2, 1, 7, "b", 2), msg(1, 7, 1, "a", 1)}}
	r := newTestReconciler(t, store, fetcher, nil)

	require.NoError(t, r.Reconcile(context.Background(), ReasonSelect))

	assert.Equal(t, [][2]int64{{1, 7}}, fetcher.pairs)
	assert.Equal(t, []int64{1, 2}, ids(store.Messages()))
}

func TestReconcileWithoutSelection(t *testing.T) {
	fetcher := &scriptedFetcher{}
	r := newTestReconciler(t, NewStore(agent, 0), fetcher, nil)

	assert.ErrorIs(t, r.Reconcile(context.Background(), ReasonTimer), ErrNotSelected)
	assert.Equal(t, 0, fetcher.Calls())
}

func TestReconcileFailureKeepsMessages(t *testing.T) {
	store := selectedStore(t, 7)
	fetcher := &scriptedFetcher{def: []models.Message{msg(1, 7, 1, "a", 1)}}
	r := newTestReconciler(t, store, fetcher, nil)
	require.NoError(t, r.Reconcile(context.Background(), ReasonTimer))

	fetcher.mu.Lock()
	fetcher.def, fetcher.err = nil, errors.New("backend down")
	fetcher.mu.Unlock()

	err := r.Reconcile(context.Background(), ReasonTimer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Equal(t, []int64{1}, ids(store.Messages()))
}

func TestOverlappingReconcilesLastIssuedWins(t *testing.T) {
	store := selectedStore(t, 7)

	releaseFirst := make(chan struct{})
	firstStarted := make(chan struct{})
	fetcher := &scriptedFetcher{replies: []func(ctx context.Context) ([]models.Message, error){
		func(ctx context.Context) ([]models.Message, error) {
			close(firstStarted)
			<-releaseFirst
			return []models.Message{msg(1, 7, 1, "stale view", 1)}, nil
		},
		func(ctx context.Context) ([]models.Message, error) {
			return []models.Message{msg(1, 7, 1, "stale view", 1), msg(2, 1, 7, "fresh", 2)}, nil
		},
	}}
	r := newTestReconciler(t, store, fetcher, nil)

	firstDone := make(chan error, 1)
	go func() { firstDone <- r.Reconcile(context.Background(), ReasonTimer) }()
	<-firstStarted

	require.NoError(t, r.Reconcile(context.Background(), ReasonPush))
	close(releaseFirst)
	require.NoError(t, <-firstDone)

	assert.Equal(t, []int64{1, 2}, ids(store.Messages()))
}

func TestTimerKeepsPollingAfterFailures(t *testing.T) {
	store := selectedStore(t, 7)
	fetcher := &scriptedFetcher{err: errors.New("timeout")}
	mock := clock.NewMock()
	r := newTestReconciler(t, store, fetcher, mock)

	r.Start(context.Background())
	r.Start(context.Background())

	require.Eventually(t, func() bool {
		mock.Add(DefaultPollInterval)
		return fetcher.Calls() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopEndsPollingAndRefusesTriggers(t *testing.T) {
	store := selectedStore(t, 7)
	fetcher := &scriptedFetcher{}
	mock := clock.NewMock()
	r := newTestReconciler(t, store, fetcher, mock)

	var hung atomic.Bool
	fetcher.replies = append(fetcher.replies, func(ctx context.Context) ([]models.Message, error) {
		hung.Store(true)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r.Start(context.Background())
	require.True(t, r.Trigger(ReasonPush))
	require.Eventually(t, hung.Load, time.Second, 5*time.Millisecond)

	// Stop cancels the hung fetch and waits for it.
	r.Stop()
	calls := fetcher.Calls()

	assert.False(t, r.Trigger(ReasonPush))
	mock.Add(10 * DefaultPollInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, fetcher.Calls())
}
