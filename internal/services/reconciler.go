package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"supportchat/internal/metrics"
	"supportchat/internal/models"
)

// DefaultPollInterval is how often the open conversation is re-fetched.
const DefaultPollInterval = 2 * time.Second

// HistoryFetcher loads the messages exchanged between two users.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, senderID, receiverID int64) ([]models.Message, error)
}

// Reconciler keeps the open conversation in line with the backend. Every
// trigger (timer, push, post-send, select) goes through Reconcile, and the
// store applies results last-issued-wins.
type Reconciler struct {
	store   *Store
	fetcher HistoryFetcher
	log     zerolog.Logger
	worker  worker
}

// NewReconciler creates a reconciler polling every interval (DefaultPollInterval when zero).
func NewReconciler(store *Store, fetcher HistoryFetcher, interval time.Duration, clk clock.Clock, log zerolog.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("history fetcher cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Reconciler{
		store:   store,
		fetcher: fetcher,
		log:     log.With().Str("component", "reconciler").Int64("userID", store.Self().UserID).Logger(),
		worker:  worker{clock: clk, interval: interval},
	}, nil
}

// Reconcile fetches the open conversation and hands the result to the store.
// A fetch failure leaves the displayed messages as they are.
func (r *Reconciler) Reconcile(ctx context.Context, reason Reason) error {
	ticket, err := r.store.BeginFetch()
	if err != nil {
		return err
	}

	self := r.store.Self().UserID
	msgs, err := r.fetcher.FetchMessages(ctx, self, ticket.Counterparty)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		metrics.Reconciles.WithLabelValues(string(reason), metrics.ResultError).Inc()
		r.log.Warn().Err(err).Str("reason", string(reason)).Int64("counterparty", ticket.Counterparty).Msg("History fetch failed, keeping current messages")
		return fmt.Errorf("failed to reconcile conversation with %d: %w", ticket.Counterparty, err)
	}

	if !r.store.ApplyHistory(ticket, msgs) {
		metrics.Reconciles.WithLabelValues(string(reason), metrics.ResultStale).Inc()
		r.log.Debug().Str("reason", string(reason)).Uint64("seq", ticket.Seq).Msg("Discarded stale history result")
		return nil
	}

	metrics.Reconciles.WithLabelValues(string(reason), metrics.ResultOK).Inc()
	r.log.Debug().Str("reason", string(reason)).Uint64("seq", ticket.Seq).Int("messages", len(msgs)).Msg("History reconciled")
	return nil
}

// Trigger runs Reconcile in the background. It returns false once stopped.
func (r *Reconciler) Trigger(reason Reason) bool {
	return r.worker.spawn(func(ctx context.Context) {
		_ = r.Reconcile(ctx, reason)
	})
}

// Start begins periodic reconciliation. Each tick issues a new fetch even if
// an earlier one is still in flight.
func (r *Reconciler) Start(ctx context.Context) {
	if r.worker.start(ctx, func(context.Context) { r.Trigger(ReasonTimer) }) {
		r.log.Info().Dur("interval", r.worker.interval).Msg("History polling started")
	}
}

// Stop ends polling and waits for in-flight fetches.
func (r *Reconciler) Stop() {
	r.worker.stop()
}
