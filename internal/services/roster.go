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

// DefaultRosterInterval is how often the agent roster is refreshed.
const DefaultRosterInterval = 2 * time.Second

// RosterFetcher lists the counterparties an agent has conversations with.
type RosterFetcher interface {
	ListChatUsers(ctx context.Context) ([]models.Conversation, error)
}

// RosterPoller refreshes the roster on its own timer, regardless of which
// conversation is open, so previews move for every counterparty.
type RosterPoller struct {
	store   *Store
	fetcher RosterFetcher
	log     zerolog.Logger
	worker  worker
}

// NewRosterPoller creates a poller refreshing every interval (DefaultRosterInterval when zero).
func NewRosterPoller(store *Store, fetcher RosterFetcher, interval time.Duration, clk clock.Clock, log zerolog.Logger) (*RosterPoller, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("roster fetcher cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultRosterInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RosterPoller{
		store:   store,
		fetcher: fetcher,
		log:     log.With().Str("component", "roster").Int64("userID", store.Self().UserID).Logger(),
		worker:  worker{clock: clk, interval: interval},
	}, nil
}

// Refresh fetches the roster once and merges it into the store.
func (p *RosterPoller) Refresh(ctx context.Context) error {
	convs, err := p.fetcher.ListChatUsers(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		metrics.RosterRefreshes.WithLabelValues(metrics.ResultError).Inc()
		p.log.Warn().Err(err).Msg("Roster refresh failed, keeping current roster")
		return fmt.Errorf("failed to refresh roster: %w", err)
	}

	p.store.MergeRoster(convs)
	metrics.RosterRefreshes.WithLabelValues(metrics.ResultOK).Inc()
	p.log.Debug().Int("conversations", len(convs)).Msg("Roster refreshed")
	return nil
}

// Trigger runs Refresh in the background. It returns false once stopped.
func (p *RosterPoller) Trigger() bool {
	return p.worker.spawn(func(ctx context.Context) {
		_ = p.Refresh(ctx)
	})
}

// Start begins periodic refreshes with an immediate first one.
func (p *RosterPoller) Start(ctx context.Context) {
	if !p.worker.start(ctx, func(context.Context) { p.Trigger() }) {
		return
	}
	p.Trigger()
	p.log.Info().Dur("interval", p.worker.interval).Msg("Roster polling started")
}

// Stop ends polling and waits for in-flight refreshes.
func (p *RosterPoller) Stop() {
	p.worker.stop()
}
