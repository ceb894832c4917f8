// Package metrics holds the Prometheus collectors shared by the chat client and the dev backend.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "supportchat"

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultStale   = "stale"
	ResultDropped = "dropped"
)

var (
	// Reconciles counts history reconciliations by trigger and outcome.
	Reconciles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciles_total",
		Help:      "History reconciliations by reason and result.",
	}, []string{"reason", "result"})

	// RosterRefreshes counts agent roster refreshes.
	RosterRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "roster_refreshes_total",
		Help:      "Conversation roster refreshes by result.",
	}, []string{"result"})

	// Reconnects counts transport reconnect attempts scheduled after a failure.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Broker reconnect attempts.",
	})

	// Frames counts inbound broker frames by outcome.
	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Inbound inbox frames by result.",
	}, []string{"result"})

	// Sends counts outbound chat messages by outcome.
	Sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Chat message sends by result.",
	}, []string{"result"})

	// HTTPRequests counts dev backend requests by route and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Backend HTTP requests by route and status.",
	}, []string{"route", "code"})

	// Notifications counts inbox notifications published by the dev backend.
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Inbox notifications published by result.",
	}, []string{"result"})
)

// Register adds every collector to reg. Collectors already registered are skipped.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		Reconciles, RosterRefreshes, Reconnects, Frames, Sends, HTTPRequests, Notifications,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
