// Package server is the development chat backend: message history, sending
// and the agent roster over REST, with inbox notifications on the broker.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"supportchat/internal/avatars"
	"supportchat/internal/notify"
)

// Options configures a Server.
type Options struct {
	AuthCacheTTL      time.Duration
	SendRatePerSecond float64
	SendBurst         int
	Clock             clock.Clock
	// Gatherer backs GET /metrics. Defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
}

type server struct {
	repo     *Repository
	notifier *notify.Notifier
	avatars  *avatars.Store
	router   *mux.Router
	users    *cache.Cache // bearer token -> models.User
	limiters *cache.Cache // user id -> *rate.Limiter
	opts     Options
	clock    clock.Clock
	log      zerolog.Logger
}

// New returns the backend HTTP handler. avatarStore may be nil, which
// disables avatar uploads.
func New(repo *Repository, notifier *notify.Notifier, avatarStore *avatars.Store, opts Options, log zerolog.Logger) (http.Handler, error) {
	if repo == nil {
		return nil, errors.New("repository cannot be nil")
	}
	if notifier == nil {
		notifier = notify.NewNotifier(nil, log)
	}
	if opts.AuthCacheTTL <= 0 {
		opts.AuthCacheTTL = 5 * time.Minute
	}
	if opts.SendRatePerSecond <= 0 {
		opts.SendRatePerSecond = 5
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &server{
		repo:     repo,
		notifier: notifier,
		avatars:  avatarStore,
		router:   mux.NewRouter(),
		users:    cache.New(opts.AuthCacheTTL, 2*opts.AuthCacheTTL),
		limiters: cache.New(10*time.Minute, 20*time.Minute),
		opts:     opts,
		clock:    opts.Clock,
		log:      log.With().Str("component", "server").Logger(),
	}
	s.routes()
	return s.router, nil
}

func (s *server) routes() {
	base := alice.New(s.requestID, s.logging)
	authed := base.Append(s.authenticate)

	s.router.Handle("/healthz", base.ThenFunc(s.Healthz())).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.router.Handle("/messages", authed.ThenFunc(s.GetMessages())).Methods(http.MethodGet)
	s.router.Handle("/messages/send", authed.Append(s.rateLimit).ThenFunc(s.SendMessage())).Methods(http.MethodPost)
	s.router.Handle("/messages/chat-users", authed.ThenFunc(s.ChatUsers())).Methods(http.MethodGet)
	s.router.Handle("/users/me/avatar", authed.ThenFunc(s.UploadAvatar())).Methods(http.MethodPut)
}

// Respond writes data as {"data": ...} for 2xx statuses and {"error": ...} otherwise.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	var body interface{}
	if status >= 200 && status < 300 {
		body = map[string]interface{}{"data": data}
	} else {
		msg := data
		if err, ok := data.(error); ok {
			msg = err.Error()
		}
		body = map[string]interface{}{"error": msg}
	}

	responseJson, err := json.Marshal(body)
	if err != nil {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to marshal response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJson)
}
