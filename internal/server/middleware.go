package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"supportchat/internal/metrics"
	"supportchat/internal/models"
)

type ctxKey int

const (
	userKey ctxKey = iota
	requestIDKey
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

func userFrom(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(userKey).(models.User)
	return u, ok
}

func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()

		var event *zerolog.Event
		if rec.status >= http.StatusInternalServerError {
			event = s.log.Error()
		} else {
			event = s.log.Debug()
		}
		reqID, _ := r.Context().Value(requestIDKey).(string)
		event.
			Str("requestID", reqID).
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Handled request")
	})
}

// authenticate resolves the bearer token to a user. Lookups are cached for
// AuthCacheTTL.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			s.Respond(w, r, http.StatusUnauthorized, "Missing bearer token")
			return
		}

		var user models.User
		if cached, found := s.users.Get(token); found {
			user = cached.(models.User)
		} else {
			u, err := s.repo.UserByToken(r.Context(), token)
			if errors.Is(err, ErrNotFound) {
				s.Respond(w, r, http.StatusUnauthorized, "Invalid token")
				return
			}
			if err != nil {
				s.log.Error().Err(err).Msg("Failed to resolve bearer token")
				s.Respond(w, r, http.StatusInternalServerError, "Could not authenticate")
				return
			}
			s.users.Set(token, u, cache.DefaultExpiration)
			user = u
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// rateLimit applies a token bucket per authenticated user.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := userFrom(r.Context())
		key := strconv.FormatInt(user.ID, 10)

		var limiter *rate.Limiter
		if cached, found := s.limiters.Get(key); found {
			limiter = cached.(*rate.Limiter)
		} else {
			limiter = rate.NewLimiter(rate.Limit(s.opts.SendRatePerSecond), s.opts.SendBurst)
			if err := s.limiters.Add(key, limiter, cache.DefaultExpiration); err != nil {
				// Another request created it first.
				if cached, found := s.limiters.Get(key); found {
					limiter = cached.(*rate.Limiter)
				}
			}
		}

		if !limiter.AllowN(s.clock.Now(), 1) {
			w.Header().Set("Retry-After", "1")
			s.Respond(w, r, http.StatusTooManyRequests, "Too many messages, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
