package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"supportchat/internal/avatars"
	"supportchat/internal/models"
)

// maxContentLength bounds a chat message in runes.
const maxContentLength = 4000

// Healthz reports whether the database answers.
func (s *server) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.repo.Ping(r.Context()); err != nil {
			s.log.Error().Err(err).Msg("Health check failed")
			s.Respond(w, r, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"notifications": s.notifier.Enabled(),
			"avatars":       s.avatars != nil,
		})
	}
}

// GetMessages returns the history between senderId and receiverId, newest first.
// Callers may only read conversations they take part in; admins read any.
func (s *server) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := userFrom(r.Context())

		senderID, err1 := strconv.ParseInt(r.URL.Query().Get("senderId"), 10, 64)
		receiverID, err2 := strconv.ParseInt(r.URL.Query().Get("receiverId"), 10, 64)
		if err1 != nil || err2 != nil || senderID <= 0 || receiverID <= 0 {
			s.Respond(w, r, http.StatusBadRequest, "senderId and receiverId must be positive integers")
			return
		}
		if user.Role != models.RoleAdmin && user.ID != senderID && user.ID != receiverID {
			s.Respond(w, r, http.StatusForbidden, "Not a participant of this conversation")
			return
		}

		msgs, err := s.repo.Messages(r.Context(), senderID, receiverID)
		if err != nil {
			s.log.Error().Err(err).Int64("senderID", senderID).Int64("receiverID", receiverID).Msg("Failed to load messages")
			s.Respond(w, r, http.StatusInternalServerError, "Could not load messages")
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"messages": msgs})
	}
}

// SendMessage stores a message from the caller and notifies both inboxes.
func (s *server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := userFrom(r.Context())

		var req models.SendRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "Could not decode payload")
			return
		}
		req.Content = strings.TrimSpace(req.Content)

		switch {
		case req.Content == "":
			s.Respond(w, r, http.StatusBadRequest, "content cannot be empty")
			return
		case len([]rune(req.Content)) > maxContentLength:
			s.Respond(w, r, http.StatusBadRequest, "content is too long")
			return
		case req.SenderID != user.ID:
			s.Respond(w, r, http.StatusForbidden, "senderId must be the authenticated user")
			return
		case req.ReceiverID <= 0 || req.ReceiverID == req.SenderID:
			s.Respond(w, r, http.StatusBadRequest, "receiverId must be another user")
			return
		}

		if _, err := s.repo.UserByID(r.Context(), req.ReceiverID); err != nil {
			if errors.Is(err, ErrNotFound) {
				s.Respond(w, r, http.StatusNotFound, "Unknown receiver")
				return
			}
			s.log.Error().Err(err).Int64("receiverID", req.ReceiverID).Msg("Failed to look up receiver")
			s.Respond(w, r, http.StatusInternalServerError, "Could not send message")
			return
		}

		msg, err := s.repo.InsertMessage(r.Context(), req, s.clock.Now())
		if err != nil {
			s.log.Error().Err(err).Int64("senderID", req.SenderID).Int64("receiverID", req.ReceiverID).Msg("Failed to store message")
			s.Respond(w, r, http.StatusInternalServerError, "Could not send message")
			return
		}

		s.notifier.MessageStored(r.Context(), msg)
		s.log.Info().Int64("messageID", msg.MessageID).Int64("senderID", msg.SenderID).Int64("receiverID", msg.ReceiverID).Msg("Message stored")
		s.Respond(w, r, http.StatusCreated, msg)
	}
}

// ChatUsers returns the roster of the calling agent.
func (s *server) ChatUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := userFrom(r.Context())
		if user.Role != models.RoleAgent && user.Role != models.RoleAdmin {
			s.Respond(w, r, http.StatusForbidden, "Only agents have a conversation roster")
			return
		}

		roster, err := s.repo.ChatUsers(r.Context(), user.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("agentID", user.ID).Msg("Failed to load chat users")
			s.Respond(w, r, http.StatusInternalServerError, "Could not load chat users")
			return
		}
		if s.avatars != nil {
			for i := range roster {
				roster[i].AvatarRef = s.avatars.URL(roster[i].AvatarRef)
			}
		}
		s.Respond(w, r, http.StatusOK, roster)
	}
}

type avatarRequest struct {
	Image string `json:"image"` // data: URL
}

// UploadAvatar replaces the caller's avatar with a thumbnail of the uploaded image.
func (s *server) UploadAvatar() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.avatars == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Avatar storage is not configured")
			return
		}
		user, _ := userFrom(r.Context())

		var req avatarRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "Could not decode payload")
			return
		}
		data, _, err := avatars.DecodeDataURL(req.Image)
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, err)
			return
		}

		key, err := s.avatars.Upload(r.Context(), user.ID, data)
		switch {
		case errors.Is(err, avatars.ErrNotImage), errors.Is(err, avatars.ErrTooLarge):
			s.Respond(w, r, http.StatusBadRequest, err)
			return
		case err != nil:
			s.Respond(w, r, http.StatusBadGateway, "Could not store avatar")
			return
		}

		if err := s.repo.SetAvatar(r.Context(), user.ID, key); err != nil {
			s.log.Error().Err(err).Int64("userID", user.ID).Msg("Failed to save avatar reference")
			s.Respond(w, r, http.StatusInternalServerError, "Could not save avatar")
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"avatarRef": key, "url": s.avatars.URL(key)})
	}
}
