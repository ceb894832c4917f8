package backend

import (
	"errors"
	"fmt"

	"supportchat/internal/models"
)

// ErrStatus is matched (errors.Is) by every StatusError.
var ErrStatus = errors.New("chat backend returned an error status")

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat backend %s: status %d, body: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// MessagesEnvelope is the body of GET /messages: {"data": {"messages": [...]}}.
type MessagesEnvelope struct {
	Data struct {
		Messages []models.Message `json:"messages"`
	} `json:"data"`
}

// ChatUsersEnvelope is the body of GET /messages/chat-users: {"data": [...]}.
type ChatUsersEnvelope struct {
	Data []models.Conversation `json:"data"`
}
