package models

import (
	"fmt"
	"strings"
	"time"
)

// Role is the part an identity plays in the support chat.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAgent    Role = "AGENT"
	RoleAdmin    Role = "ADMIN"
)

// ParseRole maps a configuration value such as "agent" to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleCustomer:
		return RoleCustomer, nil
	case RoleAgent:
		return RoleAgent, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Identity is supplied by the identity provider and never mutated by the chat core.
type Identity struct {
	UserID      int64  `json:"userId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
	Token       string `json:"-"` // Credential carried on the REST and broker handshakes
}

// Valid reports whether the identity can own a chat connection.
func (i Identity) Valid() bool {
	return i.UserID != 0 && i.Role != ""
}

// IsAgent reports whether the identity works the agent console (agents and admins alike).
func (i Identity) IsAgent() bool {
	return i.Role == RoleAgent || i.Role == RoleAdmin
}

// Message is a single chat line. Server-created messages are immutable.
// MessageID identifies a message for de-duplication only; display order is SentAt.
type Message struct {
	MessageID  int64     `json:"messageId" db:"message_id"`
	SenderID   int64     `json:"senderId" db:"sender_id"`
	ReceiverID int64     `json:"receiverId" db:"receiver_id"`
	Content    string    `json:"content" db:"content"`
	SentAt     time.Time `json:"sentAt" db:"sent_at"`

	// Pending marks an optimistic local copy that the backend has not echoed back yet.
	Pending bool `json:"-" db:"-"`
}

// Counterparty returns the other participant of the message as seen by self.
func (m Message) Counterparty(self int64) int64 {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether the message belongs to the conversation between a and b.
func (m Message) Involves(a, b int64) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Conversation is the agent-side roster entry for one counterparty.
type Conversation struct {
	UserID               int64     `json:"userId" db:"user_id"`
	DisplayName          string    `json:"displayName" db:"display_name"`
	AvatarRef            string    `json:"avatarRef,omitempty" db:"avatar_ref"`
	LastMessagePreview   string    `json:"lastMessagePreview" db:"last_message_preview"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp" db:"last_message_timestamp"`
}

// SendRequest is the body of POST /messages/send.
type SendRequest struct {
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// Notification is the JSON payload pushed on an inbox topic. Clients treat it
// only as a signal to re-fetch; the fields are informational.
type Notification struct {
	Kind       string `json:"kind"` // "message"
	MessageID  int64  `json:"messageId,omitempty"`
	SenderID   int64  `json:"senderId,omitempty"`
	ReceiverID int64  `json:"receiverId,omitempty"`
}

// User is a chat participant row known to the backend.
type User struct {
	ID          int64  `json:"userId" db:"id"`
	DisplayName string `json:"displayName" db:"display_name"`
	AvatarRef   string `json:"avatarRef,omitempty" db:"avatar_ref"`
	Role        Role   `json:"role" db:"role"`
	Token       string `json:"-" db:"token"`
}
