package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"supportchat/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// historyLimit caps GET /messages; the client shows the newest page only.
const historyLimit = 500

// Repository stores users and messages with sqlx. Queries are written with ?
// placeholders and rebound for the driver in use.
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps an opened and migrated database.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// UpsertUser inserts u or updates the stored row with the same id.
func (r *Repository) UpsertUser(ctx context.Context, u models.User) error {
	q := r.db.Rebind(`INSERT INTO users (id, display_name, avatar_ref, role, token) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name, role = excluded.role, token = excluded.token`)
	if _, err := r.db.ExecContext(ctx, q, u.ID, u.DisplayName, u.AvatarRef, string(u.Role), u.Token); err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", u.ID, err)
	}
	return nil
}

// UserByToken resolves a bearer credential.
func (r *Repository) UserByToken(ctx context.Context, token string) (models.User, error) {
	return r.getUser(ctx, `SELECT id, display_name, avatar_ref, role, token FROM users WHERE token = ?`, token)
}

// UserByID returns the user with the given id.
func (r *Repository) UserByID(ctx context.Context, id int64) (models.User, error) {
	return r.getUser(ctx, `SELECT id, display_name, avatar_ref, role, token FROM users WHERE id = ?`, id)
}

func (r *Repository) getUser(ctx context.Context, query string, arg any) (models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, r.db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// SetAvatar stores the avatar object key of a user.
func (r *Repository) SetAvatar(ctx context.Context, userID int64, ref string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE users SET avatar_ref = ? WHERE id = ?`), ref, userID)
	if err != nil {
		return fmt.Errorf("failed to set avatar of user %d: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessage persists req and returns the stored message with its id.
func (r *Repository) InsertMessage(ctx context.Context, req models.SendRequest, sentAt time.Time) (models.Message, error) {
	m := models.Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		SentAt:     sentAt.UTC(),
	}
	q := r.db.Rebind(`INSERT INTO messages (sender_id, receiver_id, content, sent_at) VALUES (?, ?, ?, ?) RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, q, m.SenderID, m.ReceiverID, m.Content, m.SentAt).Scan(&m.MessageID); err != nil {
		return models.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return m, nil
}

// Messages returns the newest messages exchanged between a and b, newest first.
func (r *Repository) Messages(ctx context.Context, a, b int64) ([]models.Message, error) {
	q := r.db.Rebind(`SELECT id AS message_id, sender_id, receiver_id, content, sent_at FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY sent_at DESC, id DESC LIMIT ?`)
	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, q, a, b, b, a, historyLimit); err != nil {
		return nil, fmt.Errorf("failed to load messages between %d and %d: %w", a, b, err)
	}
	return msgs, nil
}

// ChatUsers lists every counterparty of agentID with the latest message
// exchanged, most recent conversation first.
func (r *Repository) ChatUsers(ctx context.Context, agentID int64) ([]models.Conversation, error) {
	q := r.db.Rebind(`SELECT t.counterparty AS user_id,
			COALESCE(u.display_name, '') AS display_name,
			COALESCE(u.avatar_ref, '') AS avatar_ref,
			m.content AS last_message_preview,
			m.sent_at AS last_message_timestamp
		FROM (
			SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS counterparty, MAX(id) AS last_id
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
			GROUP BY 1
		) t
		JOIN messages m ON m.id = t.last_id
		LEFT JOIN users u ON u.id = t.counterparty
		ORDER BY m.sent_at DESC, t.counterparty`)
	out := []models.Conversation{}
	if err := r.db.SelectContext(ctx, &out, q, agentID, agentID, agentID); err != nil {
		return nil, fmt.Errorf("failed to load chat users of %d: %w", agentID, err)
	}
	return out, nil
}
