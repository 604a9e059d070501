// Package store provides the PostgreSQL-backed implementation of the
// persistence gateway consumed by the message pipeline, the bundling queue,
// and the call relay. Durable chat storage is owned by the wider platform;
// this package only issues the narrow set of statements the realtime core
// needs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tradepost/realtime/internal/chat"
)

// Postgres implements chat.Store on a database/sql handle.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// New wraps an existing database handle (used by cmd wiring and tests).
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the underlying connection pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// FindRecentDuplicate looks for a message with the same identity triple
// created inside the window. Returns nil when no duplicate exists.
func (s *Postgres) FindRecentDuplicate(ctx context.Context, chatID, senderID, content string, window time.Duration) (*chat.Message, error) {
	const query = `
		SELECT id, chat_id, sender_id, content, msg_type, COALESCE(file_url, ''), read, created_at
		FROM messages
		WHERE chat_id = $1 AND sender_id = $2 AND content = $3
		  AND created_at >= NOW() - $4::interval
		ORDER BY created_at DESC
		LIMIT 1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, chatID, senderID, content, window.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find duplicate: %w", err)
	}
	return m, nil
}

// CreateMessage inserts one message row.
func (s *Postgres) CreateMessage(ctx context.Context, m *chat.Message) error {
	const query = `
		INSERT INTO messages (id, chat_id, sender_id, content, msg_type, file_url, read, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.ChatID, m.SenderID, m.Content, m.MsgType, m.FileURL, m.Read, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// CreateMessages inserts a batch inside one transaction (bundling queue
// flush). An empty batch is a no-op.
func (s *Postgres) CreateMessages(ctx context.Context, msgs []*chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO messages (id, chat_id, sender_id, content, msg_type, file_url, read, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, query,
			m.ID, m.ChatID, m.SenderID, m.Content, m.MsgType, m.FileURL, m.Read, m.CreatedAt); err != nil {
			return fmt.Errorf("store: batch insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

// GetMessage returns one message, or nil when absent.
func (s *Postgres) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	const query = `
		SELECT id, chat_id, sender_id, content, msg_type, COALESCE(file_url, ''), read, created_at
		FROM messages
		WHERE id = $1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

// UpdateMessageContent replaces a message's content in place.
func (s *Postgres) UpdateMessageContent(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = $2 WHERE id = $1`, id, content)
	if err != nil {
		return fmt.Errorf("store: update message: %w", err)
	}
	return requireRow(res, "update message")
}

// DeleteMessage removes a message row.
func (s *Postgres) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return requireRow(res, "delete message")
}

// MarkMessagesRead flags every message in the chat not sent by readerID.
func (s *Postgres) MarkMessagesRead(ctx context.Context, chatID, readerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read = TRUE WHERE chat_id = $1 AND sender_id <> $2 AND NOT read`,
		chatID, readerID)
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	return nil
}

// FindChat returns one chat, or nil when absent.
func (s *Postgres) FindChat(ctx context.Context, id string) (*chat.Chat, error) {
	const query = `
		SELECT id, participant_a, participant_b, COALESCE(listing_id, ''), status, updated_at
		FROM chats
		WHERE id = $1`

	var c chat.Chat
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.ParticipantA, &c.ParticipantB, &c.ListingID, &c.Status, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find chat: %w", err)
	}
	return &c, nil
}

// CreateChat inserts a chat row. Conflicting ids are tolerated so concurrent
// submissions racing on room recovery do not fail.
func (s *Postgres) CreateChat(ctx context.Context, c *chat.Chat) error {
	const query = `
		INSERT INTO chats (id, participant_a, participant_b, listing_id, status, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.ParticipantA, c.ParticipantB, c.ListingID, c.Status, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert chat: %w", err)
	}
	return nil
}

// TouchChat bumps the chat's last-activity timestamp.
func (s *Postgres) TouchChat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("store: touch chat: %w", err)
	}
	return nil
}

// DistinctSenders lists the distinct sender ids of prior messages in the
// chat, oldest first. Used for best-effort room recovery.
func (s *Postgres) DistinctSenders(ctx context.Context, chatID string) ([]string, error) {
	const query = `
		SELECT sender_id
		FROM messages
		WHERE chat_id = $1
		GROUP BY sender_id
		ORDER BY MIN(created_at)`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: distinct senders: %w", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan sender: %w", err)
		}
		senders = append(senders, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: distinct senders rows: %w", err)
	}
	return senders, nil
}

// UpsertChatLabel stores the user's classification tag on a conversation.
func (s *Postgres) UpsertChatLabel(ctx context.Context, chatID, userID, label string) error {
	const query = `
		INSERT INTO chat_labels (chat_id, user_id, label, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (chat_id, user_id) DO UPDATE SET label = EXCLUDED.label, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, chatID, userID, label); err != nil {
		return fmt.Errorf("store: upsert label: %w", err)
	}
	return nil
}

// UpsertChatMonitor records a moderator watching a chat.
func (s *Postgres) UpsertChatMonitor(ctx context.Context, chatID, monitorID string) error {
	const query = `
		INSERT INTO chat_monitors (chat_id, monitor_id, last_viewed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chat_id, monitor_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, chatID, monitorID); err != nil {
		return fmt.Errorf("store: upsert monitor: %w", err)
	}
	return nil
}

// TouchMonitorView stamps the moderator's last-viewed time on a chat.
func (s *Postgres) TouchMonitorView(ctx context.Context, chatID, monitorID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_monitors SET last_viewed_at = $3 WHERE chat_id = $1 AND monitor_id = $2`,
		chatID, monitorID, at)
	if err != nil {
		return fmt.Errorf("store: touch monitor view: %w", err)
	}
	return nil
}

// CreateAlert inserts a moderation alert.
func (s *Postgres) CreateAlert(ctx context.Context, a *chat.Alert) error {
	const query = `
		INSERT INTO monitoring_alerts (id, user_id, chat_id, summary, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, a.ID, a.UserID, a.ChatID, a.Summary, a.CreatedAt); err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	return nil
}

// CreateNotification inserts a counterparty notification.
func (s *Postgres) CreateNotification(ctx context.Context, n *chat.Notification) error {
	const query = `
		INSERT INTO notifications (id, user_id, chat_id, message_id, preview, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.db.ExecContext(ctx, query,
		n.ID, n.UserID, n.ChatID, n.MessageID, n.Preview, n.CreatedAt); err != nil {
		return fmt.Errorf("store: insert notification: %w", err)
	}
	return nil
}

// scanMessage reads one message row from a QueryRow result.
func scanMessage(row *sql.Row) (*chat.Message, error) {
	var m chat.Message
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.MsgType, &m.FileURL, &m.Read, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// requireRow converts a zero-row update/delete into sql.ErrNoRows so callers
// can distinguish "absent" from "failed".
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s: %w", op, sql.ErrNoRows)
	}
	return nil
}
