package chat

import (
	"context"
	"time"
)

// Store is the narrow persistence gateway consumed by the pipeline, the
// bundling queue, and the call relay. Durable storage lives outside this
// service; implementations wrap it (Postgres in production, fakes in tests).
type Store interface {
	// FindRecentDuplicate returns a message with the same (chatID, senderID,
	// content) created within the window, or nil when none exists.
	FindRecentDuplicate(ctx context.Context, chatID, senderID, content string, window time.Duration) (*Message, error)

	CreateMessage(ctx context.Context, msg *Message) error
	// CreateMessages persists a batch in one round-trip (bundling queue flush).
	CreateMessages(ctx context.Context, msgs []*Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	// MarkMessagesRead flags every message in the chat not sent by readerID.
	MarkMessagesRead(ctx context.Context, chatID, readerID string) error

	FindChat(ctx context.Context, id string) (*Chat, error)
	CreateChat(ctx context.Context, c *Chat) error
	// TouchChat bumps the chat's last-activity timestamp.
	TouchChat(ctx context.Context, id string, at time.Time) error
	// DistinctSenders lists the distinct sender ids of prior messages in the
	// chat, used for best-effort room recovery.
	DistinctSenders(ctx context.Context, chatID string) ([]string, error)

	UpsertChatLabel(ctx context.Context, chatID, userID, label string) error
	UpsertChatMonitor(ctx context.Context, chatID, monitorID string) error
	TouchMonitorView(ctx context.Context, chatID, monitorID string, at time.Time) error

	CreateAlert(ctx context.Context, a *Alert) error
	CreateNotification(ctx context.Context, n *Notification) error
}
