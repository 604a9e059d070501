// Package chat implements the message pipeline of the marketplace realtime
// service: validation, time-windowed de-duplication, persistence hand-off,
// asynchronous moderation scanning, and room broadcast.
package chat

import "time"

// Message types stored alongside message rows.
const (
	MsgTypeText    = "TEXT"
	MsgTypeImage   = "IMAGE"
	MsgTypeFile    = "FILE"
	MsgTypeAdmin   = "ADMIN"
	MsgTypeMonitor = "MONITOR"
	MsgTypeError   = "ERROR" // system warning, never persisted
	MsgTypeCall    = "CALL"
	MsgTypeMissed  = "MISSED_CALL"
)

// Chat status values.
const (
	ChatActive   = "ACTIVE"
	ChatArchived = "ARCHIVED"
	ChatFlagged  = "FLAGGED"
)

// Per-user conversation labels.
const (
	LabelGood   = "GOOD"
	LabelBad    = "BAD"
	LabelMedium = "MEDIUM"
)

// DedupWindow is the time span during which a resubmitted message with the
// same (chat, sender, content) triple is treated as a duplicate of an
// already-persisted row. This is a heuristic, not a strict identity key:
// distinct messages with identical content from the same sender inside the
// window are collapsed.
const DedupWindow = 5 * time.Second

// Chat is one buyer/seller conversation.
type Chat struct {
	ID           string
	ParticipantA string
	ParticipantB string
	ListingID    string
	Status       string
	UpdatedAt    time.Time
}

// Counterparty returns the other participant of the chat, or "" when userID
// is not a participant.
func (c *Chat) Counterparty(userID string) string {
	if userID == c.ParticipantA {
		return c.ParticipantB
	}
	if userID == c.ParticipantB {
		return c.ParticipantA
	}
	return ""
}

// Message is one persisted chat message. Immutable except for Content (edit)
// and the read flag; deletable by its sender only.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	MsgType   string
	FileURL   string
	Read      bool
	CreatedAt time.Time
}

// Alert is a moderation alert created when a non-privileged sender's message
// matched a prohibited term. It stores a summary, not the verbatim text.
type Alert struct {
	ID        string
	UserID    string
	ChatID    string
	Summary   string
	CreatedAt time.Time
}

// Notification is the per-user message summary handed to the notification
// subsystem for the counterparty.
type Notification struct {
	ID        string
	UserID    string
	ChatID    string
	MessageID string
	Preview   string
	CreatedAt time.Time
}
