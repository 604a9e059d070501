package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tradepost/realtime/internal/metrics"
	"github.com/tradepost/realtime/internal/moderation"
	"github.com/tradepost/realtime/internal/protocol"
)

// Broadcaster delivers server events to broadcast groups. The ws layer
// implements it; tests use a recording fake.
type Broadcaster interface {
	// ToRoom delivers data to every member of the chat room.
	ToRoom(roomID string, data []byte)
	// ToMonitor delivers data to the shared moderation channel.
	ToMonitor(data []byte)
}

// previewLen caps the content summary attached to notifications, alerts and
// monitor updates.
const previewLen = 80

// Service is the message pipeline. All mutating operations go through the
// injected Store; broadcasts go through the injected Broadcaster.
type Service struct {
	store     Store
	filter    *moderation.Filter
	broadcast Broadcaster
}

// NewService builds a pipeline with the given persistence gateway,
// prohibited-term filter, and broadcaster.
func NewService(store Store, filter *moderation.Filter, broadcast Broadcaster) *Service {
	return &Service{store: store, filter: filter, broadcast: broadcast}
}

// SubmitInput is one inbound message submission.
type SubmitInput struct {
	ChatID   string
	SenderID string
	Content  string
	MsgType  string
	FileURL  string
	// Participant hints used when the chat row does not exist yet.
	UserID   string
	SellerID string
	// Privileged senders (admin/monitor) are exempt from moderation alerts.
	Privileged bool
}

// Submit runs the full pipeline: validate, contact-check, de-duplicate,
// ensure the chat row, persist, moderate asynchronously, notify the
// counterparty, and broadcast exactly once to the room.
//
// The returned message is the persisted row (possibly a pre-existing one when
// the submission was a duplicate inside the de-duplication window).
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Message, error) {
	defer func(start time.Time) {
		metrics.SubmitLatency.Observe(time.Since(start).Seconds())
	}(time.Now())

	if in.ChatID == "" || in.SenderID == "" || in.Content == "" {
		return nil, validationErr("chat_id, sender_id and content are required")
	}

	// Contact exchange is blocked before anything is persisted. The room only
	// ever sees a system warning, never the original content.
	if moderation.ContainsContact(in.Content) {
		s.broadcastContactWarning(in.ChatID, in.SenderID)
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return nil, validationErr("message contains contact information")
	}

	// Absorb client retries and the direct/bundled dual send path. A hit means
	// the message was already persisted and broadcast once; do neither again.
	if dup, err := s.store.FindRecentDuplicate(ctx, in.ChatID, in.SenderID, in.Content, DedupWindow); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, upstreamErr(err, "duplicate lookup failed")
	} else if dup != nil {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		return dup, nil
	}

	ch, err := s.ensureChat(ctx, in)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msg := &Message{
		ID:        uuid.New().String(),
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		MsgType:   normalizeMsgType(in.MsgType),
		FileURL:   in.FileURL,
		CreatedAt: now,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, upstreamErr(err, "failed to persist message")
	}
	if err := s.store.TouchChat(ctx, in.ChatID, now); err != nil {
		log.Printf("pipeline: touch chat=%s failed: %v", in.ChatID, err)
	}

	// Moderation scan runs off the delivery path. Alert failures are logged
	// and never affect the broadcast.
	go s.scanContent(msg, in.Privileged)

	s.notifyCounterparty(ctx, ch, msg)

	s.broadcastMessage(msg)
	s.broadcastChatUpdated(msg, now)
	metrics.MessagesTotal.WithLabelValues("accepted").Inc()

	return msg, nil
}

// ensureChat loads the chat row, creating it from participant hints or
// recovering it from prior message senders when absent.
func (s *Service) ensureChat(ctx context.Context, in SubmitInput) (*Chat, error) {
	ch, err := s.store.FindChat(ctx, in.ChatID)
	if err != nil {
		return nil, upstreamErr(err, "chat lookup failed")
	}
	if ch != nil {
		return ch, nil
	}

	if in.UserID != "" && in.SellerID != "" {
		ch = &Chat{
			ID:           in.ChatID,
			ParticipantA: in.UserID,
			ParticipantB: in.SellerID,
			Status:       ChatActive,
			UpdatedAt:    time.Now(),
		}
		if err := s.store.CreateChat(ctx, ch); err != nil {
			return nil, upstreamErr(err, "failed to create chat")
		}
		log.Printf("pipeline: created chat=%s participants=%s,%s", ch.ID, ch.ParticipantA, ch.ParticipantB)
		return ch, nil
	}

	// Best-effort recovery: infer the two participants from prior messages
	// under the same chat id. Fail closed when fewer than two are found.
	senders, err := s.store.DistinctSenders(ctx, in.ChatID)
	if err != nil {
		return nil, upstreamErr(err, "participant recovery failed")
	}
	participants := senders
	if len(participants) < 2 && in.SenderID != "" && !contains(participants, in.SenderID) {
		participants = append(participants, in.SenderID)
	}
	if len(participants) < 2 {
		return nil, notFoundErr("chat %s does not exist and participants could not be recovered", in.ChatID)
	}

	ch = &Chat{
		ID:           in.ChatID,
		ParticipantA: participants[0],
		ParticipantB: participants[1],
		Status:       ChatActive,
		UpdatedAt:    time.Now(),
	}
	if err := s.store.CreateChat(ctx, ch); err != nil {
		return nil, upstreamErr(err, "failed to recover chat")
	}
	log.Printf("pipeline: recovered chat=%s from prior senders", ch.ID)
	return ch, nil
}

// Edit replaces a message's content. Only the original sender may edit.
func (s *Service) Edit(ctx context.Context, messageID, editorID, content string) error {
	if messageID == "" || content == "" {
		return validationErr("message_id and content are required")
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return upstreamErr(err, "message lookup failed")
	}
	if msg == nil {
		return notFoundErr("message %s not found", messageID)
	}
	if msg.SenderID != editorID {
		return authorizationErr("only the sender may edit a message")
	}

	if err := s.store.UpdateMessageContent(ctx, messageID, content); err != nil {
		return upstreamErr(err, "failed to update message")
	}
	if err := s.store.TouchChat(ctx, msg.ChatID, time.Now()); err != nil {
		log.Printf("pipeline: touch chat=%s failed: %v", msg.ChatID, err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageEdited, protocol.MessageEditedMsg{
		MessageID: messageID,
		ChatID:    msg.ChatID,
		Content:   content,
	})
	if err != nil {
		log.Printf("pipeline: build message:edited failed: %v", err)
		return nil
	}
	s.broadcast.ToRoom(msg.ChatID, data)
	return nil
}

// Delete removes a message. Only the original sender may delete.
func (s *Service) Delete(ctx context.Context, messageID, requesterID string) error {
	if messageID == "" {
		return validationErr("message_id is required")
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return upstreamErr(err, "message lookup failed")
	}
	if msg == nil {
		return notFoundErr("message %s not found", messageID)
	}
	if msg.SenderID != requesterID {
		return authorizationErr("only the sender may delete a message")
	}

	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return upstreamErr(err, "failed to delete message")
	}
	if err := s.store.TouchChat(ctx, msg.ChatID, time.Now()); err != nil {
		log.Printf("pipeline: touch chat=%s failed: %v", msg.ChatID, err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID: messageID,
		ChatID:    msg.ChatID,
	})
	if err != nil {
		log.Printf("pipeline: build message:deleted failed: %v", err)
		return nil
	}
	s.broadcast.ToRoom(msg.ChatID, data)
	return nil
}

// MarkRead flags every counterparty message in the chat as read and tells the
// room so unread badges can clear.
func (s *Service) MarkRead(ctx context.Context, chatID, readerID string) error {
	if chatID == "" {
		return validationErr("chat_id is required")
	}
	if err := s.store.MarkMessagesRead(ctx, chatID, readerID); err != nil {
		return upstreamErr(err, "failed to mark messages read")
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		ChatID:   chatID,
		ReaderID: readerID,
	})
	if err != nil {
		log.Printf("pipeline: build messages:read failed: %v", err)
		return nil
	}
	s.broadcast.ToRoom(chatID, data)
	return nil
}

// LabelChat upserts the user's classification tag on a conversation.
func (s *Service) LabelChat(ctx context.Context, chatID, userID, label string) error {
	if chatID == "" {
		return validationErr("chat_id is required")
	}
	switch label {
	case LabelGood, LabelBad, LabelMedium:
	default:
		return validationErr("label must be one of GOOD, BAD, MEDIUM")
	}
	if err := s.store.UpsertChatLabel(ctx, chatID, userID, label); err != nil {
		return upstreamErr(err, "failed to store label")
	}
	return nil
}

// WatchChat assigns a moderator as a watcher of the chat and stamps their
// last-viewed time. Callers must gate on a privileged role.
func (s *Service) WatchChat(ctx context.Context, chatID, monitorID string, privileged bool) error {
	if !privileged {
		return authorizationErr("watching chats requires a moderation role")
	}
	if chatID == "" {
		return validationErr("chat_id is required")
	}
	if err := s.store.UpsertChatMonitor(ctx, chatID, monitorID); err != nil {
		return upstreamErr(err, "failed to assign monitor")
	}
	if err := s.store.TouchMonitorView(ctx, chatID, monitorID, time.Now()); err != nil {
		log.Printf("pipeline: touch monitor view chat=%s monitor=%s failed: %v", chatID, monitorID, err)
	}
	return nil
}

// scanContent runs the prohibited-term filter and records a moderation alert
// for non-privileged senders. Runs on its own goroutine.
func (s *Service) scanContent(msg *Message, privileged bool) {
	matched := s.filter.Match(msg.Content)
	if len(matched) == 0 || privileged {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alert := &Alert{
		ID:        uuid.New().String(),
		UserID:    msg.SenderID,
		ChatID:    msg.ChatID,
		Summary:   fmt.Sprintf("message matched %d prohibited term(s): %v", len(matched), matched),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateAlert(ctx, alert); err != nil {
		log.Printf("pipeline: create alert chat=%s user=%s failed: %v", msg.ChatID, msg.SenderID, err)
		return
	}
	metrics.AlertsTotal.Inc()
	log.Printf("pipeline: alert chat=%s user=%s terms=%v", msg.ChatID, msg.SenderID, matched)
}

// notifyCounterparty creates a notification for the participant who did not
// send the message. Failures are logged and never roll back delivery.
func (s *Service) notifyCounterparty(ctx context.Context, ch *Chat, msg *Message) {
	other := ch.Counterparty(msg.SenderID)
	if other == "" {
		return
	}

	n := &Notification{
		ID:        uuid.New().String(),
		UserID:    other,
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		Preview:   preview(msg.Content),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		log.Printf("pipeline: notify user=%s chat=%s failed: %v", other, msg.ChatID, err)
	}
}

// broadcastMessage emits the persisted message exactly once to its room. The
// sender receives it as a room member; no point-to-point echo is added.
func (s *Service) broadcastMessage(msg *Message) {
	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.MessageMsg{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		MsgType:   msg.MsgType,
		FileURL:   msg.FileURL,
		CreatedAt: msg.CreatedAt.Unix(),
	})
	if err != nil {
		log.Printf("pipeline: build message event failed: %v", err)
		return
	}
	s.broadcast.ToRoom(msg.ChatID, data)
}

// broadcastChatUpdated emits the lightweight summary to the monitor channel.
func (s *Service) broadcastChatUpdated(msg *Message, at time.Time) {
	data, err := protocol.NewServerMessage(protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Preview:   preview(msg.Content),
		UpdatedAt: at.Unix(),
	})
	if err != nil {
		log.Printf("pipeline: build chat:updated failed: %v", err)
		return
	}
	s.broadcast.ToMonitor(data)
}

// broadcastContactWarning replaces a blocked submission with a system-level
// warning in the room.
func (s *Service) broadcastContactWarning(chatID, senderID string) {
	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.MessageMsg{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   "Sharing contact information is not allowed. Please keep the conversation on the platform.",
		MsgType:   MsgTypeError,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		log.Printf("pipeline: build contact warning failed: %v", err)
		return
	}
	s.broadcast.ToRoom(chatID, data)
}

func normalizeMsgType(t string) string {
	switch t {
	case MsgTypeText, MsgTypeImage, MsgTypeFile, MsgTypeAdmin, MsgTypeMonitor, MsgTypeCall, MsgTypeMissed:
		return t
	default:
		return MsgTypeText
	}
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen]) + "…"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
