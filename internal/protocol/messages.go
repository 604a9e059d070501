// Package protocol defines the WebSocket event types and structures used for
// communication between marketplace clients and the realtime service. All
// events are serialized as JSON and follow a consistent envelope format with
// a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuth          = "auth"
	TypeJoinRoom      = "join:room"
	TypeLeaveRoom     = "leave:room"
	TypeSendMessage   = "send:message"
	TypeEditMessage   = "edit:message"
	TypeDeleteMessage = "delete:message"
	TypeReadMessages  = "read:messages"
	TypeLabelChat     = "label:chat"
	TypeWatchChat     = "watch:chat"
	TypePing          = "ping"

	TypeVideoRegister     = "video:register"
	TypeVideoCallUser     = "video:call-user"
	TypeVideoAcceptCall   = "video:accept-call"
	TypeVideoRejectCall   = "video:reject-call"
	TypeVideoEndCall      = "video:end-call"
	TypeVideoMediaStatus  = "video:media-status"
	TypeVideoOffer        = "video:offer"
	TypeVideoAnswer       = "video:answer"
	TypeVideoICECandidate = "video:ice-candidate"
)

// Server -> Client event types.
const (
	TypeAuthOK         = "auth:ok"
	TypeRoomJoined     = "room:joined"
	TypeMessage        = "message"
	TypeMessageEdited  = "message:edited"
	TypeMessageDeleted = "message:deleted"
	TypeMessagesRead   = "messages:read"
	TypeChatUpdated    = "chat:updated"
	TypeUserStatus     = "user:status-changed"
	TypeError          = "error"
	TypePong           = "pong"
	TypeRateLimited    = "rate_limited"

	TypeVideoIncomingCall = "video:incoming-call"
	TypeVideoCallAccepted = "video:call-accepted"
	TypeVideoCallRejected = "video:call-rejected"
	TypeVideoCallEnded    = "video:call-ended"
	TypeVideoUserOffline  = "video:user-offline"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// AuthMsg carries the bearer token whose claims identify the connecting user.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// JoinRoomMsg is sent by the client to enter a chat room. Joining a room
// leaves any other chat room the connection currently occupies.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// LeaveRoomMsg is sent by the client to leave a chat room. ChatID may be the
// literal "all" to clear every chat-room membership.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// SendMessageMsg is a chat message submission. UserID and SellerID are
// optional participant hints used when the chat row does not exist yet.
type SendMessageMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	MsgType  string `json:"msg_type,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	SellerID string `json:"seller_id,omitempty"`
}

// EditMessageMsg replaces the content of a previously sent message.
type EditMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// DeleteMessageMsg removes a previously sent message.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// ReadMessagesMsg marks all counterparty messages in a chat as read.
type ReadMessagesMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// LabelChatMsg upserts the sender's classification tag on a conversation.
type LabelChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Label  string `json:"label"` // GOOD | BAD | MEDIUM
}

// WatchChatMsg assigns the calling moderator as a watcher of a chat.
type WatchChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// VideoRegisterMsg announces the user's private signaling channel.
type VideoRegisterMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// VideoCallUserMsg initiates a call towards another user.
type VideoCallUserMsg struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	To          string `json:"to"`
	ChannelName string `json:"channel_name"`
	ChatID      string `json:"chat_id"`
}

// VideoAcceptCallMsg accepts the pending incoming call.
type VideoAcceptCallMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// VideoRejectCallMsg rejects the pending incoming call.
type VideoRejectCallMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// VideoEndCallMsg terminates an active call. Duration is the connected time
// in seconds as observed by the ending client. It is advisory only: the
// relay keeps its own connection timestamp and derives the recorded duration
// from that, so a client cannot misreport call length.
type VideoEndCallMsg struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	To       string `json:"to"`
	Duration int    `json:"duration,omitempty"`
}

// VideoMediaStatusMsg relays mute/camera toggles to the peer.
type VideoMediaStatusMsg struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	To     string `json:"to"`
	Mic    *bool  `json:"mic,omitempty"`
	Camera *bool  `json:"camera,omitempty"`
}

// VideoSignalMsg is an opaque WebRTC signaling payload (offer, answer or ICE
// candidate) relayed verbatim between peers. The server never inspects
// Payload.
type VideoSignalMsg struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// AuthOKMsg confirms the connection's resolved identity.
type AuthOKMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// RoomJoinedMsg confirms room entry and reports the resulting room size.
type RoomJoinedMsg struct {
	Type        string `json:"type"`
	ChatID      string `json:"chat_id"`
	Success     bool   `json:"success"`
	ClientCount int    `json:"client_count"`
}

// MessageMsg is a persisted chat message broadcast to its room.
type MessageMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	MsgType   string `json:"msg_type"`
	FileURL   string `json:"file_url,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// MessageEditedMsg notifies a room of an in-place content edit.
type MessageEditedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
}

// MessageDeletedMsg notifies a room of a message removal.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// MessagesReadMsg notifies a room that one participant caught up.
type MessagesReadMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	ReaderID string `json:"reader_id"`
}

// ChatUpdatedMsg is the lightweight summary emitted to the monitor channel so
// moderator dashboards can refresh without re-fetching full history.
type ChatUpdatedMsg struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Preview   string `json:"preview"`
	UpdatedAt int64  `json:"updated_at"`
}

// UserStatusMsg announces a presence transition to all connections.
type UserStatusMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

// VideoIncomingCallMsg is delivered to the callee's private channel.
type VideoIncomingCallMsg struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	ChannelName string `json:"channel_name"`
	ChatID      string `json:"chat_id"`
}

// VideoCallAcceptedMsg is delivered to the caller's private channel. On
// receipt the caller initiates the offer/answer exchange.
type VideoCallAcceptedMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// VideoCallRejectedMsg is delivered to the caller's private channel.
type VideoCallRejectedMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// VideoCallEndedMsg is delivered to the peer's private channel.
type VideoCallEndedMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// VideoUserOfflineMsg tells the caller the callee has no registered channel.
type VideoUserOfflineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RateLimitedMsg is sent when the client exceeded the message rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReadMessages:
		var m ReadMessagesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLabelChat:
		var m LabelChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWatchChat:
		var m WatchChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVideoRegister:
		var m VideoRegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVideoCallUser:
		var m VideoCallUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVideoAcceptCall:
		var m VideoAcceptCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVideoRejectCall:
		var m VideoRejectCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVideoEndCall:
		var m VideoEndCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVideoMediaStatus:
		var m VideoMediaStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVideoOffer, TypeVideoAnswer, TypeVideoICECandidate:
		var m VideoSignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
