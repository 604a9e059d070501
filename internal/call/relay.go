// Package call relays WebRTC signaling between marketplace users and tracks
// one call session per user pair. The server never inspects SDP or ICE
// payloads; it only routes them and records call outcomes (completed or
// missed) as chat messages.
package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradepost/realtime/internal/chat"
	"github.com/tradepost/realtime/internal/metrics"
	"github.com/tradepost/realtime/internal/protocol"
)

// State is the lifecycle phase of a call session.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Sender delivers an event to every live connection of a user (local tabs
// plus cross-instance mirror).
type Sender interface {
	ToUser(userID string, data []byte)
}

// Recorder persists call outcomes into the chat the call belonged to.
type Recorder interface {
	CreateMessage(ctx context.Context, m *chat.Message) error
	TouchChat(ctx context.Context, id string, at time.Time) error
}

// session is the state held for one user pair. The pair key is order
// independent; caller/callee record the direction of the current attempt.
type session struct {
	state       State
	caller      string
	callee      string
	chatID      string
	channelName string
	startedAt   time.Time
	connectedAt time.Time
}

// Relay routes call signaling and owns the per-pair session table. A user
// must register a signaling channel (at connect time) before they can be
// called; calling an unregistered user produces a missed-call record.
type Relay struct {
	send     Sender
	recorder Recorder

	mu         sync.Mutex
	registered map[string]int      // userID -> live signaling registrations
	sessions   map[string]*session // pair key -> session
}

// NewRelay creates a Relay delivering through send and recording outcomes
// through recorder.
func NewRelay(send Sender, recorder Recorder) *Relay {
	return &Relay{
		send:       send,
		recorder:   recorder,
		registered: make(map[string]int),
		sessions:   make(map[string]*session),
	}
}

// pairKey builds the order-independent session key for two users.
func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// Register announces a live signaling channel for the user. Counted per
// connection so closing one of several tabs does not deregister the user.
func (r *Relay) Register(userID string) {
	r.mu.Lock()
	r.registered[userID]++
	r.mu.Unlock()
}

// Registered reports whether the user currently has a signaling channel.
func (r *Relay) Registered(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[userID] > 0
}

// StateOf returns the session state for a user pair (StateIdle when no
// session exists).
func (r *Relay) StateOf(a, b string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[pairKey(a, b)]; ok {
		return s.state
	}
	return StateIdle
}

// CallUser initiates a call. When the callee has no signaling channel the
// attempt is recorded as a missed call and the caller is told the peer is
// offline; no session is created. When the pair already has a live session
// the attempt is refused.
func (r *Relay) CallUser(ctx context.Context, from, to, channelName, chatID string) error {
	if from == "" || to == "" {
		return fmt.Errorf("call: caller and callee are required")
	}

	r.mu.Lock()
	if s, ok := r.sessions[pairKey(from, to)]; ok && s.state != StateEnded {
		r.mu.Unlock()
		return fmt.Errorf("call: pair %s/%s already in a call (%s)", from, to, s.state)
	}

	if r.registered[to] == 0 {
		r.mu.Unlock()
		r.recordOutcome(ctx, from, chatID, chat.MsgTypeMissed, 0)
		r.notifyUser(from, protocol.TypeVideoUserOffline, protocol.VideoUserOfflineMsg{UserID: to})
		return nil
	}

	r.sessions[pairKey(from, to)] = &session{
		state:       StateRinging,
		caller:      from,
		callee:      to,
		chatID:      chatID,
		channelName: channelName,
		startedAt:   time.Now(),
	}
	r.mu.Unlock()

	metrics.CallsActive.Inc()
	r.notifyUser(to, protocol.TypeVideoIncomingCall, protocol.VideoIncomingCallMsg{
		From:        from,
		ChannelName: channelName,
		ChatID:      chatID,
	})
	return nil
}

// Accept transitions the ringing session to connected and tells the caller,
// who then initiates the offer/answer exchange. from is the callee.
func (r *Relay) Accept(from, to string) error {
	r.mu.Lock()
	s, ok := r.sessions[pairKey(from, to)]
	if !ok || s.state != StateRinging {
		r.mu.Unlock()
		return fmt.Errorf("call: no ringing call between %s and %s", from, to)
	}
	s.state = StateConnected
	s.connectedAt = time.Now()
	r.mu.Unlock()

	r.notifyUser(to, protocol.TypeVideoCallAccepted, protocol.VideoCallAcceptedMsg{From: from})
	return nil
}

// Reject terminates a ringing session. The attempt is recorded as a missed
// call and the peer is notified.
func (r *Relay) Reject(ctx context.Context, from, to string) error {
	r.mu.Lock()
	s, ok := r.sessions[pairKey(from, to)]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("call: no call between %s and %s", from, to)
	}
	delete(r.sessions, pairKey(from, to))
	r.mu.Unlock()

	metrics.CallsActive.Dec()
	r.recordOutcome(ctx, s.caller, s.chatID, chat.MsgTypeMissed, 0)
	r.notifyUser(to, protocol.TypeVideoCallRejected, protocol.VideoCallRejectedMsg{From: from})
	return nil
}

// End terminates a session in any live state. A session with positive
// connected time is recorded as a completed call, anything else as missed.
func (r *Relay) End(ctx context.Context, from, to string) error {
	r.mu.Lock()
	s, ok := r.sessions[pairKey(from, to)]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("call: no call between %s and %s", from, to)
	}
	delete(r.sessions, pairKey(from, to))
	r.mu.Unlock()

	metrics.CallsActive.Dec()
	r.finish(ctx, s, from)
	r.notifyUser(to, protocol.TypeVideoCallEnded, protocol.VideoCallEndedMsg{From: from})
	return nil
}

// Signal relays an opaque WebRTC payload (offer, answer, ICE candidate) to
// the recipient's private channel. The payload is never inspected.
func (r *Relay) Signal(msgType string, msg protocol.VideoSignalMsg) {
	r.notifyUser(msg.To, msgType, protocol.VideoSignalMsg{
		From:    msg.From,
		To:      msg.To,
		Payload: msg.Payload,
	})
}

// MediaStatus relays a mute/camera toggle to the peer.
func (r *Relay) MediaStatus(msg protocol.VideoMediaStatusMsg) {
	r.notifyUser(msg.To, protocol.TypeVideoMediaStatus, protocol.VideoMediaStatusMsg{
		From:   msg.From,
		To:     msg.To,
		Mic:    msg.Mic,
		Camera: msg.Camera,
	})
}

// Disconnect tears down one signaling registration for the user. When a
// session involves the user it is destroyed, the outcome recorded, and the
// peer notified, so a dropped socket cannot leave the peer ringing forever.
func (r *Relay) Disconnect(ctx context.Context, userID string) {
	r.mu.Lock()
	if n := r.registered[userID]; n <= 1 {
		delete(r.registered, userID)
	} else {
		r.registered[userID] = n - 1
	}

	var ended []*session
	for key, s := range r.sessions {
		if s.caller == userID || s.callee == userID {
			delete(r.sessions, key)
			ended = append(ended, s)
		}
	}
	r.mu.Unlock()

	for _, s := range ended {
		metrics.CallsActive.Dec()
		peer := s.caller
		if peer == userID {
			peer = s.callee
		}
		r.finish(ctx, s, userID)
		r.notifyUser(peer, protocol.TypeVideoCallEnded, protocol.VideoCallEndedMsg{From: userID})
	}
}

// finish records the session outcome as a chat message.
func (r *Relay) finish(ctx context.Context, s *session, endedBy string) {
	if !s.connectedAt.IsZero() {
		duration := time.Since(s.connectedAt)
		if duration > 0 {
			r.recordOutcome(ctx, endedBy, s.chatID, chat.MsgTypeCall, duration)
			return
		}
	}
	r.recordOutcome(ctx, s.caller, s.chatID, chat.MsgTypeMissed, 0)
}

// recordOutcome persists a call or missed-call message in the chat. Failures
// are logged; signaling is never blocked on storage.
func (r *Relay) recordOutcome(ctx context.Context, senderID, chatID, msgType string, duration time.Duration) {
	if r.recorder == nil || chatID == "" {
		return
	}

	content := "Missed video call"
	if msgType == chat.MsgTypeCall {
		content = fmt.Sprintf("Video call · %s", duration.Round(time.Second))
	}

	now := time.Now()
	m := &chat.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		MsgType:   msgType,
		CreatedAt: now,
	}
	if err := r.recorder.CreateMessage(ctx, m); err != nil {
		log.Printf("[call] record outcome chat=%s: %v", chatID, err)
		return
	}
	if err := r.recorder.TouchChat(ctx, chatID, now); err != nil {
		log.Printf("[call] touch chat=%s: %v", chatID, err)
	}
}

// notifyUser builds a typed server event and delivers it to the user's
// private channel.
func (r *Relay) notifyUser(userID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[call] build %s for user=%s: %v", msgType, userID, err)
		return
	}
	r.send.ToUser(userID, data)
}
