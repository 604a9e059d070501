package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tradepost/realtime/internal/chat"
	"github.com/tradepost/realtime/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	events map[string][]map[string]interface{} // userID -> decoded events
}

func newFakeSender() *fakeSender {
	return &fakeSender{events: make(map[string][]map[string]interface{})}
}

func (f *fakeSender) ToUser(userID string, data []byte) {
	var decoded map[string]interface{}
	_ = json.Unmarshal(data, &decoded)
	f.mu.Lock()
	f.events[userID] = append(f.events[userID], decoded)
	f.mu.Unlock()
}

func (f *fakeSender) lastType(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events[userID]
	if len(evs) == 0 {
		return ""
	}
	t, _ := evs[len(evs)-1]["type"].(string)
	return t
}

func (f *fakeSender) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[userID])
}

type fakeRecorder struct {
	mu       sync.Mutex
	messages []*chat.Message
}

func (f *fakeRecorder) CreateMessage(_ context.Context, m *chat.Message) error {
	f.mu.Lock()
	f.messages = append(f.messages, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeRecorder) TouchChat(context.Context, string, time.Time) error { return nil }

func (f *fakeRecorder) lastMessage() *chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil
	}
	return f.messages[len(f.messages)-1]
}

func newTestRelay() (*Relay, *fakeSender, *fakeRecorder) {
	send := newFakeSender()
	rec := &fakeRecorder{}
	return NewRelay(send, rec), send, rec
}

func TestCallUser_OfflineCallee(t *testing.T) {
	relay, send, rec := newTestRelay()
	ctx := context.Background()

	if err := relay.CallUser(ctx, "alice", "bob", "chan-1", "chat-1"); err != nil {
		t.Fatalf("CallUser() error: %v", err)
	}

	if got := send.lastType("alice"); got != protocol.TypeVideoUserOffline {
		t.Errorf("expected caller to get %s, got %q", protocol.TypeVideoUserOffline, got)
	}
	if send.count("bob") != 0 {
		t.Error("expected nothing delivered to the offline callee")
	}
	m := rec.lastMessage()
	if m == nil || m.MsgType != chat.MsgTypeMissed {
		t.Fatalf("expected a missed-call record, got %+v", m)
	}
	if got := relay.StateOf("alice", "bob"); got != StateIdle {
		t.Errorf("expected no session for offline callee, state=%s", got)
	}
}

func TestCallUser_RingsRegisteredCallee(t *testing.T) {
	relay, send, _ := newTestRelay()
	relay.Register("bob")

	if err := relay.CallUser(context.Background(), "alice", "bob", "chan-1", "chat-1"); err != nil {
		t.Fatalf("CallUser() error: %v", err)
	}

	if got := send.lastType("bob"); got != protocol.TypeVideoIncomingCall {
		t.Errorf("expected callee to get %s, got %q", protocol.TypeVideoIncomingCall, got)
	}
	if got := relay.StateOf("alice", "bob"); got != StateRinging {
		t.Errorf("expected StateRinging, got %s", got)
	}
}

func TestCallUser_BusyPairRefused(t *testing.T) {
	relay, _, _ := newTestRelay()
	relay.Register("bob")

	ctx := context.Background()
	if err := relay.CallUser(ctx, "alice", "bob", "chan-1", "chat-1"); err != nil {
		t.Fatalf("CallUser() error: %v", err)
	}
	if err := relay.CallUser(ctx, "bob", "alice", "chan-2", "chat-1"); err == nil {
		t.Fatal("expected second call on the same pair to be refused")
	}
}

func TestAccept_ConnectsAndNotifiesCallerOnly(t *testing.T) {
	relay, send, _ := newTestRelay()
	relay.Register("bob")
	relay.CallUser(context.Background(), "alice", "bob", "chan-1", "chat-1")

	if err := relay.Accept("bob", "alice"); err != nil {
		t.Fatalf("Accept() error: %v", err)
	}

	if got := relay.StateOf("alice", "bob"); got != StateConnected {
		t.Errorf("expected StateConnected, got %s", got)
	}
	if got := send.lastType("alice"); got != protocol.TypeVideoCallAccepted {
		t.Errorf("expected caller to get %s, got %q", protocol.TypeVideoCallAccepted, got)
	}
	// Callee saw only the original incoming-call event.
	if n := send.count("bob"); n != 1 {
		t.Errorf("expected callee to receive nothing on accept, got %d events", n)
	}
}

func TestAccept_WithoutRingingCall(t *testing.T) {
	relay, _, _ := newTestRelay()
	if err := relay.Accept("bob", "alice"); err == nil {
		t.Fatal("expected error accepting a call that does not exist")
	}
}

func TestReject_RecordsMissedCall(t *testing.T) {
	relay, send, rec := newTestRelay()
	relay.Register("bob")
	ctx := context.Background()
	relay.CallUser(ctx, "alice", "bob", "chan-1", "chat-1")

	if err := relay.Reject(ctx, "bob", "alice"); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}

	if got := send.lastType("alice"); got != protocol.TypeVideoCallRejected {
		t.Errorf("expected caller to get %s, got %q", protocol.TypeVideoCallRejected, got)
	}
	m := rec.lastMessage()
	if m == nil || m.MsgType != chat.MsgTypeMissed {
		t.Fatalf("expected a missed-call record, got %+v", m)
	}
	if m.SenderID != "alice" {
		t.Errorf("expected the missed call attributed to the caller, got %q", m.SenderID)
	}
	if got := relay.StateOf("alice", "bob"); got != StateIdle {
		t.Errorf("expected session destroyed, state=%s", got)
	}
}

func TestEnd_ConnectedCallRecordsCompletion(t *testing.T) {
	relay, send, rec := newTestRelay()
	relay.Register("bob")
	ctx := context.Background()
	relay.CallUser(ctx, "alice", "bob", "chan-1", "chat-1")
	relay.Accept("bob", "alice")

	// Backdate the connect time so the duration is positive.
	relay.mu.Lock()
	relay.sessions[pairKey("alice", "bob")].connectedAt = time.Now().Add(-42 * time.Second)
	relay.mu.Unlock()

	if err := relay.End(ctx, "alice", "bob"); err != nil {
		t.Fatalf("End() error: %v", err)
	}

	if got := send.lastType("bob"); got != protocol.TypeVideoCallEnded {
		t.Errorf("expected peer to get %s, got %q", protocol.TypeVideoCallEnded, got)
	}
	m := rec.lastMessage()
	if m == nil || m.MsgType != chat.MsgTypeCall {
		t.Fatalf("expected a completed-call record, got %+v", m)
	}
	if got := relay.StateOf("alice", "bob"); got != StateIdle {
		t.Errorf("expected session destroyed, state=%s", got)
	}
}

func TestEnd_NeverConnectedRecordsMissed(t *testing.T) {
	relay, _, rec := newTestRelay()
	relay.Register("bob")
	ctx := context.Background()
	relay.CallUser(ctx, "alice", "bob", "chan-1", "chat-1")

	if err := relay.End(ctx, "alice", "bob"); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	m := rec.lastMessage()
	if m == nil || m.MsgType != chat.MsgTypeMissed {
		t.Fatalf("expected a missed-call record for an unanswered call, got %+v", m)
	}
}

func TestSignal_OpaqueRelay(t *testing.T) {
	relay, send, _ := newTestRelay()

	payload := json.RawMessage(`{"sdp":"v=0...","anything":{"nested":true}}`)
	relay.Signal(protocol.TypeVideoOffer, protocol.VideoSignalMsg{
		From:    "alice",
		To:      "bob",
		Payload: payload,
	})

	send.mu.Lock()
	defer send.mu.Unlock()
	evs := send.events["bob"]
	if len(evs) != 1 {
		t.Fatalf("expected 1 event for bob, got %d", len(evs))
	}
	if evs[0]["type"] != protocol.TypeVideoOffer {
		t.Errorf("expected type %s, got %v", protocol.TypeVideoOffer, evs[0]["type"])
	}
	inner, ok := evs[0]["payload"].(map[string]interface{})
	if !ok || inner["sdp"] != "v=0..." {
		t.Errorf("expected opaque payload relayed verbatim, got %v", evs[0]["payload"])
	}
}

func TestDisconnect_DestroysSessionAndNotifiesPeer(t *testing.T) {
	relay, send, _ := newTestRelay()
	relay.Register("alice")
	relay.Register("bob")
	ctx := context.Background()
	relay.CallUser(ctx, "alice", "bob", "chan-1", "chat-1")
	relay.Accept("bob", "alice")

	relay.Disconnect(ctx, "alice")

	if got := send.lastType("bob"); got != protocol.TypeVideoCallEnded {
		t.Errorf("expected peer to get %s, got %q", protocol.TypeVideoCallEnded, got)
	}
	if got := relay.StateOf("alice", "bob"); got != StateIdle {
		t.Errorf("expected session destroyed after disconnect, state=%s", got)
	}
	if relay.Registered("alice") {
		t.Error("expected alice deregistered")
	}
	if !relay.Registered("bob") {
		t.Error("expected bob still registered")
	}
}

func TestRegister_CountedPerConnection(t *testing.T) {
	relay, _, _ := newTestRelay()
	relay.Register("alice")
	relay.Register("alice")

	relay.Disconnect(context.Background(), "alice")
	if !relay.Registered("alice") {
		t.Fatal("expected alice registered while one connection remains")
	}
	relay.Disconnect(context.Background(), "alice")
	if relay.Registered("alice") {
		t.Fatal("expected alice deregistered after the last disconnect")
	}
}
