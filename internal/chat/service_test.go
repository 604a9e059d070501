package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tradepost/realtime/internal/metrics"
	"github.com/tradepost/realtime/internal/moderation"
)

// fakeStore is an in-memory Store double. All methods are goroutine-safe so
// the asynchronous moderation scan can race with test assertions.
type fakeStore struct {
	mu            sync.Mutex
	chats         map[string]*Chat
	messages      map[string]*Message
	alerts        []*Alert
	notifications []*Notification
	senders       map[string][]string // chatID -> distinct prior senders

	failCreateMessage bool
	failNotification  bool
	failTouch         bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    make(map[string]*Chat),
		messages: make(map[string]*Message),
		senders:  make(map[string][]string),
	}
}

func (f *fakeStore) FindRecentDuplicate(_ context.Context, chatID, senderID, content string, window time.Duration) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for _, m := range f.messages {
		if m.ChatID == chatID && m.SenderID == senderID && m.Content == content && m.CreatedAt.After(cutoff) {
			return m, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateMessage {
		return errors.New("db down")
	}
	f.messages[msg.ID] = msg
	return nil
}

func (f *fakeStore) CreateMessages(_ context.Context, msgs []*Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.messages[m.ID] = m
	}
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id], nil
}

func (f *fakeStore) UpdateMessageContent(_ context.Context, id, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return errors.New("missing message")
	}
	m.Content = content
	return nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) MarkMessagesRead(_ context.Context, chatID, readerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ChatID == chatID && m.SenderID != readerID {
			m.Read = true
		}
	}
	return nil
}

func (f *fakeStore) FindChat(_ context.Context, id string) (*Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[id], nil
}

func (f *fakeStore) CreateChat(_ context.Context, c *Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[c.ID] = c
	return nil
}

func (f *fakeStore) TouchChat(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTouch {
		return errors.New("db down")
	}
	if c, ok := f.chats[id]; ok {
		c.UpdatedAt = at
	}
	return nil
}

func (f *fakeStore) DistinctSenders(_ context.Context, chatID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senders[chatID], nil
}

func (f *fakeStore) UpsertChatLabel(_ context.Context, chatID, userID, label string) error {
	return nil
}

func (f *fakeStore) UpsertChatMonitor(_ context.Context, chatID, monitorID string) error {
	return nil
}

func (f *fakeStore) TouchMonitorView(_ context.Context, chatID, monitorID string, at time.Time) error {
	return nil
}

func (f *fakeStore) CreateAlert(_ context.Context, a *Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeStore) CreateNotification(_ context.Context, n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNotification {
		return errors.New("notification service down")
	}
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakeBroadcaster records every emission per room plus monitor traffic.
type fakeBroadcaster struct {
	mu      sync.Mutex
	rooms   map[string][][]byte
	monitor [][]byte
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{rooms: make(map[string][][]byte)}
}

func (b *fakeBroadcaster) ToRoom(roomID string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[roomID] = append(b.rooms[roomID], data)
}

func (b *fakeBroadcaster) ToMonitor(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.monitor = append(b.monitor, data)
}

func (b *fakeBroadcaster) roomEvents(roomID string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.rooms[roomID]))
	copy(out, b.rooms[roomID])
	return out
}

func (b *fakeBroadcaster) monitorEvents() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.monitor))
	copy(out, b.monitor)
	return out
}

func newTestService() (*Service, *fakeStore, *fakeBroadcaster) {
	store := newFakeStore()
	bc := newFakeBroadcaster()
	filter := moderation.NewFilter([]string{"spam", "buy now"})
	return NewService(store, filter, bc), store, bc
}

func decodeEvent(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("event is not valid JSON: %v", err)
	}
	return m
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmit_MissingFields(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()

	tests := []struct {
		name string
		in   SubmitInput
	}{
		{"no chat id", SubmitInput{SenderID: "u1", Content: "hi"}},
		{"no sender", SubmitInput{ChatID: "c1", Content: "hi"}},
		{"no content", SubmitInput{ChatID: "c1", SenderID: "u1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if store.messageCount() != 0 {
		t.Errorf("messages persisted = %d, want 0", store.messageCount())
	}
	if len(bc.roomEvents("c1")) != 0 {
		t.Errorf("broadcasts = %d, want 0", len(bc.roomEvents("c1")))
	}
}

func TestSubmit_HappyPath_CreatesChatAndNotifies(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()

	msg, err := svc.Submit(ctx, SubmitInput{
		ChatID:   "c1",
		SenderID: "u1",
		Content:  "hi",
		UserID:   "u1",
		SellerID: "u2",
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("persisted message has no id")
	}

	store.mu.Lock()
	ch := store.chats["c1"]
	notifs := len(store.notifications)
	var notifTarget string
	if notifs > 0 {
		notifTarget = store.notifications[0].UserID
	}
	store.mu.Unlock()

	if ch == nil {
		t.Fatal("chat row was not created")
	}
	if ch.ParticipantA != "u1" || ch.ParticipantB != "u2" {
		t.Errorf("participants = %s,%s, want u1,u2", ch.ParticipantA, ch.ParticipantB)
	}
	if notifs != 1 || notifTarget != "u2" {
		t.Errorf("notifications = %d target=%q, want exactly one for u2", notifs, notifTarget)
	}

	events := bc.roomEvents("c1")
	if len(events) != 1 {
		t.Fatalf("room broadcasts = %d, want exactly 1", len(events))
	}
	ev := decodeEvent(t, events[0])
	if ev["type"] != "message" || ev["id"] != msg.ID {
		t.Errorf("unexpected broadcast: %v", ev)
	}

	mons := bc.monitorEvents()
	if len(mons) != 1 {
		t.Fatalf("monitor broadcasts = %d, want 1", len(mons))
	}
	if mev := decodeEvent(t, mons[0]); mev["type"] != "chat:updated" {
		t.Errorf("monitor event type = %v, want chat:updated", mev["type"])
	}
}

func TestSubmit_IdempotentWithinWindow(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()

	in := SubmitInput{ChatID: "c1", SenderID: "u1", Content: "hello", UserID: "u1", SellerID: "u2"}

	first, err := svc.Submit(ctx, in)
	if err != nil {
		t.Fatalf("first Submit error: %v", err)
	}
	second, err := svc.Submit(ctx, in)
	if err != nil {
		t.Fatalf("second Submit error: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("duplicate submission produced a new row: %s vs %s", first.ID, second.ID)
	}
	if store.messageCount() != 1 {
		t.Errorf("persisted messages = %d, want 1", store.messageCount())
	}
	if got := len(bc.roomEvents("c1")); got != 1 {
		t.Errorf("broadcasts with identical content = %d, want 1", got)
	}
}

func TestSubmit_ContactBlocked(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{
		ChatID:   "c1",
		SenderID: "u1",
		Content:  "email me at u1@example.com",
		UserID:   "u1",
		SellerID: "u2",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.messageCount() != 0 {
		t.Errorf("blocked content was persisted (%d rows)", store.messageCount())
	}

	events := bc.roomEvents("c1")
	if len(events) != 1 {
		t.Fatalf("room broadcasts = %d, want 1 warning", len(events))
	}
	ev := decodeEvent(t, events[0])
	if ev["msg_type"] != MsgTypeError {
		t.Errorf("warning msg_type = %v, want %s", ev["msg_type"], MsgTypeError)
	}
	if strings.Contains(ev["content"].(string), "u1@example.com") {
		t.Error("warning leaked the original content")
	}
}

func TestSubmit_RecoversChatFromPriorSenders(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	store.senders["c9"] = []string{"u5", "u6"}

	if _, err := svc.Submit(ctx, SubmitInput{ChatID: "c9", SenderID: "u5", Content: "back again"}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	store.mu.Lock()
	ch := store.chats["c9"]
	store.mu.Unlock()
	if ch == nil {
		t.Fatal("chat was not recovered")
	}
	if ch.ParticipantA != "u5" || ch.ParticipantB != "u6" {
		t.Errorf("recovered participants = %s,%s, want u5,u6", ch.ParticipantA, ch.ParticipantB)
	}
}

func TestSubmit_RecoveryFailsClosed(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()

	// Only one distinct prior sender, no participant hints.
	store.senders["c9"] = []string{"u5"}

	_, err := svc.Submit(ctx, SubmitInput{ChatID: "c9", SenderID: "u5", Content: "hello?"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if got := len(bc.roomEvents("c9")); got != 0 {
		t.Errorf("broadcasts = %d, want 0", got)
	}
}

func TestSubmit_UpstreamFailureNotBroadcast(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()
	store.failCreateMessage = true

	failedBefore := testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues("failed"))

	_, err := svc.Submit(ctx, SubmitInput{
		ChatID: "c1", SenderID: "u1", Content: "hi", UserID: "u1", SellerID: "u2",
	})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if got := len(bc.roomEvents("c1")); got != 0 {
		t.Errorf("failed message was broadcast %d times", got)
	}
	if got := testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues("failed")); got != failedBefore+1 {
		t.Errorf("failed counter = %v, want %v", got, failedBefore+1)
	}
}

func TestSubmit_NotificationFailureDoesNotBlockDelivery(t *testing.T) {
	svc, _, bc := newTestService()
	ctx := context.Background()

	store := svc.store.(*fakeStore)
	store.failNotification = true

	if _, err := svc.Submit(ctx, SubmitInput{
		ChatID: "c1", SenderID: "u1", Content: "hi", UserID: "u1", SellerID: "u2",
	}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if got := len(bc.roomEvents("c1")); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}
}

func TestSubmit_ModerationAlertForProhibitedTerm(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitInput{
		ChatID: "c1", SenderID: "u1", Content: "this is spam", UserID: "u1", SellerID: "u2",
	}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	// Delivery is not blocked by the scan.
	if got := len(bc.roomEvents("c1")); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}

	waitFor(t, func() bool { return store.alertCount() == 1 })

	store.mu.Lock()
	alert := store.alerts[0]
	store.mu.Unlock()
	if alert.UserID != "u1" || alert.ChatID != "c1" {
		t.Errorf("alert = %+v, want user u1 chat c1", alert)
	}
	if strings.Contains(alert.Summary, "this is spam") {
		t.Error("alert stored the verbatim message text")
	}
}

func TestSubmit_NoAlertForPrivilegedSender(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitInput{
		ChatID: "c1", SenderID: "mod1", Content: "flagging spam here", UserID: "mod1", SellerID: "u2",
		Privileged: true,
	}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	// Give the async scan a moment; it must not produce an alert.
	time.Sleep(50 * time.Millisecond)
	if store.alertCount() != 0 {
		t.Errorf("alerts = %d, want 0 for privileged sender", store.alertCount())
	}
}

func TestSubmit_WholeWordModeration(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	// "spamming" must not match the single word "spam".
	if _, err := svc.Submit(ctx, SubmitInput{
		ChatID: "c1", SenderID: "u1", Content: "no spamming here", UserID: "u1", SellerID: "u2",
	}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if store.alertCount() != 0 {
		t.Fatalf("alerts = %d, want 0 for non-whole-word match", store.alertCount())
	}

	// "buy now" matches as a substring.
	if _, err := svc.Submit(ctx, SubmitInput{
		ChatID: "c1", SenderID: "u1", Content: "you must buy nowadays stock", UserID: "u1", SellerID: "u2",
	}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitFor(t, func() bool { return store.alertCount() == 1 })
}

func TestEdit_Authorization(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()

	msg, err := svc.Submit(ctx, SubmitInput{
		ChatID: "c1", SenderID: "u1", Content: "typo", UserID: "u1", SellerID: "u2",
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	if err := svc.Edit(ctx, msg.ID, "u2", "hijacked"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	store.mu.Lock()
	content := store.messages[msg.ID].Content
	store.mu.Unlock()
	if content != "typo" {
		t.Errorf("message mutated by unauthorized edit: %q", content)
	}

	if err := svc.Edit(ctx, msg.ID, "u1", "fixed"); err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	events := bc.roomEvents("c1")
	last := decodeEvent(t, events[len(events)-1])
	if last["type"] != "message:edited" || last["content"] != "fixed" {
		t.Errorf("unexpected edit broadcast: %v", last)
	}
}

func TestDelete_Authorization(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()

	msg, err := svc.Submit(ctx, SubmitInput{
		ChatID: "c1", SenderID: "u1", Content: "oops", UserID: "u1", SellerID: "u2",
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	if err := svc.Delete(ctx, msg.ID, "u2"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if store.messageCount() != 1 {
		t.Fatal("message deleted by unauthorized requester")
	}

	if err := svc.Delete(ctx, msg.ID, "u1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if store.messageCount() != 0 {
		t.Error("message still present after delete")
	}

	events := bc.roomEvents("c1")
	last := decodeEvent(t, events[len(events)-1])
	if last["type"] != "message:deleted" || last["message_id"] != msg.ID {
		t.Errorf("unexpected delete broadcast: %v", last)
	}
}

func TestDelete_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	if err := svc.Delete(context.Background(), "nope", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestLabelChat(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if err := svc.LabelChat(ctx, "c1", "u1", "GOOD"); err != nil {
		t.Fatalf("LabelChat error: %v", err)
	}
	if err := svc.LabelChat(ctx, "c1", "u1", "TERRIBLE"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown label, got %v", err)
	}
}

func TestWatchChat_RequiresPrivilege(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if err := svc.WatchChat(ctx, "c1", "u1", false); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if err := svc.WatchChat(ctx, "c1", "mod1", true); err != nil {
		t.Fatalf("WatchChat error: %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	svc, store, bc := newTestService()
	ctx := context.Background()

	msg, err := svc.Submit(ctx, SubmitInput{
		ChatID: "c1", SenderID: "u1", Content: "read me", UserID: "u1", SellerID: "u2",
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	if err := svc.MarkRead(ctx, "c1", "u2"); err != nil {
		t.Fatalf("MarkRead error: %v", err)
	}

	store.mu.Lock()
	read := store.messages[msg.ID].Read
	store.mu.Unlock()
	if !read {
		t.Error("counterparty message not flagged read")
	}

	events := bc.roomEvents("c1")
	last := decodeEvent(t, events[len(events)-1])
	if last["type"] != "messages:read" || last["reader_id"] != "u2" {
		t.Errorf("unexpected read broadcast: %v", last)
	}
}
