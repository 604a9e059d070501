package ws

import (
	"strings"
	"sync"

	"github.com/tradepost/realtime/internal/metrics"
)

// Reserved room names. Chat rooms use the chat id directly; user identity
// rooms are prefixed so a chat id can never collide with them.
const (
	RoomMonitor    = "monitor"
	UserRoomPrefix = "user."
)

// UserRoom returns the private identity room name for a user. Every
// authenticated connection of the user is a member; call signaling and
// direct notifications are delivered here.
func UserRoom(userID string) string {
	return UserRoomPrefix + userID
}

// Mirror publishes a locally originated room event to the other server
// instances. chatID is the bare room name (no prefix).
type Mirror func(chatID string, data []byte)

// RoomManager tracks room membership for local connections. A connection may
// be a member of at most ONE chat room at a time; its identity room and (for
// privileged roles) the monitor room are orthogonal memberships that chat
// room changes never touch.
type RoomManager struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*Connection // room -> conn_id -> Connection
	chatRoom map[string]string                 // conn_id -> current chat room ("" if none)

	mirror Mirror
}

// NewRoomManager creates an empty RoomManager.
func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]map[string]*Connection),
		chatRoom: make(map[string]string),
	}
}

// SetMirror installs the cross-instance publish hook. Nil disables mirroring
// (single-instance deployments and tests).
func (rm *RoomManager) SetMirror(m Mirror) {
	rm.mirror = m
}

// JoinChat moves the connection into the chat room, leaving whatever chat
// room it was in before. Returns the resulting member count of the joined
// room. Identity and monitor memberships are unaffected.
func (rm *RoomManager) JoinChat(conn *Connection, chatID string) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if prev := rm.chatRoom[conn.ID]; prev != "" && prev != chatID {
		rm.removeLocked(prev, conn.ID)
	}
	rm.addLocked(chatID, conn)
	rm.chatRoom[conn.ID] = chatID
	return len(rm.rooms[chatID])
}

// LeaveChat removes the connection from the named chat room if it is a
// member. Leaving "all" clears the connection's chat membership regardless
// of room, without touching identity or monitor rooms.
func (rm *RoomManager) LeaveChat(conn *Connection, chatID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	current := rm.chatRoom[conn.ID]
	if current == "" {
		return
	}
	if chatID != "all" && chatID != current {
		return
	}
	rm.removeLocked(current, conn.ID)
	delete(rm.chatRoom, conn.ID)
}

// JoinUserRoom adds the connection to its user's private identity room.
func (rm *RoomManager) JoinUserRoom(conn *Connection) {
	rm.mu.Lock()
	rm.addLocked(UserRoom(conn.UserID), conn)
	rm.mu.Unlock()
}

// JoinMonitor adds the connection to the monitor broadcast room.
func (rm *RoomManager) JoinMonitor(conn *Connection) {
	rm.mu.Lock()
	rm.addLocked(RoomMonitor, conn)
	rm.mu.Unlock()
}

// Drop removes the connection from every room it is a member of. Called on
// disconnect.
func (rm *RoomManager) Drop(conn *Connection) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if current := rm.chatRoom[conn.ID]; current != "" {
		rm.removeLocked(current, conn.ID)
		delete(rm.chatRoom, conn.ID)
	}
	if conn.UserID != "" {
		rm.removeLocked(UserRoom(conn.UserID), conn.ID)
	}
	rm.removeLocked(RoomMonitor, conn.ID)
}

// CurrentChat returns the chat room the connection is in, or "".
func (rm *RoomManager) CurrentChat(connID string) string {
	rm.mu.RLock()
	room := rm.chatRoom[connID]
	rm.mu.RUnlock()
	return room
}

// Members returns the number of local members of a room.
func (rm *RoomManager) Members(room string) int {
	rm.mu.RLock()
	n := len(rm.rooms[room])
	rm.mu.RUnlock()
	return n
}

// RoomCount returns the number of non-empty local rooms.
func (rm *RoomManager) RoomCount() int {
	rm.mu.RLock()
	n := len(rm.rooms)
	rm.mu.RUnlock()
	return n
}

// ToRoom delivers data to every local member of the chat room and mirrors it
// to the other server instances.
func (rm *RoomManager) ToRoom(chatID string, data []byte) {
	rm.deliverLocal(chatID, data)
	if rm.mirror != nil {
		rm.mirror(chatID, data)
	}
}

// ToMonitor delivers data to every local monitor member. Monitor mirroring
// goes over its own subject, wired by the caller.
func (rm *RoomManager) ToMonitor(data []byte) {
	rm.deliverLocal(RoomMonitor, data)
}

// ToUser delivers data to every local connection in the user's identity
// room. Returns the number of local connections reached.
func (rm *RoomManager) ToUser(userID string, data []byte) int {
	return rm.deliverLocal(UserRoom(userID), data)
}

// DeliverLocal writes data to local members of the room without mirroring.
// Used for events arriving FROM the fan-out backbone, so they are not
// re-published in a loop.
func (rm *RoomManager) DeliverLocal(room string, data []byte) {
	rm.deliverLocal(room, data)
}

func (rm *RoomManager) deliverLocal(room string, data []byte) int {
	rm.mu.RLock()
	members := make([]*Connection, 0, len(rm.rooms[room]))
	for _, conn := range rm.rooms[room] {
		members = append(members, conn)
	}
	rm.mu.RUnlock()

	for _, conn := range members {
		_ = conn.WriteMessage(data)
	}
	return len(members)
}

func (rm *RoomManager) addLocked(room string, conn *Connection) {
	set, ok := rm.rooms[room]
	if !ok {
		set = make(map[string]*Connection)
		rm.rooms[room] = set
		if isChatRoom(room) {
			metrics.RoomsActive.Inc()
		}
	}
	set[conn.ID] = conn
}

func (rm *RoomManager) removeLocked(room string, connID string) {
	if set, ok := rm.rooms[room]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(rm.rooms, room)
			if isChatRoom(room) {
				metrics.RoomsActive.Dec()
			}
		}
	}
}

// isChatRoom distinguishes chat rooms from the reserved identity and
// monitor rooms.
func isChatRoom(room string) bool {
	return room != RoomMonitor && !strings.HasPrefix(room, UserRoomPrefix)
}
