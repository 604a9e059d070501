package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated identity and a write mutex for serializing outbound frames.
// UserID and Role are empty until the client authenticates.
type Connection struct {
	ID         string     // connection ID (UUID)
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	UserID     string     // authenticated user, "" while pending
	Role       string     // authenticated role, "" while pending
	CreatedAt  time.Time  // when the connection was established
	LastPing   time.Time  // last activity observed from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Authenticated reports whether the connection has an established identity.
func (c *Connection) Authenticated() bool {
	return c.UserID != ""
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry mapping connection IDs, file
// descriptors, and user IDs to their Connection objects. A user with several
// open tabs has several entries in the byUser index.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection            // conn_id -> Connection
	byFd   map[int]*Connection               // fd -> Connection
	byUser map[string]map[string]*Connection // user_id -> conn_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in the ID and fd lookup maps. If the
// connection already carries an identity it is indexed by user as well.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	if conn.UserID != "" {
		cm.indexUserLocked(conn)
	}
	cm.mu.Unlock()
}

// Bind records the connection's identity in the byUser index. Called once the
// client authenticates (either at upgrade or via an auth event).
func (cm *ConnectionManager) Bind(conn *Connection) {
	cm.mu.Lock()
	cm.indexUserLocked(conn)
	cm.mu.Unlock()
}

func (cm *ConnectionManager) indexUserLocked(conn *Connection) {
	set, ok := cm.byUser[conn.UserID]
	if !ok {
		set = make(map[string]*Connection)
		cm.byUser[conn.UserID] = set
	}
	set[conn.ID] = conn
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from every lookup map. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		cm.unindexUserLocked(conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

func (cm *ConnectionManager) unindexUserLocked(conn *Connection) {
	if conn.UserID == "" {
		return
	}
	if set, ok := cm.byUser[conn.UserID]; ok {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(cm.byUser, conn.UserID)
		}
	}
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// ForUser returns a snapshot of all live connections belonging to the user.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	set := cm.byUser[userID]
	conns := make([]*Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// LiveForUser returns the number of live connections the user holds on this
// server. Used for the online/offline transition check.
func (cm *ConnectionManager) LiveForUser(userID string) int {
	cm.mu.RLock()
	n := len(cm.byUser[userID])
	cm.mu.RUnlock()
	return n
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are silently ignored — failed connections will be cleaned up
// by the epoll event loop when the next read fails.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
