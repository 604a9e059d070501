// Package ws handles WebSocket connection management: upgrading HTTP
// connections, authenticating clients, tracking room membership, and
// dispatching incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tradepost/realtime/internal/auth"
	"github.com/tradepost/realtime/internal/metrics"
	"github.com/tradepost/realtime/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with epoll for I/O readiness
// notifications, and dispatches ready connections to a bounded worker pool
// for frame reading. Identity comes from a bearer token passed either as a
// `?token=` query parameter at upgrade time or in a first `auth` event.
type Server struct {
	config          ServerConfig
	epoll           *Epoll
	conns           *ConnectionManager
	rooms           *RoomManager
	workerPool      chan struct{}                       // semaphore limiting concurrent read workers
	onMessage       func(conn *Connection, data []byte) // message handler callback
	onAuthenticated func(conn *Connection)              // called once identity is established
	onDisconnect    func(conn *Connection)              // called when a connection is removed
	onHeartbeat     func(conn *Connection)              // called per live connection each heartbeat sweep
	admit           func(remoteAddr string) bool        // pre-upgrade gate, nil admits everyone
	httpServer      *http.Server
	bufPool         sync.Pool
	done            chan struct{}
	startedAt       time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		rooms:      NewRoomManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

// SetOnMessage assigns the message callback. Supports the wiring pattern
// where the dispatcher is built after the server.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnAuthenticated registers a callback invoked once per connection when
// its identity is established (at upgrade or via an auth event).
func (s *Server) SetOnAuthenticated(fn func(conn *Connection)) {
	s.onAuthenticated = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). The connection is
// already out of the registry and all rooms when the callback runs.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetOnHeartbeat registers a callback invoked for every live connection on
// each heartbeat sweep (presence TTL refresh).
func (s *Server) SetOnHeartbeat(fn func(conn *Connection)) {
	s.onHeartbeat = fn
}

// SetAdmit registers a pre-upgrade gate called with the request's remote
// address. Returning false rejects the upgrade with 429.
func (s *Server) SetAdmit(fn func(remoteAddr string) bool) {
	s.admit = fn
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. A `token` query parameter, when present, is
// decoded before the upgrade; a malformed token is rejected with 401. With
// no token the connection is admitted unauthenticated and must send an auth
// event before anything else.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.admit != nil && !s.admit(r.RemoteAddr) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	var (
		claims auth.Claims
		authed bool
	)
	if token := r.URL.Query().Get("token"); token != "" {
		var err error
		claims, err = auth.DecodeClaims(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		authed = true
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	c := &Connection{
		ID:        uuid.New().String(),
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	metrics.ConnectionsTotal.Inc()

	if authed {
		s.Authenticate(c, claims)
	}

	log.Printf("ws: new connection id=%s fd=%d authed=%t (total=%d)",
		c.ID, fd, c.Authenticated(), s.conns.Count())
}

// Authenticate binds an identity to the connection, joins its identity room
// (and the monitor room for privileged roles), replies auth:ok, and fires
// the authenticated hook. Re-authentication of an already bound connection
// is a no-op beyond the auth:ok reply.
func (s *Server) Authenticate(c *Connection, claims auth.Claims) {
	if !c.Authenticated() {
		c.UserID = claims.UserID
		c.Role = claims.Role
		s.conns.Bind(c)
		s.rooms.JoinUserRoom(c)
		if auth.Privileged(c.Role) {
			s.rooms.JoinMonitor(c)
		}
		if s.onAuthenticated != nil {
			s.onAuthenticated(c)
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeAuthOK, protocol.AuthOKMsg{
		UserID: c.UserID,
		Role:   c.Role,
	})
	if err != nil {
		log.Printf("ws: failed to build auth:ok for conn %s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send auth:ok for conn %s: %v", c.ID, err)
	}
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Rooms:       s.rooms.RoomCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll, the connection manager,
// and all rooms, closing the underlying network connection. Exported so the
// heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager, so racing
	// removers (read error + heartbeat timeout) do not double-clean.
	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.ConnectionsTotal.Dec()
	s.rooms.Drop(c)

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed id=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the deadline so it does not affect heartbeat pings.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Rooms returns the RoomManager for room membership and broadcasting.
func (s *Server) Rooms() *RoomManager {
	return s.rooms
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
