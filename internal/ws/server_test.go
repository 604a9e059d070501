package ws

import (
	"testing"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/tradepost/realtime/internal/auth"
)

// signToken builds an HS256 token for the upgrade path tests. The secret is
// irrelevant because claims are decoded without verification.
func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestServer() *Server {
	return NewServer(DefaultServerConfig(), nil)
}

func TestAuthenticate_BindsIdentityAndRooms(t *testing.T) {
	server := newTestServer()

	var hookFired int
	server.SetOnAuthenticated(func(c *Connection) { hookFired++ })

	conn, rec := newTestConn("c1", "")
	server.Connections().Add(conn)

	claims, err := auth.DecodeClaims(signToken(t, jwt.MapClaims{
		"user_id": "alice",
		"role":    auth.RoleUser,
	}))
	if err != nil {
		t.Fatalf("DecodeClaims failed: %v", err)
	}
	server.Authenticate(conn, claims)

	if !conn.Authenticated() {
		t.Fatal("connection not authenticated after Authenticate")
	}
	if conn.UserID != "alice" || conn.Role != auth.RoleUser {
		t.Errorf("identity = (%q, %q), want (alice, user)", conn.UserID, conn.Role)
	}
	if got := server.Rooms().Members(UserRoom("alice")); got != 1 {
		t.Errorf("identity room members = %d, want 1", got)
	}
	if got := server.Rooms().Members(RoomMonitor); got != 0 {
		t.Errorf("monitor room members = %d, want 0 for an unprivileged role", got)
	}
	if hookFired != 1 {
		t.Errorf("authenticated hook fired %d times, want 1", hookFired)
	}
	if rec.Len() == 0 {
		t.Error("expected an auth:ok frame on the connection")
	}
	if got := server.Connections().LiveForUser("alice"); got != 1 {
		t.Errorf("LiveForUser = %d, want 1", got)
	}
}

func TestAuthenticate_PrivilegedRoleJoinsMonitor(t *testing.T) {
	server := newTestServer()

	conn, _ := newTestConn("c1", "")
	server.Connections().Add(conn)

	claims, err := auth.DecodeClaims(signToken(t, jwt.MapClaims{
		"user_id": "mod-1",
		"role":    auth.RoleMonitor,
	}))
	if err != nil {
		t.Fatalf("DecodeClaims failed: %v", err)
	}
	server.Authenticate(conn, claims)

	if got := server.Rooms().Members(RoomMonitor); got != 1 {
		t.Errorf("monitor room members = %d, want 1", got)
	}
}

func TestAuthenticate_RebindIsNoop(t *testing.T) {
	server := newTestServer()

	var hookFired int
	server.SetOnAuthenticated(func(c *Connection) { hookFired++ })

	conn, _ := newTestConn("c1", "")
	server.Connections().Add(conn)

	server.Authenticate(conn, auth.Claims{UserID: "alice", Role: auth.RoleUser})
	server.Authenticate(conn, auth.Claims{UserID: "mallory", Role: auth.RoleAdmin})

	if conn.UserID != "alice" || conn.Role != auth.RoleUser {
		t.Errorf("identity = (%q, %q), want the original (alice, user)", conn.UserID, conn.Role)
	}
	if got := server.Rooms().Members(RoomMonitor); got != 0 {
		t.Errorf("monitor room members = %d, want 0 after rejected rebind", got)
	}
	if hookFired != 1 {
		t.Errorf("authenticated hook fired %d times, want 1", hookFired)
	}
}
