// Package auth decodes bearer-token claims carried by connecting clients.
// Token issuance and signature verification belong to the external auth
// service; this package only extracts the identity claims so a socket can
// exist before any verification round-trip. Protected actions re-check the
// role server-side.
package auth

import (
	"fmt"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Roles recognised across the marketplace platform.
const (
	RoleUser    = "user"
	RoleSeller  = "seller"
	RoleMonitor = "monitor"
	RoleAdmin   = "admin"
)

// Claims is the identity extracted from a bearer token.
type Claims struct {
	UserID string
	Role   string
}

// Privileged reports whether the role may access moderation surfaces
// (the monitor broadcast channel, watch assignments, alert exemption).
func (c Claims) Privileged() bool {
	return Privileged(c.Role)
}

// Privileged reports whether a role grants moderation access.
func Privileged(role string) bool {
	return role == RoleAdmin || role == RoleMonitor
}

// DecodeClaims extracts the user id and role from a JWT without verifying
// its signature. The token may carry an optional "Bearer " prefix.
func DecodeClaims(token string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Claims{}, fmt.Errorf("auth: empty token")
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Claims{}, fmt.Errorf("auth: failed to parse token: %w", err)
	}

	c := Claims{
		UserID: claimString(claims, "user_id", "sub", "id"),
		Role:   claimString(claims, "role"),
	}
	if c.UserID == "" {
		return Claims{}, fmt.Errorf("auth: token has no user id claim")
	}
	if c.Role == "" {
		c.Role = RoleUser
	}
	return c, nil
}

// claimString returns the first non-empty string value among the given keys.
func claimString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
