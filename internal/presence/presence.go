// Package presence tracks user online state in Redis. A user may hold
// several concurrent connections (browser tabs); they are online while
// their live-connection counter is positive. Presence is best effort:
// callers log and continue on failure, they never refuse service over it.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for per-user connection counters.
	ConnPrefix = "presence:conns:"

	// LastSeenPrefix is the Redis key prefix for last-seen timestamps.
	LastSeenPrefix = "presence:seen:"

	// ConnTTL bounds how long a counter survives without a heartbeat, so a
	// crashed server cannot leave users online forever.
	ConnTTL = 2 * time.Minute
)

// Store tracks who is online in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Connected records one more live connection for the user. Returns true when
// this was the user's first connection, i.e. the user just came online.
func (s *Store) Connected(ctx context.Context, userID string) (bool, error) {
	key := ConnPrefix + userID

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ConnTTL)
	pipe.HSet(ctx, LastSeenPrefix+userID, "server", s.serverName, "at", time.Now().Unix())
	pipe.Expire(ctx, LastSeenPrefix+userID, ConnTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence: connected: %w", err)
	}
	return incr.Val() == 1, nil
}

// Disconnected records one fewer live connection. Returns true when the
// user's last connection closed, i.e. the user just went offline. The
// counter is clamped at zero so an unbalanced decrement cannot wedge a user
// permanently offline-looking while connected.
func (s *Store) Disconnected(ctx context.Context, userID string) (bool, error) {
	key := ConnPrefix + userID

	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("presence: disconnected: %w", err)
	}
	if n <= 0 {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("presence: clear counter: %w", err)
		}
	}
	return n <= 0, nil
}

// IsOnline reports whether the user has at least one live connection
// anywhere in the cluster.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Get(ctx, ConnPrefix+userID).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: is online: %w", err)
	}
	return n > 0, nil
}

// Heartbeat refreshes the user's counter TTL. Called from the connection
// ping loop so presence outlives Redis key expiry while the socket is up.
func (s *Store) Heartbeat(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, ConnPrefix+userID, ConnTTL)
	pipe.HSet(ctx, LastSeenPrefix+userID, "at", time.Now().Unix())
	pipe.Expire(ctx, LastSeenPrefix+userID, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
