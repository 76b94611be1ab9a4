package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Activity on
	// the connection refreshes it.
	SessionTTL = 1 * time.Hour
)

// Session represents a connection's session state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`     // authenticated identity
	Server     string `redis:"server"`      // which chatserver instance
	Rooms      string `redis:"rooms"`       // comma-separated conversation ids
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// RoomList returns the joined conversation ids as a slice.
func (s *Session) RoomList() []string {
	if s.Rooms == "" {
		return nil
	}
	return strings.Split(s.Rooms, ",")
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this chatserver instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session in Redis bound to the authenticated user.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"rooms":       "",
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SetRooms records the connection's current room memberships and refreshes
// the TTL.
func (s *Store) SetRooms(ctx context.Context, sessionID string, rooms []string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "rooms", strings.Join(rooms, ","), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the session's last_active timestamp and TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
