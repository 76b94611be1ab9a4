// Package conversation provides PostgreSQL-backed storage for conversation
// records. A conversation is the durable two-party messaging thread attached
// to a listing; at most one exists per unordered (listing, {A,B}) triple,
// enforced by a uniqueness constraint over the normalized participant pair.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Resolver errors.
var (
	// ErrSelfConversation is returned when both participants are the same
	// identity. No row is ever created for a self-pairing.
	ErrSelfConversation = errors.New("conversation: cannot open a conversation with yourself")

	// ErrNotFound is returned by lookups for unknown conversation ids.
	ErrNotFound = errors.New("conversation: not found")
)

// Conversation is a persisted conversation row. ParticipantLow and
// ParticipantHigh hold the lexicographically normalized pair.
type Conversation struct {
	ID              string
	ListingID       string
	ParticipantLow  string
	ParticipantHigh string
	CreatedAt       time.Time
}

// Participants returns the participant pair in normalized order.
func (c *Conversation) Participants() []string {
	return []string{c.ParticipantLow, c.ParticipantHigh}
}

// IsParticipant reports whether userID is one of the two parties.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID == c.ParticipantLow || userID == c.ParticipantHigh
}

// Counterpart returns the other party's ID, or "" if userID is not a
// participant.
func (c *Conversation) Counterpart(userID string) string {
	if userID == c.ParticipantLow {
		return c.ParticipantHigh
	}
	if userID == c.ParticipantHigh {
		return c.ParticipantLow
	}
	return ""
}

// NormalizePair orders an unordered participant pair so that (A,B) and (B,A)
// map to the same (low, high) key. Returns ErrSelfConversation when both
// sides are the same identity.
func NormalizePair(a, b string) (low, high string, err error) {
	if a == b {
		return "", "", ErrSelfConversation
	}
	if a < b {
		return a, b, nil
	}
	return b, a, nil
}

// Store manages conversation rows in PostgreSQL. It is the sole writer of
// the conversations table.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetOrCreate resolves the conversation for (listingID, {a, b}), creating it
// if it does not exist. It is idempotent and race-safe: concurrent callers
// with the same unordered pair all observe the same row. The created flag is
// true only for the single caller whose insert won.
//
// The insert races through the uniqueness constraint: INSERT ... ON CONFLICT
// DO NOTHING followed by a select. A plain read-then-write would admit
// duplicate rows under concurrency.
func (s *Store) GetOrCreate(ctx context.Context, listingID, a, b string) (*Conversation, bool, error) {
	low, high, err := NormalizePair(a, b)
	if err != nil {
		return nil, false, err
	}

	id := uuid.New().String()

	const insert = `
		INSERT INTO conversations (id, listing_id, participant_low, participant_high)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (listing_id, participant_low, participant_high) DO NOTHING
		RETURNING id, created_at`

	var conv Conversation
	conv.ListingID = listingID
	conv.ParticipantLow = low
	conv.ParticipantHigh = high

	err = s.db.QueryRowContext(ctx, insert, id, listingID, low, high).
		Scan(&conv.ID, &conv.CreatedAt)
	if err == nil {
		return &conv, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("conversation: insert: %w", err)
	}

	// Conflict: the row already exists, fetch it.
	const query = `
		SELECT id, created_at FROM conversations
		WHERE listing_id = $1 AND participant_low = $2 AND participant_high = $3`

	err = s.db.QueryRowContext(ctx, query, listingID, low, high).
		Scan(&conv.ID, &conv.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("conversation: select after conflict: %w", err)
	}
	return &conv, false, nil
}

// Get retrieves a conversation by id. Returns ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	const query = `
		SELECT id, listing_id, participant_low, participant_high, created_at
		FROM conversations WHERE id = $1`

	var conv Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.ListingID, &conv.ParticipantLow, &conv.ParticipantHigh, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return &conv, nil
}

// ListByUser returns all conversations the given user participates in,
// newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Conversation, error) {
	const query = `
		SELECT id, listing_id, participant_low, participant_high, created_at
		FROM conversations
		WHERE participant_low = $1 OR participant_high = $1
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.ListingID, &conv.ParticipantLow,
			&conv.ParticipantHigh, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan: %w", err)
		}
		convs = append(convs, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: rows: %w", err)
	}
	return convs, nil
}
