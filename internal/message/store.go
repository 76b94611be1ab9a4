// Package message provides the append-only PostgreSQL message log and the
// per-message delivery status state machine. Messages within a conversation
// are totally ordered by a sequence column; status moves monotonically
// through sent -> delivered -> read and never regresses. This package is the
// sole writer of message rows and of the status field.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Delivery status values, in advancing order.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Pipeline errors.
var (
	// ErrNotParticipant is returned when the author or addressed recipient
	// is not one of the conversation's two parties.
	ErrNotParticipant = errors.New("message: user is not a participant of this conversation")

	// ErrSelfMessage is returned when the resolved recipient equals the
	// author ("cannot message yourself about this listing").
	ErrSelfMessage = errors.New("message: sender and recipient are the same identity")

	// ErrConversationNotFound is returned for sends into unknown conversations.
	ErrConversationNotFound = errors.New("message: conversation not found")
)

// StatusRank maps a status to its position in the state machine. Unknown
// statuses rank below sent so any observed sequence check treats them as
// regressions.
func StatusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Message is a persisted chat message. Seq is assigned by the database and
// defines the total order within a conversation.
type Message struct {
	Seq            int64
	ID             string
	ConversationID string
	AuthorID       string
	RecipientID    string // the counterpart, derived at append time
	Body           string
	Status         string
	CreatedAt      time.Time
}

// Store manages message rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append validates and persists a message with status "sent". The author
// must be a participant of the conversation; toUserID, when non-empty, must
// name the counterpart. Validation and insert run in one transaction so a
// failed send leaves no partial state.
func (s *Store) Append(ctx context.Context, conversationID, authorID, toUserID, body string) (*Message, error) {
	if err := ValidateBody(body); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("message: begin: %w", err)
	}
	defer tx.Rollback()

	const convQuery = `
		SELECT participant_low, participant_high FROM conversations WHERE id = $1`

	var low, high string
	err = tx.QueryRowContext(ctx, convQuery, conversationID).Scan(&low, &high)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: load conversation: %w", err)
	}

	if authorID != low && authorID != high {
		return nil, ErrNotParticipant
	}
	recipient := low
	if authorID == low {
		recipient = high
	}
	if toUserID != "" {
		if toUserID == authorID {
			return nil, ErrSelfMessage
		}
		if toUserID != recipient {
			return nil, ErrNotParticipant
		}
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		RecipientID:    recipient,
		Body:           body,
		Status:         StatusSent,
	}

	const insert = `
		INSERT INTO messages (id, conversation_id, author_id, body, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at`

	err = tx.QueryRowContext(ctx, insert,
		msg.ID, msg.ConversationID, msg.AuthorID, msg.Body, msg.Status).
		Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("message: commit: %w", err)
	}
	return msg, nil
}

// MarkDelivered advances a message from sent to delivered on behalf of the
// acknowledging recipient. The guard is encoded in the UPDATE itself: only
// the counterpart can advance the status and an already-delivered or read
// message is left untouched, so duplicate acks are harmless no-ops. Returns
// the conversation id and whether a transition actually happened.
func (s *Store) MarkDelivered(ctx context.Context, messageID, byUserID string) (string, bool, error) {
	const update = `
		UPDATE messages m SET status = $3
		FROM conversations c
		WHERE m.id = $1
		  AND m.conversation_id = c.id
		  AND m.status = 'sent'
		  AND m.author_id <> $2
		  AND (c.participant_low = $2 OR c.participant_high = $2)
		RETURNING m.conversation_id`

	return s.transition(ctx, update, messageID, byUserID, StatusDelivered)
}

// MarkRead advances a message to read. A sent->read jump is permitted: the
// recipient may open the conversation before the delivered ack lands.
func (s *Store) MarkRead(ctx context.Context, messageID, byUserID string) (string, bool, error) {
	const update = `
		UPDATE messages m SET status = $3
		FROM conversations c
		WHERE m.id = $1
		  AND m.conversation_id = c.id
		  AND m.status IN ('sent', 'delivered')
		  AND m.author_id <> $2
		  AND (c.participant_low = $2 OR c.participant_high = $2)
		RETURNING m.conversation_id`

	return s.transition(ctx, update, messageID, byUserID, StatusRead)
}

func (s *Store) transition(ctx context.Context, update, messageID, byUserID, status string) (string, bool, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx, update, messageID, byUserID, status).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		// Already at or past the target status, not the recipient, or an
		// unknown id. All are no-ops: transitions are idempotent and never
		// regress.
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("message: mark %s: %w", status, err)
	}
	return conversationID, true, nil
}

// History returns the full ordered message list for a conversation,
// oldest first.
func (s *Store) History(ctx context.Context, conversationID string) ([]*Message, error) {
	const query = `
		SELECT seq, id, conversation_id, author_id, body, status, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("message: history: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.AuthorID,
			&m.Body, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: rows: %w", err)
	}
	return msgs, nil
}
