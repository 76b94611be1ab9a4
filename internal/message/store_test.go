package message

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/nestdesk/crm-chat/internal/conversation"
	"github.com/nestdesk/crm-chat/internal/database"
)

func TestStatusRank(t *testing.T) {
	cases := []struct {
		status string
		rank   int
	}{
		{StatusSent, 1},
		{StatusDelivered, 2},
		{StatusRead, 3},
		{"bogus", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := StatusRank(tc.status); got != tc.rank {
			t.Errorf("StatusRank(%q) = %d, expected %d", tc.status, got, tc.rank)
		}
	}
}

func TestValidateBody(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"ok", "Hello", false},
		{"empty", "", true},
		{"whitespace only", "   \t\n", true},
		{"too many bytes", strings.Repeat("x", MaxBodyBytes+1), true},
		{"too many runes", strings.Repeat("ü", MaxBodyChars+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
		{"max runes ok", strings.Repeat("y", MaxBodyChars), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateBody(tc.body)
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateBody_EmptySentinel(t *testing.T) {
	if err := ValidateBody("  "); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Database-backed tests. Skipped when TEST_DATABASE_DSN is not set.
// ---------------------------------------------------------------------------

// newTestStores connects to the test database, applies migrations, truncates
// the chat tables, and seeds one conversation between users 1 and 2 about
// listing 10.
func newTestStores(t *testing.T) (*Store, *conversation.Conversation, *sql.DB) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	config := database.DefaultConfig()
	config.DSN = dsn
	db, err := database.Open(config)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE messages, conversations`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	conv, _, err := conversation.NewStore(db).GetOrCreate(context.Background(), "10", "1", "2")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return NewStore(db), conv, db
}

func TestAppendAndHistory(t *testing.T) {
	store, conv, _ := newTestStores(t)
	ctx := context.Background()

	first, err := store.Append(ctx, conv.ID, "1", "", "Hello")
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if first.Status != StatusSent {
		t.Errorf("expected status %q, got %q", StatusSent, first.Status)
	}
	if first.RecipientID != "2" {
		t.Errorf("expected recipient %q, got %q", "2", first.RecipientID)
	}

	second, err := store.Append(ctx, conv.ID, "2", "1", "Hi there")
	if err != nil {
		t.Fatalf("Append() reply error: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Errorf("expected seq to increase, got %d then %d", first.Seq, second.Seq)
	}

	history, err := store.History(ctx, conv.ID)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].ID != first.ID || history[1].ID != second.ID {
		t.Error("history is not in append order")
	}

	// No duplicate ids in history.
	seen := make(map[string]bool)
	for _, m := range history {
		if seen[m.ID] {
			t.Errorf("duplicate message id %s in history", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestAppend_Rejections(t *testing.T) {
	store, conv, db := newTestStores(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		convID   string
		author   string
		toUserID string
		body     string
		wantErr  error
	}{
		{"outsider author", conv.ID, "99", "", "hi", ErrNotParticipant},
		{"self recipient", conv.ID, "1", "1", "hi", ErrSelfMessage},
		{"outsider recipient", conv.ID, "1", "99", "hi", ErrNotParticipant},
		{"unknown conversation", "00000000-0000-0000-0000-000000000000", "1", "", "hi", ErrConversationNotFound},
		{"empty body", conv.ID, "1", "", "  ", ErrEmptyBody},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Append(ctx, tc.convID, tc.author, tc.toUserID, tc.body)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	// Nothing was persisted by any rejected send.
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no persisted messages, got %d", count)
	}
}

func TestStatusTransitions(t *testing.T) {
	store, conv, db := newTestStores(t)
	ctx := context.Background()

	msg, err := store.Append(ctx, conv.ID, "1", "", "Hello")
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// Recipient acks receipt: sent -> delivered.
	convID, changed, err := store.MarkDelivered(ctx, msg.ID, "2")
	if err != nil {
		t.Fatalf("MarkDelivered() error: %v", err)
	}
	if !changed {
		t.Fatal("expected delivered transition to apply")
	}
	if convID != conv.ID {
		t.Errorf("expected conversation %s, got %s", conv.ID, convID)
	}

	// Duplicate ack is a no-op.
	_, changed, err = store.MarkDelivered(ctx, msg.ID, "2")
	if err != nil {
		t.Fatalf("MarkDelivered() duplicate error: %v", err)
	}
	if changed {
		t.Error("expected duplicate delivered ack to be a no-op")
	}

	// Recipient opens the conversation: delivered -> read.
	_, changed, err = store.MarkRead(ctx, msg.ID, "2")
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if !changed {
		t.Fatal("expected read transition to apply")
	}

	// A late delivered ack after read must never regress.
	_, changed, err = store.MarkDelivered(ctx, msg.ID, "2")
	if err != nil {
		t.Fatalf("MarkDelivered() after read error: %v", err)
	}
	if changed {
		t.Error("expected no transition after read")
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM messages WHERE id = $1`, msg.ID).Scan(&status); err != nil {
		t.Fatalf("select status: %v", err)
	}
	if status != StatusRead {
		t.Errorf("expected final status %q, got %q", StatusRead, status)
	}
}

func TestStatusTransitions_SentToReadJump(t *testing.T) {
	store, conv, _ := newTestStores(t)
	ctx := context.Background()

	msg, err := store.Append(ctx, conv.ID, "1", "", "Hello")
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// Recipient was already viewing the conversation: sent -> read directly.
	_, changed, err := store.MarkRead(ctx, msg.ID, "2")
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if !changed {
		t.Fatal("expected sent->read jump to apply")
	}
}

func TestStatusTransitions_AuthorCannotAdvance(t *testing.T) {
	store, conv, db := newTestStores(t)
	ctx := context.Background()

	msg, err := store.Append(ctx, conv.ID, "1", "", "Hello")
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// The author acking their own message never advances status.
	_, changed, err := store.MarkDelivered(ctx, msg.ID, "1")
	if err != nil {
		t.Fatalf("MarkDelivered() error: %v", err)
	}
	if changed {
		t.Error("expected author ack to be rejected as a no-op")
	}

	// Neither does a stranger.
	_, changed, err = store.MarkRead(ctx, msg.ID, "99")
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if changed {
		t.Error("expected stranger ack to be rejected as a no-op")
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM messages WHERE id = $1`, msg.ID).Scan(&status); err != nil {
		t.Fatalf("select status: %v", err)
	}
	if status != StatusSent {
		t.Errorf("expected status to remain %q, got %q", StatusSent, status)
	}
}
