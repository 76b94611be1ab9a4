package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nestdesk/crm-chat/internal/auth"
	"github.com/nestdesk/crm-chat/internal/conversation"
	"github.com/nestdesk/crm-chat/internal/message"
	"github.com/nestdesk/crm-chat/internal/protocol"
)

// fakeTokens verifies any token of the form "user:<id>" and refreshes the
// fixed token "good-refresh".
type fakeTokens struct{}

func (fakeTokens) Verify(token string) (string, error) {
	switch token {
	case "expired":
		return "", auth.ErrExpiredToken
	case "":
		return "", auth.ErrInvalidToken
	}
	if len(token) > 5 && token[:5] == "user:" {
		return token[5:], nil
	}
	return "", auth.ErrInvalidToken
}

func (fakeTokens) Refresh(refreshToken string) (auth.TokenPair, error) {
	if refreshToken != "good-refresh" {
		return auth.TokenPair{}, auth.ErrInvalidToken
	}
	return auth.TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"}, nil
}

// fakeConversations keeps conversations in a map keyed by the normalized
// triple, mirroring the database unique constraint.
type fakeConversations struct {
	byKey map[string]*conversation.Conversation
	byID  map[string]*conversation.Conversation
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		byKey: make(map[string]*conversation.Conversation),
		byID:  make(map[string]*conversation.Conversation),
	}
}

func (f *fakeConversations) GetOrCreate(_ context.Context, listingID, a, b string) (*conversation.Conversation, bool, error) {
	low, high, err := conversation.NormalizePair(a, b)
	if err != nil {
		return nil, false, err
	}
	key := listingID + "|" + low + "|" + high
	if c, ok := f.byKey[key]; ok {
		return c, false, nil
	}
	c := &conversation.Conversation{
		ID:              "conv-" + key,
		ListingID:       listingID,
		ParticipantLow:  low,
		ParticipantHigh: high,
		CreatedAt:       time.Now(),
	}
	f.byKey[key] = c
	f.byID[c.ID] = c
	return c, true, nil
}

func (f *fakeConversations) Get(_ context.Context, id string) (*conversation.Conversation, error) {
	c, ok := f.byID[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return c, nil
}

func (f *fakeConversations) ListByUser(_ context.Context, userID string) ([]*conversation.Conversation, error) {
	var out []*conversation.Conversation
	for _, c := range f.byID {
		if c.IsParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeMessages struct {
	history map[string][]*message.Message
}

func (f *fakeMessages) History(_ context.Context, conversationID string) ([]*message.Message, error) {
	return f.history[conversationID], nil
}

// fakeNotifier records user-event frames per target user.
type fakeNotifier struct {
	frames map[string][][]byte
}

func (f *fakeNotifier) PublishUserEvent(userID string, data []byte) error {
	if f.frames == nil {
		f.frames = make(map[string][][]byte)
	}
	f.frames[userID] = append(f.frames[userID], data)
	return nil
}

func newTestHandler() (*Handler, *fakeConversations, *fakeMessages, *fakeNotifier) {
	convs := newFakeConversations()
	msgs := &fakeMessages{history: make(map[string][]*message.Message)}
	notify := &fakeNotifier{}
	return NewHandler(fakeTokens{}, convs, msgs, notify), convs, msgs, notify
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRefresh(t *testing.T) {
	h, _, _, _ := newTestHandler()
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{RefreshToken: "good-refresh"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(rec.Body).Decode(&pair); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if pair.AccessToken != "new-access" || pair.RefreshToken != "new-refresh" {
		t.Errorf("unexpected pair: %+v", pair)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{RefreshToken: "bogus"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad refresh status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh", "", refreshRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty refresh status = %d, want 400", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	h, _, _, _ := newTestHandler()
	router := h.Router()

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing credential", "", http.StatusUnauthorized},
		{"expired credential", "expired", http.StatusUnauthorized},
		{"invalid credential", "garbage", http.StatusForbidden},
		{"valid credential", "user:agent-1", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodGet, "/api/v1/conversations", tt.token, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCreateConversation(t *testing.T) {
	h, _, _, _ := newTestHandler()
	router := h.Router()

	body := createConversationRequest{ListingID: "listing-9", CounterpartID: "owner-2"}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/conversations", "user:agent-1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, want 201", rec.Code)
	}
	var first protocol.Conversation
	if err := json.NewDecoder(rec.Body).Decode(&first); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	// The counterpart issuing the same request must land on the same row.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/conversations", "user:owner-2",
		createConversationRequest{ListingID: "listing-9", CounterpartID: "agent-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("second create status = %d, want 200", rec.Code)
	}
	var second protocol.Conversation
	if err := json.NewDecoder(rec.Body).Decode(&second); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("conversation IDs differ: %q vs %q", first.ID, second.ID)
	}
}

func TestCreateConversation_NotifiesCounterpart(t *testing.T) {
	h, _, _, notify := newTestHandler()
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/conversations", "user:agent-1",
		createConversationRequest{ListingID: "listing-9", CounterpartID: "owner-2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", rec.Code)
	}

	// The counterpart's live connections get new_conversation; the creator
	// already holds the response and is not notified.
	frames := notify.frames["owner-2"]
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame for the counterpart, got %d", len(frames))
	}
	if len(notify.frames["agent-1"]) != 0 {
		t.Errorf("expected no frames for the creator, got %d", len(notify.frames["agent-1"]))
	}

	var msg protocol.NewConversationMsg
	if err := json.Unmarshal(frames[0], &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if msg.Type != protocol.TypeNewConversation {
		t.Errorf("frame type = %q, want %q", msg.Type, protocol.TypeNewConversation)
	}
	if msg.Conversation.ListingID != "listing-9" {
		t.Errorf("frame listing = %q, want listing-9", msg.Conversation.ListingID)
	}

	// Resolving an existing conversation must not re-notify.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/conversations", "user:owner-2",
		createConversationRequest{ListingID: "listing-9", CounterpartID: "agent-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", rec.Code)
	}
	if len(notify.frames["agent-1"]) != 0 || len(notify.frames["owner-2"]) != 1 {
		t.Errorf("unexpected notifications after resolving existing conversation: %v", notify.frames)
	}
}

func TestCreateConversation_Self(t *testing.T) {
	h, _, _, _ := newTestHandler()
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/conversations", "user:agent-1",
		createConversationRequest{ListingID: "listing-9", CounterpartID: "agent-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != protocol.CodeSelfConversation {
		t.Errorf("error code = %q, want %q", body.Code, protocol.CodeSelfConversation)
	}
}

func TestHistory(t *testing.T) {
	h, convs, msgs, _ := newTestHandler()
	router := h.Router()

	conv, _, err := convs.GetOrCreate(context.Background(), "listing-9", "agent-1", "owner-2")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	msgs.history[conv.ID] = []*message.Message{
		{Seq: 1, ID: "m1", ConversationID: conv.ID, AuthorID: "agent-1", Body: "hello", Status: "read"},
		{Seq: 2, ID: "m2", ConversationID: conv.ID, AuthorID: "owner-2", Body: "hi", Status: "sent"},
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", "user:agent-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out []protocol.Message
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out) != 2 || out[0].Seq != 1 || out[1].Seq != 2 {
		t.Errorf("unexpected history: %+v", out)
	}

	// Outsiders may not read the conversation.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", "user:stranger-7", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outsider status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/conversations/nope/messages", "user:agent-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", rec.Code)
	}
}
