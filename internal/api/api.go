// Package api exposes the REST surface of the chat service: credential
// refresh, conversation lookup and creation, and message history. The
// WebSocket connection carries the live traffic; these endpoints cover
// bootstrap and reconnect catch-up.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nestdesk/crm-chat/internal/auth"
	"github.com/nestdesk/crm-chat/internal/conversation"
	"github.com/nestdesk/crm-chat/internal/message"
	"github.com/nestdesk/crm-chat/internal/metrics"
	"github.com/nestdesk/crm-chat/internal/protocol"
)

// ConversationStore is the subset of the conversation store the API needs.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, listingID, a, b string) (*conversation.Conversation, bool, error)
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]*conversation.Conversation, error)
}

// MessageStore is the subset of the message store the API needs.
type MessageStore interface {
	History(ctx context.Context, conversationID string) ([]*message.Message, error)
}

// TokenService verifies access credentials and exchanges refresh credentials
// for new pairs.
type TokenService interface {
	Verify(tokenString string) (string, error)
	Refresh(refreshToken string) (auth.TokenPair, error)
}

// UserNotifier publishes an encoded frame to a user's live connections on
// any server instance.
type UserNotifier interface {
	PublishUserEvent(userID string, data []byte) error
}

// Handler bundles the REST endpoints and their dependencies.
type Handler struct {
	tokens        TokenService
	conversations ConversationStore
	messages      MessageStore
	notify        UserNotifier
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(tokens TokenService, conversations ConversationStore, messages MessageStore, notify UserNotifier) *Handler {
	return &Handler{
		tokens:        tokens,
		conversations: conversations,
		messages:      messages,
		notify:        notify,
	}
}

// Router builds the gorilla/mux router with all API routes registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/auth/refresh", h.handleRefresh).Methods(http.MethodPost)
	v1.Handle("/conversations", h.requireAuth(h.handleListConversations)).Methods(http.MethodGet)
	v1.Handle("/conversations", h.requireAuth(h.handleCreateConversation)).Methods(http.MethodPost)
	v1.Handle("/conversations/{id}/messages", h.requireAuth(h.handleHistory)).Methods(http.MethodGet)

	return r
}

// refreshRequest is the body of POST /api/v1/auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh exchanges a refresh credential for a new access/refresh pair.
// An expired or invalid refresh credential gets 401; the client must log in
// again through the identity service.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "refresh_token is required")
		return
	}

	pair, err := h.tokens.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "credential_invalid", "refresh credential rejected")
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

// createConversationRequest is the body of POST /api/v1/conversations.
type createConversationRequest struct {
	ListingID     string `json:"listing_id"`
	CounterpartID string `json:"counterpart_id"`
}

// handleCreateConversation resolves the conversation for (listing, caller,
// counterpart), creating it if it does not exist. Responds 201 when this call
// created the row and 200 when it already existed, with the same body either
// way, so retries are harmless.
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ListingID == "" || req.CounterpartID == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "listing_id and counterpart_id are required")
		return
	}

	conv, created, err := h.conversations.GetOrCreate(r.Context(), req.ListingID, userID, req.CounterpartID)
	if err != nil {
		if errors.Is(err, conversation.ErrSelfConversation) {
			writeError(w, http.StatusBadRequest, protocol.CodeSelfConversation, "cannot start a conversation with yourself")
			return
		}
		log.Printf("api: get-or-create conversation failed user=%s listing=%s: %v", userID, req.ListingID, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "could not resolve conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		metrics.ConversationsCreatedTotal.Inc()
		h.notifyCounterpart(conv, userID)
	}
	writeJSON(w, status, toWireConversation(conv))
}

// notifyCounterpart tells the other party's live connections that the
// conversation now exists, so their client can join the room without polling.
// Same fanout the WebSocket get_or_create_chat path uses.
func (h *Handler) notifyCounterpart(conv *conversation.Conversation, creatorID string) {
	frame, err := protocol.NewServerMessage(protocol.TypeNewConversation, protocol.NewConversationMsg{
		Conversation: toWireConversation(conv),
	})
	if err != nil {
		log.Printf("api: build new_conversation frame: %v", err)
		return
	}
	if err := h.notify.PublishUserEvent(conv.Counterpart(creatorID), frame); err != nil {
		log.Printf("api: notify counterpart of conversation %s: %v", conv.ID, err)
	}
}

// handleListConversations returns every conversation the caller participates
// in, most recent first.
func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	convs, err := h.conversations.ListByUser(r.Context(), userID)
	if err != nil {
		log.Printf("api: list conversations failed user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "could not list conversations")
		return
	}

	out := make([]protocol.Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, toWireConversation(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHistory returns the full ordered message history of a conversation.
// Only participants may read it.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	convID := mux.Vars(r)["id"]

	conv, err := h.conversations.Get(r.Context(), convID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, protocol.CodeNotFound, "conversation not found")
			return
		}
		log.Printf("api: load conversation failed id=%s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "could not load conversation")
		return
	}

	if !conv.IsParticipant(userID) {
		writeError(w, http.StatusForbidden, protocol.CodeNotParticipant, "not a participant of this conversation")
		return
	}

	msgs, err := h.messages.History(r.Context(), convID)
	if err != nil {
		log.Printf("api: load history failed conversation=%s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "could not load history")
		return
	}

	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWireMessage(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func toWireConversation(c *conversation.Conversation) protocol.Conversation {
	return protocol.Conversation{
		ID:           c.ID,
		ListingID:    c.ListingID,
		Participants: c.Participants(),
		CreatedAt:    c.CreatedAt,
	}
}

func toWireMessage(m *message.Message) protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Body:           m.Body,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
	}
}

// errorBody is the JSON shape of all API error responses.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}
