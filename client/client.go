// Package client provides the Go client for the chat service. It connects
// over WebSocket using gobwas/ws (the same library the server uses), handles
// credential refresh and reconnection transparently, and keeps conversation
// state consistent across connection drops: rooms are re-joined, history is
// re-fetched and deduplicated, and messages composed while offline are
// flushed in order.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/nestdesk/crm-chat/internal/auth"
	"github.com/nestdesk/crm-chat/internal/message"
	"github.com/nestdesk/crm-chat/internal/protocol"
)

var (
	// ErrAuthFailed means the credential was rejected and a silent refresh
	// did not help. The user must log in again; the client will not retry.
	ErrAuthFailed = errors.New("client: authentication failed")

	// ErrNotConnected is returned by immediate send operations while the
	// transport is down. SendText does not return it; it queues instead.
	ErrNotConnected = errors.New("client: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
)

// Config holds the connection parameters for a Client.
type Config struct {
	ServerURL   string         // WebSocket endpoint, e.g. "ws://localhost:8080/ws"
	APIURL      string         // REST base URL, e.g. "http://localhost:8080"
	Credentials auth.TokenPair // access + refresh pair from the identity service
	TypingTTL   time.Duration  // typing indicator expiry; zero means DefaultTypingTTL
	HTTPClient  *http.Client   // optional; defaults to a 10s-timeout client
	Backoff     *Backoff       // optional reconnect schedule; defaults to DefaultBackoff
}

// Client is a chat service connection for one authenticated user. All
// exported methods are goroutine-safe.
type Client struct {
	cfg     Config
	httpc   *http.Client
	backoff *Backoff

	mu        sync.Mutex
	conn      net.Conn
	creds     auth.TokenPair
	userID    string
	sessionID string
	rooms     map[string]struct{} // joined conversation IDs, re-joined on reconnect
	seen      map[string]struct{} // message IDs already dispatched, for history dedupe
	fatal     error

	writeMu sync.Mutex // serializes frames on the socket

	handlers map[string]func(json.RawMessage)
	typing   *TypingTracker
	outbox   outbox

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Client. Call Connect to establish the connection.
func New(cfg Config) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	bo := cfg.Backoff
	if bo == nil {
		bo = DefaultBackoff()
	}
	return &Client{
		cfg:      cfg,
		httpc:    httpc,
		backoff:  bo,
		creds:    cfg.Credentials,
		rooms:    make(map[string]struct{}),
		seen:     make(map[string]struct{}),
		handlers: make(map[string]func(json.RawMessage)),
		typing:   NewTypingTracker(cfg.TypingTTL),
		done:     make(chan struct{}),
	}
}

// On registers a handler for a server message type. The handler receives the
// raw JSON of the message and runs on the read loop goroutine, so it must not
// block. One handler per type; registering again replaces the previous one.
// Register handlers before calling Connect.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// Typing returns the tracker holding live typing indicators. UIs poll
// IsTyping / TypingUsers when rendering; indicators expire locally.
func (c *Client) Typing() *TypingTracker {
	return c.typing
}

// Connect dials the server and starts the background read/reconnect loop.
// An expired access credential is refreshed once, silently; if the server
// still rejects the handshake, ErrAuthFailed is returned and the user must
// log in again.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dialWithAuth(ctx); err != nil {
		return err
	}
	go c.run()
	return nil
}

// Done is closed when the client has stopped for good, either via Close or a
// fatal authentication failure during reconnect. Err reports the cause.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the fatal error that stopped the client, or nil after a clean
// Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Close shuts the client down. Safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

// SessionID returns the session ID assigned by the server for the current
// connection, or an empty string before the handshake completes.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the authenticated user ID, learned from session_created.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// JoinRoom subscribes to a conversation's events. The subscription is
// remembered and automatically re-established after a reconnect.
func (c *Client) JoinRoom(conversationID string) error {
	c.mu.Lock()
	c.rooms[conversationID] = struct{}{}
	c.mu.Unlock()

	return c.send(protocol.JoinRoomMsg{
		Type:           protocol.TypeJoinRoom,
		ConversationID: conversationID,
	})
}

// SendText posts a message into a conversation. The body is validated
// locally so an empty or oversized message never reaches the network. If the
// connection is down the message is queued and flushed, in order, once the
// transport recovers.
func (c *Client) SendText(conversationID, text string) error {
	if err := message.ValidateBody(text); err != nil {
		return err
	}

	msg := protocol.SendMessageMsg{
		Type:           protocol.TypeSendMessage,
		ConversationID: conversationID,
		Text:           text,
	}

	err := c.send(msg)
	if errors.Is(err, ErrNotConnected) {
		c.outbox.add(msg)
		return nil
	}
	return err
}

// SendTyping signals that the user is composing a message. Fire-and-forget:
// failures while disconnected are dropped, not queued, since a stale typing
// signal is worse than none.
func (c *Client) SendTyping(conversationID string) {
	_ = c.send(protocol.TypingMsg{
		Type:           protocol.TypeTyping,
		ConversationID: conversationID,
	})
}

// MarkRead reports that the user has rendered the message.
func (c *Client) MarkRead(messageID string) error {
	return c.send(protocol.MessageReadMsg{
		Type:      protocol.TypeMessageRead,
		MessageID: messageID,
	})
}

// GetOrCreateChat asks the server to resolve the conversation with peerID
// about a listing. The answer arrives as a chat_ready message.
func (c *Client) GetOrCreateChat(listingID, peerID string) error {
	return c.send(protocol.GetOrCreateChatMsg{
		Type:      protocol.TypeGetOrCreateChat,
		ListingID: listingID,
		PeerID:    peerID,
	})
}

// send marshals and writes a client message to the current connection.
func (c *Client) send(msg interface{}) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// dialWithAuth performs one authenticated dial. A 401 handshake rejection
// means the access credential expired: refresh once and retry. A 403 (or a
// failed refresh) is fatal.
func (c *Client) dialWithAuth(ctx context.Context) error {
	err := c.dial(ctx)
	if err == nil {
		return nil
	}

	switch handshakeStatus(err) {
	case http.StatusUnauthorized:
		if rerr := c.refreshCredentials(ctx); rerr != nil {
			return ErrAuthFailed
		}
		if err = c.dial(ctx); err == nil {
			return nil
		}
		if handshakeStatus(err) != 0 {
			return ErrAuthFailed
		}
		return err
	case http.StatusForbidden:
		return ErrAuthFailed
	}
	return err
}

// dial establishes the WebSocket connection with the current access
// credential in the token query parameter (browser WebSocket clients cannot
// set headers, so the server accepts both forms).
func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	access := c.creds.AccessToken
	c.mu.Unlock()

	conn, _, _, err := ws.Dial(ctx, c.cfg.ServerURL+"?token="+url.QueryEscape(access))
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = ""
	c.mu.Unlock()
	return nil
}

// handshakeStatus extracts the HTTP status from a rejected WebSocket
// handshake, or 0 if the error is not a handshake rejection.
func handshakeStatus(err error) int {
	var se ws.StatusError
	if errors.As(err, &se) {
		return int(se)
	}
	return 0
}

// refreshCredentials exchanges the refresh credential for a new pair via the
// REST endpoint.
func (c *Client) refreshCredentials(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.creds.RefreshToken
	c.mu.Unlock()

	body, err := json.Marshal(map[string]string{"refresh_token": refresh})
	if err != nil {
		return fmt.Errorf("client: marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIURL+"/api/v1/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("client: refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: refresh rejected with status %d", resp.StatusCode)
	}

	var pair auth.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("client: decode refresh response: %w", err)
	}

	c.mu.Lock()
	c.creds = pair
	c.mu.Unlock()
	return nil
}

// run drives the read loop and reconnects on failure until Close or a fatal
// authentication error.
func (c *Client) run() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		c.readLoop(conn)

		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if err := c.reconnect(); err != nil {
			c.mu.Lock()
			c.fatal = err
			c.mu.Unlock()
			c.closeOnce.Do(func() { close(c.done) })
			return
		}
	}
}

// reconnect retries dialWithAuth on the backoff schedule until it succeeds,
// then re-joins rooms, flushes the outbox, and catches up on history.
func (c *Client) reconnect() error {
	for {
		delay := c.backoff.Next()
		log.Printf("client: connection lost, reconnecting in %s", delay)

		select {
		case <-c.done:
			return nil
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.dialWithAuth(ctx)
		cancel()
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		if err != nil {
			continue
		}

		c.backoff.Reset()
		// The caller resumes the read loop; state restoration runs alongside
		// it so server replies to the re-joins are consumed promptly.
		go c.resync()
		return nil
	}
}

// resync restores state after a reconnect: re-join every room (membership is
// connection-scoped on the server), flush queued messages, then re-fetch each
// room's history and dispatch anything that was missed while offline.
func (c *Client) resync() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	for _, id := range rooms {
		_ = c.send(protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ConversationID: id})
	}

	for _, msg := range c.outbox.drain() {
		if err := c.send(msg); err != nil {
			// Connection dropped again mid-flush; requeue and let the next
			// reconnect retry.
			c.outbox.add(msg)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, id := range rooms {
		msgs, err := c.fetchHistory(ctx, id)
		if err != nil {
			log.Printf("client: history catch-up failed conversation=%s: %v", id, err)
			continue
		}
		for _, m := range msgs {
			c.deliverMessage(m)
		}
	}
}

// fetchHistory loads the ordered message history of a conversation over REST.
func (c *Client) fetchHistory(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	c.mu.Lock()
	access := c.creds.AccessToken
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.APIURL+"/api/v1/conversations/"+conversationID+"/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("client: build history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+access)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: history request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: history rejected with status %d", resp.StatusCode)
	}

	var msgs []protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("client: decode history: %w", err)
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Read path
// ---------------------------------------------------------------------------

// readLoop reads frames until the connection fails, handling the built-in
// message types and dispatching everything to registered handlers.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeSessionCreated:
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				c.mu.Lock()
				c.sessionID = msg.SessionID
				c.userID = msg.UserID
				c.mu.Unlock()
			}

		case protocol.TypeNewMessage:
			var msg protocol.NewMessageMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if !c.deliverMessage(msg.Message) {
				continue // duplicate; handler already saw it
			}

		case protocol.TypeTyping:
			var msg protocol.ServerTypingMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				c.typing.Observe(msg.ConversationID, msg.UserID)
			}
		}

		if handler, ok := c.handlers[env.Type]; ok && env.Type != protocol.TypeNewMessage {
			handler(json.RawMessage(data))
		}
	}
}

// deliverMessage dispatches a message to the new_message handler exactly
// once, acknowledging delivery for messages authored by the counterpart.
// It reports whether the message was new.
func (c *Client) deliverMessage(m protocol.Message) bool {
	c.mu.Lock()
	if _, dup := c.seen[m.ID]; dup {
		c.mu.Unlock()
		return false
	}
	c.seen[m.ID] = struct{}{}
	me := c.userID
	c.mu.Unlock()

	// Delivery is an application-level fact: acknowledge only messages that
	// actually reached this client and were not written by this user.
	if m.AuthorID != me {
		_ = c.send(protocol.MessageDeliveredMsg{
			Type:      protocol.TypeMessageDelivered,
			MessageID: m.ID,
		})
	}

	if handler, ok := c.handlers[protocol.TypeNewMessage]; ok {
		data, err := json.Marshal(protocol.NewMessageMsg{
			Type:    protocol.TypeNewMessage,
			Message: m,
		})
		if err == nil {
			handler(json.RawMessage(data))
		}
	}
	return true
}
