package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nestdesk/crm-chat/internal/api"
	"github.com/nestdesk/crm-chat/internal/auth"
	"github.com/nestdesk/crm-chat/internal/conversation"
	"github.com/nestdesk/crm-chat/internal/database"
	"github.com/nestdesk/crm-chat/internal/message"
	"github.com/nestdesk/crm-chat/internal/messaging"
	"github.com/nestdesk/crm-chat/internal/metrics"
	"github.com/nestdesk/crm-chat/internal/protocol"
	"github.com/nestdesk/crm-chat/internal/ratelimit"
	"github.com/nestdesk/crm-chat/internal/room"
	"github.com/nestdesk/crm-chat/internal/session"
	"github.com/nestdesk/crm-chat/internal/ws"
)

func main() {
	// Local development reads .env; in production the variables come from the
	// orchestrator and the file is absent.
	_ = godotenv.Load()

	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- JWT ---
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	tokens := auth.NewJWTManager([]byte(secret))

	// --- PostgreSQL ---
	dbConfig := database.DefaultConfig()
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		dbConfig.DSN = dsn
	}
	db, err := database.Open(dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	convStore := conversation.NewStore(db)
	msgStore := message.NewStore(db)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	limiter := ratelimit.NewLimiter(sessionStore.Client())

	log.Printf("chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher(nil)
	server = ws.NewServer(config, sessionStore, tokens, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	registry := room.NewRegistry(natsClient, server)

	// sendError writes a structured error frame to one connection.
	sendError := func(conn *ws.Connection, code, msg string) {
		resp, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code: code, Message: msg,
		})
		if err != nil {
			return
		}
		if err := conn.WriteMessage(resp); err != nil {
			log.Printf("send error frame to session=%s failed: %v", conn.ID, err)
		}
	}

	// sendRateLimited tells the client to back off for the rule's window.
	sendRateLimited := func(conn *ws.Connection, retryAfter int) {
		resp, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: retryAfter,
		})
		if err != nil {
			return
		}
		_ = conn.WriteMessage(resp)
	}

	// -----------------------------------------------------------------------
	// join_room — subscribe the connection to a conversation's events
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinRoomMsg)
		if !ok || joinMsg.ConversationID == "" {
			sendError(conn, protocol.CodeInvalidMessage, "conversation_id is required")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conv, err := convStore.Get(ctx, joinMsg.ConversationID)
		if err != nil {
			if errors.Is(err, conversation.ErrNotFound) {
				sendError(conn, protocol.CodeNotFound, "conversation not found")
			} else {
				log.Printf("join_room: load conversation %s: %v", joinMsg.ConversationID, err)
				sendError(conn, protocol.CodeInternal, "could not load conversation")
			}
			return
		}
		if !conv.IsParticipant(conn.UserID) {
			sendError(conn, protocol.CodeNotParticipant, "not a participant of this conversation")
			return
		}

		if err := registry.Join(conv.ID, conn.ID, conn.UserID); err != nil {
			log.Printf("join_room: %v", err)
			sendError(conn, protocol.CodeInternal, "could not join room")
			return
		}
		metrics.ActiveRooms.Set(float64(registry.Count()))

		// Persist room membership on the session for observability.
		if err := sessionStore.SetRooms(ctx, conn.ID, registry.Rooms(conn.ID)); err != nil {
			log.Printf("join_room: persist rooms for session=%s: %v", conn.ID, err)
		}

		resp, err := protocol.NewServerMessage(protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
			ConversationID: conv.ID,
		})
		if err == nil {
			_ = conn.WriteMessage(resp)
		}
		log.Printf("join_room session=%s user=%s conversation=%s", conn.ID, conn.UserID, conv.ID)
	})

	// -----------------------------------------------------------------------
	// send_message — persist, then fan out to the room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage); !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			sendRateLimited(conn, int(ratelimit.RuleMessage.Window.Seconds()))
			return
		}

		stored, err := msgStore.Append(ctx, sendMsg.ConversationID, conn.UserID, sendMsg.ToUserID, sendMsg.Text)
		if err != nil {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			switch {
			case errors.Is(err, message.ErrConversationNotFound):
				sendError(conn, protocol.CodeNotFound, "conversation not found")
			case errors.Is(err, message.ErrNotParticipant):
				sendError(conn, protocol.CodeNotParticipant, "not a participant of this conversation")
			case errors.Is(err, message.ErrSelfMessage):
				sendError(conn, protocol.CodeSelfMessage, "cannot address a message to yourself")
			default:
				if verr := message.ValidateBody(sendMsg.Text); verr != nil {
					sendError(conn, protocol.CodeInvalidMessage, verr.Error())
					return
				}
				log.Printf("send_message: append failed session=%s conversation=%s: %v",
					conn.ID, sendMsg.ConversationID, err)
				sendError(conn, protocol.CodeInternal, "could not store message")
			}
			return
		}
		metrics.MessagesTotal.WithLabelValues("sent").Inc()

		frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
			Message: protocol.Message{
				ID:             stored.ID,
				Seq:            stored.Seq,
				ConversationID: stored.ConversationID,
				AuthorID:       stored.AuthorID,
				Body:           stored.Body,
				Status:         stored.Status,
				CreatedAt:      stored.CreatedAt,
			},
		})
		if err != nil {
			log.Printf("send_message: build frame: %v", err)
			return
		}

		// The message is durable at this point; delivery rides on the room
		// subject. If the broadcast is lost, clients recover through history
		// catch-up on their next reconnect.
		start := time.Now()
		if err := registry.Publish(stored.ConversationID, room.Event{
			Kind:       room.EventMessage,
			FromUserID: conn.UserID,
			FromConnID: conn.ID,
			Payload:    frame,
		}); err != nil {
			log.Printf("send_message: publish conversation=%s: %v", stored.ConversationID, err)
			return
		}
		metrics.FanoutLatency.Observe(time.Since(start).Seconds())
	})

	// -----------------------------------------------------------------------
	// typing — relay the composing signal, never persisted
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok || typingMsg.ConversationID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleTyping); !allowed {
			// Typing signals are disposable; drop silently rather than
			// bothering the client with a backoff frame.
			return
		}

		// Only subscribed participants may signal; a join_room must have
		// succeeded first, which performed the membership check.
		if !registry.IsMember(typingMsg.ConversationID, conn.ID) {
			return
		}

		frame, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
			ConversationID: typingMsg.ConversationID,
			UserID:         conn.UserID,
		})
		if err != nil {
			return
		}
		if err := registry.Publish(typingMsg.ConversationID, room.Event{
			Kind:       room.EventTyping,
			FromUserID: conn.UserID,
			FromConnID: conn.ID,
			Payload:    frame,
		}); err != nil {
			log.Printf("typing: publish conversation=%s: %v", typingMsg.ConversationID, err)
		}
	})

	// publishStatus broadcasts an applied delivery-state transition.
	publishStatus := func(conn *ws.Connection, conversationID, messageID, status string) {
		metrics.StatusTransitionsTotal.WithLabelValues(status).Inc()

		frame, err := protocol.NewServerMessage(protocol.TypeMessageStatus, protocol.MessageStatusMsg{
			MessageID:      messageID,
			ConversationID: conversationID,
			Status:         status,
		})
		if err != nil {
			return
		}
		if err := registry.Publish(conversationID, room.Event{
			Kind:       room.EventStatus,
			FromUserID: conn.UserID,
			FromConnID: conn.ID,
			Payload:    frame,
		}); err != nil {
			log.Printf("status: publish conversation=%s: %v", conversationID, err)
		}
	}

	// -----------------------------------------------------------------------
	// message_delivered — recipient acknowledges live arrival
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessageDelivered, func(conn *ws.Connection, msg interface{}) {
		ack, ok := msg.(protocol.MessageDeliveredMsg)
		if !ok || ack.MessageID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conversationID, changed, err := msgStore.MarkDelivered(ctx, ack.MessageID, conn.UserID)
		if err != nil {
			log.Printf("message_delivered: message=%s user=%s: %v", ack.MessageID, conn.UserID, err)
			return
		}
		if !changed {
			// Duplicate ack, stranger, author, or already past delivered.
			return
		}
		publishStatus(conn, conversationID, ack.MessageID, message.StatusDelivered)
	})

	// -----------------------------------------------------------------------
	// message_read — recipient rendered the conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessageRead, func(conn *ws.Connection, msg interface{}) {
		ack, ok := msg.(protocol.MessageReadMsg)
		if !ok || ack.MessageID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conversationID, changed, err := msgStore.MarkRead(ctx, ack.MessageID, conn.UserID)
		if err != nil {
			log.Printf("message_read: message=%s user=%s: %v", ack.MessageID, conn.UserID, err)
			return
		}
		if !changed {
			return
		}
		publishStatus(conn, conversationID, ack.MessageID, message.StatusRead)
	})

	// -----------------------------------------------------------------------
	// get_or_create_chat — resolve the conversation for (listing, pair)
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeGetOrCreateChat, func(conn *ws.Connection, msg interface{}) {
		req, ok := msg.(protocol.GetOrCreateChatMsg)
		if !ok || req.ListingID == "" || req.PeerID == "" {
			sendError(conn, protocol.CodeInvalidMessage, "listing_id and peer_id are required")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conv, created, err := convStore.GetOrCreate(ctx, req.ListingID, conn.UserID, req.PeerID)
		if err != nil {
			if errors.Is(err, conversation.ErrSelfConversation) {
				sendError(conn, protocol.CodeSelfConversation, "cannot start a conversation with yourself")
				return
			}
			log.Printf("get_or_create_chat: listing=%s user=%s peer=%s: %v",
				req.ListingID, conn.UserID, req.PeerID, err)
			sendError(conn, protocol.CodeInternal, "could not resolve conversation")
			return
		}

		resp, err := protocol.NewServerMessage(protocol.TypeChatReady, protocol.ChatReadyMsg{
			ConversationID: conv.ID,
			Created:        created,
		})
		if err == nil {
			_ = conn.WriteMessage(resp)
		}

		if !created {
			return
		}
		metrics.ConversationsCreatedTotal.Inc()
		log.Printf("conversation created id=%s listing=%s by user=%s", conv.ID, conv.ListingID, conn.UserID)

		// Tell the counterpart's live connections (on any server) so their
		// client can join the room without polling.
		notify, err := protocol.NewServerMessage(protocol.TypeNewConversation, protocol.NewConversationMsg{
			Conversation: protocol.Conversation{
				ID:           conv.ID,
				ListingID:    conv.ListingID,
				Participants: conv.Participants(),
				CreatedAt:    conv.CreatedAt,
			},
		})
		if err != nil {
			return
		}
		if err := natsClient.PublishUserEvent(conv.Counterpart(conn.UserID), notify); err != nil {
			log.Printf("get_or_create_chat: notify counterpart: %v", err)
		}
	})

	// On connect: enforce the connection-rate budget, then bridge user-scoped
	// events (new_conversation) from NATS to this connection.
	server.SetOnConnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleConnect); !allowed {
			sendRateLimited(conn, int(ratelimit.RuleConnect.Window.Seconds()))
			server.RemoveConnection(conn)
			return
		}

		if err := natsClient.SubscribeUser(conn.UserID, conn.ID, func(data []byte) {
			if err := server.SendMessage(conn.ID, data); err != nil {
				log.Printf("user event relay to session=%s failed: %v", conn.ID, err)
			}
		}); err != nil {
			log.Printf("subscribe user events user=%s session=%s: %v", conn.UserID, conn.ID, err)
		}
	})

	// On disconnect: drop room memberships and the user-event bridge. Room
	// membership is connection-scoped; clients re-join after reconnecting.
	server.SetOnDisconnect(func(connID string) {
		registry.LeaveAll(connID)
		metrics.ActiveRooms.Set(float64(registry.Count()))
		if err := natsClient.UnsubscribeUser(connID); err != nil {
			log.Printf("unsubscribe user events session=%s: %v", connID, err)
		}
	})

	// REST surface: credential refresh, conversation bootstrap, history.
	server.SetAPIHandler(api.NewHandler(tokens, convStore, msgStore, natsClient).Router())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
