// Package messaging provides a NATS client wrapper for pub/sub fanout across
// chatserver instances. Room events travel on room.<conversation_id> subjects
// so that every server hosting a subscriber sees them; per-user notifications
// (new conversations) travel on user.<user_id> subjects.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the chat server.
const (
	SubjectRoom = "room" // + .<conversation_id>
	SubjectUser = "user" // + .<user_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "crm-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRoomEvent publishes data to the room.<conversationID> subject.
func (c *NATSClient) PublishRoomEvent(conversationID string, data []byte) error {
	return c.Publish(SubjectRoom+"."+conversationID, data)
}

// SubscribeRoom subscribes this server instance to the room.<conversationID>
// subject. Each server holds at most one room subscription per conversation;
// local fanout to the room's member connections is the room registry's job.
func (c *NATSClient) SubscribeRoom(conversationID string, handler func(data []byte)) error {
	subject := SubjectRoom + "." + conversationID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom drops this server's subscription for a conversation's room.
func (c *NATSClient) UnsubscribeRoom(conversationID string) error {
	return c.unsubscribe(SubjectRoom + "." + conversationID)
}

// PublishUserEvent publishes data to the user.<userID> subject.
func (c *NATSClient) PublishUserEvent(userID string, data []byte) error {
	return c.Publish(SubjectUser+"."+userID, data)
}

// SubscribeUser subscribes a connection to the user.<userID> subject. The
// subscription is keyed by connection id so multiple tabs of the same user on
// the same server each receive user-scoped notifications.
func (c *NATSClient) SubscribeUser(userID, connID string, handler func(data []byte)) error {
	subject := SubjectUser + "." + userID
	key := "usersub:" + connID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeUser drops a connection's user-scoped subscription.
func (c *NATSClient) UnsubscribeUser(connID string) error {
	return c.unsubscribe("usersub:" + connID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subscription key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
