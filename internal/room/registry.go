// Package room scopes event fanout to the connections currently subscribed
// to a conversation. Cross-server delivery rides on NATS room subjects: each
// server holds one bus subscription per conversation it has local members
// for, and fans incoming events out to those members only. Membership is
// in-memory and does not survive reconnects; clients re-join after every
// reconnection.
package room

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Event kinds carried on the room bus.
const (
	EventMessage = "message"
	EventStatus  = "status"
	EventTyping  = "typing"
)

// Event is the payload published to room.<conversation_id> subjects. Payload
// holds the already-encoded server->client frame so receiving servers relay
// it without re-marshalling.
type Event struct {
	Kind       string          `json:"kind"`
	FromUserID string          `json:"from_user_id"`
	FromConnID string          `json:"from_conn_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Bus is the subset of the messaging client the registry needs.
type Bus interface {
	SubscribeRoom(conversationID string, handler func(data []byte)) error
	UnsubscribeRoom(conversationID string) error
	PublishRoomEvent(conversationID string, data []byte) error
}

// Sender delivers an encoded frame to a local connection by id.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// member is one local connection subscribed to a room.
type member struct {
	connID string
	userID string
}

// Registry tracks which local connections are subscribed to which
// conversation rooms and bridges them to the bus.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]string   // conversationID -> connID -> userID
	joined map[string]map[string]struct{} // connID -> set of conversationIDs

	bus    Bus
	sender Sender
}

// NewRegistry creates an empty Registry wired to the given bus and sender.
func NewRegistry(bus Bus, sender Sender) *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]string),
		joined: make(map[string]map[string]struct{}),
		bus:    bus,
		sender: sender,
	}
}

// Join subscribes a connection to a conversation's room. The first local
// member triggers the server-wide bus subscription for that room. Joining a
// room twice is a no-op.
//
// The bus subscription happens before any membership is recorded, all under
// the write lock: a concurrent join cannot become a member of a room whose
// subscription later fails, and a failed join leaves no state behind, so a
// retry re-attempts the subscription.
func (r *Registry) Join(conversationID, connID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[conversationID]
	if !ok {
		if err := r.bus.SubscribeRoom(conversationID, func(data []byte) {
			r.deliver(conversationID, data)
		}); err != nil {
			return fmt.Errorf("room: subscribe %s: %w", conversationID, err)
		}
		members = make(map[string]string)
		r.rooms[conversationID] = members
	}
	if _, already := members[connID]; already {
		return nil
	}
	members[connID] = userID

	convs, ok := r.joined[connID]
	if !ok {
		convs = make(map[string]struct{})
		r.joined[connID] = convs
	}
	convs[conversationID] = struct{}{}
	return nil
}

// Leave removes a connection from a room. The last local member leaving
// drops the server's bus subscription.
func (r *Registry) Leave(conversationID, connID string) {
	r.mu.Lock()
	members, ok := r.rooms[conversationID]
	if ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	if convs, ok := r.joined[connID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(r.joined, connID)
		}
	}
	empty := ok && len(members) == 0
	r.mu.Unlock()

	if empty {
		if err := r.bus.UnsubscribeRoom(conversationID); err != nil {
			log.Printf("room: unsubscribe %s: %v", conversationID, err)
		}
	}
}

// LeaveAll removes a connection from every room it joined. Called on
// disconnect.
func (r *Registry) LeaveAll(connID string) {
	r.mu.RLock()
	convs := make([]string, 0, len(r.joined[connID]))
	for conversationID := range r.joined[connID] {
		convs = append(convs, conversationID)
	}
	r.mu.RUnlock()

	for _, conversationID := range convs {
		r.Leave(conversationID, connID)
	}
}

// IsMember reports whether a connection is subscribed to a room.
func (r *Registry) IsMember(conversationID, connID string) bool {
	r.mu.RLock()
	_, ok := r.rooms[conversationID][connID]
	r.mu.RUnlock()
	return ok
}

// Rooms returns the conversation ids a connection is currently subscribed to.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	convs := make([]string, 0, len(r.joined[connID]))
	for conversationID := range r.joined[connID] {
		convs = append(convs, conversationID)
	}
	r.mu.RUnlock()
	return convs
}

// Count returns the number of rooms with at least one local member.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.rooms)
	r.mu.RUnlock()
	return n
}

// Publish encodes an event and puts it on the conversation's room subject.
// Every server with members in the room (this one included) receives it back
// through its bus subscription and fans out locally.
func (r *Registry) Publish(conversationID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("room: marshal event: %w", err)
	}
	if err := r.bus.PublishRoomEvent(conversationID, data); err != nil {
		return fmt.Errorf("room: publish %s: %w", conversationID, err)
	}
	return nil
}

// deliver fans a bus event out to the room's local members. Typing events
// skip every connection belonging to the signalling user; messages and
// status updates go to all members, the sender's own tabs included.
func (r *Registry) deliver(conversationID string, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("room: bad event on %s: %v", conversationID, err)
		return
	}

	r.mu.RLock()
	members := make([]member, 0, len(r.rooms[conversationID]))
	for connID, userID := range r.rooms[conversationID] {
		members = append(members, member{connID: connID, userID: userID})
	}
	r.mu.RUnlock()

	for _, m := range members {
		if ev.Kind == EventTyping && m.userID == ev.FromUserID {
			continue
		}
		if err := r.sender.SendMessage(m.connID, ev.Payload); err != nil {
			// Dead connections are cleaned up by the heartbeat; nothing to
			// do here beyond logging.
			log.Printf("room: send to %s failed: %v", m.connID, err)
		}
	}
}
