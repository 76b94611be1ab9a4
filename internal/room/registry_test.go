package room

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// loopbackBus is an in-process Bus: published events are handed straight to
// the room's subscription handler, mimicking a single-server NATS round trip.
type loopbackBus struct {
	mu       sync.Mutex
	handlers map[string]func(data []byte)
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{handlers: make(map[string]func(data []byte))}
}

func (b *loopbackBus) SubscribeRoom(conversationID string, handler func(data []byte)) error {
	b.mu.Lock()
	b.handlers[conversationID] = handler
	b.mu.Unlock()
	return nil
}

func (b *loopbackBus) UnsubscribeRoom(conversationID string) error {
	b.mu.Lock()
	delete(b.handlers, conversationID)
	b.mu.Unlock()
	return nil
}

func (b *loopbackBus) PublishRoomEvent(conversationID string, data []byte) error {
	b.mu.Lock()
	handler := b.handlers[conversationID]
	b.mu.Unlock()
	if handler != nil {
		handler(data)
	}
	return nil
}

func (b *loopbackBus) subscribed(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[conversationID]
	return ok
}

// recordingSender captures frames per connection id.
type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][][]byte)}
}

func (s *recordingSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	s.frames[connID] = append(s.frames[connID], data)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) count(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[connID])
}

func event(kind, fromUser, fromConn string) Event {
	return Event{
		Kind:       kind,
		FromUserID: fromUser,
		FromConnID: fromConn,
		Payload:    json.RawMessage(`{"type":"test"}`),
	}
}

func TestBroadcastScopedToRoom(t *testing.T) {
	bus := newLoopbackBus()
	sender := newRecordingSender()
	reg := NewRegistry(bus, sender)

	if err := reg.Join("conv-1", "connA", "1"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if err := reg.Join("conv-1", "connB", "2"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if err := reg.Join("conv-2", "connC", "3"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	if err := reg.Publish("conv-1", event(EventMessage, "1", "connA")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	// Both members of conv-1 receive it, the sender's own connection included.
	if got := sender.count("connA"); got != 1 {
		t.Errorf("expected 1 frame for connA, got %d", got)
	}
	if got := sender.count("connB"); got != 1 {
		t.Errorf("expected 1 frame for connB, got %d", got)
	}
	// A connection not subscribed to the room receives nothing.
	if got := sender.count("connC"); got != 0 {
		t.Errorf("expected 0 frames for connC, got %d", got)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	bus := newLoopbackBus()
	sender := newRecordingSender()
	reg := NewRegistry(bus, sender)

	// User 1 has two tabs in the room.
	_ = reg.Join("conv-1", "connA1", "1")
	_ = reg.Join("conv-1", "connA2", "1")
	_ = reg.Join("conv-1", "connB", "2")

	if err := reg.Publish("conv-1", event(EventTyping, "1", "connA1")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	// Neither of user 1's tabs sees their own typing signal.
	if got := sender.count("connA1"); got != 0 {
		t.Errorf("expected 0 frames for the typing tab, got %d", got)
	}
	if got := sender.count("connA2"); got != 0 {
		t.Errorf("expected 0 frames for the user's other tab, got %d", got)
	}
	if got := sender.count("connB"); got != 1 {
		t.Errorf("expected 1 frame for the counterpart, got %d", got)
	}
}

func TestJoinIdempotent(t *testing.T) {
	bus := newLoopbackBus()
	sender := newRecordingSender()
	reg := NewRegistry(bus, sender)

	_ = reg.Join("conv-1", "connA", "1")
	_ = reg.Join("conv-1", "connA", "1") // re-asserted after reconnect

	if err := reg.Publish("conv-1", event(EventMessage, "1", "connA")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if got := sender.count("connA"); got != 1 {
		t.Errorf("expected exactly 1 frame after duplicate join, got %d", got)
	}
}

// flakyBus fails the first n SubscribeRoom calls, then behaves normally.
type flakyBus struct {
	*loopbackBus
	failures int
}

func (b *flakyBus) SubscribeRoom(conversationID string, handler func(data []byte)) error {
	if b.failures > 0 {
		b.failures--
		return errSubscribe
	}
	return b.loopbackBus.SubscribeRoom(conversationID, handler)
}

var errSubscribe = errors.New("bus unavailable")

func TestJoinSubscribeFailureLeavesNoMembers(t *testing.T) {
	bus := &flakyBus{loopbackBus: newLoopbackBus(), failures: 1}
	sender := newRecordingSender()
	reg := NewRegistry(bus, sender)

	if err := reg.Join("conv-1", "connA", "1"); err == nil {
		t.Fatal("expected Join() to fail while the bus is down")
	}

	// The failed join must not leave a member behind in a room with no bus
	// subscription.
	if reg.IsMember("conv-1", "connA") {
		t.Error("expected no membership after failed subscribe")
	}
	if len(reg.Rooms("connA")) != 0 {
		t.Error("expected no joined rooms after failed subscribe")
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("expected 0 active rooms, got %d", got)
	}

	// A later join re-attempts the subscription and the room works normally.
	if err := reg.Join("conv-1", "connB", "2"); err != nil {
		t.Fatalf("Join() after bus recovery: %v", err)
	}
	if !bus.subscribed("conv-1") {
		t.Fatal("expected a bus subscription after recovery")
	}
	if err := reg.Publish("conv-1", event(EventMessage, "2", "connB")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if got := sender.count("connB"); got != 1 {
		t.Errorf("expected 1 frame for connB, got %d", got)
	}
	if got := sender.count("connA"); got != 0 {
		t.Errorf("expected no frames for the failed joiner, got %d", got)
	}
}

func TestLeaveAllDropsSubscriptions(t *testing.T) {
	bus := newLoopbackBus()
	sender := newRecordingSender()
	reg := NewRegistry(bus, sender)

	_ = reg.Join("conv-1", "connA", "1")
	_ = reg.Join("conv-2", "connA", "1")
	_ = reg.Join("conv-1", "connB", "2")

	if got := reg.Count(); got != 2 {
		t.Fatalf("expected 2 active rooms, got %d", got)
	}

	reg.LeaveAll("connA")

	if reg.IsMember("conv-1", "connA") {
		t.Error("expected connA to have left conv-1")
	}
	if len(reg.Rooms("connA")) != 0 {
		t.Error("expected no rooms for connA after LeaveAll")
	}

	// conv-2 had no members left: its bus subscription is dropped. conv-1
	// still has connB.
	if bus.subscribed("conv-2") {
		t.Error("expected conv-2 bus subscription to be dropped")
	}
	if !bus.subscribed("conv-1") {
		t.Error("expected conv-1 bus subscription to remain")
	}

	_ = reg.Publish("conv-1", event(EventMessage, "2", "connB"))
	if got := sender.count("connA"); got != 0 {
		t.Errorf("expected no frames for departed connA, got %d", got)
	}
	if got := sender.count("connB"); got != 1 {
		t.Errorf("expected 1 frame for connB, got %d", got)
	}
}

func TestStatusEventReachesAuthorTabs(t *testing.T) {
	bus := newLoopbackBus()
	sender := newRecordingSender()
	reg := NewRegistry(bus, sender)

	_ = reg.Join("conv-1", "connA1", "1")
	_ = reg.Join("conv-1", "connA2", "1")
	_ = reg.Join("conv-1", "connB", "2")

	// User 2 read the message; the status event comes from user 2 but must
	// reach user 1's subscribed connections.
	if err := reg.Publish("conv-1", event(EventStatus, "2", "connB")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	for _, connID := range []string{"connA1", "connA2", "connB"} {
		if got := sender.count(connID); got != 1 {
			t.Errorf("expected 1 frame for %s, got %d", connID, got)
		}
	}
}
