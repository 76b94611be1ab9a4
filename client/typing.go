package client

import (
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing indicator stays live after the last
// typing signal. Signals are fire-and-forget; there is no "stopped typing"
// event, so staleness is the only way an indicator goes away.
const DefaultTypingTTL = 4 * time.Second

// TypingTracker records typing signals per (conversation, user) and expires
// them locally after a fixed window. A fresh signal restarts the window.
type TypingTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // "conversation|user" -> last signal

	now func() time.Time // stubbed in tests
}

// NewTypingTracker creates a tracker with the given expiry window. A zero or
// negative ttl falls back to DefaultTypingTTL.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Observe records a typing signal for the user in the conversation.
func (t *TypingTracker) Observe(conversationID, userID string) {
	t.mu.Lock()
	t.entries[conversationID+"|"+userID] = t.now()
	t.mu.Unlock()
}

// IsTyping reports whether the user's last typing signal in the conversation
// is still within the expiry window. Expired entries are removed on read.
func (t *TypingTracker) IsTyping(conversationID, userID string) bool {
	key := conversationID + "|" + userID

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.entries[key]
	if !ok {
		return false
	}
	if t.now().Sub(last) > t.ttl {
		delete(t.entries, key)
		return false
	}
	return true
}

// TypingUsers returns the users with a live typing indicator in the
// conversation.
func (t *TypingTracker) TypingUsers(conversationID string) []string {
	prefix := conversationID + "|"
	cutoff := t.now().Add(-t.ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	var users []string
	for key, last := range t.entries {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if last.Before(cutoff) {
			delete(t.entries, key)
			continue
		}
		users = append(users, key[len(prefix):])
	}
	return users
}
