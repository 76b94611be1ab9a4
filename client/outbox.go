package client

import (
	"sync"

	"github.com/nestdesk/crm-chat/internal/protocol"
)

// outbox queues messages composed while the connection is down. They are
// flushed in composition order once the transport is re-established.
type outbox struct {
	mu      sync.Mutex
	pending []protocol.SendMessageMsg
}

func (o *outbox) add(m protocol.SendMessageMsg) {
	o.mu.Lock()
	o.pending = append(o.pending, m)
	o.mu.Unlock()
}

// drain removes and returns all queued messages.
func (o *outbox) drain() []protocol.SendMessageMsg {
	o.mu.Lock()
	out := o.pending
	o.pending = nil
	o.mu.Unlock()
	return out
}

func (o *outbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
