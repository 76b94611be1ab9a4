package client

import "time"

// Backoff produces capped exponential reconnect delays. It is not
// goroutine-safe; each Client owns one and uses it from its reconnect loop
// only.
type Backoff struct {
	Base    time.Duration // delay after the first failure
	Max     time.Duration // upper bound on the delay
	attempt int
}

// DefaultBackoff returns the reconnect schedule used by Client:
// 500ms, 1s, 2s, 4s, ... capped at 30s.
func DefaultBackoff() *Backoff {
	return &Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d < b.Base { // shift overflow guards the second case
		d = b.Max
	} else {
		b.attempt++
	}
	return d
}

// Reset rewinds the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
