// Package session implements the per-session state container and the
// process-wide session registry.
package session

import (
	"sync"

	"github.com/burpheart/replay-tap/internal/protocol"
)

// PendingForwards correlates platform responses with the commands that
// were forwarded upstream: streamId -> original command envelope.
type PendingForwards struct {
	mu      sync.Mutex
	entries map[string]protocol.Envelope
}

// NewPendingForwards returns an empty table.
func NewPendingForwards() *PendingForwards {
	return &PendingForwards{entries: make(map[string]protocol.Envelope)}
}

// Register stores the original command for a forwarded stream.
func (p *PendingForwards) Register(env protocol.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[env.StreamID] = env
}

// Resolve removes and returns the pending entry for a stream. A second
// resolve of the same stream reports not found.
func (p *PendingForwards) Resolve(streamID string) (protocol.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.entries[streamID]
	if ok {
		delete(p.entries, streamID)
	}
	return env, ok
}

// Peek returns the pending entry for a stream without removing it.
func (p *PendingForwards) Peek(streamID string) (protocol.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.entries[streamID]
	return env, ok
}

// Has reports whether a stream has an outstanding forward.
func (p *PendingForwards) Has(streamID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[streamID]
	return ok
}

// Len returns the number of outstanding forwards.
func (p *PendingForwards) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Clear drops all outstanding forwards.
func (p *PendingForwards) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]protocol.Envelope)
}
