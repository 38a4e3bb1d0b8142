// Package client is the program-side helper used by tools and tests:
// connect to a harness, issue commands, await events, drive the control
// channel.
package client

import (
	"sync"

	"github.com/burpheart/replay-tap/internal/protocol"
)

// Callback receives the terminal outcome of one outstanding request:
// either the response event or an error, never both.
type Callback func(*protocol.Envelope, error)

// PendingRequests tracks outstanding client requests by streamId. Each
// entry's callback fires exactly once; resolution removes the entry.
type PendingRequests struct {
	mu      sync.Mutex
	entries map[string]Callback
}

// NewPendingRequests returns an empty table.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{entries: make(map[string]Callback)}
}

// Register stores a callback for a stream.
func (p *PendingRequests) Register(streamID string, cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[streamID] = cb
}

func (p *PendingRequests) take(streamID string) (Callback, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.entries[streamID]
	if ok {
		delete(p.entries, streamID)
	}
	return cb, ok
}

// Resolve delivers a response event, reporting whether the stream was
// outstanding.
func (p *PendingRequests) Resolve(streamID string, env *protocol.Envelope) bool {
	cb, ok := p.take(streamID)
	if !ok {
		return false
	}
	cb(env, nil)
	return true
}

// ResolveError fails one outstanding request.
func (p *PendingRequests) ResolveError(streamID string, err error) bool {
	cb, ok := p.take(streamID)
	if !ok {
		return false
	}
	cb(nil, err)
	return true
}

// CancelAll fails every outstanding request with err. Used on disconnect.
func (p *PendingRequests) CancelAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]Callback)
	p.mu.Unlock()

	for _, cb := range entries {
		cb(nil, err)
	}
}

// Len returns the number of outstanding requests.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
