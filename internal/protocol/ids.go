package protocol

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// NewStreamID returns a fresh monotonic stream identifier.
func NewStreamID() string { return newID() }

// NewTraceID returns a fresh monotonic trace identifier.
func NewTraceID() string { return newID() }

// NewInterceptID returns a fresh intercept identifier.
func NewInterceptID() string { return newID() }

// TraceContext tracks the identity of one saga on the producing side:
// the shared traceId, the lexical parent, the causing stream and the next
// sibling slot for parallel children.
type TraceContext struct {
	mu                sync.Mutex
	traceID           string
	parentStreamID    string
	causationStreamID string
	nextSibling       int
}

// NewTraceContext starts a fresh saga.
func NewTraceContext() *TraceContext {
	return &TraceContext{traceID: NewTraceID()}
}

// TraceID returns the saga identifier.
func (t *TraceContext) TraceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traceID
}

// Child derives a context for a nested flow under the given parent stream.
// The child inherits the traceId and starts its own sibling counter.
func (t *TraceContext) Child(parentStreamID string) *TraceContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &TraceContext{
		traceID:        t.traceID,
		parentStreamID: parentStreamID,
	}
}

// Caused derives a context for a request issued in reaction to another
// stream's event.
func (t *TraceContext) Caused(causationStreamID string) *TraceContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &TraceContext{
		traceID:           t.traceID,
		parentStreamID:    t.parentStreamID,
		causationStreamID: causationStreamID,
	}
}

// Stamp fills the routing fields of an envelope, assigning a fresh streamId
// and the next sibling index.
func (t *TraceContext) Stamp(env *Envelope) {
	t.mu.Lock()
	sibling := t.nextSibling
	t.nextSibling++
	env.TraceID = t.traceID
	env.ParentStreamID = t.parentStreamID
	env.CausationStreamID = t.causationStreamID
	t.mu.Unlock()

	env.StreamID = NewStreamID()
	env.SiblingIndex = sibling
	env.Timestamp = time.Now().UTC()
}
