// Package replay implements playback of recorded exchanges: hash-based
// matching with at-most-once consumption, and translation between
// recording-time and playback-time identifiers.
package replay

import (
	"sync"

	"github.com/burpheart/replay-tap/internal/protocol"
)

// TranslationMap is the per-player bidirectional mapping between
// recording-time and playback-time stream and trace IDs. It grows
// monotonically over the life of a session.
type TranslationMap struct {
	mu               sync.Mutex
	streamToPlayback map[string]string
	streamToRecord   map[string]string
	traceToPlayback  map[string]string
	traceToRecord    map[string]string
}

// NewTranslationMap returns an empty map.
func NewTranslationMap() *TranslationMap {
	return &TranslationMap{
		streamToPlayback: make(map[string]string),
		streamToRecord:   make(map[string]string),
		traceToPlayback:  make(map[string]string),
		traceToRecord:    make(map[string]string),
	}
}

// RecordStream registers recordID <-> playbackID for streams.
func (t *TranslationMap) RecordStream(recordID, playbackID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamToPlayback[recordID] = playbackID
	t.streamToRecord[playbackID] = recordID
}

// RecordTrace registers recordID <-> playbackID for traces.
func (t *TranslationMap) RecordTrace(recordID, playbackID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traceToPlayback[recordID] = playbackID
	t.traceToRecord[playbackID] = recordID
}

func lookup(m map[string]string, id string) string {
	if mapped, ok := m[id]; ok {
		return mapped
	}
	return id
}

// ToPlayback rewrites an envelope's identifiers from recording-time to
// playback-time. Unmapped fields pass through unchanged so recorded nested
// requests still route.
func (t *TranslationMap) ToPlayback(env protocol.Envelope) protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	env.StreamID = lookup(t.streamToPlayback, env.StreamID)
	env.TraceID = lookup(t.traceToPlayback, env.TraceID)
	if env.CausationStreamID != "" {
		env.CausationStreamID = lookup(t.streamToPlayback, env.CausationStreamID)
	}
	if env.ParentStreamID != "" {
		env.ParentStreamID = lookup(t.streamToPlayback, env.ParentStreamID)
	}
	return env
}

// ToRecord is the inverse of ToPlayback.
func (t *TranslationMap) ToRecord(env protocol.Envelope) protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	env.StreamID = lookup(t.streamToRecord, env.StreamID)
	env.TraceID = lookup(t.traceToRecord, env.TraceID)
	if env.CausationStreamID != "" {
		env.CausationStreamID = lookup(t.streamToRecord, env.CausationStreamID)
	}
	if env.ParentStreamID != "" {
		env.ParentStreamID = lookup(t.streamToRecord, env.ParentStreamID)
	}
	return env
}
