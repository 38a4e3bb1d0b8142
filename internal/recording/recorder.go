package recording

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/burpheart/replay-tap/internal/protocol"
)

// MessageCallback is called for each message appended to a recorder.
type MessageCallback func(RecordedMessage)

// Recorder accumulates the messages of one session in memory. The log is
// append-only; it is flushed to disk once, when the session closes.
type Recorder struct {
	mu       sync.Mutex
	messages []RecordedMessage

	scenarioName string
	startedAt    time.Time
	log          zerolog.Logger

	count     atomic.Int64
	onMessage MessageCallback
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithScenarioName sets the scenario name persisted with the recording.
func WithScenarioName(name string) RecorderOption {
	return func(r *Recorder) { r.scenarioName = name }
}

// WithOnMessage sets a callback invoked after each append.
func WithOnMessage(cb MessageCallback) RecorderOption {
	return func(r *Recorder) { r.onMessage = cb }
}

// WithLogger sets the recorder's logger.
func WithLogger(log zerolog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = log }
}

// NewRecorder creates an empty recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		messages:  make([]RecordedMessage, 0, 64),
		startedAt: time.Now().UTC(),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append adds one message to the log. Order of Append calls is the
// persisted order; there is no reordering.
func (r *Recorder) Append(env protocol.Envelope, dir Direction, hash string) {
	msg := RecordedMessage{
		Envelope:   env,
		RecordedAt: time.Now().UTC(),
		Direction:  dir,
		Hash:       hash,
	}

	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()

	r.count.Add(1)
	if r.onMessage != nil {
		r.onMessage(msg)
	}
}

// Len returns the number of appended messages.
func (r *Recorder) Len() int {
	return int(r.count.Load())
}

// Messages returns a snapshot of the log at a stable length.
func (r *Recorder) Messages() []RecordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// Snapshot builds the persistable recording from the current log.
func (r *Recorder) Snapshot() *Recording {
	r.mu.Lock()
	msgs := make([]RecordedMessage, len(r.messages))
	copy(msgs, r.messages)
	r.mu.Unlock()

	return &Recording{
		SchemaVersion: CurrentSchemaVersion,
		ScenarioName:  r.scenarioName,
		RecordedAt:    r.startedAt,
		Messages:      msgs,
	}
}

// Save persists the recording to path (see SaveRecording for path mapping).
func (r *Recorder) Save(path string) error {
	rec := r.Snapshot()
	r.log.Info().Str("path", path).Int("messages", len(rec.Messages)).Msg("saving recording")
	return SaveRecording(path, rec)
}
