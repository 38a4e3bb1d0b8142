package session

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burpheart/replay-tap/internal/intercept"
	"github.com/burpheart/replay-tap/internal/protocol"
	"github.com/burpheart/replay-tap/internal/recording"
	"github.com/burpheart/replay-tap/internal/replay"
	"github.com/burpheart/replay-tap/pkg/types"
)

// Session bundles the per-tenant state: mode, recorder and/or player,
// pending forwards and the intercept registry. Sessions are created and
// destroyed through the Registry only.
type Session struct {
	ID            string
	Mode          types.Mode
	RecordingPath string
	CreatedAt     time.Time

	Recorder   *recording.Recorder // record mode; optionally playback (baseline capture)
	Player     *replay.Player      // playback mode
	Pending    *PendingForwards
	Intercepts *intercept.Registry

	// SavePath is where the recorder flushes on close; empty disables
	// the flush (playback baseline recorders owned by tests).
	SavePath string

	Log zerolog.Logger
}

// MessageCount returns the recorder's current length, 0 without one.
func (s *Session) MessageCount() int {
	if s.Recorder == nil {
		return 0
	}
	return s.Recorder.Len()
}

// Info is the control-channel view of a session.
type Info struct {
	ID            string    `json:"sessionId"`
	Mode          string    `json:"mode"`
	RecordingPath string    `json:"recordingPath,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	MessageCount  int       `json:"messageCount"`
	PendingCount  int       `json:"pendingCount"`
}

// Registry owns all sessions of a harness process.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	baseDir       string
	hashNormalize bool
	log           zerolog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBaseRecordingDir resolves relative recording paths under dir.
func WithBaseRecordingDir(dir string) RegistryOption {
	return func(r *Registry) { r.baseDir = dir }
}

// WithHashNormalize sets the hashing mode handed to players.
func WithHashNormalize(normalize bool) RegistryOption {
	return func(r *Registry) { r.hashNormalize = normalize }
}

// WithLogger sets the registry's logger; sessions get child loggers.
func WithLogger(log zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:      make(map[string]*Session),
		hashNormalize: true,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || r.baseDir == "" {
		return path
	}
	return filepath.Join(r.baseDir, path)
}

// Create builds a session in the given mode. Record mode attaches a
// recorder flushed to recordingPath on close; playback loads the recording
// lazily and builds its hash index before the session becomes visible.
func (r *Registry) Create(ctx context.Context, id string, mode types.Mode, recordingPath string) (*Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeSessionAlreadyExists, "session %s already exists", id)
	}
	r.mu.Unlock()

	path := r.resolvePath(recordingPath)
	log := r.log.With().Str("session", id).Str("mode", mode.String()).Logger()

	sess := &Session{
		ID:            id,
		Mode:          mode,
		RecordingPath: path,
		CreatedAt:     time.Now().UTC(),
		Pending:       NewPendingForwards(),
		Intercepts:    intercept.NewRegistry(),
		Log:           log,
	}

	switch mode {
	case types.ModeRecord:
		if path == "" {
			return nil, protocol.Errorf(protocol.CodeInvalidRequest,
				"record session %s requires a recording path", id)
		}
		sess.Recorder = recording.NewRecorder(
			recording.WithScenarioName(id),
			recording.WithLogger(log),
		)
		sess.SavePath = path
	case types.ModePlayback:
		if path == "" {
			return nil, protocol.Errorf(protocol.CodeRecordingLoadFailed,
				"playback session %s requires a recording path", id)
		}
		lazy, err := recording.LoadRecordingLazy(ctx, path)
		if err != nil {
			return nil, err
		}
		index, err := recording.BuildHashIndex(ctx, lazy)
		if err != nil {
			return nil, err
		}
		sess.Player = replay.NewPlayer(lazy, index,
			replay.WithHashNormalize(r.hashNormalize),
			replay.WithLogger(log),
		)
		log.Info().Int("messages", lazy.Len()).Int("hashes", len(index)).Msg("recording loaded")
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeSessionAlreadyExists, "session %s already exists", id)
	}
	r.sessions[id] = sess
	r.mu.Unlock()

	log.Info().Msg("session created")
	return sess, nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeSessionNotFound, "session %s not found", id)
	}
	return sess, nil
}

// Close removes a session. In record mode the recording is flushed before
// the session is dropped; a failed flush surfaces as an error but the
// session is removed regardless.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return protocol.Errorf(protocol.CodeSessionNotFound, "session %s not found", id)
	}

	sess.Pending.Clear()

	if sess.Recorder != nil && sess.SavePath != "" {
		if err := sess.Recorder.Save(sess.SavePath); err != nil {
			sess.Log.Error().Err(err).Msg("recording save failed")
			return err
		}
	}
	sess.Log.Info().Msg("session closed")
	return nil
}

// List returns info for all sessions, id order.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Info{
			ID:            s.ID,
			Mode:          s.Mode.String(),
			RecordingPath: s.RecordingPath,
			CreatedAt:     s.CreatedAt,
			MessageCount:  s.MessageCount(),
			PendingCount:  s.Pending.Len(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll closes every session, flushing recorders. Save failures are
// logged per session and do not stop the sweep.
func (r *Registry) CloseAll() {
	for _, info := range r.List() {
		if err := r.Close(info.ID); err != nil {
			r.log.Error().Err(err).Str("session", info.ID).Msg("close session")
		}
	}
}
