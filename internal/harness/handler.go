// Package harness wires the transport, the per-frame dispatcher and the
// control surface into the harness server.
package harness

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/burpheart/replay-tap/internal/protocol"
	"github.com/burpheart/replay-tap/internal/recording"
	"github.com/burpheart/replay-tap/internal/session"
	"github.com/burpheart/replay-tap/pkg/types"
)

// ResultKind says what the server should do with a handled frame.
type ResultKind int

const (
	// RespondDirectly sends the envelope back on the originating connection.
	RespondDirectly ResultKind = iota
	// ForwardToPlatform sends the envelope to the upstream platform side.
	ForwardToPlatform
	// ForwardToProgram sends the envelope to the program side.
	ForwardToProgram
	// NoResponse drops the frame after processing.
	NoResponse
)

// Result is the outcome of dispatching one envelope.
type Result struct {
	Kind     ResultKind
	Envelope *protocol.Envelope
}

// Handler dispatches envelopes against a session's mode and state.
type Handler struct {
	normalize bool
	log       zerolog.Logger

	// sleep is swappable in tests; it implements intercept delay.
	sleep func(time.Duration)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHashNormalize sets the hashing mode for commands without a
// producer-supplied hash.
func WithHashNormalize(normalize bool) HandlerOption {
	return func(h *Handler) { h.normalize = normalize }
}

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(log zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithSleep overrides the delay function.
func WithSleep(fn func(time.Duration)) HandlerOption {
	return func(h *Handler) { h.sleep = fn }
}

// NewHandler creates a dispatcher.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		normalize: true,
		log:       zerolog.Nop(),
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleEnvelope dispatches one non-control envelope. Channel rules:
// commands arrive on program, events on platform; anything else is an
// UnexpectedChannel error.
func (h *Handler) HandleEnvelope(sess *session.Session, env *protocol.Envelope) (*Result, error) {
	switch {
	case env.Payload.IsCommand():
		if env.Channel != protocol.ChannelProgram {
			return nil, protocol.ErrUnexpectedChannel(env.Channel, "commands arrive on program")
		}
		return h.handleCommand(sess, env)
	case env.Payload.IsEvent():
		if env.Channel != protocol.ChannelPlatform {
			return nil, protocol.ErrUnexpectedChannel(env.Channel, "events arrive on platform")
		}
		return h.handleEvent(sess, env)
	}
	return nil, protocol.Errorf(protocol.CodeUnexpectedCommand, "unhandled payload type %q", env.Payload.Type)
}

func (h *Handler) handleCommand(sess *session.Session, env *protocol.Envelope) (*Result, error) {
	if env.Payload.Type == protocol.MessageOpen {
		return h.handleOpen(sess, env)
	}
	return h.handleClose(sess, env)
}

func (h *Handler) handleOpen(sess *session.Session, env *protocol.Envelope) (*Result, error) {
	req := env.Payload.Request

	// Intercepts short-circuit every mode.
	if match := sess.Intercepts.MatchRequest(req); match != nil {
		if match.Delay > 0 {
			h.sleep(match.Delay)
		}
		ev := interceptEvent(env, match.Response)
		if sess.Recorder != nil {
			hash, err := protocol.EnvelopeHash(env, h.normalize)
			if err != nil {
				return nil, err
			}
			sess.Recorder.Append(*env, recording.DirectionToHarness, hash)
			sess.Recorder.Append(ev, recording.DirectionFromHarness, "")
		}
		sess.Log.Debug().Str("stream", env.StreamID).Str("intercept", match.ID).Msg("intercepted")
		return &Result{Kind: RespondDirectly, Envelope: &ev}, nil
	}

	switch sess.Mode {
	case types.ModePassthrough:
		sess.Pending.Register(*env)
		fwd := env.WithChannel(protocol.ChannelPlatform)
		return &Result{Kind: ForwardToPlatform, Envelope: &fwd}, nil

	case types.ModeRecord:
		hash, err := protocol.EnvelopeHash(env, h.normalize)
		if err != nil {
			return nil, err
		}
		env.PayloadHash = hash
		sess.Recorder.Append(*env, recording.DirectionToHarness, hash)
		sess.Pending.Register(*env)
		fwd := env.WithChannel(protocol.ChannelPlatform)
		return &Result{Kind: ForwardToPlatform, Envelope: &fwd}, nil

	case types.ModePlayback:
		ev, err := sess.Player.PlaybackRequest(env)
		if err != nil {
			return nil, err
		}
		// Record-while-replaying captures a regression baseline.
		if sess.Recorder != nil {
			hash, herr := protocol.EnvelopeHash(env, h.normalize)
			if herr != nil {
				return nil, herr
			}
			sess.Recorder.Append(*env, recording.DirectionToHarness, hash)
			sess.Recorder.Append(*ev, recording.DirectionFromHarness, "")
		}
		return &Result{Kind: RespondDirectly, Envelope: ev}, nil
	}
	return nil, protocol.Errorf(protocol.CodeUnexpectedCommand, "unknown mode %v", sess.Mode)
}

func (h *Handler) handleClose(sess *session.Session, env *protocol.Envelope) (*Result, error) {
	// A close for a stream with an outstanding forward follows it upstream.
	if sess.Mode != types.ModePlayback && sess.Pending.Has(env.StreamID) {
		if sess.Mode == types.ModeRecord {
			sess.Recorder.Append(*env, recording.DirectionToHarness, "")
		}
		fwd := env.WithChannel(protocol.ChannelPlatform)
		return &Result{Kind: ForwardToPlatform, Envelope: &fwd}, nil
	}

	// Close without a matching open: synthesized error event.
	ev := errorEvent(env, "unexpected_close", "close command without a matching open")
	return &Result{Kind: RespondDirectly, Envelope: &ev}, nil
}

func (h *Handler) handleEvent(sess *session.Session, env *protocol.Envelope) (*Result, error) {
	var ok bool
	if env.Payload.Type == protocol.MessageData {
		// Streaming chunks precede the close on the same stream; the
		// pending entry stays registered until the close arrives.
		ok = sess.Pending.Has(env.StreamID)
	} else {
		_, ok = sess.Pending.Resolve(env.StreamID)
	}
	if !ok {
		return nil, protocol.ErrNoPendingForward(env.StreamID)
	}

	if sess.Mode == types.ModeRecord {
		sess.Recorder.Append(*env, recording.DirectionFromHarness, "")
	}

	fwd := env.WithChannel(protocol.ChannelProgram)
	return &Result{Kind: ForwardToProgram, Envelope: &fwd}, nil
}

// interceptEvent builds the synthesized response for an intercept hit,
// reusing the routing fields of the intercepted command.
func interceptEvent(cmd *protocol.Envelope, resp protocol.ResponsePayload) protocol.Envelope {
	return protocol.Envelope{
		StreamID:          cmd.StreamID,
		TraceID:           cmd.TraceID,
		CausationStreamID: cmd.CausationStreamID,
		ParentStreamID:    cmd.ParentStreamID,
		SiblingIndex:      cmd.SiblingIndex,
		EventSeq:          1,
		Timestamp:         time.Now().UTC(),
		Channel:           cmd.Channel,
		Payload:           protocol.Message{Type: protocol.MessageClose, Response: &resp},
	}
}

// errorEvent builds an error response envelope preserving the offending
// frame's routing fields so the client can correlate the failure.
func errorEvent(cmd *protocol.Envelope, errType, message string) protocol.Envelope {
	body, _ := json.Marshal(map[string]string{
		"type":     errType,
		"message":  message,
		"streamId": cmd.StreamID,
	})
	resp := protocol.ResponsePayload{Service: "error", Payload: body}
	return protocol.Envelope{
		StreamID:          cmd.StreamID,
		TraceID:           cmd.TraceID,
		CausationStreamID: cmd.CausationStreamID,
		ParentStreamID:    cmd.ParentStreamID,
		SiblingIndex:      cmd.SiblingIndex,
		EventSeq:          1,
		Timestamp:         time.Now().UTC(),
		Channel:           cmd.Channel,
		Payload:           protocol.Message{Type: protocol.MessageClose, Response: &resp},
	}
}
