package replay

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/burpheart/replay-tap/internal/protocol"
	"github.com/burpheart/replay-tap/internal/recording"
)

// Player synthesizes responses from a loaded recording. Matching is by
// request-payload hash; each recorded command is consumed at most once,
// tracked by recording index in the used set. The recording itself is
// never mutated.
type Player struct {
	mu    sync.Mutex
	rec   *recording.LazyRecording
	index recording.HashIndex
	used  map[int]bool

	translation *TranslationMap
	normalize   bool
	log         zerolog.Logger
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithHashNormalize sets the hashing mode used when an inbound command
// carries no producer-supplied hash.
func WithHashNormalize(normalize bool) PlayerOption {
	return func(p *Player) { p.normalize = normalize }
}

// WithLogger sets the player's logger.
func WithLogger(log zerolog.Logger) PlayerOption {
	return func(p *Player) { p.log = log }
}

// NewPlayer creates a player over a lazy recording and its hash index.
func NewPlayer(rec *recording.LazyRecording, index recording.HashIndex, opts ...PlayerOption) *Player {
	p := &Player{
		rec:         rec,
		index:       index,
		used:        make(map[int]bool),
		translation: NewTranslationMap(),
		normalize:   true,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Translation exposes the player's ID translation map.
func (p *Player) Translation() *TranslationMap {
	return p.translation
}

// UsedCount returns how many recorded commands have been consumed.
func (p *Player) UsedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

// FindMatch returns the lowest-indexed unused message matching the hash,
// decoding only that one message. The index is consulted first; a hash
// absent from the index falls back to a linear scan with the same used-set
// filter.
func (p *Player) FindMatch(hash string) (int, *recording.RecordedMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findMatchLocked(hash)
}

func (p *Player) findMatchLocked(hash string) (int, *recording.RecordedMessage, error) {
	entries := p.index.Lookup(hash)
	if len(entries) > 0 {
		for _, e := range entries {
			if p.used[e.Index] {
				continue
			}
			msg, err := p.rec.DecodeMessage(e.Index)
			if err != nil {
				return 0, nil, err
			}
			return e.Index, msg, nil
		}
		return 0, nil, protocol.Errorf(protocol.CodeAllMatchesUsed,
			"all %d recorded matches for hash %s consumed", len(entries), hash)
	}

	// Hash missing from the index: linear scan over the raw slots.
	for i, raw := range p.rec.RawMessages {
		if p.used[i] {
			continue
		}
		if gjson.GetBytes(raw, "hash").String() != hash {
			continue
		}
		msg, err := p.rec.DecodeMessage(i)
		if err != nil {
			return 0, nil, err
		}
		return i, msg, nil
	}
	return 0, nil, protocol.Errorf(protocol.CodeNoMatchFound,
		"no recorded match for hash %s", hash)
}

// PlaybackRequest matches an inbound Open command against the recording
// and synthesizes its response envelope. Routing fields come from the
// inbound command; eventSeq, timestamp and payload come from the recorded
// response.
func (p *Player) PlaybackRequest(cmdEnv *protocol.Envelope) (*protocol.Envelope, error) {
	if cmdEnv.Payload.Type != protocol.MessageOpen || cmdEnv.Payload.Request == nil {
		return nil, protocol.Errorf(protocol.CodeUnexpectedPayload,
			"playback requires an open command, got %q", cmdEnv.Payload.Type)
	}

	hash, err := protocol.EnvelopeHash(cmdEnv, p.normalize)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeUnexpectedPayload, "hash request payload: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	matchIndex, match, err := p.findMatchLocked(hash)
	if err != nil {
		return nil, err
	}
	p.used[matchIndex] = true

	recordedStream := match.Envelope.StreamID
	p.translation.RecordStream(recordedStream, cmdEnv.StreamID)
	p.translation.RecordTrace(match.Envelope.TraceID, cmdEnv.TraceID)

	p.log.Debug().
		Str("hash", hash).
		Int("matchIndex", matchIndex).
		Str("recordedStream", recordedStream).
		Str("playbackStream", cmdEnv.StreamID).
		Msg("playback match")

	response, err := p.findResponseLocked(matchIndex, recordedStream)
	if err != nil {
		return nil, err
	}

	out := protocol.Envelope{
		StreamID:          cmdEnv.StreamID,
		TraceID:           cmdEnv.TraceID,
		CausationStreamID: cmdEnv.CausationStreamID,
		ParentStreamID:    cmdEnv.ParentStreamID,
		SiblingIndex:      cmdEnv.SiblingIndex,
		EventSeq:          response.Envelope.EventSeq,
		Timestamp:         response.Envelope.Timestamp,
		Channel:           cmdEnv.Channel,
		Payload:           response.Envelope.Payload,
	}
	return &out, nil
}

// findResponseLocked locates the response paired with the command at
// matchIndex: the first later message recorded from_harness on the same
// recorded stream. Candidate slots are filtered with shallow field reads;
// only the winner is decoded.
func (p *Player) findResponseLocked(matchIndex int, recordedStream string) (*recording.RecordedMessage, error) {
	for i := matchIndex + 1; i < len(p.rec.RawMessages); i++ {
		raw := p.rec.RawMessages[i]
		if gjson.GetBytes(raw, "direction").String() != string(recording.DirectionFromHarness) {
			continue
		}
		if gjson.GetBytes(raw, "envelope.streamId").String() != recordedStream {
			continue
		}
		return p.rec.DecodeMessage(i)
	}
	return nil, protocol.Errorf(protocol.CodeInvalidRequest,
		"No corresponding response for recorded stream %s", recordedStream)
}
