package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/replay-tap/internal/protocol"
	"github.com/burpheart/replay-tap/internal/recording"
)

func openEnv(stream, hash string, payload string) protocol.Envelope {
	return protocol.Envelope{
		StreamID:    stream,
		TraceID:     "trace-" + stream,
		EventSeq:    0,
		Timestamp:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Channel:     protocol.ChannelProgram,
		PayloadHash: hash,
		Payload: protocol.Message{
			Type:    protocol.MessageOpen,
			Request: &protocol.RequestPayload{Service: "http", Payload: json.RawMessage(payload)},
		},
	}
}

func closeEnv(stream string, payload string) protocol.Envelope {
	return protocol.Envelope{
		StreamID:  stream,
		TraceID:   "trace-" + stream,
		EventSeq:  1,
		Timestamp: time.Date(2026, 5, 1, 12, 0, 5, 0, time.UTC),
		Channel:   protocol.ChannelProgram,
		Payload: protocol.Message{
			Type:     protocol.MessageClose,
			Response: &protocol.ResponsePayload{Service: "http", Payload: json.RawMessage(payload)},
		},
	}
}

// sameHashPlayer builds a recording with three identical commands at
// indices 0, 2, 4 and their responses at 1, 3, 5.
func sameHashPlayer(t *testing.T) *Player {
	t.Helper()
	r := recording.NewRecorder()
	bodies := []string{"first", "second", "third"}
	for i, body := range bodies {
		stream := fmt.Sprintf("rec-s%d", i)
		r.Append(openEnv(stream, "shared-hash", `{"same":true}`), recording.DirectionToHarness, "shared-hash")
		r.Append(closeEnv(stream, fmt.Sprintf(`{"body":%q}`, body)), recording.DirectionFromHarness, "")
	}
	return playerFrom(t, r)
}

func playerFrom(t *testing.T, r *recording.Recorder) *Player {
	t.Helper()
	lazy, err := r.Snapshot().Lazy()
	require.NoError(t, err)
	ix, err := recording.BuildHashIndex(context.Background(), lazy)
	require.NoError(t, err)
	return NewPlayer(lazy, ix)
}

func playbackOpen(stream, hash string) protocol.Envelope {
	env := openEnv(stream, hash, `{"same":true}`)
	env.TraceID = "pb-trace"
	return env
}

func body(t *testing.T, ev *protocol.Envelope) string {
	t.Helper()
	require.NotNil(t, ev.Payload.Response)
	var m map[string]string
	require.NoError(t, json.Unmarshal(ev.Payload.Response.Payload, &m))
	return m["body"]
}

func TestPlaybackSameHashOrdering(t *testing.T) {
	p := sameHashPlayer(t)

	for i, want := range []string{"first", "second", "third"} {
		cmd := playbackOpen(fmt.Sprintf("pb-s%d", i), "shared-hash")
		ev, err := p.PlaybackRequest(&cmd)
		require.NoError(t, err)
		assert.Equal(t, want, body(t, ev), "responses come back in recording order")
		assert.Equal(t, cmd.StreamID, ev.StreamID, "playback-time streamId is substituted")
		assert.Equal(t, "pb-trace", ev.TraceID)
		assert.Equal(t, 1, ev.EventSeq, "recorded eventSeq is preserved")
	}

	cmd := playbackOpen("pb-s3", "shared-hash")
	_, err := p.PlaybackRequest(&cmd)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeAllMatchesUsed, protocol.AsError(err).Code)
	assert.Equal(t, 3, p.UsedCount())
}

func TestPlaybackNoMatch(t *testing.T) {
	p := sameHashPlayer(t)
	cmd := playbackOpen("pb-x", "unknown-hash")
	_, err := p.PlaybackRequest(&cmd)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNoMatchFound, protocol.AsError(err).Code)
}

func TestPlaybackComputedHash(t *testing.T) {
	req := &protocol.RequestPayload{Service: "http", Payload: json.RawMessage(`{"url":"https://x","method":"GET"}`)}
	hash, err := protocol.HashRequest(req, true)
	require.NoError(t, err)

	r := recording.NewRecorder()
	cmd := openEnv("rec-1", hash, `{"method":"GET","url":"https://x"}`)
	r.Append(cmd, recording.DirectionToHarness, hash)
	r.Append(closeEnv("rec-1", `{"body":"hit"}`), recording.DirectionFromHarness, "")
	p := playerFrom(t, r)

	// Key order differs and no producer hash is supplied; the canonical
	// hash still matches.
	pb := openEnv("pb-1", "", `{"url":"https://x","method":"GET"}`)
	ev, err := p.PlaybackRequest(&pb)
	require.NoError(t, err)
	assert.Equal(t, "hit", body(t, ev))
}

func TestPlaybackMissingResponse(t *testing.T) {
	r := recording.NewRecorder()
	r.Append(openEnv("rec-1", "h1", `{}`), recording.DirectionToHarness, "h1")
	p := playerFrom(t, r)

	cmd := playbackOpen("pb-1", "h1")
	_, err := p.PlaybackRequest(&cmd)
	require.Error(t, err)
	werr := protocol.AsError(err)
	assert.Equal(t, protocol.CodeInvalidRequest, werr.Code)
	assert.Contains(t, werr.Message, "No corresponding response")
}

func TestPlaybackLinearScanFallback(t *testing.T) {
	r := recording.NewRecorder()
	r.Append(openEnv("rec-1", "h1", `{}`), recording.DirectionToHarness, "h1")
	r.Append(closeEnv("rec-1", `{"body":"found"}`), recording.DirectionFromHarness, "")

	lazy, err := r.Snapshot().Lazy()
	require.NoError(t, err)
	p := NewPlayer(lazy, recording.HashIndex{}) // empty index forces the scan

	cmd := playbackOpen("pb-1", "h1")
	ev, err := p.PlaybackRequest(&cmd)
	require.NoError(t, err)
	assert.Equal(t, "found", body(t, ev))
}

func TestPlaybackRegistersTranslation(t *testing.T) {
	p := sameHashPlayer(t)
	cmd := playbackOpen("pb-s0", "shared-hash")
	_, err := p.PlaybackRequest(&cmd)
	require.NoError(t, err)

	recorded := protocol.Envelope{StreamID: "rec-s0", TraceID: "trace-rec-s0"}
	translated := p.Translation().ToPlayback(recorded)
	assert.Equal(t, "pb-s0", translated.StreamID)
	assert.Equal(t, "pb-trace", translated.TraceID)
}

func TestPlaybackRejectsNonOpen(t *testing.T) {
	p := sameHashPlayer(t)
	cmd := closeEnv("pb-1", `{}`)
	_, err := p.PlaybackRequest(&cmd)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnexpectedPayload, protocol.AsError(err).Code)
}
