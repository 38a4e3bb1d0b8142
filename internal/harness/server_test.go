package harness

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/replay-tap/internal/protocol"
	"github.com/burpheart/replay-tap/pkg/client"
	"github.com/burpheart/replay-tap/pkg/types"
)

func startServer(t *testing.T, cfg *types.Config) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "harness.sock")
	cfg.Port = 0
	cfg.SocketPath = sock

	srv, err := NewServer(cfg, zerolog.Nop())
	require.NoError(t, err)

	go func() {
		if err := srv.Start(); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)

	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "server socket appears")

	return "unix:" + sock
}

func controlOK(t *testing.T, c *client.Client, cmd protocol.ControlCommand) *protocol.ControlResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Control(ctx, cmd)
	require.NoError(t, err)
	require.True(t, resp.Success, "control %s failed: %v", cmd.Command, resp.Error)
	return resp
}

func TestEndToEndRecordThenPlayback(t *testing.T) {
	dir := t.TempDir()
	recordingPath := filepath.Join(dir, "echo.json")
	endpoint := startServer(t, types.DefaultConfig())

	ctx := context.Background()

	ctrl, err := client.Dial(ctx, endpoint, "")
	require.NoError(t, err)
	defer ctrl.Close()

	controlOK(t, ctrl, protocol.ControlCommand{
		Command:       protocol.ControlCreateSession,
		SessionID:     "rec",
		Mode:          "record",
		RecordingPath: recordingPath,
	})

	c, err := client.Dial(ctx, endpoint, "rec")
	require.NoError(t, err)
	defer c.Close()

	controlOK(t, c, protocol.ControlCommand{
		Command: protocol.ControlRegisterIntercept,
		Intercept: &protocol.InterceptSpec{
			Match: protocol.InterceptMatch{
				Service:  "http",
				URLMatch: &protocol.URLMatch{Type: protocol.URLMatchContains, Value: "httpbin"},
			},
			Response: protocol.ResponsePayload{Service: "http", Payload: json.RawMessage(`{"status":200,"body":"ok"}`)},
			Priority: 10,
		},
	})

	payload := json.RawMessage(`{"method":"POST","url":"https://httpbin.org/anything","body":"hello"}`)
	ev, err := c.Call(ctx, "http", payload, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"body":"ok"}`, string(ev.Payload.Response.Payload))

	controlOK(t, c, protocol.ControlCommand{Command: protocol.ControlCloseSession})

	// Playback against the flushed recording.
	controlOK(t, ctrl, protocol.ControlCommand{
		Command:       protocol.ControlCreateSession,
		SessionID:     "pb",
		Mode:          "playback",
		RecordingPath: recordingPath,
	})

	pc, err := client.Dial(ctx, endpoint, "pb")
	require.NoError(t, err)
	defer pc.Close()

	ev2, err := pc.Call(ctx, "http", payload, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"body":"ok"}`, string(ev2.Payload.Response.Payload),
		"playback reproduces the recorded payload")
	assert.NotEqual(t, ev.StreamID, ev2.StreamID, "playback uses playback-time stream ids")
}

func TestTopLevelControlRestrictions(t *testing.T) {
	endpoint := startServer(t, types.DefaultConfig())
	ctx := context.Background()

	ctrl, err := client.Dial(ctx, endpoint, "")
	require.NoError(t, err)
	defer ctrl.Close()

	resp, err := ctrl.Control(ctx, protocol.ControlCommand{Command: protocol.ControlGetStatus})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeUnexpectedCommand, resp.Error.Code)

	controlOK(t, ctrl, protocol.ControlCommand{Command: protocol.ControlListSessions})
}

func TestUnknownSessionRejectedAtUpgrade(t *testing.T) {
	endpoint := startServer(t, types.DefaultConfig())
	ctx := context.Background()

	_, err := client.Dial(ctx, endpoint, "no-such-session")
	require.Error(t, err, "unknown session is rejected at upgrade time")
}

func TestPassthroughViaPlatformPeer(t *testing.T) {
	endpoint := startServer(t, types.DefaultConfig())
	ctx := context.Background()

	ctrl, err := client.Dial(ctx, endpoint, "")
	require.NoError(t, err)
	defer ctrl.Close()
	controlOK(t, ctrl, protocol.ControlCommand{
		Command: protocol.ControlCreateSession, SessionID: "pt", Mode: "passthrough",
	})

	// Platform simulator: answer every open with a canned close event.
	var platform *client.Client
	platform, err = client.Dial(ctx, endpoint, "pt",
		client.WithEnvelopeHandler(func(env *protocol.Envelope) {
			if env.Payload.Type != protocol.MessageOpen {
				return
			}
			reply := protocol.Envelope{
				StreamID:  env.StreamID,
				TraceID:   env.TraceID,
				EventSeq:  1,
				Timestamp: time.Now().UTC(),
				Channel:   protocol.ChannelPlatform,
				Payload: protocol.Message{
					Type:     protocol.MessageClose,
					Response: &protocol.ResponsePayload{Service: "http", Payload: json.RawMessage(`{"from":"platform"}`)},
				},
			}
			_ = platform.SendEnvelope(reply)
		}))
	require.NoError(t, err)
	defer platform.Close()

	program, err := client.Dial(ctx, endpoint, "pt")
	require.NoError(t, err)
	defer program.Close()

	ev, err := program.Call(ctx, "http", json.RawMessage(`{"x":1}`), 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"platform"}`, string(ev.Payload.Response.Payload))
}

func TestDisconnectCancelsPendingRequests(t *testing.T) {
	dir := t.TempDir()
	endpoint := startServer(t, types.DefaultConfig())
	ctx := context.Background()

	ctrl, err := client.Dial(ctx, endpoint, "")
	require.NoError(t, err)
	defer ctrl.Close()
	controlOK(t, ctrl, protocol.ControlCommand{
		Command:       protocol.ControlCreateSession,
		SessionID:     "dc",
		Mode:          "record",
		RecordingPath: filepath.Join(dir, "dc.json"),
	})

	// Silent platform peer: receives the forward, never answers.
	platform, err := client.Dial(ctx, endpoint, "dc",
		client.WithEnvelopeHandler(func(*protocol.Envelope) {}))
	require.NoError(t, err)
	defer platform.Close()

	program, err := client.Dial(ctx, endpoint, "dc")
	require.NoError(t, err)

	env, err := program.OpenCommand("http", json.RawMessage(`{"hang":true}`))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	program.Pending().Register(env.StreamID, func(_ *protocol.Envelope, err error) {
		errCh <- err
	})
	require.NoError(t, program.SendEnvelope(env))

	// Give the harness time to record and forward, then drop the client.
	require.Eventually(t, func() bool {
		resp, err := platform.Control(ctx, protocol.ControlCommand{Command: protocol.ControlGetMessageCount})
		if err != nil || !resp.Success {
			return false
		}
		var out struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(resp.Payload, &out); err != nil {
			return false
		}
		return out.Count == 1
	}, 3*time.Second, 25*time.Millisecond, "command is recorded before disconnect")

	program.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, protocol.CodeConnectionClosed, protocol.AsError(err).Code)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request was not cancelled on disconnect")
	}

	// The recorder holds the command but no response.
	resp, err := platform.Control(ctx, protocol.ControlCommand{
		Command: protocol.ControlGetMessageCount,
		Filter:  &protocol.MessageFilter{Direction: "from_harness"},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &out))
	assert.Equal(t, 0, out.Count)
}

func TestParseErrorReturnsErrorFrame(t *testing.T) {
	endpoint := startServer(t, types.DefaultConfig())
	sock := endpoint[len("unix:"):]

	dialer := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return net.Dial("unix", sock)
		},
	}
	ws, _, err := dialer.Dial("ws://unix/", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Contains(t, out["error"], "parse_error")
}

func TestHandlerErrorReturnsErrorEvent(t *testing.T) {
	endpoint := startServer(t, types.DefaultConfig())
	ctx := context.Background()

	ctrl, err := client.Dial(ctx, endpoint, "")
	require.NoError(t, err)
	defer ctrl.Close()
	controlOK(t, ctrl, protocol.ControlCommand{
		Command: protocol.ControlCreateSession, SessionID: "errs", Mode: "passthrough",
	})

	got := make(chan *protocol.Envelope, 1)
	c, err := client.Dial(ctx, endpoint, "errs",
		client.WithEnvelopeHandler(func(env *protocol.Envelope) {
			select {
			case got <- env:
			default:
			}
		}))
	require.NoError(t, err)
	defer c.Close()

	// An event without a pending forward is a correlation error; it comes
	// back as an error event preserving the routing fields.
	rogue := protocol.Envelope{
		StreamID:  "rogue-stream",
		TraceID:   "rogue-trace",
		EventSeq:  1,
		Timestamp: time.Now().UTC(),
		Channel:   protocol.ChannelPlatform,
		Payload: protocol.Message{
			Type:     protocol.MessageClose,
			Response: &protocol.ResponsePayload{Service: "http", Payload: json.RawMessage(`{}`)},
		},
	}
	require.NoError(t, c.SendEnvelope(rogue))

	select {
	case env := <-got:
		assert.Equal(t, "rogue-stream", env.StreamID, "routing fields are preserved")
		require.NotNil(t, env.Payload.Response)
		assert.Equal(t, "error", env.Payload.Response.Service)
		assert.Contains(t, string(env.Payload.Response.Payload), protocol.CodeNoPendingForward)
	case <-time.After(3 * time.Second):
		t.Fatal("no error event received")
	}
}

func TestSessionCloseFlushesOverControl(t *testing.T) {
	dir := t.TempDir()
	endpoint := startServer(t, types.DefaultConfig())
	ctx := context.Background()
	path := filepath.Join(dir, "flush.json")

	ctrl, err := client.Dial(ctx, endpoint, "")
	require.NoError(t, err)
	defer ctrl.Close()

	controlOK(t, ctrl, protocol.ControlCommand{
		Command: protocol.ControlCreateSession, SessionID: "fl", Mode: "record", RecordingPath: path,
	})
	controlOK(t, ctrl, protocol.ControlCommand{
		Command: protocol.ControlCloseSession, SessionID: "fl",
	})

	_, err = os.Stat(path + ".zstd")
	require.NoError(t, err, "close_session flushes the recording")

	// Closing again reports the session as gone.
	resp, err := ctrl.Control(ctx, protocol.ControlCommand{
		Command: protocol.ControlCloseSession, SessionID: "fl",
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeSessionNotFound, resp.Error.Code)
}

func TestGetStatusAndIntercepts(t *testing.T) {
	dir := t.TempDir()
	endpoint := startServer(t, types.DefaultConfig())
	ctx := context.Background()

	ctrl, err := client.Dial(ctx, endpoint, "")
	require.NoError(t, err)
	defer ctrl.Close()
	controlOK(t, ctrl, protocol.ControlCommand{
		Command: protocol.ControlCreateSession, SessionID: "st", Mode: "record",
		RecordingPath: filepath.Join(dir, "st.json"),
	})

	c, err := client.Dial(ctx, endpoint, "st")
	require.NoError(t, err)
	defer c.Close()

	status := controlOK(t, c, protocol.ControlCommand{Command: protocol.ControlGetStatus})
	var info struct {
		SessionID string `json:"sessionId"`
		Mode      string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(status.Payload, &info))
	assert.Equal(t, "st", info.SessionID)
	assert.Equal(t, "record", info.Mode)

	reg := controlOK(t, c, protocol.ControlCommand{
		Command: protocol.ControlRegisterIntercept,
		Intercept: &protocol.InterceptSpec{
			Match:    protocol.InterceptMatch{Service: "http"},
			Response: protocol.ResponsePayload{Service: "http", Payload: json.RawMessage(`{}`)},
			Priority: 1,
		},
	})
	var regOut struct {
		InterceptID string `json:"interceptId"`
	}
	require.NoError(t, json.Unmarshal(reg.Payload, &regOut))
	require.NotEmpty(t, regOut.InterceptID)

	stats := controlOK(t, c, protocol.ControlCommand{
		Command: protocol.ControlGetInterceptStats, InterceptID: regOut.InterceptID,
	})
	var statsOut struct {
		MatchCount int  `json:"matchCount"`
		Active     bool `json:"active"`
	}
	require.NoError(t, json.Unmarshal(stats.Payload, &statsOut))
	assert.Equal(t, 0, statsOut.MatchCount)
	assert.True(t, statsOut.Active)

	cleared := controlOK(t, c, protocol.ControlCommand{Command: protocol.ControlClearIntercepts})
	var clearedOut struct {
		Cleared int `json:"cleared"`
	}
	require.NoError(t, json.Unmarshal(cleared.Payload, &clearedOut))
	assert.Equal(t, 1, clearedOut.Cleared)
}
