package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/burpheart/replay-tap/internal/protocol"
)

// EnvelopeHandler observes envelopes that do not resolve an outstanding
// request (e.g. commands arriving at a platform-side connection).
type EnvelopeHandler func(*protocol.Envelope)

// Client is one WebSocket connection to a harness.
type Client struct {
	ws      *websocket.Conn
	pending *PendingRequests
	trace   *protocol.TraceContext
	log     zerolog.Logger

	normalize  bool
	onEnvelope EnvelopeHandler

	writeMu sync.Mutex

	ctrlMu      sync.Mutex
	ctrlWaiters map[string]chan protocol.ControlResponse

	done chan struct{}
	once sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHashNormalize sets the hashing mode for outgoing commands.
func WithHashNormalize(normalize bool) Option {
	return func(c *Client) { c.normalize = normalize }
}

// WithEnvelopeHandler installs a handler for unsolicited envelopes.
func WithEnvelopeHandler(fn EnvelopeHandler) Option {
	return func(c *Client) { c.onEnvelope = fn }
}

// Dial connects to a harness endpoint. rawURL is ws://host:port or
// unix:/path/to.sock; a non-empty sessionID is appended as the session
// query parameter.
func Dial(ctx context.Context, rawURL, sessionID string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint url: %w", err)
	}

	dialer := *websocket.DefaultDialer
	target := rawURL
	if u.Scheme == "unix" {
		sock := u.Path
		if sock == "" {
			sock = u.Opaque
		}
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		}
		target = "ws://unix/"
	}

	if sessionID != "" {
		tu, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse target url: %w", err)
		}
		q := tu.Query()
		q.Set("session", sessionID)
		tu.RawQuery = q.Encode()
		target = tu.String()
	}

	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeConnectionFailed, "dial %s: %v", rawURL, err)
	}

	c := &Client{
		ws:          ws,
		pending:     NewPendingRequests(),
		trace:       protocol.NewTraceContext(),
		log:         zerolog.Nop(),
		normalize:   true,
		ctrlWaiters: make(map[string]chan protocol.ControlResponse),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readPump()
	return c, nil
}

// Close tears the connection down, cancelling all outstanding requests
// with ConnectionClosed.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		c.pending.CancelAll(protocol.Errorf(protocol.CodeConnectionClosed, "connection closed"))
		c.failControlWaiters()
	})
}

// Pending exposes the outstanding-request table.
func (c *Client) Pending() *PendingRequests {
	return c.pending
}

// Trace exposes the client's trace context.
func (c *Client) Trace() *protocol.TraceContext {
	return c.trace
}

func (c *Client) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return protocol.Errorf(protocol.CodeMessageSendFailed, "write frame: %v", err)
	}
	return nil
}

// SendEnvelope sends a pre-built envelope verbatim.
func (c *Client) SendEnvelope(env protocol.Envelope) error {
	return c.writeJSON(env)
}

// OpenCommand builds and stamps an Open command for a service call.
func (c *Client) OpenCommand(service string, payload json.RawMessage) (protocol.Envelope, error) {
	req := protocol.RequestPayload{Service: service, Payload: payload}
	env := protocol.Envelope{
		Channel: protocol.ChannelProgram,
		Payload: protocol.Message{Type: protocol.MessageOpen, Request: &req},
	}
	c.trace.Stamp(&env)

	hash, err := protocol.HashRequest(&req, c.normalize)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env.PayloadHash = hash
	return env, nil
}

// Call sends an Open command and waits for its response event.
func (c *Client) Call(ctx context.Context, service string, payload json.RawMessage, timeout time.Duration) (*protocol.Envelope, error) {
	env, err := c.OpenCommand(service, payload)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		env *protocol.Envelope
		err error
	}
	ch := make(chan outcome, 1)
	c.pending.Register(env.StreamID, func(ev *protocol.Envelope, err error) {
		ch <- outcome{ev, err}
	})

	if err := c.SendEnvelope(env); err != nil {
		c.pending.ResolveError(env.StreamID, err)
		<-ch
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.env, out.err
	case <-timer.C:
		c.pending.ResolveError(env.StreamID, protocol.Errorf(protocol.CodeRequestTimeout,
			"request %s timed out after %s", env.StreamID, timeout))
		out := <-ch
		return nil, out.err
	case <-ctx.Done():
		c.pending.ResolveError(env.StreamID, ctx.Err())
		out := <-ch
		return nil, out.err
	}
}

// Control issues a control command and waits for its response.
func (c *Client) Control(ctx context.Context, cmd protocol.ControlCommand) (*protocol.ControlResponse, error) {
	requestID := uuid.NewString()
	ch := make(chan protocol.ControlResponse, 1)

	c.ctrlMu.Lock()
	c.ctrlWaiters[requestID] = ch
	c.ctrlMu.Unlock()

	defer func() {
		c.ctrlMu.Lock()
		delete(c.ctrlWaiters, requestID)
		c.ctrlMu.Unlock()
	}()

	if err := c.writeJSON(protocol.ControlEnvelope{RequestID: requestID, Payload: cmd}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return &resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, protocol.Errorf(protocol.CodeConnectionClosed, "connection closed")
	}
}

func (c *Client) failControlWaiters() {
	c.ctrlMu.Lock()
	waiters := c.ctrlWaiters
	c.ctrlWaiters = make(map[string]chan protocol.ControlResponse)
	c.ctrlMu.Unlock()
	for id, ch := range waiters {
		select {
		case ch <- protocol.ControlErr(id, protocol.Errorf(protocol.CodeConnectionClosed, "connection closed")):
		default:
		}
	}
}

// readPump dispatches inbound frames: control responses to their waiters,
// close events to the pending table, everything else to the envelope
// handler.
func (c *Client) readPump() {
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		// Frames with a requestId are control responses; everything
		// else is an envelope.
		if gjson.GetBytes(data, "requestId").Exists() {
			var resp protocol.ControlResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				c.log.Debug().Err(err).Msg("dropping bad control response")
				continue
			}
			c.dispatchControl(resp)
			continue
		}

		if errMsg := gjson.GetBytes(data, "error"); errMsg.Exists() && !gjson.GetBytes(data, "streamId").Exists() {
			c.log.Warn().Str("error", errMsg.String()).Msg("harness reported frame error")
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || !env.Channel.Valid() {
			c.log.Debug().Msg("dropping unparseable frame")
			continue
		}
		c.dispatchEnvelope(&env)
	}
}

func (c *Client) dispatchControl(resp protocol.ControlResponse) {
	c.ctrlMu.Lock()
	ch := c.ctrlWaiters[resp.RequestID]
	c.ctrlMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) dispatchEnvelope(env *protocol.Envelope) {
	if env.Payload.Type == protocol.MessageClose && env.Payload.Response != nil {
		if c.pending.Resolve(env.StreamID, env) {
			return
		}
	}
	if c.onEnvelope != nil {
		c.onEnvelope(env)
	}
}
