package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/burpheart/replay-tap/internal/protocol"
	"github.com/burpheart/replay-tap/internal/session"
	"github.com/burpheart/replay-tap/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the harness transport loop: it accepts WebSocket connections
// on TCP and/or a UNIX socket, routes frames to sessions and serializes
// outbound traffic per connection.
type Server struct {
	cfg      *types.Config
	sessions *session.Registry
	handler  *Handler
	log      zerolog.Logger

	mu           sync.Mutex
	running      bool
	stopChan     chan struct{}
	tcpListener  net.Listener
	unixListener net.Listener
	httpServers  []*http.Server

	connMu       sync.Mutex
	conns        map[*conn]struct{}
	sessionConns map[string]map[*conn]struct{}

	// routes maps an in-flight streamId to the program connection that
	// issued it, so platform events find their way back.
	routeMu sync.Mutex
	routes  map[string]*conn
}

// NewServer creates a harness server.
func NewServer(cfg *types.Config, log zerolog.Logger) (*Server, error) {
	if cfg.Port == 0 && cfg.SocketPath == "" {
		return nil, protocol.Errorf(protocol.CodeServerStartFailed, "neither port nor socket path configured")
	}

	registry := session.NewRegistry(
		session.WithBaseRecordingDir(cfg.BaseRecordingDir),
		session.WithHashNormalize(cfg.HashNormalize),
		session.WithLogger(log),
	)
	handler := NewHandler(
		WithHashNormalize(cfg.HashNormalize),
		WithHandlerLogger(log),
	)

	return &Server{
		cfg:          cfg,
		sessions:     registry,
		handler:      handler,
		log:          log,
		stopChan:     make(chan struct{}),
		conns:        make(map[*conn]struct{}),
		sessionConns: make(map[string]map[*conn]struct{}),
		routes:       make(map[string]*conn),
	}, nil
}

// Sessions exposes the session registry (control surface, tests).
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// Addr returns the bound TCP address, if any. Valid after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// Start binds the configured listeners and serves until Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if s.cfg.Port != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
		if err != nil {
			return protocol.Errorf(protocol.CodeServerStartFailed, "listen tcp: %v", err)
		}
		s.mu.Lock()
		s.tcpListener = ln
		s.mu.Unlock()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("listening (tcp)")
		s.serveOn(ln, mux, &wg, errChan)
	}

	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return protocol.Errorf(protocol.CodeServerStartFailed, "listen unix: %v", err)
		}
		s.mu.Lock()
		s.unixListener = ln
		s.mu.Unlock()
		s.log.Info().Str("socket", s.cfg.SocketPath).Msg("listening (unix)")
		s.serveOn(ln, mux, &wg, errChan)
	}

	select {
	case <-s.stopChan:
	case err := <-errChan:
		s.Stop()
		wg.Wait()
		return err
	}

	wg.Wait()
	return nil
}

func (s *Server) serveOn(ln net.Listener, mux http.Handler, wg *sync.WaitGroup, errChan chan error) {
	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.httpServers = append(s.httpServers, srv)
	s.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case <-s.stopChan:
			default:
				errChan <- fmt.Errorf("serve: %w", err)
			}
		}
	}()
}

// Stop shuts the server down, closing connections and flushing sessions.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	servers := s.httpServers
	s.mu.Unlock()

	for _, srv := range servers {
		srv.Close()
	}

	s.connMu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.connMu.Unlock()

	s.sessions.CloseAll()

	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}
}

// handleUpgrade upgrades an HTTP request and attaches the connection to
// the session named by the session query parameter; without one the
// connection is top-level control only.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")

	var sess *session.Session
	if sessionID != "" {
		found, err := s.sessions.Get(sessionID)
		if err != nil {
			http.Error(w, fmt.Sprintf("unknown session %q", sessionID), http.StatusNotFound)
			return
		}
		sess = found
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newConn(s, ws, sess)
	s.addConn(c)

	go c.writePump()
	go c.readPump()
}

func (s *Server) addConn(c *conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[c] = struct{}{}
	if c.sess != nil {
		set := s.sessionConns[c.sess.ID]
		if set == nil {
			set = make(map[*conn]struct{})
			s.sessionConns[c.sess.ID] = set
		}
		set[c] = struct{}{}
	}
}

func (s *Server) removeConn(c *conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	if c.sess != nil {
		if set := s.sessionConns[c.sess.ID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(s.sessionConns, c.sess.ID)
			}
		}
	}
	s.connMu.Unlock()

	s.routeMu.Lock()
	for id, owner := range s.routes {
		if owner == c {
			delete(s.routes, id)
		}
	}
	s.routeMu.Unlock()
}

// peersOf returns the other connections attached to the same session.
func (s *Server) peersOf(c *conn) []*conn {
	if c.sess == nil {
		return nil
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	var peers []*conn
	for peer := range s.sessionConns[c.sess.ID] {
		if peer != c {
			peers = append(peers, peer)
		}
	}
	return peers
}

func (s *Server) registerRoute(streamID string, c *conn) {
	s.routeMu.Lock()
	s.routes[streamID] = c
	s.routeMu.Unlock()
}

func (s *Server) takeRoute(streamID string, final bool) (*conn, bool) {
	s.routeMu.Lock()
	defer s.routeMu.Unlock()
	c, ok := s.routes[streamID]
	if ok && final {
		delete(s.routes, streamID)
	}
	return c, ok
}

// dispatchFrame handles one inbound text frame from a connection. Panics
// are contained per frame; the server never dies on a bad message.
func (s *Server) dispatchFrame(c *conn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("frame handler panicked")
			c.sendJSON(map[string]string{
				"error": protocol.CodeHarnessInternal,
			})
		}
	}()

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		c.sendJSON(map[string]string{"error": err.Error()})
		return
	}

	if frame.Control != nil {
		c.sendControl(s.handleControl(c, frame.Control))
		return
	}

	s.dispatchEnvelope(c, frame.Envelope)
}

func (s *Server) dispatchEnvelope(c *conn, env *protocol.Envelope) {
	if c.sess == nil {
		c.sendEnvelope(errorEventFrom(env, protocol.Errorf(protocol.CodeUnexpectedCommand,
			"envelope traffic requires a session connection")))
		return
	}

	result, err := s.handler.HandleEnvelope(c.sess, env)
	if err != nil {
		c.sendEnvelope(errorEventFrom(env, protocol.AsError(err)))
		return
	}

	switch result.Kind {
	case RespondDirectly:
		c.sendEnvelope(*result.Envelope)
	case ForwardToPlatform:
		s.forwardToPlatform(c, result.Envelope)
	case ForwardToProgram:
		s.forwardToProgram(c, result.Envelope)
	case NoResponse:
	}
}

// forwardToPlatform sends a command upstream: over the connection's
// dedicated upstream dial when one is configured, otherwise to the
// session's peer connections (a platform simulator attached to the same
// session).
func (s *Server) forwardToPlatform(c *conn, env *protocol.Envelope) {
	s.registerRoute(env.StreamID, c)

	if s.cfg.UpstreamURL != "" {
		up, err := c.upstreamConn(s.cfg.UpstreamURL)
		if err != nil {
			s.takeRoute(env.StreamID, true)
			c.sess.Pending.Resolve(env.StreamID)
			c.sendEnvelope(errorEventFrom(env, protocol.Errorf(protocol.CodeConnectionFailed,
				"dial upstream: %v", err)))
			return
		}
		if err := up.sendEnvelope(*env); err != nil {
			s.takeRoute(env.StreamID, true)
			c.sess.Pending.Resolve(env.StreamID)
			c.sendEnvelope(errorEventFrom(env, protocol.Errorf(protocol.CodeMessageSendFailed,
				"forward upstream: %v", err)))
		}
		return
	}

	peers := s.peersOf(c)
	if len(peers) == 0 {
		s.takeRoute(env.StreamID, true)
		c.sess.Pending.Resolve(env.StreamID)
		c.sendEnvelope(errorEventFrom(env, protocol.Errorf(protocol.CodeMessageSendFailed,
			"no platform side attached to session %s", c.sess.ID)))
		return
	}
	for _, peer := range peers {
		peer.sendEnvelope(*env)
	}
}

// forwardToProgram routes a platform event back to the connection that
// issued the original command.
func (s *Server) forwardToProgram(c *conn, env *protocol.Envelope) {
	final := env.Payload.Type == protocol.MessageClose
	owner, ok := s.takeRoute(env.StreamID, final)
	if !ok {
		// The issuing connection went away; the event has nowhere to go.
		s.log.Debug().Str("stream", env.StreamID).Msg("dropping event for departed connection")
		return
	}
	owner.sendEnvelope(*env)
}

// errorEventFrom wraps a handler error in an Event.Close on the error
// service, preserving the offending envelope's routing fields.
func errorEventFrom(env *protocol.Envelope, werr *protocol.Error) protocol.Envelope {
	body, _ := json.Marshal(werr)
	resp := protocol.ResponsePayload{Service: "error", Payload: body}
	return protocol.Envelope{
		StreamID:          env.StreamID,
		TraceID:           env.TraceID,
		CausationStreamID: env.CausationStreamID,
		ParentStreamID:    env.ParentStreamID,
		SiblingIndex:      env.SiblingIndex,
		EventSeq:          1,
		Timestamp:         time.Now().UTC(),
		Channel:           env.Channel,
		Payload:           protocol.Message{Type: protocol.MessageClose, Response: &resp},
	}
}

// conn is one accepted WebSocket connection with its serialized writer.
type conn struct {
	server *Server
	ws     *websocket.Conn
	sess   *session.Session // nil = top-level control
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	upMu     sync.Mutex
	upstream *upstream
}

func newConn(s *Server, ws *websocket.Conn, sess *session.Session) *conn {
	return &conn{
		server: s,
		ws:     ws,
		sess:   sess,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		c.upMu.Lock()
		if c.upstream != nil {
			c.upstream.close()
		}
		c.upMu.Unlock()
	})
}

// writePump serializes all outbound frames for this connection.
func (c *conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump processes inbound frames in receive order.
func (c *conn) readPump() {
	defer func() {
		c.close()
		c.server.removeConn(c)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.server.dispatchFrame(c, data)
	}
}

func (c *conn) sendRaw(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *conn) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.server.log.Error().Err(err).Msg("encode outbound frame")
		return
	}
	c.sendRaw(data)
}

func (c *conn) sendEnvelope(env protocol.Envelope) {
	c.sendJSON(env)
}

func (c *conn) sendControl(resp protocol.ControlResponse) {
	c.sendJSON(resp)
}

// upstreamConn returns this connection's upstream dial, establishing it on
// first use.
func (c *conn) upstreamConn(rawURL string) (*upstream, error) {
	c.upMu.Lock()
	defer c.upMu.Unlock()
	if c.upstream != nil {
		return c.upstream, nil
	}
	up, err := dialUpstream(rawURL, c)
	if err != nil {
		return nil, err
	}
	c.upstream = up
	return up, nil
}

// upstream is the platform-side WebSocket for one program connection.
type upstream struct {
	ws    *websocket.Conn
	owner *conn
	wmu   sync.Mutex
	once  sync.Once
}

func dialUpstream(rawURL string, owner *conn) (*upstream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	dialer := *websocket.DefaultDialer
	target := rawURL
	if u.Scheme == "unix" {
		sock := u.Path
		dialer.NetDial = func(network, addr string) (net.Conn, error) {
			return net.Dial("unix", sock)
		}
		target = "ws://unix/"
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
	}

	ws, _, err := dialer.DialContext(context.Background(), target, nil)
	if err != nil {
		return nil, err
	}

	up := &upstream{ws: ws, owner: owner}
	go up.readPump()
	return up, nil
}

func (u *upstream) close() {
	u.once.Do(func() { u.ws.Close() })
}

func (u *upstream) sendEnvelope(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	u.wmu.Lock()
	defer u.wmu.Unlock()
	return u.ws.WriteMessage(websocket.TextMessage, data)
}

// readPump feeds platform events back through the session dispatcher of
// the owning program connection.
func (u *upstream) readPump() {
	defer u.close()
	for {
		_, data, err := u.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, perr := protocol.ParseFrame(data)
		if perr != nil || frame.Envelope == nil {
			u.owner.server.log.Debug().Msg("dropping unparseable upstream frame")
			continue
		}
		u.owner.server.dispatchEnvelope(u.owner, frame.Envelope)
	}
}
