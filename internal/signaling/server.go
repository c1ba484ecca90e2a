package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/ratelimit"
)

const (
	wsWriteWait = 1 * time.Second

	defaultAuthTimeout          = 2 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultSendQueueLen         = 256
)

// Config wires together the runtime dependencies for the relay.
type Config struct {
	// Verifier resolves credentials to a participant id. Required.
	Verifier auth.Verifier

	// Broker delivers forwarded messages. Defaults to a LocalBroker.
	Broker Broker

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AuthTimeout bounds how long a connection without query credentials
	// may take to send its auth message.
	AuthTimeout time.Duration

	// IdleTimeout closes connections that have not sent anything (including
	// pong frames) for this long. Zero disables keepalive.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// SendQueueLen is the per-connection outbound buffer. A connection whose
	// queue overflows is closed.
	SendQueueLen int

	// Clock drives the per-connection rate limiter. Defaults to the wall clock.
	Clock ratelimit.Clock
}

// Server relays signaling messages between authenticated participants.
//
// Endpoints:
//   - GET /signal : WebSocket relay
type Server struct {
	cfg      Config
	broker   Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = defaultSendQueueLen
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	broker := cfg.Broker
	if broker == nil {
		broker = NewLocalBroker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		broker: broker,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Origin checks are done by the HTTP layer's origin policy;
			// the relay only checks credentials.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Connections returns the number of authenticated connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every client. The broker is owned by the caller.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = nil
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, c)
	}
	s.mu.Unlock()
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		srv:      s,
		conn:     conn,
		req:      r,
		id:       uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		limiter:  ratelimit.NewPerSecond(s.cfg.Clock, s.cfg.MaxMessagesPerSecond),
		send:     make(chan []byte, s.cfg.SendQueueLen),
		overflow: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.run()
}

type protocolError struct {
	Code    string
	Message string
}

func (e *protocolError) Error() string { return e.Code + ": " + e.Message }

type wsConn struct {
	srv  *Server
	conn *websocket.Conn
	req  *http.Request
	id   string

	ctx    context.Context
	cancel context.CancelFunc

	participant string
	limiter     *ratelimit.TokenBucket
	unsubscribe func()

	writeMu sync.Mutex

	send         chan []byte
	overflow     chan struct{}
	overflowOnce sync.Once
	done         chan struct{}

	closeOnce sync.Once
}

func (c *wsConn) log() *slog.Logger {
	l := c.srv.logger.With("conn_id", c.id)
	if c.participant != "" {
		l = l.With("participant_id", c.participant)
	}
	return l
}

func (c *wsConn) run() {
	defer c.Close()

	c.conn.SetReadLimit(c.srv.cfg.MaxMessageBytes)

	authenticated := false
	if creds, err := auth.CredentialsFromQuery(c.req.URL.Query()); err == nil {
		id, err := c.srv.cfg.Verifier.Verify(creds)
		if err != nil {
			c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
			c.fail("unauthorized", unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
			return
		}
		if !c.authenticated(id) {
			return
		}
		authenticated = true
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
	}

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case !authenticated && isTimeout(err):
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		// Rate limit after reading so bytes already in the receive buffer are
		// consumed; closing with unread data makes the OS reset the connection
		// and the client never sees the close code.
		if !c.limiter.Allow(1) {
			c.srv.cfg.Metrics.Inc(metrics.RateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}
		c.extendIdleDeadline()

		msg, err := ParseMessage(data)
		if err != nil {
			c.srv.cfg.Metrics.Inc(metrics.ProtocolError)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authenticated {
			if msg.Event != EventAuth {
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			id, err := c.srv.cfg.Verifier.Verify(auth.Credentials{
				Participant: msg.Participant,
				APIKey:      msg.APIKey,
				Token:       msg.Token,
			})
			if err != nil {
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.fail("unauthorized", unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			if !c.authenticated(id) {
				return
			}
			authenticated = true
			continue
		}

		if err := c.route(msg); err != nil {
			var protoErr *protocolError
			if errors.As(err, &protoErr) {
				c.srv.cfg.Metrics.Inc(metrics.ProtocolError)
				c.fail(protoErr.Code, protoErr.Message, websocket.ClosePolicyViolation, protoErr.Code)
				return
			}
			c.log().Warn("relay failed", "event", msg.Event, "err", err)
			c.fail("internal_error", "relay failed", websocket.CloseInternalServerErr, "internal error")
			return
		}
	}
}

// authenticated subscribes the connection to its participant's deliveries
// and starts the write pump.
func (c *wsConn) authenticated(participantID string) bool {
	c.participant = participantID

	unsubscribe, err := c.srv.broker.Subscribe(c.ctx, participantID, c.deliver)
	if err != nil {
		c.log().Warn("subscribe failed", "err", err)
		c.fail("internal_error", "relay unavailable", websocket.CloseInternalServerErr, "internal error")
		return false
	}
	c.unsubscribe = unsubscribe
	if !c.srv.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return false
	}
	c.srv.cfg.Metrics.Inc(metrics.RelayConnections)
	c.log().Debug("participant connected")

	if c.srv.cfg.IdleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
		c.conn.SetPongHandler(func(string) error {
			c.extendIdleDeadline()
			return nil
		})
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	go c.writePump()
	return true
}

func (c *wsConn) extendIdleDeadline() {
	if c.participant == "" || c.srv.cfg.IdleTimeout <= 0 {
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
}

func (c *wsConn) route(msg Message) error {
	switch {
	case msg.Event == EventAuth:
		// Tolerated: clients may send an auth message after query-string auth.
		return nil
	case !msg.Event.Routed():
		return &protocolError{Code: "unexpected_message", Message: fmt.Sprintf("unexpected event %q", msg.Event)}
	case len(msg.To) == 0:
		return &protocolError{Code: "bad_message", Message: fmt.Sprintf("%s message missing to", msg.Event)}
	}

	out := msg
	out.From = c.participant
	if msg.Event == EventEndCall {
		out.Event = EventCallEnded
	}

	for _, to := range lo.Uniq([]string(msg.To)) {
		if to == c.participant {
			continue
		}
		out.To = Recipients{to}
		payload, err := json.Marshal(out)
		if err != nil {
			return err
		}
		delivered, err := c.srv.broker.Publish(c.ctx, to, payload)
		if err != nil {
			return err
		}
		if !delivered {
			c.srv.cfg.Metrics.Inc(metrics.RelayDropped)
			c.log().Debug("undeliverable", "event", msg.Event, "to", to)
			c.enqueueError(to, "undeliverable", fmt.Sprintf("participant %q is not connected", to))
			continue
		}
		c.srv.cfg.Metrics.Inc(metrics.RelayForwarded)
	}
	return nil
}

// deliver is called by the broker. It never blocks; a connection that cannot
// keep up is closed.
func (c *wsConn) deliver(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		c.srv.cfg.Metrics.Inc(metrics.RelayDropped)
		c.overflowOnce.Do(func() { close(c.overflow) })
	}
}

func (c *wsConn) enqueueError(from, code, message string) {
	payload, err := json.Marshal(Message{Event: EventError, From: from, Code: code, Detail: message})
	if err != nil {
		return
	}
	c.deliver(payload)
}

func (c *wsConn) writePump() {
	var pings <-chan time.Time
	if c.srv.cfg.IdleTimeout > 0 && c.srv.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.srv.cfg.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case <-c.overflow:
			c.log().Warn("send queue overflow; closing")
			c.fail("slow_consumer", "send queue overflow", websocket.ClosePolicyViolation, "send queue overflow")
			c.Close()
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-pings:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	if payload, err := json.Marshal(Message{Event: EventError, Code: code, Detail: message}); err == nil {
		_ = c.write(websocket.TextMessage, payload)
	}
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.srv.untrack(c)
		_ = c.conn.Close()
		if c.participant != "" {
			c.log().Debug("participant disconnected")
		}
	})
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, auth.ErrMissingCredentials) {
		return "missing credentials"
	}
	return "invalid credentials"
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
