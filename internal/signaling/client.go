package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("signaling: not connected")

// ClientConfig configures a relay client.
type ClientConfig struct {
	// URL is the relay WebSocket endpoint (ws:// or wss://).
	URL string

	Participant string
	APIKey      string
	Token       string

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client is a call endpoint's connection to the relay.
//
// Inbound messages are dispatched sequentially on a single reader goroutine,
// which preserves per-sender order for subscribers.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(Message)

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the relay, authenticating with query parameters.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	if cfg.Participant != "" {
		q.Set("participant", cfg.Participant)
	}
	if cfg.APIKey != "" {
		q.Set("apiKey", cfg.APIKey)
	}
	if cfg.Token != "" {
		q.Set("token", cfg.Token)
	}
	u.RawQuery = q.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:   conn,
		logger: logger,
		subs:   make(map[uint64]func(Message)),
		done:   make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c, nil
}

// Connected reports whether the relay connection is usable.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send writes msg to the relay. The write deadline is taken from ctx, capped
// at one second.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Subscribe registers fn for every inbound message until the returned
// function is called. Subscribers run in registration order.
func (c *Client) Subscribe(fn func(Message)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Client) snapshot() []func(Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(Message), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.subs[id])
	}
	return out
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed relay message", "err", err)
			continue
		}
		for _, fn := range c.snapshot() {
			fn(msg)
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.closeErr = err
		}
		_ = c.conn.Close()
		close(c.done)
	})
}

// Wait blocks until the connection is gone and returns the error that ended
// it, if any.
func (c *Client) Wait() error {
	<-c.done
	return c.closeErr
}

// Close sends a normal close frame and tears the connection down.
func (c *Client) Close() error {
	if c.Connected() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
	}
	c.shutdown(nil)
	return nil
}
