// Package stream maintains the WebSocket market data connection: session
// handshake, topic subscriptions, heartbeats and bounded reconnection.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/tathienbao/ibkr-portal/internal/metrics"
)

const writeTimeout = 10 * time.Second

// ErrNotConnected is returned when a write is attempted before Connect.
var ErrNotConnected = errors.New("stream not connected")

// SessionProvider supplies the gateway session token the socket
// authenticates with. A fresh token is requested on every (re)connect.
type SessionProvider interface {
	StreamSession(ctx context.Context) (string, error)
}

// Config holds stream connection configuration.
type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	BufferSize           int
}

// DefaultConfig returns default stream configuration.
func DefaultConfig() Config {
	return Config{
		URL:                  "wss://api.ibkr.com/v1/api/ws",
		HeartbeatInterval:    10 * time.Second,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,
		BufferSize:           100,
	}
}

// envelope is the minimal shape every server message shares.
type envelope struct {
	Topic string `json:"topic"`
}

type subscription struct {
	payload []byte
	ch      chan json.RawMessage
}

// Client is a subscribing WebSocket client. Messages are fanned out to
// per-topic channels; slow consumers lose messages rather than stalling
// the read loop.
type Client struct {
	cfg      Config
	sessions SessionProvider
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*subscription
	cancel context.CancelFunc
	closed bool
}

// NewClient creates a stream client. It does not connect.
func NewClient(cfg Config, sessions SessionProvider, recorder *metrics.Recorder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	return &Client{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
		metrics:  recorder,
		subs:     make(map[string]*subscription),
	}
}

// Connect dials the gateway, performs the session handshake and starts the
// read and heartbeat loops.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.closed = false
	c.mu.Unlock()

	c.metrics.RecordStreamConnected(true)
	c.logger.Info("stream connected", "url", c.cfg.URL)

	go c.run(runCtx, conn)
	go c.heartbeatLoop(runCtx)
	return nil
}

// Subscribe sends a subscription for topic and returns the channel its
// messages are delivered on. args, when non-nil, is appended to the
// subscribe message as JSON.
func (c *Client) Subscribe(ctx context.Context, topic string, args any) (<-chan json.RawMessage, error) {
	payload := []byte("s" + topic)
	if args != nil {
		extra, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode subscribe args: %w", err)
		}
		payload = append(payload, '+')
		payload = append(payload, extra...)
	}

	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to %q", topic)
	}
	sub := &subscription{
		payload: payload,
		ch:      make(chan json.RawMessage, c.cfg.BufferSize),
	}
	c.subs[topic] = sub
	c.mu.Unlock()

	if err := c.write(ctx, payload); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return nil, err
	}
	return sub.ch, nil
}

// Unsubscribe cancels the topic subscription and closes its channel.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
		close(sub.ch)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.write(ctx, []byte("u"+topic))
}

// Close shuts the connection down and closes all subscription channels.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	for _, sub := range c.subs {
		close(sub.ch)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.metrics.RecordStreamConnected(false)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	session, err := c.sessions.StreamSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain session token: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	init, err := json.Marshal(map[string]string{"session": session})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, init); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("send session handshake: %w", err)
	}
	return conn, nil
}

// run reads from conn until it fails, then reconnects until attempts run
// out or Close is called.
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	for {
		err := c.readLoop(ctx, conn)
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		c.logger.Warn("stream connection lost", "err", err)
		c.metrics.RecordStreamConnected(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		conn, err = c.reconnect(ctx)
		if err != nil {
			c.logger.Error("stream reconnect exhausted", "err", err)
			c.Close()
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Topic == "" {
		c.logger.Debug("ignoring message without topic", "size", len(data))
		return
	}
	c.metrics.RecordStreamMessage(env.Topic)

	// The send stays under the lock so Unsubscribe and Close cannot close
	// the channel mid-send. It never blocks, slow subscribers drop.
	c.mu.Lock()
	sub, ok := c.subs[env.Topic]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("message for unsubscribed topic", "topic", env.Topic)
		return
	}
	select {
	case sub.ch <- json.RawMessage(data):
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.logger.Warn("dropping message, subscriber too slow", "topic", env.Topic)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, []byte("tic")); err != nil {
				c.logger.Debug("heartbeat failed", "err", err)
			}
		}
	}
}

// reconnect re-dials with a fixed backoff and replays active subscriptions.
func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("stream reconnect failed",
				"attempt", attempt,
				"max_attempts", c.cfg.MaxReconnectAttempts,
				"err", err,
			)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		payloads := make([][]byte, 0, len(c.subs))
		for _, sub := range c.subs {
			payloads = append(payloads, sub.payload)
		}
		c.mu.Unlock()

		for _, payload := range payloads {
			if err := c.write(ctx, payload); err != nil {
				c.logger.Warn("resubscribe failed", "err", err)
			}
		}

		c.metrics.RecordStreamReconnect()
		c.metrics.RecordStreamConnected(true)
		c.logger.Info("stream reconnected", "attempt", attempt)
		return conn, nil
	}
	return nil, fmt.Errorf("gave up after %d attempts", c.cfg.MaxReconnectAttempts)
}

func (c *Client) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
