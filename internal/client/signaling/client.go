package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/pkg/config"
	"meshroom/pkg/retry"
	"meshroom/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by Send after the connection went away.
var ErrClosed = errors.New("signaling connection closed")

type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusOnline
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	default:
		return "offline"
	}
}

type Options struct {
	URL            string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	DialAttempts   int
	// RoomsInterval drives both the get-rooms poll and the latency ping.
	RoomsInterval time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:            cfg.Client.ServerURL,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		DialAttempts:   cfg.Client.DialAttempts,
		RoomsInterval:  cfg.Client.RoomsInterval,
	}
}

// Client is the participant side of the signaling websocket. Envelopes
// other than pong are delivered on Incoming in arrival order.
type Client struct {
	opts   Options
	logger *zap.SugaredLogger
	dialer *websocket.Dialer

	conn     *websocket.Conn
	incoming chan domain.Envelope
	outgoing chan []byte
	done     chan struct{}
	closeMu  sync.Once

	mu       sync.Mutex
	status   Status
	onStatus func(Status)
	pings    map[int64]time.Time
	nextPing int64
	latency  time.Duration
}

func NewClient(opts Options, logger *zap.SugaredLogger) *Client {
	return &Client{
		opts:     opts,
		logger:   logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		incoming: make(chan domain.Envelope, 64),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
		pings:    make(map[int64]time.Time),
	}
}

// OnStatusChange registers a callback for connectivity changes. It must be
// set before Connect.
func (c *Client) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// Connect dials the server, retrying with backoff, and starts the pumps.
func (c *Client) Connect(ctx context.Context) error {
	if err := validation.ValidateSignalURL(c.opts.URL); err != nil {
		return err
	}
	c.setStatus(StatusConnecting)

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.opts.DialAttempts
	cfg.InitialDelay = 250 * time.Millisecond

	conn, err := retry.RetryWithResult(ctx, cfg, func() (*websocket.Conn, error) {
		conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			c.logger.Debugw("signaling dial failed", "url", c.opts.URL, "error", err)
		}
		return conn, err
	})
	if err != nil {
		c.setStatus(StatusOffline)
		return fmt.Errorf("failed to connect to %s: %w", c.opts.URL, err)
	}

	c.conn = conn
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	c.setStatus(StatusOnline)
	c.logger.Infow("connected to signaling server", "url", c.opts.URL)

	go c.readPump()
	go c.writePump()
	go c.pollLoop()

	return nil
}

func (c *Client) Incoming() <-chan domain.Envelope {
	return c.incoming
}

// Send queues an envelope for the server.
func (c *Client) Send(event domain.EventType, payload interface{}) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Latency is the last measured ping/pong round trip through the relay.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Close sends a close frame and stops the pumps. Incoming is closed once
// the reader exits.
func (c *Client) Close() {
	c.shutdown()
}

func (c *Client) shutdown() {
	c.closeMu.Do(func() {
		close(c.done)
		c.setStatus(StatusOffline)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
		close(c.incoming)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("signaling connection lost", "error", err)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debugw("ignoring malformed envelope", "error", err)
			continue
		}

		if env.Type == domain.EventPong {
			c.handlePong(env)
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("signaling write failed", "error", err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.drainOutgoing()
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drainOutgoing flushes envelopes queued before Close, so a final leave
// reaches the server.
func (c *Client) drainOutgoing() {
	for {
		select {
		case data := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// pollLoop refreshes the room directory and measures relay latency.
func (c *Client) pollLoop() {
	if c.opts.RoomsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.RoomsInterval)
	defer ticker.Stop()

	c.poll()
	for {
		select {
		case <-ticker.C:
			c.poll()
		case <-c.done:
			return
		}
	}
}

func (c *Client) poll() {
	c.mu.Lock()
	c.nextPing++
	id := c.nextPing
	c.pings[id] = time.Now()
	for pending, sent := range c.pings {
		if time.Since(sent) > c.opts.PongTimeout {
			delete(c.pings, pending)
		}
	}
	c.mu.Unlock()

	_ = c.Send(domain.EventGetRooms, nil)
	_ = c.Send(domain.EventPing, domain.PingPayload{ID: id})
}

func (c *Client) handlePong(env domain.Envelope) {
	var p domain.PingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sent, ok := c.pings[p.ID]; ok {
		c.latency = time.Since(sent)
		delete(c.pings, p.ID)
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	fn := c.onStatus
	c.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}
