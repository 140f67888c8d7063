package signal

import (
	"time"

	"meshroom/internal/core/domain"
	"meshroom/pkg/config"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options tunes every websocket connection accepted by the relay.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// MessagesPerSecond <= 0 disables per-socket rate limiting.
	MessagesPerSecond float64
	Burst             int
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		SendBuffer:     cfg.Signal.SendBuffer,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return opts
}

// Client is one signaling websocket. The hub owns membership; the client
// only moves bytes.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID domain.SessionID
	userHint  string

	// send carries encoded envelopes. Only the hub closes it.
	send    chan []byte
	limiter *rate.Limiter
	opts    Options
	logger  *zap.SugaredLogger
}

func newClient(hub *Hub, conn *websocket.Conn, sessionID domain.SessionID, userHint string, opts Options, logger *zap.SugaredLogger) *Client {
	c := &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		userHint:  userHint,
		send:      make(chan []byte, opts.SendBuffer),
		opts:      opts,
		logger: logger.With(
			"session_id", sessionID,
			"remote_addr", conn.RemoteAddr().String(),
		),
	}
	if opts.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.Burst)
	}
	return c
}

// readPump forwards frames to the hub. It is the only reader of conn.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Infow("websocket read failed", "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.metrics.RecordDropped("", "rate_limited")
			c.logger.Debugw("dropping message over rate limit")
			continue
		}

		if !c.hub.submit(c, data) {
			return
		}
	}
}

// writePump drains send and keeps the connection alive with pings. It is
// the only writer of conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
