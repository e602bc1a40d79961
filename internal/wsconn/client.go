// Package wsconn wraps a gorilla websocket connection with a bounded send queue and
// the read/write pumps shared by the device gateway and the observer hub.
package wsconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Envelope is the JSON frame exchanged on every channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Config holds the per-connection timing knobs.
type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConfig returns the timings used when none are configured.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 512 * 1024,
		SendBuffer:     256,
	}
}

// pingPeriod must be shorter than PongWait.
func (c Config) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// NewUpgrader builds an upgrader that accepts the listed origins. An empty list or "*"
// accepts every origin; requests without an Origin header are non-browser clients.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// Client is one websocket peer.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	cfg  Config
	log  zerolog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// New wraps conn. The caller starts WritePump and ReadPump.
func New(conn *websocket.Conn, id string, cfg Config, log zerolog.Logger) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultConfig().WriteWait
	}
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, cfg.SendBuffer),
		cfg:  cfg,
		log:  log,
	}
}

// ID returns the connection handle.
func (c *Client) ID() string { return c.id }

// Send marshals an envelope and queues it.
func (c *Client) Send(event string, payload interface{}) bool {
	data, err := Marshal(event, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("failed to marshal outbound event")
		return false
	}
	return c.SendRaw(data)
}

// SendRaw queues an already encoded frame. It never blocks and never panics: it
// returns false when the client is closed or its buffer is full.
func (c *Client) SendRaw(data []byte) (sent bool) {
	// Close may run between the closed check and the send.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn().Str("conn_id", c.id).Msg("send buffer full, dropping frame")
		return false
	}
}

// Close sends a normal close frame and stops the writer, which then closes the socket.
// Frames still queued are dropped. Only the first call does anything; it returns an
// error when the close frame could not be written.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			_ = c.conn.Close()
			err = fmt.Errorf("send close frame: %w", werr)
		}
	})
	return err
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// ReadPump reads frames until the peer goes away, handing each decoded envelope to
// handle in arrival order. It closes the client on return.
func (c *Client) ReadPump(handle func(Envelope)) {
	defer func() {
		_ = c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Str("conn_id", c.id).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Warn().Str("conn_id", c.id).Msg("ignoring malformed frame")
			continue
		}
		handle(env)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Marshal encodes an outbound envelope.
func Marshal(event string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
