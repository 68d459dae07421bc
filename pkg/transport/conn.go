package transport

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/vango-dev/serversync/pkg/configsync"
	"github.com/vango-dev/serversync/pkg/protocol"
)

// Connection errors.
var (
	ErrClosed     = errors.New("transport: connection closed")
	ErrQueueFull  = errors.New("transport: send queue full")
	ErrNoChannel  = errors.New("transport: channel name required")
	ErrNoHandler  = errors.New("transport: handler required")
	ErrServerDown = errors.New("transport: server shut down")
	ErrRateLimit  = errors.New("transport: peer exceeded message rate")
)

// Reasons reported to a DropObserver.
const (
	DropRateLimited = "rate_limited"
	DropMalformed   = "malformed"
)

// Handler receives connection lifecycle events.
type Handler interface {
	// OnConnect is called once the connection is ready to send.
	OnConnect(c *Conn)

	// OnMessage is called for every accepted inbound message. The
	// payload is owned by the callee.
	OnMessage(c *Conn, channel string, payload []byte)

	// OnDisconnect is called once after the connection closed. err is
	// nil for a local Close.
	OnDisconnect(c *Conn, err error)
}

// DropObserver counts inbound messages that never reach the Handler. A
// rate-limited message also ends its connection.
type DropObserver interface {
	MessageDropped(reason string)
}

// Conn is one WebSocket connection to a remote peer.
type Conn struct {
	id      string
	ws      *websocket.Conn
	cfg     *Config
	handler Handler
	drops   DropObserver
	logger  *slog.Logger
	limiter  *rate.Limiter // nil for dialed connections
	identity string

	mu   sync.RWMutex
	name string

	send   chan []byte
	queued atomic.Int64
	closed atomic.Bool
	quit   chan struct{}
	done   chan struct{}

	quitOnce   sync.Once
	closeCode  int
	closeText  string
	finishOnce sync.Once
	onFinish   func(*Conn)
}

var _ configsync.Peer = (*Conn)(nil)

func newConn(ws *websocket.Conn, name string, cfg *Config, handler Handler, drops DropObserver, logger *slog.Logger) *Conn {
	id := ulid.Make().String()
	return &Conn{
		id:      id,
		ws:      ws,
		cfg:     cfg,
		handler: handler,
		drops:   drops,
		logger:  logger.With("conn", id),
		limiter: cfg.limiter(),
		name:    name,
		send:    make(chan []byte, cfg.SendQueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the connection identifier, a ULID.
func (c *Conn) ID() string {
	return c.id
}

// Identity returns the identity the server authenticated the peer as,
// or "" for anonymous peers and dialed connections. SetName never
// changes it.
func (c *Conn) Identity() string {
	return c.identity
}

// Name returns the name the remote peer announced.
func (c *Conn) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// SetName replaces the display name, typically once the peer announced
// itself.
func (c *Conn) SetName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// Connected reports whether the connection is open.
func (c *Conn) Connected() bool {
	return !c.closed.Load()
}

// QueueDepth returns the number of payload bytes waiting to be written.
func (c *Conn) QueueDepth() int {
	return int(c.queued.Load())
}

// Done is closed once the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send queues payload on channel.
func (c *Conn) Send(channel string, payload []byte) error {
	if channel == "" {
		return ErrNoChannel
	}
	if c.closed.Load() {
		return ErrClosed
	}
	env := &protocol.Envelope{Channel: channel, Payload: payload}
	msg := env.Encode()

	c.queued.Add(int64(len(msg)))
	select {
	case c.send <- msg:
		return nil
	default:
		c.queued.Add(-int64(len(msg)))
		return ErrQueueFull
	}
}

// Close flushes queued messages, sends a close frame and closes the
// connection. It does not wait for the shutdown to finish.
func (c *Conn) Close() error {
	c.closeWith(websocket.CloseNormalClosure, "")
	return nil
}

func (c *Conn) closeWith(code int, text string) {
	c.closed.Store(true)
	c.quitOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.quit)
	})
}

// run runs the write pump in the background and the read pump on the
// calling goroutine.
func (c *Conn) run() {
	go c.writePump()
	c.handler.OnConnect(c)
	c.finish(c.readPump())
}

func (c *Conn) finish(err error) {
	c.finishOnce.Do(func() {
		c.closeWith(websocket.CloseNormalClosure, "")
		if c.onFinish != nil {
			c.onFinish(c)
		}
		c.handler.OnDisconnect(c, err)
		close(c.done)
	})
}

// readPump reads until the connection fails. A nil result means the
// connection was closed locally or by a normal close frame.
// A peer over its rate is disconnected; no accepted message is dropped
// silently.
func (c *Conn) readPump() error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return err
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			c.drop(DropRateLimited)
			c.logger.Warn("peer exceeded message rate, disconnecting", "peer", c.Name())
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return ErrRateLimit
		}
		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			c.drop(DropMalformed)
			continue
		}
		c.handler.OnMessage(c, env.Channel, env.Payload)
	}
}

func (c *Conn) drop(reason string) {
	if c.drops != nil {
		c.drops.MessageDropped(reason)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.BinaryMessage, msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.finish(err)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.finish(err)
				return
			}

		case <-c.quit:
			c.flush()
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeText))
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.BinaryMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(kind int, msg []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := c.ws.WriteMessage(kind, msg)
	if kind == websocket.BinaryMessage {
		c.queued.Add(-int64(len(msg)))
	}
	return err
}
