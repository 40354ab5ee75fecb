package engineio

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kleeedolinux/engineio.go/debug"
)

// maxClientBatch bounds how many queued packets one flush may carry.
const maxClientBatch = 10

type transportMode int

const (
	// modeUpgrade opens a polling session and probes a websocket upgrade
	// when the server offers one.
	modeUpgrade transportMode = iota
	modePollingOnly
	modeWebSocketOnly
)

// Client is one client-side session. Callbacks run on the receive loop
// goroutine, so they must not block for long.
type Client struct {
	mu         sync.RWMutex
	sid        string
	transport  ClientTransport
	connected  bool
	connCancel context.CancelFunc

	baseURL string
	mode    transportMode

	onMessage func(msg string)
	onBinary  func(data []byte)
	onClose   func(err error)

	sendCh chan Packet

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	reconnectAttempts int

	ctx    context.Context
	cancel context.CancelFunc
}

// ClientOption configures a Client before it connects.
type ClientOption func(*Client)

// WithPollingOnly keeps the session on long-polling even when the server
// offers an upgrade.
func WithPollingOnly() ClientOption {
	return func(c *Client) {
		c.mode = modePollingOnly
	}
}

// WithWebSocketOnly opens the session directly on a websocket, skipping the
// polling handshake.
func WithWebSocketOnly() ClientOption {
	return func(c *Client) {
		c.mode = modeWebSocketOnly
	}
}

// WithReconnectDelay sets the delay before the first reconnect attempt.
// Later attempts back off exponentially. Default is 1s.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

// WithMaxReconnectDelay caps the reconnect backoff. Default is 30s.
func WithMaxReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxReconnectDelay = d
	}
}

// WithReconnectAttempts sets how many reconnect attempts follow a lost
// connection. Zero disables reconnecting, negative means unlimited.
// Default is 5.
func WithReconnectAttempts(n int) ClientOption {
	return func(c *Client) {
		c.reconnectAttempts = n
	}
}

// Dial connects to an endpoint such as "http://localhost:8080/engine.io"
// and starts the session loops.
func Dial(rawURL string, opts ...ClientOption) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		baseURL:           strings.TrimSuffix(rawURL, "/"),
		sendCh:            make(chan Packet, outboundCapacity),
		reconnectDelay:    time.Second,
		maxReconnectDelay: 30 * time.Second,
		reconnectAttempts: 5,
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.connect(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func (c *Client) websocketURL(sid string) string {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http")
	u += "/?EIO=4&transport=websocket"
	if sid != "" {
		u += "&sid=" + sid
	}
	return u
}

// connect establishes a fresh session and spawns its loops. Used by both
// Dial and the reconnect path.
func (c *Client) connect() error {
	connCtx, connCancel := context.WithCancel(c.ctx)

	var (
		t        ClientTransport
		hs       Handshake
		buffered []Packet
	)
	switch c.mode {
	case modeWebSocketOnly:
		wt := newWebSocketTransport(c.websocketURL(""))
		h, err := wt.Connect(connCtx)
		if err != nil {
			connCancel()
			return err
		}
		t, hs = wt, h
	default:
		pt := newPollingTransport(c.baseURL)
		h, err := pt.Connect(connCtx)
		if err != nil {
			connCancel()
			return err
		}
		t, hs = pt, h
		if c.mode == modeUpgrade && slices.Contains(h.Upgrades, "websocket") {
			wt := newWebSocketTransport(c.websocketURL(h.Sid))
			if err := wt.probe(connCtx); err != nil {
				debug.Logger().Debug().Err(err).Msg("upgrade probe failed, staying on polling")
			} else {
				pt.pause()
				buffered = pt.drainQueue()
				if err := wt.commitUpgrade(); err != nil {
					wt.Close()
					connCancel()
					return err
				}
				t = wt
			}
		}
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		// Close won the race against this attempt.
		c.mu.Unlock()
		connCancel()
		t.Close()
		return c.ctx.Err()
	}
	c.sid = hs.Sid
	c.transport = t
	c.connCancel = connCancel
	c.connected = true
	c.mu.Unlock()

	debug.Logger().Debug().Str("sid", hs.Sid).Msg("client connected")
	go c.sendLoop(t, connCtx)
	go c.receiveLoop(t, connCtx, buffered)
	return nil
}

func (c *Client) sendLoop(t ClientTransport, connCtx context.Context) {
	for {
		select {
		case <-connCtx.Done():
			return
		case p := <-c.sendCh:
			batch := []Packet{p}
		gather:
			for len(batch) < maxClientBatch {
				select {
				case q := <-c.sendCh:
					batch = append(batch, q)
				default:
					break gather
				}
			}
			if err := t.Send(batch); err != nil {
				c.handleDisconnect(err)
				return
			}
		}
	}
}

func (c *Client) receiveLoop(t ClientTransport, connCtx context.Context, buffered []Packet) {
	for _, p := range buffered {
		if !c.handleInbound(t, p) {
			return
		}
	}
	for {
		p, err := t.Receive()
		if err != nil {
			if connCtx.Err() == nil {
				c.handleDisconnect(err)
			}
			return
		}
		if !c.handleInbound(t, p) {
			return
		}
	}
}

// handleInbound reacts to one packet; false means the session ended.
func (c *Client) handleInbound(t ClientTransport, p Packet) bool {
	switch p.Type {
	case PacketPing:
		// Liveness probes are answered inline so the server's timeout never
		// depends on application callbacks.
		if err := t.Send([]Packet{{Type: PacketPong, Data: p.Data}}); err != nil {
			c.handleDisconnect(err)
			return false
		}
	case PacketMessage:
		c.mu.RLock()
		cb := c.onMessage
		c.mu.RUnlock()
		if cb != nil {
			cb(string(p.Data))
		}
	case PacketBinary:
		c.mu.RLock()
		cb := c.onBinary
		c.mu.RUnlock()
		if cb != nil {
			cb(p.Data)
		}
	case PacketClose:
		c.handleDisconnect(ErrConnectionClosed)
		return false
	case PacketNoop:
		// Filler during transport handoffs.
	default:
		debug.Logger().Debug().Str("type", p.Type.String()).Msg("unexpected packet")
	}
	return true
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	t := c.transport
	connCancel := c.connCancel
	c.mu.Unlock()

	connCancel()
	if t != nil {
		t.Close()
	}
	debug.Logger().Debug().Err(err).Msg("client disconnected")

	c.mu.RLock()
	cb := c.onClose
	c.mu.RUnlock()
	if cb != nil {
		cb(err)
	}

	if c.reconnectAttempts != 0 && c.ctx.Err() == nil {
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	delay := c.reconnectDelay
	attempts := 0
	for c.reconnectAttempts <= 0 || attempts < c.reconnectAttempts {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
			if err := c.connect(); err == nil {
				debug.Logger().Debug().Str("sid", c.Sid()).Msg("client reconnected")
				return
			}
			attempts++
			delay *= 2
			if delay > c.maxReconnectDelay {
				delay = c.maxReconnectDelay
			}
		}
	}
	debug.Logger().Debug().Int("attempts", attempts).Msg("reconnect gave up")
}

// OnMessage sets the text message callback.
func (c *Client) OnMessage(fn func(msg string)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnBinary sets the binary message callback.
func (c *Client) OnBinary(fn func(data []byte)) {
	c.mu.Lock()
	c.onBinary = fn
	c.mu.Unlock()
}

// OnClose sets the callback fired when the connection drops. Reconnection,
// if enabled, starts after it returns.
func (c *Client) OnClose(fn func(err error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Emit queues one text message. It blocks when the outbound buffer is full.
func (c *Client) Emit(msg string) error {
	return c.enqueue(MessagePacket(msg))
}

// EmitBinary queues one binary message.
func (c *Client) EmitBinary(data []byte) error {
	return c.enqueue(BinaryPacket(data))
}

func (c *Client) enqueue(p Packet) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrConnectionClosed
	}
	select {
	case c.sendCh <- p:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Sid returns the session id assigned by the server. It changes after a
// reconnect.
func (c *Client) Sid() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

// IsConnected reports whether the session is currently live.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close ends the session, telling the server first. No reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.cancel()
		return nil
	}
	c.connected = false
	t := c.transport
	connCancel := c.connCancel
	c.mu.Unlock()

	t.Send([]Packet{{Type: PacketClose}})
	c.cancel()
	connCancel()
	return t.Close()
}
