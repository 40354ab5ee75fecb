package engineio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/engineio.go/debug"
)

// ClientTransport moves packets for one client-side session.
type ClientTransport interface {
	// Connect establishes the transport and performs the protocol handshake.
	Connect(ctx context.Context) (Handshake, error)
	// Send delivers packets in submission order, batching where the
	// transport allows.
	Send(packets []Packet) error
	// Receive blocks for the next inbound packet.
	Receive() (Packet, error)
	// Close tears the transport down without protocol-level pleasantries.
	Close() error
}

// pollingTransport drives a session over HTTP long-polling: one parked GET
// draining the server queue plus short POSTs carrying outbound batches.
type pollingTransport struct {
	mu        sync.Mutex
	client    *http.Client
	baseURL   string
	sid       string
	connected bool

	queue chan Packet
	errCh chan error

	ctx    context.Context
	cancel context.CancelFunc
}

func newPollingTransport(baseURL string) *pollingTransport {
	return &pollingTransport{
		client:  &http.Client{},
		baseURL: baseURL,
		queue:   make(chan Packet, outboundCapacity),
		errCh:   make(chan error, 1),
	}
}

func (t *pollingTransport) url(sid string) string {
	u := t.baseURL + "/?EIO=4&transport=polling"
	if sid != "" {
		u += "&sid=" + sid
	}
	return u
}

func (t *pollingTransport) Connect(ctx context.Context) (Handshake, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pctx, cancel := context.WithCancel(ctx)
	t.ctx = pctx
	t.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(""), nil)
	if err != nil {
		return Handshake{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return Handshake{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		return Handshake{}, ErrTooManyConnections
	}
	if resp.StatusCode != http.StatusOK {
		return Handshake{}, fmt.Errorf("failed to connect: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Handshake{}, err
	}
	packets, err := DecodePayload(string(body))
	if err != nil {
		return Handshake{}, err
	}
	if packets[0].Type != PacketOpen {
		return Handshake{}, ErrBadPacket
	}
	var hs Handshake
	if err := json.Unmarshal(packets[0].Data, &hs); err != nil {
		return Handshake{}, err
	}
	for _, p := range packets[1:] {
		t.queue <- p
	}

	t.sid = hs.Sid
	t.connected = true
	go t.poll()
	return hs, nil
}

func (t *pollingTransport) poll() {
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		packets, err := t.fetch()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			debug.Logger().Debug().Err(err).Msg("poll failed")
			t.fail(err)
			return
		}
		for _, p := range packets {
			select {
			case t.queue <- p:
			case <-t.ctx.Done():
				return
			}
		}
	}
}

func (t *pollingTransport) fetch() ([]Packet, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url(t.sid), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to poll: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return DecodePayload(string(body))
}

// fail parks the first fatal error for Receive to pick up.
func (t *pollingTransport) fail(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

func (t *pollingTransport) Send(packets []Packet) error {
	t.mu.Lock()
	connected := t.connected
	sid := t.sid
	t.mu.Unlock()
	if !connected {
		return ErrConnectionClosed
	}

	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost,
		t.url(sid), strings.NewReader(EncodePayload(packets)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send: %s", resp.Status)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *pollingTransport) Receive() (Packet, error) {
	select {
	case <-t.ctx.Done():
		return Packet{}, ErrConnectionClosed
	case err := <-t.errCh:
		return Packet{}, err
	case p := <-t.queue:
		return p, nil
	}
}

// pause stops the poll loop without telling the server anything; the session
// stays alive for a transport taking over.
func (t *pollingTransport) pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.cancel()
}

// drainQueue empties inbound packets buffered before a pause so they are not
// lost in a transport handoff.
func (t *pollingTransport) drainQueue() []Packet {
	var packets []Packet
	for {
		select {
		case p := <-t.queue:
			packets = append(packets, p)
		default:
			return packets
		}
	}
}

func (t *pollingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	t.cancel()
	return nil
}

// websocketTransport drives a session over one persistent stream.
type websocketTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	connected    bool
}

func newWebSocketTransport(wsURL string) *websocketTransport {
	return &websocketTransport{
		url:          wsURL,
		dialer:       websocket.DefaultDialer,
		writeTimeout: 10 * time.Second,
	}
}

func (t *websocketTransport) dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	debug.Logger().Debug().Str("url", t.url).Msg("dialing websocket")
	dialer := *t.dialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	t.connected = true
	return nil
}

func (t *websocketTransport) Connect(ctx context.Context) (Handshake, error) {
	if err := t.dial(ctx); err != nil {
		return Handshake{}, err
	}
	p, err := t.Receive()
	if err != nil {
		t.Close()
		return Handshake{}, err
	}
	if p.Type != PacketOpen {
		t.Close()
		return Handshake{}, ErrBadPacket
	}
	var hs Handshake
	if err := json.Unmarshal(p.Data, &hs); err != nil {
		t.Close()
		return Handshake{}, err
	}
	return hs, nil
}

// probe dials and runs the upgrade handshake, leaving the stream ready to
// take over an existing session.
func (t *websocketTransport) probe(ctx context.Context) error {
	if err := t.dial(ctx); err != nil {
		return err
	}
	if err := t.Send([]Packet{{Type: PacketPing, Data: []byte("probe")}}); err != nil {
		t.Close()
		return err
	}
	p, err := t.Receive()
	if err != nil {
		t.Close()
		return err
	}
	if p.Type != PacketPong || string(p.Data) != "probe" {
		t.Close()
		return ErrBadPacket
	}
	return nil
}

// commitUpgrade tells the server the session now lives on this stream.
func (t *websocketTransport) commitUpgrade() error {
	return t.Send([]Packet{{Type: PacketUpgrade}})
}

func (t *websocketTransport) Send(packets []Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.conn == nil {
		return ErrConnectionClosed
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	for _, p := range packets {
		var err error
		if p.Type == PacketBinary {
			err = t.conn.WriteMessage(websocket.BinaryMessage, p.Data)
		} else {
			err = t.conn.WriteMessage(websocket.TextMessage, []byte(p.Encode()))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *websocketTransport) Receive() (Packet, error) {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return Packet{}, ErrConnectionClosed
	}

	kind, data, err := conn.ReadMessage()
	if err != nil {
		return Packet{}, err
	}
	if kind == websocket.BinaryMessage {
		return BinaryPacket(data), nil
	}
	return DecodePacket(string(data))
}

func (t *websocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))

	err := t.conn.Close()
	t.connected = false
	t.conn = nil
	return err
}
