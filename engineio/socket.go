package engineio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kleeedolinux/engineio.go/debug"
)

// ConnectionType identifies which transport currently carries a session.
type ConnectionType int32

const (
	// ConnectionHTTP serves the session through request/response
	// long-polling.
	ConnectionHTTP ConnectionType = iota
	// ConnectionWebSocket serves the session through a persistent stream.
	ConnectionWebSocket
)

func (c ConnectionType) String() string {
	if c == ConnectionWebSocket {
		return "websocket"
	}
	return "polling"
}

// outboundCapacity bounds the per-session outbound queue. Producers that find
// the queue full block until the transport drains it.
const outboundCapacity = 100

// Socket is the transport-independent state of one session: the outbound
// packet queue, the pong slot fed by dispatch and consumed by the heartbeat,
// and the connection kind. The owning server registers, upgrades and
// eventually shuts it down; the socket itself only signals termination intent
// through dispatch outcomes and heartbeat failure.
type Socket struct {
	// Sid is the session identifier assigned at registration.
	Sid string

	conn atomic.Int32

	out      chan Packet
	drainSem chan struct{}

	flushMu sync.Mutex
	flushCh chan struct{}

	pong chan struct{}

	heartbeat atomic.Bool

	done     chan struct{}
	shutdown sync.Once
}

// NewSocket creates the session state for one accepted connection.
func NewSocket(sid string, conn ConnectionType) *Socket {
	s := &Socket{
		Sid:      sid,
		out:      make(chan Packet, outboundCapacity),
		drainSem: make(chan struct{}, 1),
		flushCh:  make(chan struct{}),
		pong:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.conn.Store(int32(conn))
	return s
}

// HandlePacket dispatches one inbound packet. The returned bool reports
// whether the caller must stop reading from this session: true only for a
// Close packet, which is acknowledged with a best-effort Noop. Handler errors
// and unexpected packet kinds are returned alongside false and do not end the
// session on their own.
func (s *Socket) HandlePacket(p Packet, h Handler) (bool, error) {
	debug.Logger().Debug().Str("sid", s.Sid).Stringer("packet", p.Type).Msg("received packet")
	switch p.Type {
	case PacketClose:
		return true, s.Send(Packet{Type: PacketNoop})
	case PacketPong:
		select {
		case s.pong <- struct{}{}:
		default:
			// Slot already holds a signal; extra pongs coalesce.
		}
		return false, nil
	case PacketMessage:
		return false, h.Handle(string(p.Data), s)
	default:
		return false, ErrBadPacket
	}
}

// HandleBinary forwards one binary frame to the handler. Binary data never
// enters the packet state machine.
func (s *Socket) HandleBinary(data []byte, h Handler) error {
	return h.HandleBinary(data, s)
}

// Send enqueues one packet for the transport to deliver. It blocks while the
// queue is full and fails with ErrQueueClosed once the session has been shut
// down.
func (s *Socket) Send(p Packet) error {
	select {
	case <-s.done:
		return ErrQueueClosed
	default:
	}
	select {
	case s.out <- p:
		debug.Logger().Debug().Str("sid", s.Sid).Stringer("packet", p.Type).Msg("queued packet")
		return nil
	case <-s.done:
		return ErrQueueClosed
	}
}

// SendBlocking enqueues p and, while the session is on long-polling, waits
// until a consumer claims the queue afterwards. Long-polling only delivers
// while a poll request holds the drain claim, so returning earlier would
// report delivery for a packet no request has picked up yet. On a WebSocket
// session the writer drains continuously and the call returns right after
// the enqueue.
func (s *Socket) SendBlocking(p Packet) error {
	flushed := s.flushBarrier()
	if err := s.Send(p); err != nil {
		return err
	}
	if s.IsWebSocket() {
		return nil
	}
	select {
	case <-flushed:
		return nil
	case <-s.done:
		return ErrQueueClosed
	}
}

// flushBarrier returns the channel the next drain claim will close. It must
// be captured before the enqueue it guards.
func (s *Socket) flushBarrier() <-chan struct{} {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushCh
}

// notifyFlush wakes every SendBlocking caller parked behind the current
// barrier and arms the next one.
func (s *Socket) notifyFlush() {
	s.flushMu.Lock()
	close(s.flushCh)
	s.flushCh = make(chan struct{})
	s.flushMu.Unlock()
}

// Drain is exclusive ownership of the outbound queue's consumer side. At
// most one live Drain exists per socket; Release returns the claim.
type Drain struct {
	s       *Socket
	release sync.Once
}

// Packets exposes the outbound queue to the claim holder.
func (d *Drain) Packets() <-chan Packet {
	return d.s.out
}

// Release returns the claim. Calling it more than once is safe.
func (d *Drain) Release() {
	d.release.Do(func() { <-d.s.drainSem })
}

// TryDrain claims the consumer side without waiting. It fails with
// ErrQueueBusy while another claim is live, and with ErrQueueClosed after
// shutdown.
func (s *Socket) TryDrain() (*Drain, error) {
	select {
	case <-s.done:
		return nil, ErrQueueClosed
	default:
	}
	select {
	case s.drainSem <- struct{}{}:
		s.notifyFlush()
		return &Drain{s: s}, nil
	default:
		return nil, ErrQueueBusy
	}
}

// AcquireDrain claims the consumer side, waiting for the current holder to
// release if there is one. It fails with ErrQueueClosed after shutdown.
func (s *Socket) AcquireDrain() (*Drain, error) {
	// Checked up front: once done is closed the blocking select below has
	// two ready cases and could still hand out a claim.
	select {
	case <-s.done:
		return nil, ErrQueueClosed
	default:
	}
	select {
	case s.drainSem <- struct{}{}:
		s.notifyFlush()
		return &Drain{s: s}, nil
	case <-s.done:
		return nil, ErrQueueClosed
	}
}

// RunHeartbeat drives the Ping/Pong liveness exchange until it fails, so it
// always returns ErrHeartbeatTimeout. One probe is sent every interval after
// an initial grace period of the same length, and each probe must be answered
// within timeout. The loop has no external cancellation; once the session is
// shut down the next probe send fails and ends it. Claiming the heartbeat
// twice on one socket is a lifecycle bug and panics.
func (s *Socket) RunHeartbeat(interval, timeout time.Duration) error {
	if !s.heartbeat.CompareAndSwap(false, true) {
		panic("engineio: heartbeat already claimed for session " + s.Sid)
	}
	debug.Logger().Debug().Str("sid", s.Sid).Msg("heartbeat started")
	time.Sleep(interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Send(Packet{Type: PacketPing}); err != nil {
			return ErrHeartbeatTimeout
		}
		select {
		case <-s.pong:
		case <-time.After(timeout):
			debug.Logger().Debug().Str("sid", s.Sid).Msg("pong missed")
			return ErrHeartbeatTimeout
		}
		<-ticker.C
	}
}

// ConnectionType reports which transport carries the session right now.
func (s *Socket) ConnectionType() ConnectionType {
	return ConnectionType(s.conn.Load())
}

// IsHTTP reports whether the session is on long-polling.
func (s *Socket) IsHTTP() bool {
	return s.ConnectionType() == ConnectionHTTP
}

// IsWebSocket reports whether the session is on WebSocket.
func (s *Socket) IsWebSocket() bool {
	return s.ConnectionType() == ConnectionWebSocket
}

// UpgradeToWebSocket flips the session onto its streaming transport. The
// transition is one-way and calling it again is a no-op; no downgrade
// exists.
func (s *Socket) UpgradeToWebSocket() {
	s.conn.Store(int32(ConnectionWebSocket))
	debug.Logger().Debug().Str("sid", s.Sid).Msg("upgraded to websocket")
}

// Emit queues an application text message for delivery.
func (s *Socket) Emit(msg string) error {
	return s.Send(MessagePacket(msg))
}

// EmitBinary queues an application binary message for delivery.
func (s *Socket) EmitBinary(data []byte) error {
	return s.Send(BinaryPacket(data))
}

// Close asks the peer to terminate the session.
func (s *Socket) Close() error {
	return s.Send(Packet{Type: PacketClose})
}

// Shutdown releases every producer and barrier waiter with ErrQueueClosed.
// It reports whether this call was the one that performed the shutdown. The
// owning server calls it when discarding the session; the socket never shuts
// itself down.
func (s *Socket) Shutdown() bool {
	first := false
	s.shutdown.Do(func() {
		close(s.done)
		first = true
	})
	return first
}

// Done is closed once the session has been shut down.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}
