package engineio

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kleeedolinux/engineio.go/debug"
)

// Server terminates sessions over long-polling and WebSocket and routes
// their traffic into a Handler. Each live session is exactly one Socket held
// in the session registry; polling sessions lease their registry slot per
// request and are evicted when the lease runs out.
type Server struct {
	handler Handler

	sessions *cache.Cache

	upgrader websocket.Upgrader

	pingInterval      time.Duration
	pingTimeout       time.Duration
	disconnectTimeout time.Duration
	maxPayload        int64
	maxConnections    int64
	bufferSize        int
	compression       bool

	admission *semaphore.Weighted

	log zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithPingInterval sets the delay between liveness probes. Default 25s.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// WithPingTimeout sets how long one probe may stay unanswered before the
// session is considered dead. Default 20s.
func WithPingTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.pingTimeout = d
	}
}

// WithDisconnectTimeout sets how long a polling session survives between
// HTTP requests before it is evicted. Default 60s.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.disconnectTimeout = d
	}
}

// WithMaxPayload caps the body size of one polling data request in bytes.
// Default 1e6.
func WithMaxPayload(n int64) Option {
	return func(s *Server) {
		s.maxPayload = n
	}
}

// WithMaxConnections caps live sessions; handshakes beyond the cap answer
// 503. Zero means unlimited, the default.
func WithMaxConnections(n int64) Option {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// WithBufferSize sets the WebSocket read and write buffer sizes in bytes.
// Default 1024.
func WithBufferSize(n int) Option {
	return func(s *Server) {
		s.bufferSize = n
	}
}

// WithCompression enables per-message compression on WebSocket connections.
func WithCompression(enabled bool) Option {
	return func(s *Server) {
		s.compression = enabled
	}
}

// WithLogger routes server lifecycle logs through l. Packet-level tracing
// stays on the debug package.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer creates a server that feeds session traffic into h. The handler
// is shared by every session.
func NewServer(h Handler, opts ...Option) *Server {
	s := &Server{
		handler:           h,
		pingInterval:      25 * time.Second,
		pingTimeout:       20 * time.Second,
		disconnectTimeout: 60 * time.Second,
		maxPayload:        1e6,
		bufferSize:        1024,
		log:               *debug.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxConnections > 0 {
		s.admission = semaphore.NewWeighted(s.maxConnections)
	}
	s.sessions = cache.New(s.disconnectTimeout, s.disconnectTimeout/2)
	s.sessions.OnEvicted(s.evict)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    s.bufferSize,
		WriteBufferSize:   s.bufferSize,
		EnableCompression: s.compression,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return s
}

// ServeHTTP implements http.Handler. Clients open and drive sessions with
// the transport query parameter; established sessions carry their sid.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	switch r.URL.Query().Get("transport") {
	case "websocket":
		s.serveWebSocket(w, r, sid)
	case "polling":
		s.servePolling(w, r, sid)
	default:
		http.Error(w, "Unknown transport", http.StatusBadRequest)
	}
}

// admit takes one connection slot, or reports that the server is full.
func (s *Server) admit() bool {
	return s.admission == nil || s.admission.TryAcquire(1)
}

// release returns one connection slot.
func (s *Server) release() {
	if s.admission != nil {
		s.admission.Release(1)
	}
}

// register enrolls a freshly admitted socket and starts its heartbeat.
// Polling sessions get a registry lease of disconnectTimeout; WebSocket
// sessions stay until closed.
func (s *Server) register(so *Socket) {
	if so.IsHTTP() {
		s.sessions.SetDefault(so.Sid, so)
	} else {
		s.sessions.Set(so.Sid, so, cache.NoExpiration)
	}
	s.log.Info().Str("sid", so.Sid).Stringer("transport", so.ConnectionType()).Msg("session opened")
	s.handler.OnConnect(so)
	go s.runHeartbeat(so)
}

func (s *Server) runHeartbeat(so *Socket) {
	if err := so.RunHeartbeat(s.pingInterval, s.pingTimeout); err != nil {
		s.log.Warn().Str("sid", so.Sid).Err(err).Msg("heartbeat failed")
		s.CloseSession(so.Sid)
	}
}

// lookup resolves a live session and, for polling sessions, refreshes the
// registry lease.
func (s *Server) lookup(sid string) (*Socket, bool) {
	v, ok := s.sessions.Get(sid)
	if !ok {
		return nil, false
	}
	so := v.(*Socket)
	select {
	case <-so.Done():
		return nil, false
	default:
	}
	if so.IsHTTP() {
		s.sessions.SetDefault(sid, so)
	}
	return so, true
}

// evict is the single teardown path for every session, whether closed
// explicitly, expired out of the registry, or dropped at shutdown.
func (s *Server) evict(sid string, v interface{}) {
	so := v.(*Socket)
	if !so.Shutdown() {
		// Already torn down through an earlier registry entry.
		return
	}
	s.release()
	s.log.Info().Str("sid", sid).Msg("session closed")
	s.handler.OnDisconnect(so)
}

// CloseSession discards a session. Its socket is shut down, its connection
// slot returned and the handler's OnDisconnect invoked. Unknown sids are
// ignored.
func (s *Server) CloseSession(sid string) {
	s.sessions.Delete(sid)
}

// GetSocket resolves a live session without refreshing its lease.
func (s *Server) GetSocket(sid string) (*Socket, bool) {
	v, ok := s.sessions.Get(sid)
	if !ok {
		return nil, false
	}
	return v.(*Socket), true
}

// Count reports the number of live sessions.
func (s *Server) Count() int {
	return s.sessions.ItemCount()
}

// Broadcast queues msg on every live session, one at a time. A session whose
// queue is full stalls the sweep until its transport drains; one that is
// already torn down is logged and skipped.
func (s *Server) Broadcast(msg string) {
	for sid, item := range s.sessions.Items() {
		if err := item.Object.(*Socket).Emit(msg); err != nil {
			s.log.Warn().Str("sid", sid).Err(err).Msg("broadcast send failed")
		}
	}
}

// BroadcastParallel fans msg out across at most workers goroutines, so one
// slow consumer cannot hold up delivery to everyone else. workers <= 0 means
// one goroutine per session.
func (s *Server) BroadcastParallel(msg string, workers int) {
	g := new(errgroup.Group)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for sid, item := range s.sessions.Items() {
		so := item.Object.(*Socket)
		g.Go(func() error {
			if err := so.Emit(msg); err != nil {
				s.log.Warn().Str("sid", sid).Err(err).Msg("broadcast send failed")
			}
			return nil
		})
	}
	g.Wait()
}

// Shutdown discards every live session. The context is accepted for
// symmetry with net/http servers; teardown itself is synchronous.
func (s *Server) Shutdown(ctx context.Context) error {
	for sid := range s.sessions.Items() {
		s.CloseSession(sid)
	}
	return nil
}

// Handshake is the JSON body of the Open packet that establishes a session.
type Handshake struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// openPacket builds the handshake reply for a new session.
func (s *Server) openPacket(sid string, upgrades []string) (Packet, error) {
	if upgrades == nil {
		upgrades = []string{}
	}
	data, err := json.Marshal(Handshake{
		Sid:          sid,
		Upgrades:     upgrades,
		PingInterval: s.pingInterval.Milliseconds(),
		PingTimeout:  s.pingTimeout.Milliseconds(),
		MaxPayload:   s.maxPayload,
	})
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketOpen, Data: data}, nil
}
