package engineio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler records everything a socket dispatches into it.
type testHandler struct {
	mu          sync.Mutex
	messages    []string
	binaries    [][]byte
	connects    []string
	disconnects []string
	handleErr   error
}

func (h *testHandler) OnConnect(s *Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, s.Sid)
}

func (h *testHandler) OnDisconnect(s *Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, s.Sid)
}

func (h *testHandler) Handle(msg string, s *Socket) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return h.handleErr
}

func (h *testHandler) HandleBinary(data []byte, s *Socket) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.binaries = append(h.binaries, append([]byte(nil), data...))
	return h.handleErr
}

func (h *testHandler) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func (h *testHandler) Disconnects() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.disconnects...)
}

// drainAll empties the outbound queue without waiting.
func drainAll(t *testing.T, s *Socket) []Packet {
	t.Helper()
	d, err := s.TryDrain()
	require.NoError(t, err)
	defer d.Release()
	var packets []Packet
	for {
		select {
		case p := <-d.Packets():
			packets = append(packets, p)
		default:
			return packets
		}
	}
}

func TestSocket_Send_Backpressure(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)

	for i := range outboundCapacity {
		require.NoError(t, s.Send(MessagePacket("m")), "send %d should not block", i)
	}

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- s.Send(MessagePacket("overflow"))
	}()

	select {
	case <-unblocked:
		t.Fatal("send into a full queue returned before a dequeue")
	case <-time.After(50 * time.Millisecond):
	}

	d, err := s.TryDrain()
	require.NoError(t, err)
	defer d.Release()
	<-d.Packets()

	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not unblock after a dequeue")
	}
}

func TestSocket_Send_AfterShutdown(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	require.True(t, s.Shutdown())
	assert.ErrorIs(t, s.Send(MessagePacket("late")), ErrQueueClosed)
	assert.ErrorIs(t, s.Emit("late"), ErrQueueClosed)
}

func TestSocket_Send_PreservesOrder(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, s.Emit(msg))
	}
	packets := drainAll(t, s)
	require.Len(t, packets, 3)
	assert.Equal(t, "one", string(packets[0].Data))
	assert.Equal(t, "two", string(packets[1].Data))
	assert.Equal(t, "three", string(packets[2].Data))
}

func TestSocket_HandlePacket_Close(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	h := &testHandler{}

	terminate, err := s.HandlePacket(Packet{Type: PacketClose}, h)
	require.NoError(t, err)
	assert.True(t, terminate)

	packets := drainAll(t, s)
	require.Len(t, packets, 1)
	assert.Equal(t, PacketNoop, packets[0].Type)
}

func TestSocket_HandlePacket_CloseAfterShutdown(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	s.Shutdown()

	// Still terminates, carrying the failed acknowledgment.
	terminate, err := s.HandlePacket(Packet{Type: PacketClose}, &testHandler{})
	assert.True(t, terminate)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestSocket_HandlePacket_PongCoalesces(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	h := &testHandler{}

	for range 5 {
		terminate, err := s.HandlePacket(Packet{Type: PacketPong}, h)
		require.NoError(t, err)
		assert.False(t, terminate)
	}

	// Five pongs with no heartbeat wait in between leave one signal.
	assert.Len(t, s.pong, 1)
}

func TestSocket_HandlePacket_Message(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	h := &testHandler{}

	terminate, err := s.HandlePacket(MessagePacket("hi"), h)
	require.NoError(t, err)
	assert.False(t, terminate)
	assert.Equal(t, []string{"hi"}, h.Messages())
}

func TestSocket_HandlePacket_MessageHandlerError(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	h := &testHandler{handleErr: assert.AnError}

	// An application error surfaces but does not end the session.
	terminate, err := s.HandlePacket(MessagePacket("hi"), h)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, terminate)
}

func TestSocket_HandlePacket_UnexpectedKinds(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	h := &testHandler{}

	for _, kind := range []PacketType{PacketOpen, PacketPing, PacketUpgrade, PacketNoop} {
		terminate, err := s.HandlePacket(Packet{Type: kind}, h)
		assert.ErrorIs(t, err, ErrBadPacket, "kind %s", kind)
		assert.False(t, terminate, "kind %s", kind)
	}
}

func TestSocket_HandleBinary(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	h := &testHandler{}

	require.NoError(t, s.HandleBinary([]byte{0x01, 0x02}, h))
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.binaries, 1)
	assert.Equal(t, []byte{0x01, 0x02}, h.binaries[0])
}

func TestSocket_HandleBinary_HandlerError(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	h := &testHandler{handleErr: assert.AnError}
	assert.ErrorIs(t, s.HandleBinary([]byte{0x01}, h), assert.AnError)
}

func TestSocket_TryDrain_Exclusive(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)

	first, err := s.TryDrain()
	require.NoError(t, err)

	_, err = s.TryDrain()
	assert.ErrorIs(t, err, ErrQueueBusy)

	first.Release()
	first.Release() // safe to repeat

	second, err := s.TryDrain()
	require.NoError(t, err)
	second.Release()
}

func TestSocket_TryDrain_AfterShutdown(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	s.Shutdown()

	_, err := s.TryDrain()
	assert.ErrorIs(t, err, ErrQueueClosed)

	// The semaphore has room, so only the teardown check can refuse the
	// claim. It must refuse every time, not just when the scheduler is kind.
	for range 20 {
		_, err = s.AcquireDrain()
		assert.ErrorIs(t, err, ErrQueueClosed)
	}
}

func TestSocket_AcquireDrain_WaitsForRelease(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)

	first, err := s.TryDrain()
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		d, err := s.AcquireDrain()
		if err == nil {
			d.Release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("second claim succeeded while the first was live")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("claim did not proceed after release")
	}
}

func TestSocket_SendBlocking_HTTPWaitsForClaim(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)

	returned := make(chan error, 1)
	go func() {
		returned <- s.SendBlocking(MessagePacket("a"))
	}()

	select {
	case <-returned:
		t.Fatal("blocking send returned before any consumer claim")
	case <-time.After(50 * time.Millisecond):
	}

	d, err := s.TryDrain()
	require.NoError(t, err)
	p := <-d.Packets()
	assert.Equal(t, "a", string(p.Data))
	d.Release()

	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocking send did not observe the consumer claim")
	}
}

func TestSocket_SendBlocking_WebSocketImmediate(t *testing.T) {
	s := NewSocket("s1", ConnectionWebSocket)

	returned := make(chan error, 1)
	go func() {
		returned <- s.SendBlocking(MessagePacket("a"))
	}()

	// No consumer ever runs.
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocking send on websocket waited for a consumer")
	}
}

func TestSocket_SendBlocking_ShutdownReleases(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)

	returned := make(chan error, 1)
	go func() {
		returned <- s.SendBlocking(MessagePacket("a"))
	}()

	time.Sleep(50 * time.Millisecond)
	s.Shutdown()

	select {
	case err := <-returned:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocking send survived shutdown")
	}
}

func TestSocket_Upgrade_OneWay(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	assert.True(t, s.IsHTTP())
	assert.False(t, s.IsWebSocket())
	assert.Equal(t, "polling", s.ConnectionType().String())

	s.UpgradeToWebSocket()
	assert.True(t, s.IsWebSocket())
	assert.False(t, s.IsHTTP())
	assert.Equal(t, "websocket", s.ConnectionType().String())

	// Repeat calls stay upgraded.
	s.UpgradeToWebSocket()
	assert.True(t, s.IsWebSocket())
}

func TestSocket_Shutdown_Idempotent(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	assert.True(t, s.Shutdown())
	assert.False(t, s.Shutdown())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed after shutdown")
	}
}

func TestSocket_EmitAndClose_PacketKinds(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	require.NoError(t, s.Emit("text"))
	require.NoError(t, s.EmitBinary([]byte{0xaa}))
	require.NoError(t, s.Close())

	packets := drainAll(t, s)
	require.Len(t, packets, 3)
	assert.Equal(t, PacketMessage, packets[0].Type)
	assert.Equal(t, PacketBinary, packets[1].Type)
	assert.Equal(t, PacketClose, packets[2].Type)
}

func TestSocket_RunHeartbeat_TimeoutWithoutPong(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	interval := 30 * time.Millisecond
	timeout := 40 * time.Millisecond

	start := time.Now()
	err := s.RunHeartbeat(interval, timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	assert.GreaterOrEqual(t, elapsed, interval+timeout)

	// One unanswered probe ends the task; no second ping was ever sent.
	pings := 0
	for _, p := range drainAll(t, s) {
		if p.Type == PacketPing {
			pings++
		}
	}
	assert.Equal(t, 1, pings)
}

func TestSocket_RunHeartbeat_PongsKeepItAlive(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)
	h := &testHandler{}
	interval := 20 * time.Millisecond
	timeout := 30 * time.Millisecond

	stop := make(chan struct{})
	var feeder sync.WaitGroup
	feeder.Add(1)
	go func() {
		defer feeder.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				_, _ = s.HandlePacket(Packet{Type: PacketPong}, h)
			}
		}
	}()

	result := make(chan error, 1)
	go func() {
		result <- s.RunHeartbeat(interval, timeout)
	}()

	select {
	case err := <-result:
		t.Fatalf("heartbeat failed while pongs were flowing: %v", err)
	case <-time.After(8 * interval):
	}

	// Teardown surfaces as a failed probe send within one more cycle.
	s.Shutdown()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	case <-time.After(2 * (interval + timeout)):
		t.Fatal("heartbeat did not stop after shutdown")
	}
	close(stop)
	feeder.Wait()
}

func TestSocket_RunHeartbeat_DoubleClaimPanics(t *testing.T) {
	s := NewSocket("s1", ConnectionHTTP)

	go s.RunHeartbeat(time.Hour, time.Hour)
	time.Sleep(20 * time.Millisecond)

	assert.Panics(t, func() {
		s.RunHeartbeat(time.Hour, time.Hour)
	})
}
