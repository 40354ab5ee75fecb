package engineio

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"

	"github.com/kleeedolinux/engineio.go/debug"
)

// closeGracePeriod bounds the close frame write when a session ends.
const closeGracePeriod = time.Second

// serveWebSocket routes one WebSocket request: without sid it opens a fresh
// session directly on the stream, with sid it runs the upgrade probe for an
// existing polling session.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, sid string) {
	if sid == "" {
		s.websocketConnect(w, r)
		return
	}
	s.websocketUpgrade(w, r, sid)
}

func (s *Server) websocketConnect(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	so := NewSocket(generateSid(), ConnectionWebSocket)
	open, err := s.openPacket(so.Sid, nil)
	if err != nil {
		s.release()
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(open.Encode())); err != nil {
		s.release()
		conn.Close()
		return
	}
	s.register(so)
	s.runSession(so, conn)
}

// websocketUpgrade moves an established polling session onto a fresh
// WebSocket once the probe has been answered. A failed probe leaves the
// session on polling untouched.
func (s *Server) websocketUpgrade(w http.ResponseWriter, r *http.Request, sid string) {
	so, ok := s.lookup(sid)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if so.IsWebSocket() {
		http.Error(w, "Already upgraded", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Str("sid", sid).Err(err).Msg("websocket upgrade failed")
		return
	}
	if err := s.probe(conn); err != nil {
		debug.Logger().Debug().Str("sid", sid).Err(err).Msg("upgrade probe failed")
		conn.Close()
		return
	}
	so.UpgradeToWebSocket()
	s.sessions.Set(so.Sid, so, cache.NoExpiration)
	// A parked poll may still hold the drain claim; a noop flushes it out so
	// the writer can take over.
	_ = so.Send(Packet{Type: PacketNoop})
	s.log.Info().Str("sid", sid).Msg("session upgraded")
	s.runSession(so, conn)
}

// probe runs the upgrade handshake on a fresh stream: the client pings
// "probe", the server pongs it back and the client commits with an Upgrade
// packet. The exchange must finish within the ping timeout so a silent
// stream cannot park the request goroutine forever.
func (s *Server) probe(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(s.pingTimeout)); err != nil {
		return err
	}
	// The session pumps expect a conn with no deadline.
	defer conn.SetReadDeadline(time.Time{})
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	p, err := DecodePacket(string(data))
	if err != nil {
		return err
	}
	if p.Type != PacketPing || string(p.Data) != "probe" {
		return ErrBadPacket
	}
	pong := Packet{Type: PacketPong, Data: []byte("probe")}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(pong.Encode())); err != nil {
		return err
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		return err
	}
	p, err = DecodePacket(string(data))
	if err != nil {
		return err
	}
	if p.Type != PacketUpgrade {
		return ErrBadPacket
	}
	return nil
}

// runSession pumps one WebSocket connection until the session ends. The
// writer owns the drain claim for the whole connection lifetime; the reader
// runs on the request goroutine.
func (s *Server) runSession(so *Socket, conn *websocket.Conn) {
	go s.writePump(so, conn)
	s.readPump(so, conn)
}

func (s *Server) writePump(so *Socket, conn *websocket.Conn) {
	defer conn.Close()
	d, err := so.AcquireDrain()
	if err != nil {
		return
	}
	defer d.Release()
	for {
		select {
		case p := <-d.Packets():
			var err error
			if p.Type == PacketBinary {
				err = conn.WriteMessage(websocket.BinaryMessage, p.Data)
			} else {
				err = conn.WriteMessage(websocket.TextMessage, []byte(p.Encode()))
			}
			if err != nil {
				debug.Logger().Debug().Str("sid", so.Sid).Err(err).Msg("websocket write failed")
				s.CloseSession(so.Sid)
				return
			}
		case <-so.Done():
			deadline := time.Now().Add(closeGracePeriod)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func (s *Server) readPump(so *Socket, conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			debug.Logger().Debug().Str("sid", so.Sid).Err(err).Msg("websocket read ended")
			s.CloseSession(so.Sid)
			return
		}
		if kind == websocket.BinaryMessage {
			if err := so.HandleBinary(data, s.handler); err != nil {
				s.log.Warn().Str("sid", so.Sid).Err(err).Msg("binary dispatch failed")
			}
			continue
		}
		p, err := DecodePacket(string(data))
		if err != nil {
			s.log.Warn().Str("sid", so.Sid).Err(err).Msg("malformed packet")
			continue
		}
		terminate, err := so.HandlePacket(p, s.handler)
		if err != nil {
			s.log.Warn().Str("sid", so.Sid).Err(err).Msg("packet dispatch failed")
		}
		if terminate {
			s.CloseSession(so.Sid)
			return
		}
	}
}
