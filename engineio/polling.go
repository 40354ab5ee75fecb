package engineio

import (
	"errors"
	"io"
	"net/http"
)

// servePolling routes one long-polling request: a GET without sid opens a
// session, a GET with sid drains outbound packets, a POST carries inbound
// packets.
func (s *Server) servePolling(w http.ResponseWriter, r *http.Request, sid string) {
	switch {
	case r.Method == http.MethodGet && sid == "":
		s.pollingHandshake(w, r)
	case r.Method == http.MethodGet:
		s.pollingDrain(w, r, sid)
	case r.Method == http.MethodPost:
		s.pollingData(w, r, sid)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) pollingHandshake(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	so := NewSocket(generateSid(), ConnectionHTTP)
	open, err := s.openPacket(so.Sid, []string{"websocket"})
	if err != nil {
		s.release()
		http.Error(w, "Handshake failed", http.StatusInternalServerError)
		return
	}
	s.register(so)
	writePayload(w, []Packet{open})
}

// pollingDrain parks until the session has something to say, then responds
// with every packet it can gather without waiting further. Only one drain
// request may be in flight per session.
func (s *Server) pollingDrain(w http.ResponseWriter, r *http.Request, sid string) {
	so, ok := s.lookup(sid)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if so.IsWebSocket() {
		http.Error(w, "Transport mismatch", http.StatusBadRequest)
		return
	}
	d, err := so.TryDrain()
	if errors.Is(err, ErrQueueClosed) {
		writePayload(w, []Packet{{Type: PacketClose}})
		return
	}
	if err != nil {
		http.Error(w, "Poll already in flight", http.StatusBadRequest)
		return
	}
	defer d.Release()

	var batch []Packet
	select {
	case p := <-d.Packets():
		batch = append(batch, p)
	case <-so.Done():
		// Session died while this request was parked; tell the client
		// rather than hanging up on it.
		writePayload(w, []Packet{{Type: PacketClose}})
		return
	case <-r.Context().Done():
		return
	}
	for more := true; more; {
		select {
		case p := <-d.Packets():
			batch = append(batch, p)
		default:
			more = false
		}
	}
	writePayload(w, batch)
}

// pollingData decodes one inbound batch and dispatches it packet by packet.
// Dispatch errors are logged and skipped; a Close packet ends the session
// and drops the rest of the batch.
func (s *Server) pollingData(w http.ResponseWriter, r *http.Request, sid string) {
	so, ok := s.lookup(sid)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if so.IsWebSocket() {
		http.Error(w, "Transport mismatch", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayload))
	if err != nil {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	packets, err := DecodePayload(string(body))
	if err != nil {
		http.Error(w, "Malformed payload", http.StatusBadRequest)
		return
	}
	for _, p := range packets {
		if p.Type == PacketBinary {
			if err := so.HandleBinary(p.Data, s.handler); err != nil {
				s.log.Warn().Str("sid", sid).Err(err).Msg("binary dispatch failed")
			}
			continue
		}
		terminate, err := so.HandlePacket(p, s.handler)
		if err != nil {
			s.log.Warn().Str("sid", sid).Err(err).Msg("packet dispatch failed")
		}
		if terminate {
			s.CloseSession(sid)
			break
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok")
}

func writePayload(w http.ResponseWriter, packets []Packet) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, EncodePayload(packets))
}
