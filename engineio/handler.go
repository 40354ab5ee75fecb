package engineio

// Handler receives the application-level traffic of every session on a
// server. One Handler instance is shared across all sessions, so
// implementations must be safe for concurrent use.
type Handler interface {
	// OnConnect runs once a session has completed its handshake.
	OnConnect(s *Socket)

	// OnDisconnect runs once a session has been discarded. The socket is
	// already shut down; sends on it fail.
	OnDisconnect(s *Socket)

	// Handle processes one text message. A non-nil error is logged by the
	// transport layer but does not end the session.
	Handle(msg string, s *Socket) error

	// HandleBinary processes one binary message under the same error
	// contract as Handle.
	HandleBinary(data []byte, s *Socket) error
}
