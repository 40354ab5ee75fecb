package engineio

import (
	"errors"
)

var (
	// ErrBadPacket reports an inbound packet kind that dispatch does not
	// accept from an established session.
	ErrBadPacket = errors.New("bad packet received")

	// ErrHeartbeatTimeout reports a peer that stopped answering liveness
	// probes. It is fatal to the session.
	ErrHeartbeatTimeout = errors.New("heartbeat timed out")

	// ErrQueueClosed reports a send or claim attempted after the session was
	// shut down on the transport side.
	ErrQueueClosed = errors.New("outbound queue closed")

	// ErrQueueBusy reports a second live claim on the outbound queue's
	// consumer side.
	ErrQueueBusy = errors.New("outbound queue already claimed")

	// ErrInvalidPacket reports bytes that do not decode to any packet kind.
	ErrInvalidPacket = errors.New("invalid packet encoding")

	// ErrTooManyConnections reports a handshake rejected by the connection
	// limit.
	ErrTooManyConnections = errors.New("connection limit reached")

	// ErrConnectionClosed reports client operations attempted on a closed or
	// never-established connection.
	ErrConnectionClosed = errors.New("connection closed")
)
