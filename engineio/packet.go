package engineio

import (
	"encoding/base64"
	"strings"
)

// PacketType identifies one of the protocol's packet kinds.
type PacketType byte

const (
	// PacketOpen carries the handshake reply that establishes a session.
	PacketOpen PacketType = iota
	// PacketClose asks the receiving side to terminate the session.
	PacketClose
	// PacketPing is the server's liveness probe.
	PacketPing
	// PacketPong answers a liveness probe.
	PacketPong
	// PacketMessage carries application text data.
	PacketMessage
	// PacketUpgrade confirms a transport upgrade on the new connection.
	PacketUpgrade
	// PacketNoop pads a transport cycle that has nothing else to say.
	PacketNoop
	// PacketBinary carries application binary data. It has no type digit on
	// the wire: long-polling renders it base64 behind a "b" prefix and
	// WebSocket sends the bytes as their own frame.
	PacketBinary
)

func (t PacketType) String() string {
	switch t {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketMessage:
		return "message"
	case PacketUpgrade:
		return "upgrade"
	case PacketNoop:
		return "noop"
	case PacketBinary:
		return "binary"
	default:
		return "invalid"
	}
}

// Packet is one protocol message exchanged over a session.
type Packet struct {
	Type PacketType
	Data []byte
}

// MessagePacket wraps application text for sending.
func MessagePacket(msg string) Packet {
	return Packet{Type: PacketMessage, Data: []byte(msg)}
}

// BinaryPacket wraps application bytes for sending.
func BinaryPacket(data []byte) Packet {
	return Packet{Type: PacketBinary, Data: data}
}

// Encode renders p in its long-polling wire form: the type digit followed by
// the payload, or "b" plus base64 for binary packets.
func (p Packet) Encode() string {
	if p.Type == PacketBinary {
		return "b" + base64.StdEncoding.EncodeToString(p.Data)
	}
	if len(p.Data) == 0 {
		return string('0' + byte(p.Type))
	}
	return string('0'+byte(p.Type)) + string(p.Data)
}

// DecodePacket parses one long-polling wire form back into a packet.
func DecodePacket(s string) (Packet, error) {
	if len(s) == 0 {
		return Packet{}, ErrInvalidPacket
	}
	if s[0] == 'b' {
		data, err := base64.StdEncoding.DecodeString(s[1:])
		if err != nil {
			return Packet{}, ErrInvalidPacket
		}
		return Packet{Type: PacketBinary, Data: data}, nil
	}
	t := PacketType(s[0] - '0')
	if t > PacketNoop {
		return Packet{}, ErrInvalidPacket
	}
	var data []byte
	if len(s) > 1 {
		data = []byte(s[1:])
	}
	return Packet{Type: t, Data: data}, nil
}

// recordSeparator joins packets batched into one long-polling body.
const recordSeparator = "\x1e"

// EncodePayload joins packets into one long-polling response body.
func EncodePayload(packets []Packet) string {
	parts := make([]string, len(packets))
	for i, p := range packets {
		parts[i] = p.Encode()
	}
	return strings.Join(parts, recordSeparator)
}

// DecodePayload splits a long-polling request body into its packets. A body
// that is empty or contains any undecodable part is rejected whole.
func DecodePayload(s string) ([]Packet, error) {
	if len(s) == 0 {
		return nil, ErrInvalidPacket
	}
	parts := strings.Split(s, recordSeparator)
	packets := make([]Packet, 0, len(parts))
	for _, part := range parts {
		p, err := DecodePacket(part)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}
