package transport

import (
	"errors"
	"fmt"
)

// PacketType identifies the type of an overlay packet.
type PacketType byte

const (
	PacketJoin PacketType = iota + 1
	PacketPing
	PacketPong
	PacketFindNode
	PacketNodeDetails
	PacketIntroduceTo
	PacketOpenConnectionWith
	PacketDrop
)

// MaxPacketSize bounds serialized packets accepted from the wire.
const MaxPacketSize = 64 * 1024

var (
	// ErrPacketTooShort is returned when parsing an empty buffer.
	ErrPacketTooShort = errors.New("packet too short")
	// ErrPacketTooLarge is returned for packets above MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet too large")
)

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketJoin:
		return "join"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketFindNode:
		return "find_node"
	case PacketNodeDetails:
		return "node_details"
	case PacketIntroduceTo:
		return "introduce_to"
	case PacketOpenConnectionWith:
		return "open_connection_with"
	case PacketDrop:
		return "drop"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Packet represents an overlay protocol packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if 1+len(p.Data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}
	if len(data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
