package transport

import "fmt"

// PeerID is an opaque handle for an open connection. Handles are never reused
// by a transport instance.
type PeerID uint64

// NoPeer is the zero handle, meaning "not connected".
const NoPeer PeerID = 0

// EventKind identifies the kind of a transport Event.
type EventKind uint8

const (
	// EventConnected reports a newly opened connection.
	EventConnected EventKind = iota + 1
	// EventPacket reports a packet received from Peer.
	EventPacket
	// EventDropped reports that the connection to Peer is gone.
	EventDropped
	// EventOpenError reports that dialing Addr failed.
	EventOpenError
)

// String returns a readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventPacket:
		return "packet"
	case EventDropped:
		return "dropped"
	case EventOpenError:
		return "open-error"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is a single notification from a transport.
type Event struct {
	Kind EventKind
	Peer PeerID
	// Addr is the remote address for EventConnected and the dialed address for
	// EventOpenError.
	Addr string
	// Outbound is set on EventConnected when the connection was dialed by us.
	Outbound bool
	Packet   *Packet
	Err      error
}

// Transport defines the interface for connection-oriented network transports.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send sends a packet to the specified peer.
	Send(peer PeerID, packet *Packet) error

	// Info returns the remote address of peer.
	Info(peer PeerID) (string, bool)

	// Connect starts dialing addr. The result is reported as an event.
	Connect(addr string) error

	// Listen starts accepting connections on addr.
	Listen(addr string) error

	// Drop closes the connection to peer.
	Drop(peer PeerID) error

	// Events returns the channel all events are delivered on.
	Events() <-chan Event

	// LocalAddr returns the first address the transport is listening on.
	LocalAddr() string

	// Close shuts down the transport.
	Close() error
}
