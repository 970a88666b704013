// Package transport provides the connection-oriented byte transports the
// overlay runs on.
//
// # Architecture
//
// The core never touches sockets. It sends packets to opaque peer handles,
// asks the transport for the address behind a handle, and consumes a single
// stream of [Event] values:
//
//	type Transport interface {
//	    Send(peer PeerID, packet *Packet) error
//	    Info(peer PeerID) (string, bool)
//	    Connect(addr string) error
//	    Listen(addr string) error
//	    Drop(peer PeerID) error
//	    Events() <-chan Event
//	    LocalAddr() string
//	    Close() error
//	}
//
// Connect and Listen never block on the network: the outcome of a dial is
// reported later as EventConnected or EventOpenError.
//
// # Implementations
//
// TCP Transport:
//
//	tr := transport.NewTCPTransport()
//	err := tr.Listen("0.0.0.0:4720")
//	// Frames are a uvarint length followed by a serialized Packet.
//
// In-memory Network (tests and simulations):
//
//	network := transport.NewNetwork()
//	a := network.NewTransport("a")
//	b := network.NewTransport("b")
//	_ = b.Listen("b")
//	_ = a.Connect("b")
//
// # Packet Format
//
// A packet is a one byte [PacketType] followed by the payload. Payload
// encoding is owned by the dht package.
package transport
