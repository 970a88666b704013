package transport

import (
	"errors"
	"fmt"
	"sync"
)

// ErrQueueFull is returned when the receiving side's event queue is full.
var ErrQueueFull = errors.New("event queue full")

// memoryQueueSize bounds the number of undelivered events per transport.
const memoryQueueSize = 4096

// Network is an in-process switchboard connecting MemoryTransports by
// address. It is used by tests and simulations.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*MemoryTransport
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*MemoryTransport)}
}

// NewTransport creates a transport attached to the network. name is the
// address remote peers see for connections it opens.
func (n *Network) NewTransport(name string) *MemoryTransport {
	return &MemoryTransport{
		network: n,
		name:    name,
		links:   make(map[PeerID]*memoryLink),
		events:  make(chan Event, memoryQueueSize),
	}
}

type memoryLink struct {
	remote     *MemoryTransport
	remotePeer PeerID
	addr       string
}

// MemoryTransport implements Transport on top of a Network.
type MemoryTransport struct {
	network *Network
	name    string

	mu       sync.Mutex
	links    map[PeerID]*memoryLink
	listen   []string
	nextPeer PeerID
	closed   bool

	events chan Event
}

// Events returns the channel all events are delivered on.
func (m *MemoryTransport) Events() <-chan Event {
	return m.events
}

// Listen registers addr on the network.
func (m *MemoryTransport) Listen(addr string) error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	if owner, ok := m.network.listeners[addr]; ok && owner != m {
		return fmt.Errorf("listen %s: address in use", addr)
	}
	m.network.listeners[addr] = m

	m.mu.Lock()
	m.listen = append(m.listen, addr)
	m.mu.Unlock()
	return nil
}

// Connect links to the transport listening on addr. Both sides receive
// EventConnected; an unknown address yields EventOpenError.
func (m *MemoryTransport) Connect(addr string) error {
	m.network.mu.Lock()
	remote, ok := m.network.listeners[addr]
	m.network.mu.Unlock()

	if !ok || remote.isClosed() {
		return m.push(Event{Kind: EventOpenError, Addr: addr, Err: fmt.Errorf("connect %s: no listener", addr)})
	}

	local := m.register(&memoryLink{remote: remote, addr: addr})
	remotePeer := remote.register(&memoryLink{remote: m, remotePeer: local, addr: m.name})

	m.mu.Lock()
	m.links[local].remotePeer = remotePeer
	m.mu.Unlock()

	if err := remote.push(Event{Kind: EventConnected, Peer: remotePeer, Addr: m.name}); err != nil {
		return err
	}
	return m.push(Event{Kind: EventConnected, Peer: local, Addr: addr, Outbound: true})
}

// Send delivers a copy of packet to the remote side of peer.
func (m *MemoryTransport) Send(peer PeerID, packet *Packet) error {
	m.mu.Lock()
	link, ok := m.links[peer]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %d: %w", peer, ErrUnknownPeer)
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	copied, err := ParsePacket(data)
	if err != nil {
		return err
	}
	return link.remote.push(Event{Kind: EventPacket, Peer: link.remotePeer, Packet: copied})
}

// Info returns the remote address of peer.
func (m *MemoryTransport) Info(peer PeerID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[peer]
	if !ok {
		return "", false
	}
	return link.addr, true
}

// Drop tears down the link to peer; only the remote side is notified.
func (m *MemoryTransport) Drop(peer PeerID) error {
	m.mu.Lock()
	link, ok := m.links[peer]
	delete(m.links, peer)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("drop %d: %w", peer, ErrUnknownPeer)
	}

	link.remote.mu.Lock()
	_, present := link.remote.links[link.remotePeer]
	delete(link.remote.links, link.remotePeer)
	link.remote.mu.Unlock()

	if !present {
		return nil
	}
	return link.remote.push(Event{Kind: EventDropped, Peer: link.remotePeer, Addr: m.name})
}

// LocalAddr returns the first listening address, or the transport name.
func (m *MemoryTransport) LocalAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.listen) == 0 {
		return m.name
	}
	return m.listen[0]
}

// Close drops every link and unregisters the listening addresses.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]PeerID, 0, len(m.links))
	for p := range m.links {
		peers = append(peers, p)
	}
	listen := m.listen
	m.mu.Unlock()

	for _, p := range peers {
		_ = m.Drop(p)
	}

	m.network.mu.Lock()
	for _, addr := range listen {
		if m.network.listeners[addr] == m {
			delete(m.network.listeners, addr)
		}
	}
	m.network.mu.Unlock()
	return nil
}

func (m *MemoryTransport) register(link *memoryLink) PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPeer++
	m.links[m.nextPeer] = link
	return m.nextPeer
}

func (m *MemoryTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MemoryTransport) push(ev Event) error {
	select {
	case m.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}
