package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiformats/go-varint"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// ErrUnknownPeer is returned when a peer handle has no open connection.
var ErrUnknownPeer = errors.New("unknown peer")

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	eventQueueSize      = 256
)

type tcpConn struct {
	conn    net.Conn
	addr    string
	writeMu sync.Mutex
}

// TCPTransport implements Transport over TCP. Every packet is framed with a
// uvarint length prefix.
type TCPTransport struct {
	mu        sync.RWMutex
	listeners []net.Listener
	conns     map[PeerID]*tcpConn
	closed    bool

	nextPeer atomic.Uint64
	events   chan Event
	group    errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc

	dialTimeout time.Duration
}

// NewTCPTransport creates a TCP transport that is not listening yet.
func NewTCPTransport() *TCPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		conns:       make(map[PeerID]*tcpConn),
		events:      make(chan Event, eventQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		dialTimeout: defaultDialTimeout,
	}
}

// Events returns the channel all events are delivered on.
func (t *TCPTransport) Events() <-chan Event {
	return t.events
}

// Listen binds addr and starts accepting connections on it.
func (t *TCPTransport) Listen(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	t.listeners = append(t.listeners, l)

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  l.Addr().String(),
	}).Info("TCP transport listening")

	t.group.Go(func() error {
		t.acceptConnections(l)
		return nil
	})
	return nil
}

// Connect dials addr in the background.
func (t *TCPTransport) Connect(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	t.group.Go(func() error {
		dialer := net.Dialer{Timeout: t.dialTimeout}
		conn, err := dialer.DialContext(t.ctx, "tcp", addr)
		if err != nil {
			t.emit(Event{Kind: EventOpenError, Addr: addr, Err: err})
			return nil
		}
		t.serve(conn, addr, true)
		return nil
	})
	return nil
}

// Send writes a framed packet to peer.
func (t *TCPTransport) Send(peer PeerID, packet *Packet) error {
	t.mu.RLock()
	c, ok := t.conns[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %d: %w", peer, ErrUnknownPeer)
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	frame := append(varint.ToUvarint(uint64(len(data))), data...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("send to %s: %w", c.addr, err)
	}
	return nil
}

// Info returns the remote address of peer.
func (t *TCPTransport) Info(peer PeerID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[peer]
	if !ok {
		return "", false
	}
	return c.addr, true
}

// Drop closes the connection to peer. The read loop reports EventDropped.
func (t *TCPTransport) Drop(peer PeerID) error {
	t.mu.RLock()
	c, ok := t.conns[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("drop %d: %w", peer, ErrUnknownPeer)
	}
	return c.conn.Close()
}

// LocalAddr returns the address of the first listener, or "" when not listening.
func (t *TCPTransport) LocalAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.listeners) == 0 {
		return ""
	}
	return t.listeners[0].Addr().String()
}

// Close shuts down all listeners and connections and waits for the
// background goroutines to exit.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()

	var err error
	for _, l := range t.listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, c := range t.conns {
		err = multierr.Append(err, c.conn.Close())
	}
	t.mu.Unlock()

	_ = t.group.Wait()
	return err
}

// acceptConnections handles incoming connections until the listener closes.
func (t *TCPTransport) acceptConnections(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if t.ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "acceptConnections",
					"address":  l.Addr().String(),
					"error":    err.Error(),
				}).Warn("Listener stopped")
			}
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.group.Go(func() error {
			t.serve(conn, conn.RemoteAddr().String(), false)
			return nil
		})
		t.mu.Unlock()
	}
}

// serve registers conn, announces it and reads frames until it fails.
func (t *TCPTransport) serve(conn net.Conn, addr string, outbound bool) {
	peer := PeerID(t.nextPeer.Add(1))

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conns[peer] = &tcpConn{conn: conn, addr: addr}
	t.mu.Unlock()

	t.emit(Event{Kind: EventConnected, Peer: peer, Addr: addr, Outbound: outbound})

	err := t.processPacketLoop(conn, peer)

	t.mu.Lock()
	delete(t.conns, peer)
	t.mu.Unlock()
	_ = conn.Close()

	t.emit(Event{Kind: EventDropped, Peer: peer, Addr: addr, Err: err})
}

// processPacketLoop continuously reads and dispatches frames from a connection.
func (t *TCPTransport) processPacketLoop(conn net.Conn, peer PeerID) error {
	r := bufio.NewReader(conn)
	for {
		length, err := varint.ReadUvarint(r)
		if err != nil {
			return err
		}
		if length > MaxPacketSize {
			return ErrPacketTooLarge
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return err
		}

		packet, err := ParsePacket(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processPacketLoop",
				"peer":     peer,
				"error":    err.Error(),
			}).Debug("Discarding malformed frame")
			continue
		}
		t.emit(Event{Kind: EventPacket, Peer: peer, Packet: packet})
	}
}

func (t *TCPTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}
