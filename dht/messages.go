package dht

import (
	"errors"
	"fmt"
	"time"

	"github.com/multiformats/go-varint"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/transport"
)

// maxAddrLen bounds addresses carried in protocol messages.
const maxAddrLen = 512

var (
	// ErrMalformedMessage is returned for payloads that do not decode.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrStaleTimestamp is returned for ping and pong timestamps outside the
	// accepted clock skew.
	ErrStaleTimestamp = errors.New("timestamp outside accepted skew")
	// ErrBadSignature is returned for signatures that do not verify.
	ErrBadSignature = errors.New("bad signature")
)

// Message is a decoded protocol message.
type Message interface {
	Type() transport.PacketType
	encode(e *encoder)
}

// Join announces the address the sender listens on.
type Join struct {
	Addr string
}

// Ping proves the sender's identifier. ConnInfo is the address at which the
// sender sees the receiver.
type Ping struct {
	ID        ID
	ConnInfo  string
	Timestamp time.Time
	Signature []byte
}

// Pong answers a Ping.
type Pong struct {
	ID        ID
	Timestamp time.Time
	Signature []byte
}

// FindNode asks for contacts near Target.
type FindNode struct {
	Target ID
}

// NodeDetails answers a FindNode with identifiers known to Origin.
type NodeDetails struct {
	Origin     ID
	Target     ID
	Candidates []ID
}

// IntroduceTo asks the receiver to connect the sender with ID.
type IntroduceTo struct {
	ID ID
}

// OpenConnectionWith asks the receiver to dial Addr.
type OpenConnectionWith struct {
	Addr string
}

// Drop announces that the sender is closing the connection.
type Drop struct{}

func (*Join) Type() transport.PacketType { return transport.PacketJoin }
func (*Ping) Type() transport.PacketType { return transport.PacketPing }
func (*Pong) Type() transport.PacketType { return transport.PacketPong }
func (*FindNode) Type() transport.PacketType { return transport.PacketFindNode }
func (*NodeDetails) Type() transport.PacketType { return transport.PacketNodeDetails }
func (*IntroduceTo) Type() transport.PacketType { return transport.PacketIntroduceTo }
func (*OpenConnectionWith) Type() transport.PacketType { return transport.PacketOpenConnectionWith }
func (*Drop) Type() transport.PacketType { return transport.PacketDrop }

func (m *Join) encode(e *encoder) { e.string(m.Addr) }

func (m *Ping) encode(e *encoder) {
	e.id(m.ID)
	e.string(m.ConnInfo)
	e.time(m.Timestamp)
	e.bytes(m.Signature)
}

func (m *Pong) encode(e *encoder) {
	e.id(m.ID)
	e.time(m.Timestamp)
	e.bytes(m.Signature)
}

func (m *FindNode) encode(e *encoder) { e.id(m.Target) }

func (m *NodeDetails) encode(e *encoder) {
	e.id(m.Origin)
	e.id(m.Target)
	e.uvarint(uint64(len(m.Candidates)))
	for _, id := range m.Candidates {
		e.id(id)
	}
}

func (m *IntroduceTo) encode(e *encoder) { e.id(m.ID) }

func (m *OpenConnectionWith) encode(e *encoder) { e.string(m.Addr) }

func (*Drop) encode(*encoder) {}

// Encode serializes m into a packet.
func Encode(m Message) (*transport.Packet, error) {
	var e encoder
	m.encode(&e)
	if 1+len(e.buf) > transport.MaxPacketSize {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), transport.ErrPacketTooLarge)
	}
	return &transport.Packet{PacketType: m.Type(), Data: e.buf}, nil
}

// Decode parses the payload of p.
func Decode(p *transport.Packet) (Message, error) {
	d := decoder{buf: p.Data}

	var m Message
	switch p.PacketType {
	case transport.PacketJoin:
		m = &Join{Addr: d.string()}
	case transport.PacketPing:
		m = &Ping{ID: d.id(), ConnInfo: d.string(), Timestamp: d.time(), Signature: d.bytes()}
	case transport.PacketPong:
		m = &Pong{ID: d.id(), Timestamp: d.time(), Signature: d.bytes()}
	case transport.PacketFindNode:
		m = &FindNode{Target: d.id()}
	case transport.PacketNodeDetails:
		nd := &NodeDetails{Origin: d.id(), Target: d.id()}
		n := d.uvarint()
		if n > K {
			d.fail("too many candidates")
			break
		}
		for i := uint64(0); i < n && d.err == nil; i++ {
			nd.Candidates = append(nd.Candidates, d.id())
		}
		m = nd
	case transport.PacketIntroduceTo:
		m = &IntroduceTo{ID: d.id()}
	case transport.PacketOpenConnectionWith:
		m = &OpenConnectionWith{Addr: d.string()}
	case transport.PacketDrop:
		m = &Drop{}
	default:
		return nil, fmt.Errorf("decode %s: %w", p.PacketType, ErrMalformedMessage)
	}

	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.PacketType, err)
	}
	return m, nil
}

func pingDigest(id ID, connInfo string, ts time.Time) []byte {
	return crypto.Digest("kadnet/ping", id[:], []byte(connInfo), varint.ToUvarint(uint64(ts.UnixMilli())))
}

func pongDigest(id ID, ts time.Time) []byte {
	return crypto.Digest("kadnet/pong", id[:], varint.ToUvarint(uint64(ts.UnixMilli())))
}

// Sign fills in the signature of the ping.
func (m *Ping) Sign(s crypto.Signer) error {
	sig, err := s.Sign(pingDigest(m.ID, m.ConnInfo, m.Timestamp))
	if err != nil {
		return fmt.Errorf("sign ping: %w", err)
	}
	m.Signature = sig
	return nil
}

// Signed reports whether the ping carries a signature.
func (m *Ping) Signed() bool {
	return len(m.Signature) > 0
}

// Verify checks the signature against the claimed identifier.
func (m *Ping) Verify(v crypto.Verifier) error {
	if !v.Verify(m.ID, pingDigest(m.ID, m.ConnInfo, m.Timestamp), m.Signature) {
		return fmt.Errorf("ping from %s: %w", m.ID.TerminalString(), ErrBadSignature)
	}
	return nil
}

// Sign fills in the signature of the pong.
func (m *Pong) Sign(s crypto.Signer) error {
	sig, err := s.Sign(pongDigest(m.ID, m.Timestamp))
	if err != nil {
		return fmt.Errorf("sign pong: %w", err)
	}
	m.Signature = sig
	return nil
}

// Verify checks the signature against the claimed identifier.
func (m *Pong) Verify(v crypto.Verifier) error {
	if len(m.Signature) == 0 || !v.Verify(m.ID, pongDigest(m.ID, m.Timestamp), m.Signature) {
		return fmt.Errorf("pong from %s: %w", m.ID.TerminalString(), ErrBadSignature)
	}
	return nil
}

// checkTimestamp rejects ts when it is further than skew from now.
func checkTimestamp(now, ts time.Time, skew time.Duration) error {
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > skew {
		return fmt.Errorf("%s off by %s: %w", ts.UTC().Format(time.RFC3339), d, ErrStaleTimestamp)
	}
	return nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) id(id ID) {
	e.buf = append(e.buf, id[:]...)
}

func (e *encoder) uvarint(v uint64) {
	e.buf = append(e.buf, varint.ToUvarint(v)...)
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	e.bytes([]byte(s))
}

func (e *encoder) time(t time.Time) {
	e.uvarint(uint64(t.UnixMilli()))
}

// decoder reads fields until the first error; later reads return zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(reason string) {
	if d.err == nil {
		d.err = fmt.Errorf("%s: %w", reason, ErrMalformedMessage)
	}
}

func (d *decoder) id() ID {
	var id ID
	if d.err != nil {
		return id
	}
	if len(d.buf) < IDLength {
		d.fail("truncated identifier")
		return id
	}
	copy(id[:], d.buf[:IDLength])
	d.buf = d.buf[IDLength:]
	return id
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.FromUvarint(d.buf)
	if err != nil {
		d.fail(err.Error())
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.fail("truncated field")
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) string() string {
	b := d.bytes()
	if len(b) > maxAddrLen {
		d.fail("address too long")
		return ""
	}
	return string(b)
}

func (d *decoder) time() time.Time {
	v := d.uvarint()
	if d.err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(v))
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%d trailing bytes: %w", len(d.buf), ErrMalformedMessage)
	}
	return nil
}
