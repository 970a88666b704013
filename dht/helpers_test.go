package dht

import (
	"bytes"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/transport"
)

// fakeSigner lets tests pick small identifiers that are not Ed25519 keys.
type fakeSigner struct {
	id ID
}

func (s fakeSigner) ID() [32]byte {
	return s.id
}

func (s fakeSigner) Sign(message []byte) ([]byte, error) {
	return fakeSignature(s.id, message), nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(id [32]byte, message, signature []byte) bool {
	return bytes.Equal(fakeSignature(id, message), signature)
}

func fakeSignature(id ID, message []byte) []byte {
	return crypto.Digest("test-signature", id[:], message)
}

type sentMessage struct {
	peer transport.PeerID
	msg  Message
}

// mockTransport records everything the handler asks of it.
type mockTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	info     map[transport.PeerID]string
	connects []string
	listens  []string
	drops    []transport.PeerID
	events   chan transport.Event
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		info:   make(map[transport.PeerID]string),
		events: make(chan transport.Event, 16),
	}
}

func (m *mockTransport) Send(peer transport.PeerID, packet *transport.Packet) error {
	msg, err := Decode(packet)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{peer: peer, msg: msg})
	return nil
}

func (m *mockTransport) Info(peer transport.PeerID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.info[peer]
	return addr, ok
}

func (m *mockTransport) Connect(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects = append(m.connects, addr)
	return nil
}

func (m *mockTransport) Listen(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listens = append(m.listens, addr)
	return nil
}

func (m *mockTransport) Drop(peer transport.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops = append(m.drops, peer)
	return nil
}

func (m *mockTransport) Events() <-chan transport.Event { return m.events }
func (m *mockTransport) LocalAddr() string { return "mock" }
func (m *mockTransport) Close() error { return nil }

// takeSent returns and forgets the recorded messages.
func (m *mockTransport) takeSent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}

// recordingTransport forwards to a real transport and remembers what was sent.
type recordingTransport struct {
	transport.Transport
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingTransport) Send(peer transport.PeerID, packet *transport.Packet) error {
	if msg, err := Decode(packet); err == nil {
		r.mu.Lock()
		r.sent = append(r.sent, sentMessage{peer: peer, msg: msg})
		r.mu.Unlock()
	}
	return r.Transport.Send(peer, packet)
}

func (r *recordingTransport) takeSent() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

type testNode struct {
	h  *Handler
	tr *recordingTransport
}

func newTestNode(t *testing.T, network *transport.Network, clk clock.Clock, id uint64, name string, bootstrap ...string) *testNode {
	t.Helper()
	tr := &recordingTransport{Transport: network.NewTransport(name)}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	h, err := NewHandler(HandlerConfig{
		Signer:     fakeSigner{id: IDFromUint64(id)},
		Verifier:   fakeVerifier{},
		Transport:  tr,
		Clock:      clk,
		ListenAddr: name,
		Bootstrap:  bootstrap,
		Metrics:    metrics,
	})
	require.NoError(t, err)
	return &testNode{h: h, tr: tr}
}

// pump delivers queued transport events until every node is idle.
func pump(t *testing.T, nodes ...*testNode) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		progressed := false
		for _, n := range nodes {
			select {
			case ev := <-n.tr.Events():
				n.h.HandleEvent(ev)
				progressed = true
			default:
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("network did not settle")
}

// messagesOfType filters sent messages by packet type.
func messagesOfType(sent []sentMessage, pt transport.PacketType) []sentMessage {
	var out []sentMessage
	for _, s := range sent {
		if s.msg.Type() == pt {
			out = append(out, s)
		}
	}
	return out
}
