package dht

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kadnet/transport"
)

func newMockHandler(t *testing.T, listen string) (*Handler, *mockTransport, *clock.Mock) {
	t.Helper()
	mt := newMockTransport()
	clk := clock.NewMock()
	clk.Set(epoch)
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	h, err := NewHandler(HandlerConfig{
		Signer:     fakeSigner{id: IDFromUint64(5)},
		Verifier:   fakeVerifier{},
		Transport:  mt,
		Clock:      clk,
		ListenAddr: listen,
		Metrics:    metrics,
	})
	require.NoError(t, err)
	return h, mt, clk
}

func deliver(t *testing.T, h *Handler, peer transport.PeerID, m Message) {
	t.Helper()
	pkt, err := Encode(m)
	require.NoError(t, err)
	h.HandleEvent(transport.Event{Kind: transport.EventPacket, Peer: peer, Packet: pkt})
}

// joinPeer registers an inbound peer and discards the greeting ping.
func joinPeer(t *testing.T, h *Handler, mt *mockTransport, peer transport.PeerID, addr string) {
	t.Helper()
	mt.info[peer] = addr
	deliver(t, h, peer, &Join{Addr: addr})
	sent := mt.takeSent()
	require.Len(t, sent, 1)
	ping, ok := sent[0].msg.(*Ping)
	require.True(t, ok)
	assert.True(t, ping.Signed())
}

func signedPing(t *testing.T, id uint64, ts time.Time) *Ping {
	t.Helper()
	p := &Ping{ID: IDFromUint64(id), ConnInfo: "node-a", Timestamp: ts}
	require.NoError(t, p.Sign(fakeSigner{id: IDFromUint64(id)}))
	return p
}

func signedPong(t *testing.T, id uint64, ts time.Time) *Pong {
	t.Helper()
	p := &Pong{ID: IDFromUint64(id), Timestamp: ts}
	require.NoError(t, p.Sign(fakeSigner{id: IDFromUint64(id)}))
	return p
}

func dropCount(t *testing.T, h *Handler, reason string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.metrics.dropped.WithLabelValues(reason).Write(&m))
	return m.GetCounter().GetValue()
}

func TestHandlerStalePingDropped(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	joinPeer(t, h, mt, 1, "node-b")

	deliver(t, h, 1, signedPing(t, 9, epoch.Add(-40*time.Second)))
	assert.Empty(t, mt.takeSent(), "no pong for a stale ping")
	assert.Equal(t, 0, h.Peers().ContactCount())
	assert.Equal(t, float64(1), dropCount(t, h, "stale_timestamp"))

	deliver(t, h, 1, signedPing(t, 9, epoch.Add(-10*time.Second)))
	sent := mt.takeSent()
	require.Len(t, sent, 1)
	pong, ok := sent[0].msg.(*Pong)
	require.True(t, ok)
	assert.Equal(t, transport.PeerID(1), sent[0].peer)
	assert.Equal(t, IDFromUint64(5), pong.ID)
	assert.NoError(t, pong.Verify(fakeVerifier{}))

	c, ok := h.Peers().Contact(IDFromUint64(9))
	require.True(t, ok)
	assert.Equal(t, transport.PeerID(1), c.Peer)
	assert.Equal(t, "node-a", h.Peers().ExternalAddress())
}

func TestHandlerOutboundConnectSendsJoin(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")

	h.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: 3, Addr: "node-b", Outbound: true})
	sent := mt.takeSent()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{peer: 3, msg: &Join{Addr: "node-a"}}, sent[0])

	addr, ok := h.Peers().AddressOf(3)
	assert.True(t, ok)
	assert.Equal(t, "node-b", addr)
}

func TestHandlerRequiresJoin(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")

	deliver(t, h, 7, &FindNode{Target: IDFromUint64(9)})
	assert.Empty(t, mt.takeSent())
	assert.Equal(t, float64(1), dropCount(t, h, "unknown_peer"))
}

func TestHandlerBadSignatureEvicts(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	joinPeer(t, h, mt, 1, "node-b")

	forged := signedPing(t, 9, epoch)
	forged.ID = IDFromUint64(10)
	deliver(t, h, 1, forged)
	assert.Empty(t, mt.takeSent())
	assert.Equal(t, float64(1), dropCount(t, h, "bad_signature"))

	h.Tick()
	drops := messagesOfType(mt.takeSent(), transport.PacketDrop)
	require.Len(t, drops, 1)
	assert.Equal(t, transport.PeerID(1), drops[0].peer)
	assert.Equal(t, []transport.PeerID{1}, mt.drops)
	assert.False(t, h.Peers().Known(1))
}

func TestHandlerSelfConnectionEvicts(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	joinPeer(t, h, mt, 1, "node-b")

	deliver(t, h, 1, signedPing(t, 5, epoch))
	assert.Empty(t, mt.takeSent())
	assert.Equal(t, float64(1), dropCount(t, h, "self_connection"))
	assert.Equal(t, 0, h.Peers().ContactCount())
}

func TestHandlerUnsignedPing(t *testing.T) {
	h, mt, clk := newMockHandler(t, "node-a")
	joinPeer(t, h, mt, 1, "node-b")

	unsigned := &Ping{ID: IDFromUint64(9), Timestamp: epoch}
	deliver(t, h, 1, unsigned)
	assert.Empty(t, mt.takeSent(), "unsigned ping from an unverified peer")
	assert.Equal(t, float64(1), dropCount(t, h, "unverified"))

	deliver(t, h, 1, signedPing(t, 9, epoch))
	require.Len(t, messagesOfType(mt.takeSent(), transport.PacketPong), 1)

	clk.Add(time.Second)
	deliver(t, h, 1, &Ping{ID: IDFromUint64(9), Timestamp: clk.Now()})
	require.Len(t, messagesOfType(mt.takeSent(), transport.PacketPong), 1)

	// A verified peer cannot speak for somebody else without a signature.
	deliver(t, h, 1, &Ping{ID: IDFromUint64(10), Timestamp: clk.Now()})
	assert.Empty(t, mt.takeSent())
}

func TestHandlerReplayedPing(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	joinPeer(t, h, mt, 1, "node-b")
	joinPeer(t, h, mt, 2, "node-c")

	ping := signedPing(t, 9, epoch)
	deliver(t, h, 1, ping)
	require.Len(t, mt.takeSent(), 1)

	deliver(t, h, 2, ping)
	assert.Empty(t, mt.takeSent())
	assert.Equal(t, float64(1), dropCount(t, h, "replayed"))
	_, verified := h.Peers().Identity(2)
	assert.False(t, verified)
}

func TestHandlerFindNodeEchoesTarget(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	joinPeer(t, h, mt, 1, "node-b")
	deliver(t, h, 1, signedPing(t, 9, epoch))
	mt.takeSent()

	deliver(t, h, 1, &FindNode{Target: IDFromUint64(12)})
	sent := mt.takeSent()
	require.Len(t, sent, 1)
	assert.Equal(t, &NodeDetails{
		Origin:     IDFromUint64(5),
		Target:     IDFromUint64(12),
		Candidates: []ID{IDFromUint64(9)},
	}, sent[0].msg)
}

func TestHandlerPongStartsDiscovery(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	h.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: 2, Addr: "node-b", Outbound: true})
	mt.takeSent()

	deliver(t, h, 2, signedPong(t, 9, epoch))
	sent := mt.takeSent()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{peer: 2, msg: &FindNode{Target: IDFromUint64(5)}}, sent[0])
	_, ok := h.Peers().Contact(IDFromUint64(9))
	assert.True(t, ok)

	deliver(t, h, 2, &NodeDetails{
		Origin:     IDFromUint64(9),
		Target:     IDFromUint64(5),
		Candidates: []ID{IDFromUint64(12), IDFromUint64(5)},
	})
	sent = mt.takeSent()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{peer: 2, msg: &IntroduceTo{ID: IDFromUint64(12)}}, sent[0])

	c, ok := h.Peers().Contact(IDFromUint64(12))
	require.True(t, ok)
	assert.True(t, c.Stale())

	// Nobody asked for a second answer.
	deliver(t, h, 2, &NodeDetails{Origin: IDFromUint64(9), Target: IDFromUint64(5)})
	assert.Equal(t, float64(1), dropCount(t, h, "unsolicited"))
}

func TestHandlerPongWithoutSignature(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	h.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: 2, Addr: "node-b", Outbound: true})
	mt.takeSent()

	deliver(t, h, 2, &Pong{ID: IDFromUint64(9), Timestamp: epoch})
	assert.Empty(t, mt.takeSent())
	assert.Equal(t, 0, h.Peers().ContactCount())
}

func TestHandlerIntroductionDialsOnTick(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	joinPeer(t, h, mt, 1, "node-b")

	deliver(t, h, 1, &OpenConnectionWith{Addr: "node-c"})
	assert.Empty(t, mt.connects)

	h.Tick()
	assert.Equal(t, []string{"node-a"}, mt.listens)
	assert.Equal(t, []string{"node-c"}, mt.connects)

	// Failed dials are retried until the attempts run out.
	for i := 0; i < DefaultMaxOpenAttempts; i++ {
		h.HandleEvent(transport.Event{Kind: transport.EventOpenError, Addr: "node-c"})
		h.Tick()
	}
	assert.Equal(t, []string{"node-c", "node-c", "node-c"}, mt.connects)
}

func TestHandlerDropMessage(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	joinPeer(t, h, mt, 1, "node-b")
	deliver(t, h, 1, signedPing(t, 9, epoch))
	mt.takeSent()

	deliver(t, h, 1, &Drop{})
	assert.Equal(t, []transport.PeerID{1}, mt.drops)

	h.Tick()
	assert.False(t, h.Peers().Known(1))
	_, ok := h.Peers().Contact(IDFromUint64(9))
	assert.False(t, ok)
	assert.Empty(t, messagesOfType(mt.takeSent(), transport.PacketDrop), "the remote asked, no need to tell it")
}

func TestHandlerDuplicateConnection(t *testing.T) {
	t.Run("keep existing", func(t *testing.T) {
		h, mt, _ := newMockHandler(t, "node-a")
		h.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: 1, Addr: "node-c", Outbound: true})
		mt.takeSent()

		deliver(t, h, 2, &Join{Addr: "node-c"})
		assert.Equal(t, []transport.PeerID{2}, mt.drops)
		assert.True(t, h.Peers().Known(1))
		assert.False(t, h.Peers().Known(2))
		assert.Empty(t, mt.takeSent())
	})

	t.Run("keep new", func(t *testing.T) {
		h, mt, _ := newMockHandler(t, "node-d")
		h.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: 1, Addr: "node-c", Outbound: true})
		mt.takeSent()

		deliver(t, h, 2, &Join{Addr: "node-c"})
		assert.Equal(t, []transport.PeerID{1}, mt.drops)
		assert.False(t, h.Peers().Known(1))
		assert.True(t, h.Peers().Known(2))
		assert.Len(t, messagesOfType(mt.takeSent(), transport.PacketPing), 1)
	})
}

func TestHandlerIdentityChangeEvicts(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	joinPeer(t, h, mt, 1, "node-b")
	deliver(t, h, 1, signedPing(t, 9, epoch))
	require.Len(t, messagesOfType(mt.takeSent(), transport.PacketPong), 1)

	deliver(t, h, 1, signedPing(t, 10, epoch))
	assert.Empty(t, mt.takeSent())
	assert.Equal(t, float64(1), dropCount(t, h, "identity_changed"))
	_, ok := h.Peers().Contact(IDFromUint64(10))
	assert.False(t, ok)

	h.Tick()
	assert.False(t, h.Peers().Known(1))
	assert.Equal(t, 0, h.Peers().ContactCount())
	assert.Equal(t, []transport.PeerID{1}, mt.drops)
}

func TestHandlerDuplicateConnectionReleasesContact(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-d")
	h.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: 1, Addr: "node-c", Outbound: true})
	deliver(t, h, 1, signedPong(t, 9, epoch))
	c, ok := h.Peers().Contact(IDFromUint64(9))
	require.True(t, ok)
	require.Equal(t, transport.PeerID(1), c.Peer)
	mt.takeSent()

	// node-c dialed us as well and its connection wins.
	deliver(t, h, 2, &Join{Addr: "node-c"})
	assert.Equal(t, []transport.PeerID{1}, mt.drops)
	_, ok = h.Peers().Contact(IDFromUint64(9))
	assert.False(t, ok, "contact must not keep the closed connection")

	// The new connection goes away before proving anything.
	h.HandleEvent(transport.Event{Kind: transport.EventDropped, Peer: 1})
	h.HandleEvent(transport.Event{Kind: transport.EventDropped, Peer: 2})
	for i := 0; i < DefaultDropDelayTicks+1; i++ {
		h.Tick()
	}
	assert.False(t, h.Peers().Known(1))
	assert.False(t, h.Peers().Known(2))
	assert.Equal(t, 0, h.Peers().ContactCount())
	_, ok = h.Peers().ActivePeer("node-c")
	assert.False(t, ok)
}

func TestHandlerLookupTimesOut(t *testing.T) {
	h, mt, _ := newMockHandler(t, "node-a")
	for i, addr := range []string{"node-b", "node-c", "node-d"} {
		peer := transport.PeerID(i + 2)
		h.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: peer, Addr: addr, Outbound: true})
		deliver(t, h, peer, signedPong(t, uint64(9+i), epoch))
	}
	require.Equal(t, 3, h.Peers().ContactCount())
	mt.takeSent()

	var finished *Lookup
	h.StartLookup(IDFromUint64(77), func(l *Lookup) { finished = l })
	assert.Len(t, messagesOfType(mt.takeSent(), transport.PacketFindNode), Alpha)

	// Every query is in flight and nobody answers.
	for i := 0; i < DefaultLookupTimeoutTicks-1; i++ {
		h.Tick()
	}
	assert.Nil(t, finished)
	h.Tick()
	require.NotNil(t, finished)
	assert.Equal(t, LookupStalled, finished.State())
	assert.Len(t, finished.Candidates(), 3)
}

func TestHandlerIntroductionScenario(t *testing.T) {
	network := transport.NewNetwork()
	clk := clock.NewMock()
	clk.Set(epoch)

	idA, idB, idC := IDFromUint64(5), IDFromUint64(9), IDFromUint64(12)
	a := newTestNode(t, network, clk, 5, "node-a", "node-b")
	b := newTestNode(t, network, clk, 9, "node-b")
	c := newTestNode(t, network, clk, 12, "node-c", "node-b")

	b.h.Bootstrap()
	a.h.Bootstrap()
	pump(t, a, b, c)

	ab, ok := a.h.Peers().Contact(idB)
	require.True(t, ok)
	assert.True(t, ab.Reachable())
	_, ok = b.h.Peers().Contact(idA)
	require.True(t, ok)
	idx, err := BucketIndex(idA, idB)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)

	c.h.Bootstrap()
	pump(t, a, b, c)
	_, ok = b.h.Peers().Contact(idC)
	require.True(t, ok)
	a.tr.takeSent()
	b.tr.takeSent()
	c.tr.takeSent()

	var result *Lookup
	c.h.StartLookup(idA, func(l *Lookup) { result = l })
	pump(t, a, b, c)

	require.NotNil(t, result)
	assert.Equal(t, LookupFound, result.State())

	cSent := c.tr.takeSent()
	bSent := b.tr.takeSent()

	finds := messagesOfType(cSent, transport.PacketFindNode)
	require.Len(t, finds, 1)
	assert.Equal(t, &FindNode{Target: idA}, finds[0].msg)

	details := messagesOfType(bSent, transport.PacketNodeDetails)
	require.Len(t, details, 1)
	nd := details[0].msg.(*NodeDetails)
	assert.Equal(t, idB, nd.Origin)
	assert.Contains(t, nd.Candidates, idA)

	intros := messagesOfType(cSent, transport.PacketIntroduceTo)
	require.Len(t, intros, 1)
	assert.Equal(t, &IntroduceTo{ID: idA}, intros[0].msg)

	bPeerA, ok := b.h.Peers().ActivePeer("node-a")
	require.True(t, ok)
	bPeerC, ok := b.h.Peers().ActivePeer("node-c")
	require.True(t, ok)
	assert.ElementsMatch(t, []sentMessage{
		{peer: bPeerC, msg: &OpenConnectionWith{Addr: "node-a"}},
		{peer: bPeerA, msg: &OpenConnectionWith{Addr: "node-c"}},
	}, messagesOfType(bSent, transport.PacketOpenConnectionWith))

	// Both ends dial; exactly one connection survives and both learn each other.
	a.h.Tick()
	c.h.Tick()
	pump(t, a, b, c)

	ac, ok := a.h.Peers().Contact(idC)
	require.True(t, ok)
	assert.True(t, ac.Reachable())
	ca, ok := c.h.Peers().Contact(idA)
	require.True(t, ok)
	assert.True(t, ca.Reachable())
	assert.False(t, ca.Stale())
}
