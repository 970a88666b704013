package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, tr *MemoryTransport) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	default:
		t.Fatal("expected a queued event")
		return Event{}
	}
}

func TestMemoryTransportConnectSendDrop(t *testing.T) {
	network := NewNetwork()
	a := network.NewTransport("a")
	b := network.NewTransport("b")
	require.NoError(t, b.Listen("b"))

	require.NoError(t, a.Connect("b"))

	inbound := nextEvent(t, b)
	assert.Equal(t, EventConnected, inbound.Kind)
	assert.False(t, inbound.Outbound)
	assert.Equal(t, "a", inbound.Addr)

	outbound := nextEvent(t, a)
	assert.Equal(t, EventConnected, outbound.Kind)
	assert.True(t, outbound.Outbound)
	assert.Equal(t, "b", outbound.Addr)

	addr, ok := a.Info(outbound.Peer)
	require.True(t, ok)
	assert.Equal(t, "b", addr)

	require.NoError(t, a.Send(outbound.Peer, &Packet{PacketType: PacketJoin, Data: []byte("x")}))
	received := nextEvent(t, b)
	assert.Equal(t, EventPacket, received.Kind)
	assert.Equal(t, inbound.Peer, received.Peer)
	assert.Equal(t, PacketJoin, received.Packet.PacketType)
	assert.Equal(t, []byte("x"), received.Packet.Data)

	require.NoError(t, a.Drop(outbound.Peer))
	dropped := nextEvent(t, b)
	assert.Equal(t, EventDropped, dropped.Kind)
	assert.Equal(t, inbound.Peer, dropped.Peer)

	err := a.Send(outbound.Peer, &Packet{PacketType: PacketPing, Data: nil})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestMemoryTransportOpenError(t *testing.T) {
	network := NewNetwork()
	a := network.NewTransport("a")

	require.NoError(t, a.Connect("nowhere"))
	ev := nextEvent(t, a)
	assert.Equal(t, EventOpenError, ev.Kind)
	assert.Equal(t, "nowhere", ev.Addr)
	assert.Error(t, ev.Err)
}

func TestMemoryTransportListenConflict(t *testing.T) {
	network := NewNetwork()
	a := network.NewTransport("a")
	b := network.NewTransport("b")

	require.NoError(t, a.Listen("shared"))
	assert.Error(t, b.Listen("shared"))

	require.NoError(t, a.Close())
	assert.NoError(t, b.Listen("shared"))
}
