package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/transport"
)

func TestSignedPingSurvivesTheWire(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ping := &Ping{ID: kp.ID(), ConnInfo: "203.0.113.7:4720", Timestamp: epoch.Add(1234 * time.Millisecond)}
	require.NoError(t, ping.Sign(kp))
	assert.True(t, ping.Signed())

	pkt, err := Encode(ping)
	require.NoError(t, err)
	raw, err := pkt.Serialize()
	require.NoError(t, err)
	parsed, err := transport.ParsePacket(raw)
	require.NoError(t, err)

	msg, err := Decode(parsed)
	require.NoError(t, err)
	got, ok := msg.(*Ping)
	require.True(t, ok)
	assert.True(t, got.Timestamp.Equal(ping.Timestamp))
	assert.NoError(t, got.Verify(crypto.Ed25519Verifier{}))

	got.ConnInfo = "198.51.100.1:4720"
	assert.ErrorIs(t, got.Verify(crypto.Ed25519Verifier{}), ErrBadSignature)
}

func TestPongRequiresSignature(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	pong := &Pong{ID: kp.ID(), Timestamp: epoch}
	assert.ErrorIs(t, pong.Verify(crypto.Ed25519Verifier{}), ErrBadSignature)

	require.NoError(t, pong.Sign(kp))
	assert.NoError(t, pong.Verify(crypto.Ed25519Verifier{}))

	// A ping signature does not pass as a pong signature.
	ping := &Ping{ID: kp.ID(), Timestamp: epoch}
	require.NoError(t, ping.Sign(kp))
	pong.Signature = ping.Signature
	assert.ErrorIs(t, pong.Verify(crypto.Ed25519Verifier{}), ErrBadSignature)
}

func TestNodeDetailsEncoding(t *testing.T) {
	nd := &NodeDetails{
		Origin:     IDFromUint64(9),
		Target:     IDFromUint64(5),
		Candidates: []ID{IDFromUint64(5), IDFromUint64(12)},
	}
	pkt, err := Encode(nd)
	require.NoError(t, err)
	assert.Equal(t, transport.PacketNodeDetails, pkt.PacketType)
	assert.Len(t, pkt.Data, 4*IDLength+1)

	msg, err := Decode(pkt)
	require.NoError(t, err)
	assert.Equal(t, nd, msg)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	oversized := &NodeDetails{}
	for i := 0; i < K+1; i++ {
		oversized.Candidates = append(oversized.Candidates, IDFromUint64(uint64(i+1)))
	}
	tooMany, err := Encode(oversized)
	require.NoError(t, err)

	findNode, err := Encode(&FindNode{Target: IDFromUint64(3)})
	require.NoError(t, err)

	tests := map[string]*transport.Packet{
		"truncated id":    {PacketType: transport.PacketFindNode, Data: findNode.Data[:IDLength-1]},
		"trailing bytes":  {PacketType: transport.PacketFindNode, Data: append(findNode.Data, 0)},
		"too many":        tooMany,
		"unknown type":    {PacketType: transport.PacketType(0x7f)},
		"truncated field": {PacketType: transport.PacketJoin, Data: []byte{5, 'a'}},
		"bad varint":      {PacketType: transport.PacketJoin, Data: []byte{0x80}},
	}
	for name, pkt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(pkt)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestEmptyMessages(t *testing.T) {
	pkt, err := Encode(&Drop{})
	require.NoError(t, err)
	assert.Empty(t, pkt.Data)

	msg, err := Decode(pkt)
	require.NoError(t, err)
	assert.IsType(t, &Drop{}, msg)
}

func TestCheckTimestamp(t *testing.T) {
	skew := 30 * time.Second

	assert.NoError(t, checkTimestamp(epoch, epoch, skew))
	assert.NoError(t, checkTimestamp(epoch, epoch.Add(-29*time.Second), skew))
	assert.NoError(t, checkTimestamp(epoch, epoch.Add(29*time.Second), skew))
	assert.ErrorIs(t, checkTimestamp(epoch, epoch.Add(-40*time.Second), skew), ErrStaleTimestamp)
	assert.ErrorIs(t, checkTimestamp(epoch, epoch.Add(40*time.Second), skew), ErrStaleTimestamp)
}
