// SPDX-License-Identifier: LGPL-3.0-or-later

package peer

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage-net/gossip"
	"github.com/sage-x-project/sage-net/identity"
	"github.com/sage-x-project/sage-net/protocol"
	"github.com/sage-x-project/sage-net/ratchet"
	"github.com/sage-x-project/sage-net/wire"
)

// peerPubKeySnapshot exposes whether p has learned its neighbour's public
// key yet, without the test reaching past the package boundary.
func (p *Peer) peerPubKeySnapshot() (*identity.Entity, bool) {
	p.peerFingerprintMu.RLock()
	defer p.peerFingerprintMu.RUnlock()
	return p.peerPubKey, p.peerPubKey != nil
}

func testIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "peer test identity", "", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(w, nil))
	require.NoError(t, w.Close())

	id, err := identity.Load(&buf, nil)
	require.NoError(t, err)
	return id
}

// wireNets glues two peers' raw network channels together, standing in
// for the socket's shared UDP multiplexer in tests.
func wireNets(ctx context.Context, aOut chan wire.SocketPacket, aIn chan wire.SocketPacket, bOut chan wire.SocketPacket, bIn chan wire.SocketPacket) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-aOut:
				if !ok {
					return
				}
				select {
				case bIn <- packet:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-bOut:
				if !ok {
					return
				}
				select {
				case aIn <- packet:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// testHarness bundles two connected, started peers plus the channels
// needed to observe end-to-end behaviour.
type testHarness struct {
	alice, bob               *Peer
	aliceFP, bobFP           string
	aliceInbound, bobInbound chan protocol.Packet
	gossipOut                chan gossip.Job
	cancel                   context.CancelFunc
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	aliceInbound := make(chan protocol.Packet, channelSize)
	bobInbound := make(chan protocol.Packet, channelSize)
	gossipOut := make(chan gossip.Job, channelSize)

	aliceNet := make(chan wire.SocketPacket, channelSize)
	bobNet := make(chan wire.SocketPacket, channelSize)

	addr := netip.MustParseAddrPort("127.0.0.1:4000")
	aliceID := testIdentity(t, "alice")
	bobID := testIdentity(t, "bob")
	alice := New(addr, true, Deps{
		Fingerprint: aliceID.Fingerprint(),
		Identity:    aliceID,
		NetOutbound: aliceNet,
		AppInbound:  aliceInbound,
		GossipOut:   gossipOut,
	})
	bob := New(addr, false, Deps{
		Fingerprint: bobID.Fingerprint(),
		Identity:    bobID,
		NetOutbound: bobNet,
		AppInbound:  bobInbound,
		GossipOut:   gossipOut,
	})

	wireNets(ctx, aliceNet, bob.NetInbound, bobNet, alice.NetInbound)
	alice.Start(ctx)
	bob.Start(ctx)

	return &testHarness{
		alice: alice, bob: bob,
		aliceFP: aliceID.Fingerprint(), bobFP: bobID.Fingerprint(),
		aliceInbound: aliceInbound, bobInbound: bobInbound,
		gossipOut: gossipOut,
		cancel:    cancel,
	}
}

func waitForState(t *testing.T, p *Peer, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, want, p.State())
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	h := newHarness(t)
	defer h.cancel()

	waitForState(t, h.alice, StateEstablished)
	waitForState(t, h.bob, StateEstablished)
}

func TestPubkeyExchangeAfterEstablished(t *testing.T) {
	h := newHarness(t)
	defer h.cancel()

	waitForState(t, h.alice, StateEstablished)
	waitForState(t, h.bob, StateEstablished)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, aliceHas := h.alice.peerPubKeySnapshot()
		_, bobHas := h.bob.peerPubKeySnapshot()
		if aliceHas && bobHas {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("peer public keys were never exchanged")
}

func TestSendPacketDeliversAcrossPeers(t *testing.T) {
	h := newHarness(t)
	defer h.cancel()
	waitForState(t, h.alice, StateEstablished)
	waitForState(t, h.bob, StateEstablished)

	// Wait for alice's own handshake key so it cannot land after the
	// packet under test.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fp, ok := h.bob.PeerFingerprint(); ok && fp == h.aliceFP {
			break
		}
		time.Sleep(time.Millisecond)
	}

	carol := testIdentity(t, "carol")
	carolKey, err := carol.ArmoredPublicKey()
	require.NoError(t, err)
	packet := protocol.Packet{
		Kind:            protocol.KindPeerPubExchange,
		PeerPubExchange: &protocol.PeerPubExchange{PubKey: carolKey},
	}
	ctx := context.Background()
	require.NoError(t, h.alice.SendPacket(ctx, packet))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fp, ok := h.bob.PeerFingerprint(); ok && fp == carol.Fingerprint() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("resent PeerPubExchange packet never arrived")
}

func TestReassemblerGroupsByPacketNumber(t *testing.T) {
	r := newReassembler()

	msg1 := protocol.Packet{Kind: protocol.KindMessage, Message: &protocol.Message{Username: "a", Content: "one"}}
	msg2 := protocol.Packet{Kind: protocol.KindMessage, Message: &protocol.Message{Username: "b", Content: "two"}}
	buf1, err := protocol.Encode(msg1)
	require.NoError(t, err)
	buf2, err := protocol.Encode(msg2)
	require.NoError(t, err)

	mid := len(buf1) / 2
	_, ready := r.add(wire.New(wire.KindData, 0, 0, buf1[:mid]))
	require.False(t, ready)

	_, ready = r.add(wire.New(wire.KindData, 1, 0, buf2[:len(buf2)/2]))
	require.False(t, ready)

	_, ready = r.add(wire.New(wire.KindData, 1, 1, buf2[len(buf2)/2:]))
	require.True(t, ready)

	decoded, ready := r.add(wire.New(wire.KindData, 0, 1, buf1[mid:]))
	require.True(t, ready)
	require.Equal(t, "one", decoded.Message.Content)
}

func TestHandleKeyExchangeBootstrapsRatchetOnBothSides(t *testing.T) {
	h := newHarness(t)
	defer h.cancel()
	waitForState(t, h.alice, StateEstablished)
	waitForState(t, h.bob, StateEstablished)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, aliceHas := h.alice.peerPubKeySnapshot()
		_, bobHas := h.bob.peerPubKeySnapshot()
		if aliceHas && bobHas {
			break
		}
		time.Sleep(time.Millisecond)
	}

	ctx := context.Background()
	r, kex, err := ratchet.NewInitiator()
	require.NoError(t, err)
	h.alice.SetRatchet(h.bobFP, r)

	require.NoError(t, h.alice.SendGossipSingle(ctx, gossip.Message{
		Kind:        protocol.MessageKeyExchange,
		KeyExchange: &kex,
	}, h.bobFP))

	readyDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(readyDeadline) {
		if bobRatchet, ok := h.bob.Ratchet(h.aliceFP); ok && bobRatchet.Ready() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("bob never completed the responder side of the key exchange")
}
