// SPDX-License-Identifier: LGPL-3.0-or-later

package socket

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/sage-net/identity"
	"github.com/sage-x-project/sage-net/protocol"
)

func testIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "socket test identity", "", nil)
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

func TestBindTwoSocketsAndHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, err := Bind(ctx, "127.0.0.1:0", "alice", testIdentity(t, "alice"))
	require.NoError(t, err)
	defer alice.Close()

	bob, err := Bind(ctx, "127.0.0.1:0", "bob", testIdentity(t, "bob"))
	require.NoError(t, err)
	defer bob.Close()

	aliceAddrPort, err := netip.ParseAddrPort(alice.conn.LocalAddr().String())
	require.NoError(t, err)
	bobAddrPort, err := netip.ParseAddrPort(bob.conn.LocalAddr().String())
	require.NoError(t, err)

	_, err = alice.AddPeer(ctx, bobAddrPort, true)
	require.NoError(t, err)
	_, err = bob.AddPeer(ctx, aliceAddrPort, false)
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		alice.peersMu.RLock()
		aliceState := alice.peers[bobAddrPort].State()
		alice.peersMu.RUnlock()
		bob.peersMu.RLock()
		bobState := bob.peers[aliceAddrPort].State()
		bob.peersMu.RUnlock()
		if aliceState.String() == "established" && bobState.String() == "established" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("peers never reached established state over real UDP sockets")
}

func TestAddPeerRejectsDuplicateAddress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Bind(ctx, "127.0.0.1:0", "alice", testIdentity(t, "alice"))
	require.NoError(t, err)
	defer s.Close()

	addr := netip.MustParseAddrPort("127.0.0.1:9999")
	_, err = s.AddPeer(ctx, addr, true)
	require.NoError(t, err)

	_, err = s.AddPeer(ctx, addr, true)
	require.ErrorIs(t, err, ErrConnectionExists)
}

func TestStartDRRejectsExistingRatchet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Bind(ctx, "127.0.0.1:0", "alice", testIdentity(t, "alice"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StartDR(ctx, "bob"))
	require.ErrorIs(t, s.StartDR(ctx, "bob"), ErrRatchetExists)
}

func TestGossipTargetsExcludesSkipAddress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Bind(ctx, "127.0.0.1:0", "alice", testIdentity(t, "alice"))
	require.NoError(t, err)
	defer s.Close()

	addrA := netip.MustParseAddrPort("127.0.0.1:1111")
	addrB := netip.MustParseAddrPort("127.0.0.1:2222")
	_, err = s.AddPeer(ctx, addrA, true)
	require.NoError(t, err)
	_, err = s.AddPeer(ctx, addrB, true)
	require.NoError(t, err)

	targets := s.GossipTargets(addrA, 5)
	require.Len(t, targets, 1)
}

func TestSendPacketToUnknownPeerFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Bind(ctx, "127.0.0.1:0", "alice", testIdentity(t, "alice"))
	require.NoError(t, err)
	defer s.Close()

	err = s.SendPacket(ctx, netip.MustParseAddrPort("127.0.0.1:3333"), protocol.Packet{Kind: protocol.KindFirst, First: &protocol.First{}})
	require.ErrorIs(t, err, ErrUnknown)
}
