// SPDX-License-Identifier: LGPL-3.0-or-later

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripMessage(t *testing.T) {
	p := Packet{
		Kind: KindMessage,
		Message: &Message{
			Username:  "AAAA",
			ChannelID: "c1",
			Content:   "hi",
		},
	}

	buf, err := Encode(p)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, KindMessage, decoded.Kind)
	require.NotNil(t, decoded.Message)
	assert.Equal(t, "AAAA", decoded.Message.Username)
	assert.Equal(t, "hi", decoded.Message.Content)
}

func TestEncodeDecodeRoundTripGossip(t *testing.T) {
	p := Packet{
		Kind: KindGossip,
		Gossip: &Gossip{
			Packet: SignedPacket{
				Signature: []byte{0xDE, 0xAD},
				Data: SignedPacketInternal{
					Source:      "AAAA",
					Destination: "BBBB",
					MessageKind: MessageKeyExchange,
					KeyExchange: &KeyExchange{DHPubKey: []byte("dh-key")},
				},
			},
		},
	}

	buf, err := Encode(p)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, decoded.Gossip)
	assert.Equal(t, "AAAA", decoded.Gossip.Packet.Data.Source)
	assert.Equal(t, []byte("dh-key"), decoded.Gossip.Packet.Data.KeyExchange.DHPubKey)
}

func TestEncodeDecodeRoundTripSendAvailablePeers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	p := Packet{
		Kind: KindSendAvailablePeers,
		SendAvailablePeers: &SendAvailablePeers{
			Peers: []AvailablePeer{
				{Fingerprint: "CCCC", Addr: "127.0.0.1:4000"},
			},
			TimeSent: now,
		},
	}

	buf, err := Encode(p)
	require.NoError(t, err)
	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, decoded.SendAvailablePeers.Peers, 1)
	assert.Equal(t, "CCCC", decoded.SendAvailablePeers.Peers[0].Fingerprint)
	assert.True(t, now.Equal(decoded.SendAvailablePeers.TimeSent))
}

func TestDecodeGarbageFails(t *testing.T) {
	_, err := Decode([]byte("not a valid gzip stream"))
	assert.ErrorIs(t, err, ErrDecode)
}
