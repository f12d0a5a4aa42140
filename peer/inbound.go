// SPDX-License-Identifier: LGPL-3.0-or-later

package peer

import (
	"context"
	"time"

	"github.com/sage-x-project/sage-net/gossip"
	appmetrics "github.com/sage-x-project/sage-net/internal/metrics"
	"github.com/sage-x-project/sage-net/protocol"
	"github.com/sage-x-project/sage-net/ratchet"
	"github.com/sage-x-project/sage-net/wire"
)

// runReceiver drives the connection state machine and, once established,
// reassembles and dispatches application traffic.
func (p *Peer) runReceiver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-p.NetInbound:
			if !ok {
				return
			}
			p.handleInbound(ctx, packet)
		}
	}
}

func (p *Peer) handleInbound(ctx context.Context, packet wire.SocketPacket) {
	switch p.State() {
	case StateInit:
		p.handleInit(ctx, packet)
	case StateConnect:
		p.handleConnect(ctx, packet)
	case StateEstablished:
		p.handleEstablished(ctx, packet)
	case StateDead:
	}
}

// handleInit runs the initiator's side of the handshake: it never
// receives SYN/SYNACK, only the responder's ACK, at which point it sends
// SYNACK and the connection is established.
func (p *Peer) handleInit(ctx context.Context, packet wire.SocketPacket) {
	if packet.Kind != wire.KindAck {
		return
	}
	synAck := wire.Empty(wire.KindSynAck, packet.PacketNumber, 0)
	if err := p.sendNet(ctx, synAck); err != nil {
		return
	}
	p.markEstablished()
	_ = p.SendPubkey(ctx)
}

// handleConnect runs the responder's side: it acks every SYN it sees, and
// moves to established once it sees a SYNACK.
func (p *Peer) handleConnect(ctx context.Context, packet wire.SocketPacket) {
	switch packet.Kind {
	case wire.KindSyn:
		ack := wire.Empty(wire.KindAck, packet.PacketNumber, 0)
		_ = p.sendNet(ctx, ack)
	case wire.KindSynAck:
		p.markEstablished()
		_ = p.SendPubkey(ctx)
	}
}

// handleEstablished processes ACKs and reassembles and dispatches Data
// packets.
func (p *Peer) handleEstablished(ctx context.Context, packet wire.SocketPacket) {
	switch packet.Kind {
	case wire.KindAck:
		p.ackReceived(packet.PacketNumber, packet.ChunkNumber)
	case wire.KindData:
		ack := wire.Empty(wire.KindAck, packet.PacketNumber, packet.ChunkNumber)
		_ = p.sendNet(ctx, ack)

		decoded, ready := p.reasm.add(packet)
		if !ready {
			return
		}
		p.dispatch(ctx, decoded)
	}
}

// kindLabel names a protocol.Kind for the MessagesProcessed metric.
func kindLabel(k protocol.Kind) string {
	switch k {
	case protocol.KindMessage:
		return "message"
	case protocol.KindFirst:
		return "first"
	case protocol.KindCrypto:
		return "crypto"
	case protocol.KindGossip:
		return "gossip"
	case protocol.KindPeerPubExchange:
		return "peer_pub_exchange"
	case protocol.KindSendAvailablePeers:
		return "send_available_peers"
	default:
		return "unknown"
	}
}

// dispatch routes a fully reassembled ProtocolPacket by kind.
func (p *Peer) dispatch(ctx context.Context, packet protocol.Packet) {
	start := time.Now()
	defer func() {
		appmetrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
		appmetrics.MessagesProcessed.WithLabelValues(kindLabel(packet.Kind), "success").Inc()
	}()

	switch packet.Kind {
	case protocol.KindGossip:
		if packet.Gossip == nil {
			return
		}
		p.dispatchGossip(ctx, packet, *packet.Gossip)
	case protocol.KindPeerPubExchange:
		if packet.PeerPubExchange == nil {
			return
		}
		_ = p.AddPeerPubkey(packet.PeerPubExchange.PubKey)
	case protocol.KindSendAvailablePeers:
		if packet.SendAvailablePeers == nil {
			return
		}
		p.ReceivedAvailablePeers(packet.SendAvailablePeers.Peers, packet.SendAvailablePeers.TimeSent)
	}
}

// dispatchGossip routes a received gossip envelope: if it is not
// addressed to us it is forwarded on; otherwise its
// signature is checked against the source identity before either a
// key-exchange or an encrypted payload is acted on (spec.md SS9).
func (p *Peer) dispatchGossip(ctx context.Context, full protocol.Packet, g protocol.Gossip) {
	signed := g.Packet
	if signed.Data.Destination != p.fingerprint {
		p.forward(ctx, full)
		return
	}

	source := signed.Data.Source

	switch signed.Data.MessageKind {
	case protocol.MessageKeyExchange:
		if signed.Data.KeyExchange == nil {
			return
		}
		if err := p.verify(signed); err != nil {
			return
		}
		p.handleKeyExchange(ctx, source, *signed.Data.KeyExchange)
	case protocol.MessageEncryptedPacket:
		if signed.Data.Encrypted == nil {
			return
		}
		if err := p.verify(signed); err != nil {
			return
		}
		p.handleEncrypted(ctx, source, *signed.Data.Encrypted)
	case protocol.MessageCertExchange:
		// Certificate exchange is reserved for a future protocol version;
		// this version drops it on receipt.
	}
}

func (p *Peer) handleKeyExchange(ctx context.Context, source string, kex protocol.KeyExchange) {
	r := p.RatchetOrCreateResponder(source)

	switch r.State() {
	case ratchet.StateResponder:
		reply, err := r.HandleKex(kex)
		if err != nil || reply == nil {
			return
		}
		_ = p.SendGossipSingle(ctx, gossip.Message{
			Kind:        protocol.MessageKeyExchange,
			KeyExchange: reply,
		}, source)
	case ratchet.StateInitiator:
		if _, err := r.HandleKex(kex); err != nil {
			return
		}
		_ = p.SendGossipSingleEncrypted(ctx, protocol.Packet{Kind: protocol.KindFirst, First: &protocol.First{}}, source)
	default:
		// AlmostInitialized and Initialized ratchets never receive a
		// second key-exchange message.
	}
}

func (p *Peer) handleEncrypted(ctx context.Context, source string, enc protocol.EncryptedPacket) {
	r, ok := p.ratchets.Get(source)
	if !ok {
		return
	}

	start := time.Now()
	plaintext, err := r.Decrypt(enc.Content)
	appmetrics.CryptoOperationDuration.WithLabelValues("decrypt", "chacha20poly1305").Observe(time.Since(start).Seconds())
	appmetrics.SessionDuration.WithLabelValues("decrypt").Observe(time.Since(start).Seconds())
	if err != nil {
		appmetrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		appmetrics.NonceValidations.WithLabelValues("invalid").Inc()
		return
	}
	appmetrics.CryptoOperations.WithLabelValues("decrypt", "chacha20poly1305").Inc()
	appmetrics.NonceValidations.WithLabelValues("valid").Inc()
	appmetrics.SessionMessageSize.WithLabelValues("inbound").Observe(float64(len(enc.Content)))
	decoded, err := protocol.Decode(plaintext)
	if err != nil {
		return
	}
	if decoded.Kind == protocol.KindFirst {
		return
	}

	select {
	case p.appInbound <- decoded:
	case <-ctx.Done():
	}
}

// forward submits a gossip job asking the overlay to relay full to other
// peers, excluding the one it arrived from.
func (p *Peer) forward(ctx context.Context, full protocol.Packet) {
	job := gossip.Job{Action: gossip.ActionForward, Skip: p.RemoteAddr, Packet: &full}
	select {
	case p.gossipOut <- job:
	case <-ctx.Done():
	}
}
