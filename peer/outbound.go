// SPDX-License-Identifier: LGPL-3.0-or-later

package peer

import (
	"context"
	"fmt"
	"time"

	appmetrics "github.com/sage-x-project/sage-net/internal/metrics"
	"github.com/sage-x-project/sage-net/protocol"
	"github.com/sage-x-project/sage-net/wire"
)

// runSender drives outbound traffic: while unestablished it resends SYN
// every synRetryInterval regardless of which side initiated (only the
// receiving side acknowledges); once established it drains AppOutbound,
// encodes each ProtocolPacket, splits it into chunks, and hands each chunk
// to the ack-timeout worker for tracked, retried delivery.
func (p *Peer) runSender(ctx context.Context) {
	ticker := time.NewTicker(synRetryInterval)
	defer ticker.Stop()

	for {
		if p.State() == StateDead {
			return
		}

		if p.State() == StateInit || p.State() == StateConnect {
			syn := wire.New(wire.KindSyn, p.synsSent, 0, nil)
			p.synsSent++
			if err := p.sendNet(ctx, syn); err != nil {
				return
			}
		}

		if p.State() != StateEstablished {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case packet, ok := <-p.AppOutbound:
			if !ok {
				return
			}
			if err := p.sendEstablished(ctx, packet); err != nil {
				continue
			}
		}
	}
}

// sendEstablished encodes and chunks one ProtocolPacket, assigning it a
// fresh packet number shared by every chunk.
func (p *Peer) sendEstablished(ctx context.Context, packet protocol.Packet) error {
	buf, err := protocol.Encode(packet)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodeFail, err)
	}
	appmetrics.MessageSize.Observe(float64(len(buf)))

	packetNumber := p.nextPacketNumber()
	if len(buf) == 0 {
		buf = []byte{}
	}

	chunkNumber := uint32(0)
	for offset := 0; offset < len(buf) || (offset == 0 && len(buf) == 0); offset += maxProtocolPacketChunkSize {
		end := offset + maxProtocolPacketChunkSize
		if end > len(buf) {
			end = len(buf)
		}
		chunk := wire.New(wire.KindData, packetNumber, chunkNumber, buf[offset:end])
		if err := p.sendTracked(ctx, chunk); err != nil {
			return err
		}
		chunkNumber++
		if len(buf) == 0 {
			break
		}
	}
	return nil
}

// sendNet writes a socket packet to the network without tracking an ACK.
func (p *Peer) sendNet(ctx context.Context, packet wire.SocketPacket) error {
	select {
	case p.netOutbound <- packet:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNetworkSendFail, ctx.Err())
	}
}

// sendTracked writes a data packet to the network and starts an
// ack-timeout worker that retransmits it until acked or the peer dies.
func (p *Peer) sendTracked(ctx context.Context, packet wire.SocketPacket) error {
	key := ackKey{packetNumber: packet.PacketNumber, chunkNumber: packet.ChunkNumber}
	p.pendingAcksMu.Lock()
	p.pendingAcks[key] = packet
	p.pendingAcksMu.Unlock()

	if err := p.sendNet(ctx, packet); err != nil {
		return err
	}
	go p.runAckTimeout(ctx, key, packet)
	return nil
}
