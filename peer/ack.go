// SPDX-License-Identifier: LGPL-3.0-or-later

package peer

import (
	"context"
	"time"

	"github.com/sage-x-project/sage-net/wire"
)

// runAckTimeout waits up to ackTimeout for packet to be acknowledged,
// polling every ackPollInterval and retransmitting if it is still
// outstanding. If the timeout elapses first, the peer is marked dead.
func (p *Peer) runAckTimeout(ctx context.Context, key ackKey, packet wire.SocketPacket) {
	deadline := time.NewTimer(ackTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(ackPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			p.setState(StateDead)
			return
		case <-ticker.C:
			p.pendingAcksMu.Lock()
			_, stillPending := p.pendingAcks[key]
			p.pendingAcksMu.Unlock()
			if !stillPending {
				return
			}
			if err := p.sendNet(ctx, packet); err != nil {
				return
			}
		}
	}
}

// ackReceived clears a pending ACK entry, stopping its retransmission.
func (p *Peer) ackReceived(packetNumber, chunkNumber uint32) {
	p.pendingAcksMu.Lock()
	delete(p.pendingAcks, ackKey{packetNumber: packetNumber, chunkNumber: chunkNumber})
	p.pendingAcksMu.Unlock()
}
