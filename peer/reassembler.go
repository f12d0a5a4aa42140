// SPDX-License-Identifier: LGPL-3.0-or-later

package peer

import (
	"sync"

	"github.com/sage-x-project/sage-net/protocol"
	"github.com/sage-x-project/sage-net/wire"
)

// reassembler buffers SocketPacket chunks per ProtocolPacket number and
// decodes them once a contiguous run from chunk 0 is available.
//
// The reference implementation decoded on every chunk arrival against a
// single queue shared by all in-flight packets, using a constant packet
// number of 0; concurrent messages from the same peer would interleave
// their chunks and corrupt each other. Grouping by packet number and only
// clearing the bucket that actually decoded fixes both problems.
type reassembler struct {
	mu      sync.Mutex
	packets map[uint32]map[uint32][]byte
}

func newReassembler() *reassembler {
	return &reassembler{packets: make(map[uint32]map[uint32][]byte)}
}

// add buffers one chunk and, if its packet number's chunks now form a
// complete contiguous run that decodes successfully, returns the decoded
// packet and clears that packet number's buffer.
func (r *reassembler) add(p wire.SocketPacket) (protocol.Packet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.packets[p.PacketNumber]
	if !ok {
		bucket = make(map[uint32][]byte)
		r.packets[p.PacketNumber] = bucket
	}
	bucket[p.ChunkNumber] = p.Data

	var buf []byte
	for n := uint32(0); ; n++ {
		chunk, ok := bucket[n]
		if !ok {
			break
		}
		buf = append(buf, chunk...)
	}
	if len(buf) == 0 {
		return protocol.Packet{}, false
	}

	decoded, err := protocol.Decode(buf)
	if err != nil {
		// Either genuinely corrupt, or simply incomplete; either way keep
		// waiting for more chunks rather than guessing which.
		return protocol.Packet{}, false
	}

	delete(r.packets, p.PacketNumber)
	return decoded, true
}
