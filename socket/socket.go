// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package socket multiplexes a single UDP connection across many peer
// connections: one outbound worker writes framed packets to the wire, one
// inbound worker demultiplexes incoming datagrams to the right Peer by
// source address, and a gossip worker fans jobs out across the peer map.
package socket

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/sage-x-project/sage-net/gossip"
	"github.com/sage-x-project/sage-net/identity"
	"github.com/sage-x-project/sage-net/internal/logger"
	appmetrics "github.com/sage-x-project/sage-net/internal/metrics"
	"github.com/sage-x-project/sage-net/peer"
	"github.com/sage-x-project/sage-net/protocol"
	"github.com/sage-x-project/sage-net/ratchet"
	"github.com/sage-x-project/sage-net/wire"
)

// Option configures a Socket at Bind time.
type Option func(*Socket)

// WithAutoAddPeer controls whether a datagram from an address with no
// registered Peer silently registers one (as a responder) instead of
// being dropped. Off by default: unsolicited inbound connections must be
// explicitly allowed by the caller per spec.
func WithAutoAddPeer(enabled bool) Option {
	return func(s *Socket) { s.autoAddPeer = enabled }
}

// WithLogger overrides the default package logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Socket) { s.logger = l }
}

// Socket owns one UDP connection shared by every peer this node talks to.
type Socket struct {
	conn        net.PacketConn
	fingerprint string
	identity    *identity.Identity
	ratchets    *ratchet.Registry
	autoAddPeer bool
	logger      logger.Logger

	peersMu sync.RWMutex
	peers   map[netip.AddrPort]*peer.Peer

	appInbound chan protocol.Packet
	gossipJobs chan gossip.Job

	onAvailablePeers peer.AvailablePeerSink
}

// Bind opens a UDP socket at addr and starts its background workers. The
// caller's context governs the lifetime of every worker goroutine.
func Bind(ctx context.Context, addr string, fingerprint string, id *identity.Identity, opts ...Option) (*Socket, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	s := &Socket{
		conn:        conn,
		fingerprint: fingerprint,
		identity:    id,
		ratchets:    ratchet.NewRegistry(),
		logger:      logger.GetDefaultLogger(),
		peers:       make(map[netip.AddrPort]*peer.Peer),
		appInbound:  make(chan protocol.Packet, channelSize),
		gossipJobs:  make(chan gossip.Job, channelSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger.Info("socket bound", logger.String("addr", conn.LocalAddr().String()), logger.String("fingerprint", fingerprint))

	go s.runInbound(ctx)
	gossip.StartWorker(ctx, s.gossipJobs, s)

	return s, nil
}

const channelSize = 32

// Inbound returns the channel of fully dispatched application packets
// received from any peer on this socket.
func (s *Socket) Inbound() <-chan protocol.Packet {
	return s.appInbound
}

// OnAvailablePeers registers a callback invoked whenever a neighbour
// reports peers it knows about.
func (s *Socket) OnAvailablePeers(sink peer.AvailablePeerSink) {
	s.onAvailablePeers = sink
}

// AddPeer registers a new neighbour connection, returning an error if one
// already exists for addr. initiate selects which side sends the first SYN.
func (s *Socket) AddPeer(ctx context.Context, addr netip.AddrPort, initiate bool) (*peer.Peer, error) {
	s.peersMu.Lock()
	if _, exists := s.peers[addr]; exists {
		s.peersMu.Unlock()
		appmetrics.HandshakesFailed.WithLabelValues("duplicate_peer").Inc()
		return nil, ErrConnectionExists
	}

	netOutbound := make(chan wire.SocketPacket, channelSize)
	p := peer.New(addr, initiate, peer.Deps{
		Fingerprint:      s.fingerprint,
		Identity:         s.identity,
		NetOutbound:      netOutbound,
		AppInbound:       s.appInbound,
		GossipOut:        s.gossipJobs,
		OnAvailablePeers: s.onAvailablePeers,
		Ratchets:         s.ratchets,
	})
	s.peers[addr] = p
	s.peersMu.Unlock()

	go s.runPeerOutbound(ctx, addr, netOutbound)
	p.Start(ctx)

	s.logger.Info("peer added", logger.String("addr", addr.String()), logger.Bool("initiate", initiate))
	return p, nil
}

// RemovePeer drops addr's connection from the peer map.
func (s *Socket) RemovePeer(addr netip.AddrPort) {
	s.peersMu.Lock()
	delete(s.peers, addr)
	s.peersMu.Unlock()
}

// SendPacket queues packet for delivery to destination's peer connection.
func (s *Socket) SendPacket(ctx context.Context, destination netip.AddrPort, packet protocol.Packet) error {
	s.peersMu.RLock()
	p, ok := s.peers[destination]
	s.peersMu.RUnlock()
	if !ok {
		return ErrUnknown
	}
	return p.SendPacket(ctx, packet)
}

// StartDR begins a Double-Ratchet key exchange with destination's
// fingerprint, gossiping the initiator's key-exchange message out. It
// fails if a ratchet for destination already exists.
func (s *Socket) StartDR(ctx context.Context, destination string) error {
	if _, exists := s.ratchets.Get(destination); exists {
		return ErrRatchetExists
	}
	r, kex, err := ratchet.NewInitiator()
	if err != nil {
		return fmt.Errorf("socket: generate key exchange: %w", err)
	}
	s.ratchets.Set(destination, r)
	appmetrics.SessionsCreated.WithLabelValues("initiator").Inc()
	appmetrics.SessionsActive.Set(float64(s.ratchets.Len()))

	job := gossip.Job{
		Action: gossip.ActionSend,
		Message: &gossip.Message{
			Kind:        protocol.MessageKeyExchange,
			KeyExchange: &kex,
		},
		Destination: destination,
	}
	select {
	case s.gossipJobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GossipTargets implements gossip.Registry: up to max peers excluding
// skip, chosen in iteration order (Go's map iteration is already
// randomized per-run, which stands in for the reference's explicit
// random sampling).
func (s *Socket) GossipTargets(skip netip.AddrPort, max int) []gossip.Target {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	targets := make([]gossip.Target, 0, max)
	for addr, p := range s.peers {
		if addr == skip {
			continue
		}
		targets = append(targets, p)
		if len(targets) == max {
			break
		}
	}
	return targets
}

// Lookup implements gossip.Registry, finding the peer bound to addr.
func (s *Socket) Lookup(addr netip.AddrPort) (gossip.Target, bool) {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	p, ok := s.peers[addr]
	return p, ok
}

// PeerCount returns the number of peer connections currently registered,
// regardless of their handshake state.
func (s *Socket) PeerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

// EstablishedPeerCount returns the number of peer connections that have
// completed their handshake.
func (s *Socket) EstablishedPeerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	n := 0
	for _, p := range s.peers {
		if p.State() == peer.StateEstablished {
			n++
		}
	}
	return n
}

// RatchetCount returns the number of conversation-partner ratchets this
// node currently holds, shared across every physical peer connection.
func (s *Socket) RatchetCount() int {
	return s.ratchets.Len()
}

// runInbound reads datagrams off the shared UDP connection and routes
// each to the peer registered for its source address, optionally
// registering a new responder peer on the fly.
func (s *Socket) runInbound(ctx context.Context) {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}

		n, rawAddr, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.logger.Warn("socket read failed", logger.Error(err))
			if ctx.Err() != nil {
				return
			}
			continue
		}

		addr, err := addrPortFromNetAddr(rawAddr)
		if err != nil {
			s.logger.Warn("socket: unparsable source address", logger.Error(err))
			continue
		}

		packet, err := wire.Decode(buf[:n])
		if err != nil {
			s.logger.Debug("socket: dropping undecodable datagram", logger.String("addr", addr.String()), logger.Error(err))
			continue
		}

		s.peersMu.RLock()
		p, ok := s.peers[addr]
		s.peersMu.RUnlock()
		if !ok {
			if !s.autoAddPeer {
				s.logger.Debug("socket: dropping datagram from unknown peer", logger.String("addr", addr.String()))
				continue
			}
			var addErr error
			p, addErr = s.AddPeer(ctx, addr, false)
			if addErr != nil {
				continue
			}
		}

		select {
		case p.NetInbound <- packet:
		case <-ctx.Done():
			return
		}
	}
}

// runPeerOutbound drains one peer's framed output and writes it to the
// shared UDP connection.
func (s *Socket) runPeerOutbound(ctx context.Context, addr netip.AddrPort, out <-chan wire.SocketPacket) {
	udpAddr := net.UDPAddrFromAddrPort(addr)
	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-out:
			if !ok {
				return
			}
			bytes := packet.Encode()
			if _, err := s.conn.WriteTo(bytes, udpAddr); err != nil {
				s.logger.Warn("socket: failed to write to network", logger.String("addr", addr.String()), logger.Error(err))
			}
		}
	}
}

// Close releases the underlying UDP connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

func addrPortFromNetAddr(addr net.Addr) (netip.AddrPort, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("socket: unexpected address type %T", addr)
	}
	return udpAddr.AddrPort(), nil
}
