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

// Package gossip implements the fan-out overlay that relays key-exchange
// and encrypted application traffic between nodes that are not directly
// connected. A worker pulls Jobs off a channel and dispatches each to a
// small random subset of known peers.
package gossip

import (
	"context"
	"net/netip"

	"github.com/sage-x-project/sage-net/protocol"
)

// FanOut is the number of peers a single job is sent or forwarded to.
const FanOut = 3

// Action identifies what a Job asks the worker to do.
type Action uint8

const (
	// ActionSend fans Message out to FanOut random peers, unencrypted.
	ActionSend Action = iota
	// ActionSendEncrypted fans an already end-to-end encrypted Packet out
	// to FanOut random peers.
	ActionSendEncrypted
	// ActionForward relays a received Packet on to FanOut random peers,
	// excluding the one it arrived from.
	ActionForward
	// ActionSendDirect bypasses fan-out and targets exactly one address.
	ActionSendDirect
)

func (a Action) String() string {
	switch a {
	case ActionSend:
		return "send"
	case ActionSendEncrypted:
		return "send-encrypted"
	case ActionForward:
		return "forward"
	case ActionSendDirect:
		return "send-direct"
	default:
		return "unknown"
	}
}

// Message is the unencrypted gossip payload carried by ActionSend and
// ActionSendDirect jobs: either a key-exchange or (reserved) certificate
// exchange message.
type Message struct {
	Kind        protocol.MessageKind
	KeyExchange *protocol.KeyExchange
	Cert        *protocol.CertExchange
}

// Job describes one unit of gossip work.
type Job struct {
	Action Action

	// Skip excludes this address from fan-out target selection. Zero
	// value means no exclusion.
	Skip netip.AddrPort

	// Packet is populated for ActionForward and ActionSendEncrypted.
	Packet *protocol.Packet

	// Message is populated for ActionSend and ActionSendDirect.
	Message *Message

	// Destination is the recipient fingerprint named inside the signed
	// envelope; unused for ActionForward, which relays the packet as-is.
	Destination string

	// DirectAddr is the single recipient for ActionSendDirect.
	DirectAddr netip.AddrPort
}

// Target is the subset of peer behaviour the gossip worker needs. It is
// satisfied by *peer.Peer without this package importing peer, so peer can
// freely import gossip to submit Jobs.
type Target interface {
	SendGossipSingle(ctx context.Context, msg Message, destination string) error
	SendGossipSingleEncrypted(ctx context.Context, packet protocol.Packet, destination string) error
	SendPacket(ctx context.Context, packet protocol.Packet) error
}

// Registry resolves gossip fan-out targets. The socket package implements
// this over its live peer map.
type Registry interface {
	// GossipTargets returns up to max peers, excluding skip if it is a
	// valid address.
	GossipTargets(skip netip.AddrPort, max int) []Target
	// Lookup resolves a single address, for ActionSendDirect.
	Lookup(addr netip.AddrPort) (Target, bool)
}

// StartWorker launches the background goroutine that drains jobs until ctx
// is cancelled or jobs is closed.
func StartWorker(ctx context.Context, jobs <-chan Job, registry Registry) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-jobs:
				if !ok {
					return
				}
				dispatch(ctx, job, registry)
			}
		}
	}()
}

// dispatch executes a single Job against registry, best-effort: a failed
// send to one target never aborts the others.
func dispatch(ctx context.Context, job Job, registry Registry) {
	if job.Action == ActionSendDirect {
		target, ok := registry.Lookup(job.DirectAddr)
		if !ok || job.Message == nil {
			return
		}
		_ = target.SendGossipSingle(ctx, *job.Message, job.Destination)
		return
	}

	targets := registry.GossipTargets(job.Skip, FanOut)
	if len(targets) == 0 {
		return
	}

	for _, target := range targets {
		switch job.Action {
		case ActionSend:
			if job.Message != nil {
				_ = target.SendGossipSingle(ctx, *job.Message, job.Destination)
			}
		case ActionSendEncrypted:
			if job.Packet != nil {
				_ = target.SendGossipSingleEncrypted(ctx, *job.Packet, job.Destination)
			}
		case ActionForward:
			if job.Packet != nil {
				_ = target.SendPacket(ctx, *job.Packet)
			}
		}
	}
}
