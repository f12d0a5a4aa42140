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

// sage-net-bench is the two-node handshake test harness: it binds a
// socket on src_port, adds a peer at dst_ip:dst_port, and waits for that
// peer connection to reach the Established state.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/sage-x-project/sage-net/identity"
	"github.com/sage-x-project/sage-net/peer"
	"github.com/sage-x-project/sage-net/socket"
)

const establishTimeout = 5 * time.Minute
const pollInterval = 100 * time.Millisecond

func main() {
	if len(os.Args) != 5 {
		fmt.Fprintf(os.Stderr, "usage: %s src_port dst_ip dst_port initiate_bool\n", os.Args[0])
		os.Exit(2)
	}

	srcPort, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid src_port: %v\n", err)
		os.Exit(2)
	}
	dstIP := os.Args[2]
	dstPort, err := strconv.Atoi(os.Args[3])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid dst_port: %v\n", err)
		os.Exit(2)
	}
	initiate, err := strconv.ParseBool(os.Args[4])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid initiate_bool: %v\n", err)
		os.Exit(2)
	}

	if !run(srcPort, dstIP, dstPort, initiate) {
		fmt.Println("[-]")
		os.Exit(1)
	}
	fmt.Println("[+]")
}

func run(srcPort int, dstIP string, dstPort int, initiate bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), establishTimeout)
	defer cancel()

	id, err := ephemeralIdentity(fmt.Sprintf("bench-%d", srcPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate identity: %v\n", err)
		return false
	}

	addr := fmt.Sprintf("0.0.0.0:%d", srcPort)
	sock, err := socket.Bind(ctx, addr, id.Fingerprint(), id, socket.WithAutoAddPeer(true))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind %s: %v\n", addr, err)
		return false
	}
	defer sock.Close()

	dst, err := netip.ParseAddr(dstIP)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid dst_ip: %v\n", err)
		return false
	}
	target := netip.AddrPortFrom(dst, uint16(dstPort))

	p, err := sock.AddPeer(ctx, target, initiate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "add_peer: %v\n", err)
		return false
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if p.State() == peer.StateEstablished {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// ephemeralIdentity generates a throwaway OpenPGP identity for a single
// bench run: this harness exercises the handshake, not key persistence.
func ephemeralIdentity(name string) (*identity.Identity, error) {
	entity, err := openpgp.NewEntity(name, "sage-net-bench identity", "", nil)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return identity.Load(&buf, nil)
}
