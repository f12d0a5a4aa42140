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

// Package stun discovers a node's publicly reachable address by sending a
// STUN Binding Request and parsing the XOR-MAPPED-ADDRESS attribute out of
// the response, so a node behind NAT can register a dialable endpoint with
// the lighthouse directory.
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v2"
)

// ErrStun covers any failure to discover a public address: dial failure,
// write/read failure, a response missing XOR-MAPPED-ADDRESS, or a
// malformed STUN message.
var ErrStun = errors.New("stun: discovery failed")

// DefaultTimeout bounds how long DiscoverPublicAddr waits for a response
// before giving up.
const DefaultTimeout = 5 * time.Second

// DiscoverPublicAddr sends a STUN Binding Request to stunServer over UDP
// and returns the publicly visible address and port the server observed,
// parsed from the XOR-MAPPED-ADDRESS attribute of a Binding Success
// Response.
func DiscoverPublicAddr(ctx context.Context, stunServer string) (netip.AddrPort, error) {
	conn, err := net.Dial("udp", stunServer)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: dial %s: %v", ErrStun, stunServer, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(DefaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: set deadline: %v", ErrStun, err)
	}

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: build binding request: %v", ErrStun, err)
	}
	if _, err := conn.Write(request.Raw); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: write binding request: %v", ErrStun, err)
	}

	buf := make([]byte, stun.MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: read response: %v", ErrStun, err)
	}

	return ParseBindingResponse(buf[:n])
}

// ParseBindingResponse decodes raw as a STUN message and extracts its
// XOR-MAPPED-ADDRESS attribute, split out from DiscoverPublicAddr so a
// canned fixture datagram can be tested without a live UDP round trip.
func ParseBindingResponse(raw []byte) (netip.AddrPort, error) {
	message := &stun.Message{Raw: raw}
	if err := message.Decode(); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: decode message: %v", ErrStun, err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(message); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: missing XOR-MAPPED-ADDRESS: %v", ErrStun, err)
	}

	addr, ok := netip.AddrFromSlice(xorAddr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: invalid address in response", ErrStun)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(xorAddr.Port)), nil
}
