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

package main

import (
	"fmt"
	"net"
	"net/netip"
)

// parseAddrPort resolves a host:port string (hostname or literal) to a
// netip.AddrPort, since config-supplied peer addresses may be DNS names.
func parseAddrPort(hostport string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return ap, nil
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q: %w", hostport, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses found for %q", host)
	}

	addr, ok := netip.AddrFromSlice(ips[0].To4())
	if !ok {
		addr, ok = netip.AddrFromSlice(ips[0].To16())
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("unparsable resolved address for %q", host)
		}
	}

	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q: %w", port, err)
	}

	return netip.AddrPortFrom(addr, uint16(p)), nil
}
