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

package socket

import "errors"

// Error taxonomy for the socket multiplexer.
var (
	ErrUnknown             = errors.New("socket: unknown error")
	ErrConnectionTimeout    = errors.New("socket: connection timed out")
	ErrConnectionExists     = errors.New("socket: already connected")
	ErrConnectionDead       = errors.New("socket: not connected")
	ErrIO                   = errors.New("socket: io error")
	ErrRatchetExists        = errors.New("socket: ratchet already exists for destination")
	ErrNoPeer               = errors.New("socket: no peer available for gossip")
	ErrStun                 = errors.New("socket: stun error")
	ErrSynchronizationFail  = errors.New("socket: time synchronization failure")
	ErrTimestampFail        = errors.New("socket: timestamp conversion failure")
)
