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

// Package protocol defines ProtocolPacket, the application-level tagged
// union carried inside one or more wire frames, along with the
// SignedPacket/SignedPacketInternal envelope used by the gossip overlay.
package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

// Kind identifies which variant of Packet is populated.
type Kind uint8

const (
	KindMessage Kind = iota
	KindFirst
	KindCrypto
	KindGossip
	KindPeerPubExchange
	KindSendAvailablePeers
)

// Attachment is an opaque named blob carried alongside a message.
type Attachment struct {
	Name string
	Data []byte
}

// Message is a chat-style application payload.
type Message struct {
	Username    string
	ChannelID   string
	Content     string
	Attachments []Attachment
}

// First is an empty marker packet with no semantic payload, used as a
// minimal probe once a ratchet first becomes usable.
type First struct{}

// Crypto carries the Diffie-Hellman and Double-Ratchet public keys
// exchanged directly between two ProtocolPacket peers (not via gossip).
type Crypto struct {
	DHPubKey []byte
	DRPubKey []byte // empty on the initiator's first message
}

// PeerPubExchange carries a direct neighbour's ASCII-armored long-term
// public key.
type PeerPubExchange struct {
	PubKey string
}

// AvailablePeer describes one peer a neighbour is willing to report as
// reachable, for gossip target discovery.
type AvailablePeer struct {
	Fingerprint string
	Addr        string
}

// SendAvailablePeers reports a neighbour's known reachable peers.
type SendAvailablePeers struct {
	Peers    []AvailablePeer
	TimeSent time.Time
}

// MessageKind identifies the variant carried inside a SignedPacketInternal.
type MessageKind uint8

const (
	MessageKeyExchange MessageKind = iota
	MessageEncryptedPacket
	MessageCertExchange
)

// KeyExchange is the Double-Ratchet handshake payload: the X25519
// ephemeral public key, plus the ratchet's own DH public key (absent on
// the initiator's first message).
type KeyExchange struct {
	DHPubKey []byte
	DRPubKey []byte
}

// EncryptedPacket wraps an end-to-end encrypted, serialized ProtocolPacket.
// Content framing: 8-byte big-endian length, header, ciphertext, 12-byte nonce.
type EncryptedPacket struct {
	Content []byte
}

// CertExchange is reserved for future certificate exchange; this version
// of the protocol drops it on receipt.
type CertExchange struct{}

// SignedPacketInternal is the data that gets signed before being wrapped
// in a SignedPacket. SourcePubKey carries Source's ASCII-armored long-term
// public key, self-certifying: Source is defined as the hex fingerprint
// (hash) of that key, so a verifier checks the hash match before trusting
// the attached key to check Signature, rather than needing to already
// know the original sender -- which may be many hops away over gossip.
type SignedPacketInternal struct {
	Source       string
	SourcePubKey string
	Destination  string
	MessageKind  MessageKind
	KeyExchange  *KeyExchange
	Encrypted    *EncryptedPacket
	Cert         *CertExchange
}

// SignedPacket is a signed, routable gossip envelope.
type SignedPacket struct {
	Signature []byte
	Data      SignedPacketInternal
}

// Gossip carries a SignedPacket through the overlay.
type Gossip struct {
	Packet SignedPacket
}

// Packet is the tagged union serialized onto the wire. Exactly one of the
// pointer fields indicated by Kind is populated.
type Packet struct {
	Kind               Kind
	Message            *Message
	First              *First
	Crypto             *Crypto
	Gossip             *Gossip
	PeerPubExchange    *PeerPubExchange
	SendAvailablePeers *SendAvailablePeers
}

// ErrDecode wraps any failure while decoding a Packet, including gzip and
// schema failures.
var ErrDecode = errors.New("protocol: failed to decode packet")

// Encode serializes p with a stable field-tagged schema, then
// gzip-compresses the result before it is handed to the wire framer.
func Encode(p Packet) ([]byte, error) {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(p); err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("protocol: gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("protocol: gzip close: %w", err)
	}
	return compressed.Bytes(), nil
}

// Decode reverses Encode: gunzip then decode the tagged-union schema.
func Decode(buf []byte) (Packet, error) {
	gz, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return Packet{}, fmt.Errorf("%w: gzip: %v", ErrDecode, err)
	}
	defer gz.Close()

	var p Packet
	if err := gob.NewDecoder(gz).Decode(&p); err != nil {
		return Packet{}, fmt.Errorf("%w: schema: %v", ErrDecode, err)
	}
	return p, nil
}
