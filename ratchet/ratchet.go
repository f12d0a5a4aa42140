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

// Package ratchet implements a Diffie-Hellman Double Ratchet session over
// X25519 (crypto/ecdh), HKDF-SHA256 chain derivation, and
// ChaCha20-Poly1305 message encryption. A Ratchet is created on each side
// of a direct peer connection once the two nodes have exchanged ephemeral
// public keys; afterwards Encrypt/Decrypt transparently rotate keys on
// every Diffie-Hellman step and every message.
package ratchet

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/sage-x-project/sage-net/protocol"
)

const (
	keySize   = 32
	pubSize   = 32 // X25519 public key length
	headerLen = pubSize + 4 + 4

	infoRoot  = "sage-net/ratchet/root"
	infoChain = "sage-net/ratchet/chain"

	// constantAssociatedData is mixed into every AEAD call's associated
	// data alongside the per-message header, binding ciphertext to this
	// protocol version.
	constantAssociatedData = "Associated Data"
)

// ErrHandshakeIncomplete is returned when Encrypt or Decrypt is called
// before the Diffie-Hellman key exchange has produced usable chain keys.
var ErrHandshakeIncomplete = errors.New("ratchet: handshake not complete")

// ErrNoRatchetKey is returned when a step requires a ratchet key pair or
// peer public key that has not yet been established.
var ErrNoRatchetKey = errors.New("ratchet: missing ratchet key")

// ErrBadCiphertext is returned when a wire payload is malformed or fails
// AEAD authentication.
var ErrBadCiphertext = errors.New("ratchet: bad ciphertext")

// State tracks a Ratchet's progress through the handshake.
type State uint8

const (
	// StateInitiator has sent its ephemeral public key and is waiting
	// for the peer's response.
	StateInitiator State = iota
	// StateResponder is waiting for the peer's first ephemeral public key.
	StateResponder
	// StateAlmostInitialized has derived a root key and generated its
	// own ratchet key pair, but has not yet received a message to derive
	// a receiving chain from.
	StateAlmostInitialized
	// StateInitialized can Encrypt and Decrypt.
	StateInitialized
)

func (s State) String() string {
	switch s {
	case StateInitiator:
		return "initiator"
	case StateResponder:
		return "responder"
	case StateAlmostInitialized:
		return "almost-initialized"
	case StateInitialized:
		return "initialized"
	default:
		return "unknown"
	}
}

var curve = ecdh.X25519()

// Ratchet is one side of a Double Ratchet session.
type Ratchet struct {
	mu    sync.Mutex
	state State

	ephPriv *ecdh.PrivateKey // initiator's handshake-only ephemeral key

	dhs *ecdh.PrivateKey // current sending ratchet key pair
	dhr *ecdh.PublicKey  // current peer ratchet public key

	rootKey []byte
	sendCK  []byte
	recvCK  []byte

	sendN        uint32
	recvN        uint32
	prevChainLen uint32
}

// NewInitiator generates an ephemeral X25519 key pair and returns the
// Ratchet alongside the KeyExchange message to send to the peer.
func NewInitiator() (*Ratchet, protocol.KeyExchange, error) {
	eph, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, protocol.KeyExchange{}, fmt.Errorf("ratchet: generate ephemeral key: %w", err)
	}
	r := &Ratchet{state: StateInitiator, ephPriv: eph}
	return r, protocol.KeyExchange{DHPubKey: eph.PublicKey().Bytes()}, nil
}

// NewResponder returns a Ratchet waiting for the initiator's first
// KeyExchange message.
func NewResponder() *Ratchet {
	return &Ratchet{state: StateResponder}
}

// Registry is a concurrency-safe map from conversation-partner fingerprint
// to Ratchet, shared by every physical peer connection a node has open.
// A conversation's key-exchange and subsequent encrypted traffic can be
// relayed through different neighbours over time (gossip forwarding
// picks targets afresh on each send), so the ratchet for a fingerprint
// must outlive any one physical connection rather than belonging to it.
type Registry struct {
	mu       sync.RWMutex
	ratchets map[string]*Ratchet
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ratchets: make(map[string]*Ratchet)}
}

// Get returns the ratchet registered for fingerprint, if any.
func (reg *Registry) Get(fingerprint string) (*Ratchet, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.ratchets[fingerprint]
	return r, ok
}

// Set installs a ratchet for fingerprint, replacing any existing one.
func (reg *Registry) Set(fingerprint string, r *Ratchet) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.ratchets[fingerprint] = r
}

// GetOrCreateResponder returns the existing ratchet for fingerprint, or
// creates, stores, and returns a fresh responder ratchet if none exists.
func (reg *Registry) GetOrCreateResponder(fingerprint string) *Ratchet {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.ratchets[fingerprint]; ok {
		return r
	}
	r := NewResponder()
	reg.ratchets[fingerprint] = r
	return r
}

// Len reports how many conversations currently have a ratchet, for
// diagnostics.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.ratchets)
}

// State returns the Ratchet's current handshake state.
func (r *Ratchet) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ready reports whether Encrypt and Decrypt can both be called.
func (r *Ratchet) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateInitialized
}

// HandleKex advances the handshake with a KeyExchange message received
// from the peer. It returns a reply KeyExchange when one is required
// (the responder's single reply), or nil once no further handshake
// message is needed (the initiator, after processing the reply).
func (r *Ratchet) HandleKex(msg protocol.KeyExchange) (*protocol.KeyExchange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateResponder:
		if len(msg.DRPubKey) != 0 {
			return nil, fmt.Errorf("%w: responder received a ratchet key on the first message", ErrHandshakeIncomplete)
		}
		peerEph, err := curve.NewPublicKey(msg.DHPubKey)
		if err != nil {
			return nil, fmt.Errorf("ratchet: parse peer ephemeral key: %w", err)
		}
		ourEph, err := curve.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ratchet: generate ephemeral key: %w", err)
		}
		shared, err := ourEph.ECDH(peerEph)
		if err != nil {
			return nil, fmt.Errorf("ratchet: ecdh: %w", err)
		}
		root, _, err := kdfRoot(make([]byte, keySize), shared)
		if err != nil {
			return nil, err
		}
		ratchetPriv, err := curve.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ratchet: generate ratchet key: %w", err)
		}

		r.rootKey = root
		r.dhs = ratchetPriv
		r.state = StateAlmostInitialized

		return &protocol.KeyExchange{
			DHPubKey: ourEph.PublicKey().Bytes(),
			DRPubKey: ratchetPriv.PublicKey().Bytes(),
		}, nil

	case StateInitiator:
		if len(msg.DRPubKey) == 0 {
			return nil, fmt.Errorf("%w: initiator expected a ratchet key in the response", ErrHandshakeIncomplete)
		}
		peerEph, err := curve.NewPublicKey(msg.DHPubKey)
		if err != nil {
			return nil, fmt.Errorf("ratchet: parse peer ephemeral key: %w", err)
		}
		shared, err := r.ephPriv.ECDH(peerEph)
		if err != nil {
			return nil, fmt.Errorf("ratchet: ecdh: %w", err)
		}
		root, _, err := kdfRoot(make([]byte, keySize), shared)
		if err != nil {
			return nil, err
		}
		peerRatchet, err := curve.NewPublicKey(msg.DRPubKey)
		if err != nil {
			return nil, fmt.Errorf("ratchet: parse peer ratchet key: %w", err)
		}

		r.rootKey = root
		r.dhr = peerRatchet
		if err := r.dhRatchetStep(); err != nil {
			return nil, err
		}
		r.ephPriv = nil
		r.state = StateInitialized
		return nil, nil

	default:
		return nil, fmt.Errorf("ratchet: unexpected key exchange message in state %s", r.state)
	}
}

// dhRatchetStep generates a fresh sending ratchet key pair and advances
// the root chain against the current peer public key. Called once by the
// initiator immediately after the handshake, mirroring RatchetInitAlice.
func (r *Ratchet) dhRatchetStep() error {
	newPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("ratchet: generate ratchet key: %w", err)
	}
	shared, err := newPriv.ECDH(r.dhr)
	if err != nil {
		return fmt.Errorf("ratchet: ecdh: %w", err)
	}
	root, ck, err := kdfRoot(r.rootKey, shared)
	if err != nil {
		return err
	}
	r.rootKey = root
	r.dhs = newPriv
	r.sendCK = ck
	r.prevChainLen = r.sendN
	r.sendN = 0
	return nil
}

// dhRatchetReceive performs a full Diffie-Hellman ratchet step upon
// observing a new peer ratchet public key in an incoming header: it
// derives the receiving chain against the existing key pair, then rotates
// its own key pair and derives a fresh sending chain.
func (r *Ratchet) dhRatchetReceive(newDhr *ecdh.PublicKey) error {
	if r.dhs == nil {
		return ErrNoRatchetKey
	}
	shared, err := r.dhs.ECDH(newDhr)
	if err != nil {
		return fmt.Errorf("ratchet: ecdh: %w", err)
	}
	root, ck, err := kdfRoot(r.rootKey, shared)
	if err != nil {
		return err
	}
	r.rootKey = root
	r.recvCK = ck
	r.dhr = newDhr
	r.recvN = 0

	newPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("ratchet: generate ratchet key: %w", err)
	}
	shared2, err := newPriv.ECDH(newDhr)
	if err != nil {
		return fmt.Errorf("ratchet: ecdh: %w", err)
	}
	root2, ck2, err := kdfRoot(r.rootKey, shared2)
	if err != nil {
		return err
	}
	r.rootKey = root2
	r.dhs = newPriv
	r.sendCK = ck2
	r.prevChainLen = r.sendN
	r.sendN = 0
	return nil
}

// Encrypt advances the sending chain by one message and returns the
// framed wire payload: 8-byte big-endian length of the ciphertext, the
// header, the ciphertext, then a 12-byte nonce.
func (r *Ratchet) Encrypt(plaintext []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateInitialized || r.sendCK == nil {
		return nil, fmt.Errorf("%w: no sending chain", ErrHandshakeIncomplete)
	}

	ck, msgKey, err := kdfChain(r.sendCK)
	if err != nil {
		return nil, err
	}
	r.sendCK = ck

	h := header{dhPub: r.dhs.PublicKey().Bytes(), pn: r.prevChainLen, n: r.sendN}
	r.sendN++

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("ratchet: generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(msgKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: new aead: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, associatedData(h))

	return encodeWire(h, ciphertext, nonce), nil
}

// Decrypt reverses Encrypt. If the header carries a new peer ratchet
// public key, Decrypt performs a Diffie-Hellman ratchet step first.
func (r *Ratchet) Decrypt(wire []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateInitialized && r.state != StateAlmostInitialized {
		return nil, fmt.Errorf("%w: no ratchet key pair", ErrHandshakeIncomplete)
	}

	h, ciphertext, nonce, err := decodeWire(wire)
	if err != nil {
		return nil, err
	}

	if r.dhr == nil || !bytes.Equal(h.dhPub, r.dhr.Bytes()) {
		peerRatchet, err := curve.NewPublicKey(h.dhPub)
		if err != nil {
			return nil, fmt.Errorf("%w: bad header public key: %v", ErrBadCiphertext, err)
		}
		if err := r.dhRatchetReceive(peerRatchet); err != nil {
			return nil, err
		}
		r.state = StateInitialized
	}

	if r.recvCK == nil {
		return nil, fmt.Errorf("%w: no receiving chain", ErrNoRatchetKey)
	}
	ck, msgKey, err := kdfChain(r.recvCK)
	if err != nil {
		return nil, err
	}
	r.recvCK = ck
	r.recvN++

	aead, err := chacha20poly1305.New(msgKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData(h))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	return plaintext, nil
}

// header is the fixed-size per-message Double Ratchet header: the
// sender's current ratchet public key, the length of its previous
// sending chain, and its position in the current one.
type header struct {
	dhPub []byte
	pn    uint32
	n     uint32
}

func (h header) encode() []byte {
	buf := make([]byte, headerLen)
	copy(buf[:pubSize], h.dhPub)
	binary.BigEndian.PutUint32(buf[pubSize:pubSize+4], h.pn)
	binary.BigEndian.PutUint32(buf[pubSize+4:pubSize+8], h.n)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) != headerLen {
		return header{}, fmt.Errorf("%w: bad header length %d", ErrBadCiphertext, len(buf))
	}
	dhPub := make([]byte, pubSize)
	copy(dhPub, buf[:pubSize])
	return header{
		dhPub: dhPub,
		pn:    binary.BigEndian.Uint32(buf[pubSize : pubSize+4]),
		n:     binary.BigEndian.Uint32(buf[pubSize+4 : pubSize+8]),
	}, nil
}

// associatedData binds the AEAD call to this message's header and to the
// protocol's fixed associated-data constant.
func associatedData(h header) []byte {
	return append(h.encode(), []byte(constantAssociatedData)...)
}

// encodeWire lays out the wire format per spec.md SS4.3/SS6:
// [8-byte big-endian ciphertext length][header][ciphertext][12-byte nonce].
// The length prefix covers the ciphertext only, not the header.
func encodeWire(h header, ciphertext, nonce []byte) []byte {
	out := make([]byte, 8+headerLen+len(ciphertext)+len(nonce))
	binary.BigEndian.PutUint64(out[:8], uint64(len(ciphertext)))
	copy(out[8:], h.encode())
	copy(out[8+headerLen:], ciphertext)
	copy(out[8+headerLen+len(ciphertext):], nonce)
	return out
}

func decodeWire(buf []byte) (header, []byte, []byte, error) {
	if len(buf) < 8+headerLen {
		return header{}, nil, nil, fmt.Errorf("%w: payload shorter than length prefix and header", ErrBadCiphertext)
	}
	size := binary.BigEndian.Uint64(buf[:8])
	rest := buf[8:]

	h, err := decodeHeader(rest[:headerLen])
	if err != nil {
		return header{}, nil, nil, err
	}
	rest = rest[headerLen:]

	if uint64(len(rest)) != size+uint64(chacha20poly1305.NonceSize) {
		return header{}, nil, nil, fmt.Errorf("%w: length mismatch", ErrBadCiphertext)
	}
	ciphertext := rest[:size]
	nonce := rest[size:]
	return h, ciphertext, nonce, nil
}

// kdfRoot mixes the current root key and a Diffie-Hellman output into a
// new root key and a chain key, following the kdfRoot/kdfChain split
// common to compact Double Ratchet implementations.
func kdfRoot(root, dh []byte) (newRoot, chainKey []byte, err error) {
	h := hkdf.New(sha256.New, dh, root, []byte(infoRoot))
	newRoot = make([]byte, keySize)
	if _, err = io.ReadFull(h, newRoot); err != nil {
		return nil, nil, fmt.Errorf("ratchet: derive root key: %w", err)
	}
	chainKey = make([]byte, keySize)
	if _, err = io.ReadFull(h, chainKey); err != nil {
		return nil, nil, fmt.Errorf("ratchet: derive chain key: %w", err)
	}
	return newRoot, chainKey, nil
}

// kdfChain derives the next chain key and a single-use message key from
// the current chain key.
func kdfChain(ck []byte) (nextCK, msgKey []byte, err error) {
	h := hkdf.New(sha256.New, ck, nil, []byte(infoChain))
	nextCK = make([]byte, keySize)
	if _, err = io.ReadFull(h, nextCK); err != nil {
		return nil, nil, fmt.Errorf("ratchet: derive next chain key: %w", err)
	}
	msgKey = make([]byte, keySize)
	if _, err = io.ReadFull(h, msgKey); err != nil {
		return nil, nil, fmt.Errorf("ratchet: derive message key: %w", err)
	}
	return nextCK, msgKey, nil
}
