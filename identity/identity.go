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

// Package identity wraps an OpenPGP-compatible long-term key pair. A
// node's fingerprint - the hex-encoded hash of its public key - is its
// stable network identity. The core only consumes an already-generated
// identity; generation and on-disk persistence belong to the desktop
// shell collaborator (out of scope, see spec.md SS1).
package identity

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// ErrNoEntity is returned when an armored key ring contains no usable entity.
var ErrNoEntity = errors.New("identity: armored key ring contained no entity")

// ErrVerificationFailed indicates a detached signature did not verify.
var ErrVerificationFailed = errors.New("identity: signature verification failed")

// Identity is a long-term asymmetric key pair used to sign and verify
// protocol traffic, and whose fingerprint names this node on the network.
type Identity struct {
	entity *openpgp.Entity
}

// Entity is a parsed OpenPGP public key, as returned by
// ParseArmoredPublicKey and consumed by Verify. Aliased so callers outside
// this package never need to import github.com/ProtonMail/go-crypto/openpgp
// directly just to hold a key.
type Entity = openpgp.Entity

// Load reads an ASCII-armored OpenPGP private key, decrypting the signing
// subkey with passphrase if it is encrypted (pass nil if it is not).
func Load(r io.Reader, passphrase []byte) (*Identity, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("identity: read armored key ring: %w", err)
	}
	if len(keyring) == 0 {
		return nil, ErrNoEntity
	}
	entity := keyring[0]

	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		if len(passphrase) == 0 {
			return nil, errors.New("identity: private key is encrypted but no passphrase supplied")
		}
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return nil, fmt.Errorf("identity: decrypt private key: %w", err)
		}
	}

	return &Identity{entity: entity}, nil
}

// Fingerprint returns the stable hex-encoded fingerprint of this identity's
// public key.
func (id *Identity) Fingerprint() string {
	return fmt.Sprintf("%x", id.entity.PrimaryKey.Fingerprint)
}

// ArmoredPublicKey renders this identity's public key in ASCII armor, for
// carrying inside a PeerPubExchange application packet.
func (id *Identity) ArmoredPublicKey() (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("identity: open armor writer: %w", err)
	}
	if err := id.entity.Serialize(w); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("identity: serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("identity: close armor writer: %w", err)
	}
	return buf.String(), nil
}

// Sign produces a detached signature over data using this identity's
// long-term signing key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id.entity.PrivateKey == nil {
		return nil, errors.New("identity: no private key available for signing")
	}
	var buf bytes.Buffer
	if err := openpgp.DetachSign(&buf, id.entity, bytes.NewReader(data), &packet.Config{}); err != nil {
		return nil, fmt.Errorf("identity: detach sign: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify checks a detached signature produced by Sign over data, using
// peer's public key (for example an entity from ParseArmoredPublicKey).
func Verify(peer *openpgp.Entity, data, signature []byte) error {
	keyring := openpgp.EntityList{peer}
	_, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(signature), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return nil
}

// ParseArmoredPublicKey parses a single ASCII-armored public key, as
// received in a PeerPubExchange packet, into a verifiable entity.
func ParseArmoredPublicKey(armored string) (*openpgp.Entity, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("identity: parse armored public key: %w", err)
	}
	if len(keyring) == 0 {
		return nil, ErrNoEntity
	}
	return keyring[0], nil
}

// PublicKey exposes the standard library crypto.PublicKey of the primary
// key, for callers that need interoperability with crypto.Signer consumers.
func (id *Identity) PublicKey() crypto.PublicKey {
	return id.entity.PrimaryKey.PublicKey
}
