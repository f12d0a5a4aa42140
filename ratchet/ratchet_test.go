// SPDX-License-Identifier: LGPL-3.0-or-later

package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T) (alice, bob *Ratchet) {
	t.Helper()

	alice, kex1, err := NewInitiator()
	require.NoError(t, err)
	bob = NewResponder()

	reply, err := bob.HandleKex(kex1)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, StateAlmostInitialized, bob.State())

	none, err := alice.HandleKex(*reply)
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Equal(t, StateInitialized, alice.State())

	return alice, bob
}

func TestHandshakeThenRoundTrip(t *testing.T) {
	alice, bob := handshake(t)

	wire, err := alice.Encrypt([]byte("hello bob"))
	require.NoError(t, err)

	plaintext, err := bob.Decrypt(wire)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(plaintext))
	assert.Equal(t, StateInitialized, bob.State())
}

func TestBidirectionalRoundTrip(t *testing.T) {
	alice, bob := handshake(t)

	wire1, err := alice.Encrypt([]byte("ping"))
	require.NoError(t, err)
	got, err := bob.Decrypt(wire1)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	wire2, err := bob.Encrypt([]byte("pong"))
	require.NoError(t, err)
	got, err = alice.Decrypt(wire2)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))

	wire3, err := alice.Encrypt([]byte("ping again"))
	require.NoError(t, err)
	got, err = bob.Decrypt(wire3)
	require.NoError(t, err)
	assert.Equal(t, "ping again", string(got))
}

func TestChainAdvancesWithoutDHRotation(t *testing.T) {
	alice, bob := handshake(t)

	wire1, err := alice.Encrypt([]byte("one"))
	require.NoError(t, err)
	wire2, err := alice.Encrypt([]byte("two"))
	require.NoError(t, err)

	got1, err := bob.Decrypt(wire1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got1))

	got2, err := bob.Decrypt(wire2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got2))
}

func TestEncryptBeforeHandshakeFails(t *testing.T) {
	bob := NewResponder()
	_, err := bob.Encrypt([]byte("too early"))
	assert.ErrorIs(t, err, ErrHandshakeIncomplete)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	alice, bob := handshake(t)

	wire, err := alice.Encrypt([]byte("hello bob"))
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0xFF

	_, err = bob.Decrypt(wire)
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestDecryptTruncatedPayloadFails(t *testing.T) {
	alice, bob := handshake(t)

	wire, err := alice.Encrypt([]byte("hello bob"))
	require.NoError(t, err)

	_, err = bob.Decrypt(wire[:4])
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestResponderRejectsDRKeyOnFirstMessage(t *testing.T) {
	_, kex1, err := NewInitiator()
	require.NoError(t, err)
	kex1.DRPubKey = []byte("unexpected")

	bob := NewResponder()
	_, err = bob.HandleKex(kex1)
	assert.ErrorIs(t, err, ErrHandshakeIncomplete)
}
