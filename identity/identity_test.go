// SPDX-License-Identifier: LGPL-3.0-or-later

package identity

import (
	"bytes"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	entity, err := openpgp.NewEntity("test node", "sage-net test identity", "", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(w, nil))
	require.NoError(t, w.Close())

	id, err := Load(&buf, nil)
	require.NoError(t, err)
	return id
}

func TestSignVerifyRoundTrip(t *testing.T) {
	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	msg := []byte("hello from alice")
	sig, err := alice.Sign(msg)
	require.NoError(t, err)

	armored, err := alice.ArmoredPublicKey()
	require.NoError(t, err)
	alicePub, err := ParseArmoredPublicKey(armored)
	require.NoError(t, err)

	require.NoError(t, Verify(alicePub, msg, sig))

	bobArmored, err := bob.ArmoredPublicKey()
	require.NoError(t, err)
	bobPub, err := ParseArmoredPublicKey(bobArmored)
	require.NoError(t, err)

	require.Error(t, Verify(bobPub, msg, sig))
}

func TestFingerprintStable(t *testing.T) {
	id := newTestIdentity(t)
	fp1 := id.Fingerprint()
	fp2 := id.Fingerprint()
	require.Equal(t, fp1, fp2)
	require.NotEmpty(t, fp1)
}
