// SPDX-License-Identifier: LGPL-3.0-or-later

package stun

import (
	"net/netip"
	"testing"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bindingSuccessFixture builds a canned STUN Binding Success Response
// carrying a fixed XOR-MAPPED-ADDRESS, standing in for a captured wire
// datagram.
func bindingSuccessFixture(t *testing.T, ip string, port int) []byte {
	t.Helper()

	xorAddr := stun.XORMappedAddress{
		IP:   netip.MustParseAddr(ip).AsSlice(),
		Port: port,
	}
	msg, err := stun.Build(stun.TransactionID, stun.BindingSuccess, xorAddr)
	require.NoError(t, err)
	return msg.Raw
}

func TestParseBindingResponseExtractsAddress(t *testing.T) {
	raw := bindingSuccessFixture(t, "203.0.113.42", 41234)

	addrPort, err := ParseBindingResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.42", addrPort.Addr().String())
	assert.Equal(t, uint16(41234), addrPort.Port())
}

func TestParseBindingResponseRejectsGarbage(t *testing.T) {
	_, err := ParseBindingResponse([]byte("not a stun message"))
	require.ErrorIs(t, err, ErrStun)
}

func TestParseBindingResponseRejectsMissingAddress(t *testing.T) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingSuccess)
	require.NoError(t, err)

	_, err = ParseBindingResponse(msg.Raw)
	require.ErrorIs(t, err, ErrStun)
}
