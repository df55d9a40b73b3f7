package host

import (
	"context"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressFromPubKey(t *testing.T) {
	var one [32]byte
	one[31] = 1
	key := secp256k1.PrivKeyFromBytes(one[:])
	assert.Equal(t, "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf", AddressFromPubKey(key.PubKey()))
}

func TestSignatureAuthorizer(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	principal := AddressFromPubKey(key.PubKey())
	payload := []byte(`{"amount":"100"}`)
	sig := SignPayload(key, payload)

	tests := []struct {
		name      string
		principal string
		payload   []byte
		signature []byte
		err       error
	}{
		{name: "valid", principal: principal, payload: payload, signature: sig},
		{name: "case insensitive principal", principal: strings.ToUpper(principal), payload: payload, signature: sig},
		{name: "tampered payload", principal: principal, payload: []byte(`{"amount":"101"}`), signature: sig, err: ErrBadSignature},
		{name: "someone else", principal: AddressFromPubKey(other.PubKey()), payload: payload, signature: sig, err: ErrBadSignature},
		{name: "garbage signature", principal: principal, payload: payload, signature: []byte{1, 2, 3}, err: ErrBadSignature},
		{name: "no principal", principal: "  ", payload: payload, signature: sig, err: ErrMissingPrincipal},
	}

	auth := SignatureAuthorizer{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.Authorize(context.Background(), tt.principal, tt.payload, tt.signature)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTrustAuthorizer(t *testing.T) {
	auth := TrustAuthorizer{}
	assert.NoError(t, auth.Authorize(context.Background(), "alice", nil, nil))
	assert.ErrorIs(t, auth.Authorize(context.Background(), "", nil, nil), ErrMissingPrincipal)
}
