package host

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

var (
	ErrMissingPrincipal = errors.New("missing principal")
	ErrBadSignature     = errors.New("signature does not match principal")
)

// Authorizer authenticates the principal behind a request.
type Authorizer interface {
	Authorize(ctx context.Context, principal string, payload, signature []byte) error
}

// SignatureAuthorizer accepts a request when the compact secp256k1 signature
// over keccak256(payload) recovers to the principal's address.
type SignatureAuthorizer struct{}

func (SignatureAuthorizer) Authorize(_ context.Context, principal string, payload, signature []byte) error {
	principal = NormalizePrincipal(principal)
	if principal == "" {
		return ErrMissingPrincipal
	}
	pub, _, err := ecdsa.RecoverCompact(signature, Keccak256(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if AddressFromPubKey(pub) != principal {
		return ErrBadSignature
	}
	return nil
}

// TrustAuthorizer takes the principal header at face value. Dev only.
type TrustAuthorizer struct{}

func (TrustAuthorizer) Authorize(_ context.Context, principal string, _, _ []byte) error {
	if NormalizePrincipal(principal) == "" {
		return ErrMissingPrincipal
	}
	return nil
}

func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(data)
	return h.Sum(nil)
}

// AddressFromPubKey returns the last 20 bytes of keccak256 of the uncompressed
// public key without its 0x04 prefix, hex encoded with a 0x prefix.
func AddressFromPubKey(pub *secp256k1.PublicKey) string {
	sum := Keccak256(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(sum[12:])
}

func NormalizePrincipal(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// SignPayload produces the signature SignatureAuthorizer expects.
func SignPayload(key *secp256k1.PrivateKey, payload []byte) []byte {
	return ecdsa.SignCompact(key, Keccak256(payload), false)
}
