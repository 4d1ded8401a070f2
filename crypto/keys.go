// Package crypto provides the cryptographic primitives the proxy mediator
// treats as an external collaborator: Ed25519 keypairs, did:key and JWS
// attachment signing, and a packer for JWE-style authcrypt/anoncrypt
// envelopes. It is deliberately the only place in the module that imports
// golang.org/x/crypto.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// KeyPair is an Ed25519 signing keypair.
type KeyPair struct {
	Verkey ed25519.PublicKey
	Sigkey ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{Verkey: pub, Sigkey: priv}, nil
}

// VerkeyB58 returns the base58btc encoding of a verification key, the
// identifier form used throughout connection records and invitations.
func VerkeyB58(verkey ed25519.PublicKey) string {
	return base58.Encode(verkey)
}

// DecodeVerkeyB58 decodes a base58btc verification key.
func DecodeVerkeyB58(b58 string) (ed25519.PublicKey, error) {
	raw := base58.Decode(b58)
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decoded verkey has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// SovrinDID derives the sovrin-style identifier of a verkey: the base58
// encoding of the key's first 16 bytes.
func SovrinDID(verkey ed25519.PublicKey) string {
	if len(verkey) < 16 {
		return base58.Encode(verkey)
	}
	return base58.Encode(verkey[:16])
}

// EncodeB58 and DecodeB58 are the generic base58btc codec used for
// storing raw key material (e.g. an Ed25519 seed) that isn't itself a
// verification key.
func EncodeB58(raw []byte) string { return base58.Encode(raw) }

func DecodeB58(s string) []byte { return base58.Decode(s) }
