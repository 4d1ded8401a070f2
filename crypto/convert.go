package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"math/big"
)

var (
	errInvalidKeySize = errors.New("crypto: invalid key size")
	errUnsupportedKey = errors.New("crypto: key is not convertible to x25519")
)

// fieldPrime is 2^255 - 19, the field modulus shared by Ed25519 and
// X25519 (both are models of the same curve group).
var fieldPrime = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

// Ed25519PublicToX25519 converts an Ed25519 (edwards) public key to its
// X25519 (montgomery) counterpart via the standard birational map
// u = (1+y)/(1-y) mod p, where y is the edwards public key with its
// sign bit cleared. This is the same conversion libsodium performs for
// crypto_sign_ed25519_pk_to_curve25519.
func Ed25519PublicToX25519(pub ed25519.PublicKey) (*[32]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errInvalidKeySize
	}
	// Decode y little-endian, clearing the top sign bit.
	buf := make([]byte, 32)
	copy(buf, pub)
	buf[31] &= 0x7f
	y := leBytesToBig(buf)

	one := big.NewInt(1)
	num := new(big.Int).Mod(new(big.Int).Add(one, y), fieldPrime)
	den := new(big.Int).Mod(new(big.Int).Sub(one, y), fieldPrime)
	denInv := new(big.Int).ModInverse(den, fieldPrime)
	if denInv == nil {
		return nil, errUnsupportedKey
	}
	u := new(big.Int).Mod(new(big.Int).Mul(num, denInv), fieldPrime)

	var out [32]byte
	bigToLEBytes(u, out[:])
	return &out, nil
}

// Ed25519PrivateToX25519 derives an X25519 private scalar from an
// Ed25519 private key's seed, matching
// crypto_sign_ed25519_sk_to_curve25519: clamp(sha512(seed)[0:32]).
func Ed25519PrivateToX25519(priv ed25519.PrivateKey) *[32]byte {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return &out
}

func leBytesToBig(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

func bigToLEBytes(n *big.Int, out []byte) {
	be := n.FillBytes(make([]byte, len(out)))
	for i, v := range be {
		out[len(out)-1-i] = v
	}
}
