package crypto

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// ed25519PubMulticodec is the multicodec varint prefix for an
// ed25519-pub key (0xed01, little-endian varint encoding).
var ed25519PubMulticodec = []byte{0xed, 0x01}

// VerkeyToDIDKey encodes a base58 verification key as a did:key URI:
// multicodec ed25519-pub prefix + raw key, multibase base58btc ('z').
func VerkeyToDIDKey(verkeyB58 string) (string, error) {
	verkey, err := DecodeVerkeyB58(verkeyB58)
	if err != nil {
		return "", err
	}
	return PublicKeyToDIDKey(verkey), nil
}

// PublicKeyToDIDKey is VerkeyToDIDKey for an already-decoded key.
func PublicKeyToDIDKey(verkey ed25519.PublicKey) string {
	prefixed := make([]byte, 0, len(ed25519PubMulticodec)+len(verkey))
	prefixed = append(prefixed, ed25519PubMulticodec...)
	prefixed = append(prefixed, verkey...)
	return "did:key:z" + base58.Encode(prefixed)
}

// DIDKeyToVerkey decodes a did:key URI (or a bare multibase key
// reference, e.g. a fragment like "z6Mk...") back to a base58
// verification key.
func DIDKeyToVerkey(didKey string) (string, error) {
	pub, err := DIDKeyToPublicKey(didKey)
	if err != nil {
		return "", err
	}
	return VerkeyB58(pub), nil
}

// DIDKeyToPublicKey decodes a did:key URI to its raw Ed25519 public key.
func DIDKeyToPublicKey(didKey string) (ed25519.PublicKey, error) {
	mb := didKey
	mb = strings.TrimPrefix(mb, "did:key:")
	if idx := strings.Index(mb, "#"); idx != -1 {
		mb = mb[:idx]
	}
	if !strings.HasPrefix(mb, "z") {
		return nil, fmt.Errorf("did:key value %q is not multibase base58btc", didKey)
	}
	raw := base58.Decode(mb[1:])
	if len(raw) != len(ed25519PubMulticodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("did:key %q decodes to %d bytes, want %d", didKey, len(raw), len(ed25519PubMulticodec)+ed25519.PublicKeySize)
	}
	if raw[0] != ed25519PubMulticodec[0] || raw[1] != ed25519PubMulticodec[1] {
		return nil, fmt.Errorf("did:key %q has unsupported multicodec prefix %x", didKey, raw[:2])
	}
	return ed25519.PublicKey(raw[len(ed25519PubMulticodec):]), nil
}

// IsDIDKey reports whether s looks like a did:key URI, as opposed to a
// bare base58 verkey.
func IsDIDKey(s string) bool {
	return strings.HasPrefix(s, "did:key:")
}
