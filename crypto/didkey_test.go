package crypto

import "testing"

func TestDIDKeyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	didKey := PublicKeyToDIDKey(kp.Verkey)
	if !IsDIDKey(didKey) {
		t.Fatalf("PublicKeyToDIDKey produced a non did:key value: %q", didKey)
	}

	pub, err := DIDKeyToPublicKey(didKey)
	if err != nil {
		t.Fatalf("DIDKeyToPublicKey: %v", err)
	}
	if string(pub) != string(kp.Verkey) {
		t.Error("round-tripped public key does not match original")
	}
}

func TestDIDKeyToVerkey_WithFragment(t *testing.T) {
	kp, _ := GenerateKeyPair()
	didKey := PublicKeyToDIDKey(kp.Verkey)
	withFragment := didKey + "#" + didKey[len("did:key:"):]

	vk, err := DIDKeyToVerkey(withFragment)
	if err != nil {
		t.Fatalf("DIDKeyToVerkey: %v", err)
	}
	if vk != VerkeyB58(kp.Verkey) {
		t.Errorf("got %q, want %q", vk, VerkeyB58(kp.Verkey))
	}
}

func TestDIDKeyToPublicKey_BadPrefix(t *testing.T) {
	if _, err := DIDKeyToPublicKey("did:key:xnotmultibase"); err == nil {
		t.Error("expected an error for a non-multibase did:key value")
	}
}

func TestEd25519X25519Conversion_Deterministic(t *testing.T) {
	kp, _ := GenerateKeyPair()
	a, err := Ed25519PublicToX25519(kp.Verkey)
	if err != nil {
		t.Fatalf("Ed25519PublicToX25519: %v", err)
	}
	b, err := Ed25519PublicToX25519(kp.Verkey)
	if err != nil {
		t.Fatalf("Ed25519PublicToX25519: %v", err)
	}
	if *a != *b {
		t.Error("conversion should be deterministic for the same input key")
	}
}
