package crypto

import "testing"

func TestNaClPacker_Authcrypt_RoundTrip(t *testing.T) {
	sender, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	recip, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	var p NaClPacker
	payload := []byte(`{"@type":"test"}`)
	packed, err := p.Pack(payload, []string{VerkeyB58(recip.Verkey)}, &sender)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	plaintext, senderVerkey, err := p.Unpack(packed, recip)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if string(plaintext) != string(payload) {
		t.Errorf("plaintext = %q, want %q", plaintext, payload)
	}
	if senderVerkey != VerkeyB58(sender.Verkey) {
		t.Errorf("senderVerkey = %q, want %q", senderVerkey, VerkeyB58(sender.Verkey))
	}
}

func TestNaClPacker_Anoncrypt_RoundTrip(t *testing.T) {
	recip, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	var p NaClPacker
	payload := []byte("anonymous payload")
	packed, err := p.Pack(payload, []string{VerkeyB58(recip.Verkey)}, nil)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	plaintext, senderVerkey, err := p.Unpack(packed, recip)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if string(plaintext) != string(payload) {
		t.Errorf("plaintext = %q, want %q", plaintext, payload)
	}
	if senderVerkey != "" {
		t.Errorf("expected no sender for anoncrypt, got %q", senderVerkey)
	}
}

func TestNaClPacker_MultiRecipient(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()

	var p NaClPacker
	packed, err := p.Pack([]byte("hi"), []string{VerkeyB58(a.Verkey), VerkeyB58(b.Verkey)}, nil)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	if _, _, err := p.Unpack(packed, a); err != nil {
		t.Errorf("Unpack for recipient a: %v", err)
	}
	if _, _, err := p.Unpack(packed, b); err != nil {
		t.Errorf("Unpack for recipient b: %v", err)
	}
}

func TestNaClPacker_Unpack_WrongRecipient(t *testing.T) {
	recip, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()

	var p NaClPacker
	packed, err := p.Pack([]byte("hi"), []string{VerkeyB58(recip.Verkey)}, nil)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, _, err := p.Unpack(packed, other); err == nil {
		t.Error("expected an error unpacking with a non-recipient key")
	}
}

func TestNaClPacker_Pack_NoRecipients(t *testing.T) {
	var p NaClPacker
	if _, err := p.Pack([]byte("hi"), nil, nil); err == nil {
		t.Error("expected an error packing with no recipients")
	}
}
