package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

var rawB64 = base64.RawURLEncoding

// Packer is the crypto primitive boundary the mediator delegates
// pack/unpack to: envelope encryption is pluggable behind this
// interface, while envelope *shape* (recipients/kid) is owned by the
// mediator itself (see Recipients in envelope.go).
type Packer interface {
	// Pack encrypts payload to every key in recipientVerkeys (base58).
	// If sender is non-nil the envelope is authcrypt (the sender's verkey
	// is written unencrypted in each recipient's header entry); otherwise
	// it is anoncrypt.
	Pack(payload []byte, recipientVerkeys []string, sender *KeyPair) ([]byte, error)

	// Unpack decrypts packed using me's private key, returning the
	// plaintext and the sender's verkey (empty for anoncrypt).
	Unpack(packed []byte, me KeyPair) (plaintext []byte, senderVerkey string, err error)
}

// NaClPacker implements Packer using X25519 key agreement (via the
// Ed25519-to-X25519 birational conversion) and XSalsa20-Poly1305
// authenticated encryption, the standard NaCl "box" construction.
type NaClPacker struct{}

type wireEnvelope struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

type wireProtected struct {
	Enc        string      `json:"enc"`
	Typ        string      `json:"typ"`
	Recipients []wireRecip `json:"recipients"`
}

type wireRecip struct {
	EncryptedKey string      `json:"encrypted_key"`
	Header       wireHeader  `json:"header"`
}

type wireHeader struct {
	Kid    string `json:"kid"`
	Sender string `json:"sender,omitempty"`
	IV     string `json:"iv,omitempty"`
}

func b64(b []byte) string { return rawB64.EncodeToString(b) }

func (NaClPacker) Pack(payload []byte, recipientVerkeys []string, sender *KeyPair) ([]byte, error) {
	if len(recipientVerkeys) == 0 {
		return nil, errors.New("pack: no recipients")
	}

	var cek [32]byte
	if _, err := rand.Read(cek[:]); err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nil, payload, &nonce, &cek)

	var senderX25519Priv *[32]byte
	senderKid := ""
	if sender != nil {
		senderX25519Priv = Ed25519PrivateToX25519(sender.Sigkey)
		senderKid = VerkeyB58(sender.Verkey)
	}

	recips := make([]wireRecip, 0, len(recipientVerkeys))
	for _, vk := range recipientVerkeys {
		pub, err := DecodeVerkeyB58(vk)
		if err != nil {
			return nil, fmt.Errorf("pack: recipient %s: %w", vk, err)
		}
		x25519Pub, err := Ed25519PublicToX25519(pub)
		if err != nil {
			return nil, fmt.Errorf("pack: recipient %s: %w", vk, err)
		}

		var recipNonce [24]byte
		if _, err := rand.Read(recipNonce[:]); err != nil {
			return nil, err
		}

		var encKey []byte
		if senderX25519Priv != nil {
			encKey = box.Seal(nil, cek[:], &recipNonce, x25519Pub, senderX25519Priv)
		} else {
			var err error
			encKey, err = box.SealAnonymous(nil, cek[:], x25519Pub, rand.Reader)
			if err != nil {
				return nil, err
			}
		}

		recips = append(recips, wireRecip{
			EncryptedKey: b64(encKey),
			Header: wireHeader{
				Kid:    vk,
				Sender: senderKid,
				IV:     b64(recipNonce[:]),
			},
		})
	}

	protected := wireProtected{Enc: "xsalsa20poly1305", Typ: "JWM/1.0", Recipients: recips}
	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return nil, err
	}

	env := wireEnvelope{
		Protected:  b64(protectedJSON),
		IV:         b64(nonce[:]),
		Ciphertext: b64(sealed),
	}
	return json.Marshal(env)
}

func (NaClPacker) Unpack(packed []byte, me KeyPair) ([]byte, string, error) {
	var env wireEnvelope
	if err := json.Unmarshal(packed, &env); err != nil {
		return nil, "", fmt.Errorf("unpack: %w", err)
	}
	protectedJSON, err := rawB64.DecodeString(env.Protected)
	if err != nil {
		return nil, "", fmt.Errorf("unpack: protected header: %w", err)
	}
	var protected wireProtected
	if err := json.Unmarshal(protectedJSON, &protected); err != nil {
		return nil, "", fmt.Errorf("unpack: protected header: %w", err)
	}

	myKid := VerkeyB58(me.Verkey)
	myX25519Priv := Ed25519PrivateToX25519(me.Sigkey)

	var cek *[32]byte
	var senderVerkey string
	for _, r := range protected.Recipients {
		if r.Header.Kid != myKid {
			continue
		}
		encKey, err := rawB64.DecodeString(r.EncryptedKey)
		if err != nil {
			return nil, "", fmt.Errorf("unpack: encrypted_key: %w", err)
		}

		var out []byte
		var ok bool
		if r.Header.Sender != "" {
			senderPub, err := DecodeVerkeyB58(r.Header.Sender)
			if err != nil {
				return nil, "", fmt.Errorf("unpack: sender key: %w", err)
			}
			senderX25519Pub, err := Ed25519PublicToX25519(senderPub)
			if err != nil {
				return nil, "", err
			}
			recipNonce, err := rawB64.DecodeString(r.Header.IV)
			if err != nil || len(recipNonce) != 24 {
				return nil, "", fmt.Errorf("unpack: recipient iv")
			}
			var nonceArr [24]byte
			copy(nonceArr[:], recipNonce)
			out, ok = box.Open(nil, encKey, &nonceArr, senderX25519Pub, myX25519Priv)
			senderVerkey = r.Header.Sender
		} else {
			myX25519Pub, cerr := Ed25519PublicToX25519(me.Verkey)
			if cerr != nil {
				return nil, "", cerr
			}
			out, ok = box.OpenAnonymous(nil, encKey, myX25519Pub, myX25519Priv)
		}
		if !ok {
			return nil, "", errors.New("unpack: failed to decrypt content-encryption key")
		}
		var arr [32]byte
		copy(arr[:], out)
		cek = &arr
		break
	}
	if cek == nil {
		return nil, "", fmt.Errorf("unpack: no recipient entry matches local key %s", myKid)
	}

	iv, err := rawB64.DecodeString(env.IV)
	if err != nil || len(iv) != 24 {
		return nil, "", errors.New("unpack: bad envelope iv")
	}
	ciphertext, err := rawB64.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, "", fmt.Errorf("unpack: ciphertext: %w", err)
	}
	var nonceArr [24]byte
	copy(nonceArr[:], iv)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonceArr, cek)
	if !ok {
		return nil, "", errors.New("unpack: failed to decrypt payload")
	}
	return plaintext, senderVerkey, nil
}
