package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SignedAttachment is a DIDComm signed attachment (~attach), carrying a
// base64url payload plus a detached JWS over it.
type SignedAttachment struct {
	MimeType string     `json:"mime-type"`
	Data     AttachData `json:"data"`
}

// AttachData is the attachment payload and its signature.
type AttachData struct {
	Base64 string `json:"base64"`
	JWS    JWS    `json:"jws"`
}

// JWS is a detached-payload JSON Web Signature, EdDSA over Ed25519.
type JWS struct {
	Header    JWSHeader `json:"header"`
	Protected string    `json:"protected"`
	Signature string    `json:"signature"`
}

type JWSHeader struct {
	Kid string `json:"kid"`
}

type protectedHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	JWK jwk    `json:"jwk"`
}

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
}

// SignAttachment signs payload with kp, producing a signed attachment
// whose protected header carries the signer's public key as a JWK.
func SignAttachment(payload []byte, kp KeyPair) (SignedAttachment, error) {
	kid := PublicKeyToDIDKey(kp.Verkey)

	protected := protectedHeader{
		Alg: "EdDSA",
		Kid: kid,
		JWK: jwk{
			Kty: "OKP",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(kp.Verkey),
			Kid: kid,
		},
	}
	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return SignedAttachment{}, err
	}
	protectedB64 := base64.RawURLEncoding.EncodeToString(protectedJSON)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)

	signingInput := protectedB64 + "." + payloadB64
	sig := ed25519.Sign(kp.Sigkey, []byte(signingInput))

	return SignedAttachment{
		MimeType: "application/json",
		Data: AttachData{
			Base64: payloadB64,
			JWS: JWS{
				Header:    JWSHeader{Kid: kid},
				Protected: protectedB64,
				Signature: base64.RawURLEncoding.EncodeToString(sig),
			},
		},
	}, nil
}

// VerifyAttachment verifies att's JWS and returns the decoded payload and
// the signer's public key. Bad base64 or a bad signature returns an
// error; the kid is not compared against any expected key.
func VerifyAttachment(att SignedAttachment) ([]byte, ed25519.PublicKey, error) {
	payload, err := base64.RawURLEncoding.DecodeString(att.Data.Base64)
	if err != nil {
		return nil, nil, fmt.Errorf("attachment payload is not base64url: %w", err)
	}

	protectedJSON, err := base64.RawURLEncoding.DecodeString(att.Data.JWS.Protected)
	if err != nil {
		return nil, nil, fmt.Errorf("jws protected header is not base64url: %w", err)
	}
	var protected protectedHeader
	if err := json.Unmarshal(protectedJSON, &protected); err != nil {
		return nil, nil, fmt.Errorf("jws protected header is not JSON: %w", err)
	}
	if protected.JWK.Crv != "Ed25519" || protected.JWK.Kty != "OKP" {
		return nil, nil, fmt.Errorf("unsupported jwk %+v", protected.JWK)
	}
	pub, err := base64.RawURLEncoding.DecodeString(protected.JWK.X)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("jwk.x is not a valid ed25519 public key")
	}

	sig, err := base64.RawURLEncoding.DecodeString(att.Data.JWS.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("jws signature is not base64url: %w", err)
	}

	signingInput := att.Data.JWS.Protected + "." + att.Data.Base64
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(signingInput), sig) {
		return nil, nil, fmt.Errorf("jws signature verification failed")
	}

	return payload, ed25519.PublicKey(pub), nil
}
