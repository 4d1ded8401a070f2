package mediator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// packedEnvelope is the outer JWE-like JSON object produced by pack().
type packedEnvelope struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv,omitempty"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag,omitempty"`
}

// protectedHeader is the JSON object base64url-encoded in Protected.
type protectedHeader struct {
	Enc        string             `json:"enc"`
	Typ        string             `json:"typ,omitempty"`
	Recipients []protectedRecip   `json:"recipients"`
}

type protectedRecip struct {
	EncryptedKey string        `json:"encrypted_key"`
	Header       recipHeader   `json:"header"`
}

type recipHeader struct {
	Kid    string `json:"kid"`
	Sender string `json:"sender,omitempty"`
	IV     string `json:"iv,omitempty"`
}

// Recipients parses a packed message's protected header and returns the
// base58 verification key (kid) of every recipient entry. It does not
// decrypt. A malformed envelope or missing protected header fails with
// InvalidEnvelopeError.
func Recipients(packed []byte) ([]string, error) {
	var env packedEnvelope
	if err := json.Unmarshal(packed, &env); err != nil {
		return nil, &InvalidEnvelopeError{Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}
	if env.Protected == "" {
		return nil, &InvalidEnvelopeError{Reason: "missing protected header"}
	}

	raw, err := base64.RawURLEncoding.DecodeString(env.Protected)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(env.Protected)
		if err != nil {
			return nil, &InvalidEnvelopeError{Reason: fmt.Sprintf("protected header is not base64url: %v", err)}
		}
	}

	var header protectedHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, &InvalidEnvelopeError{Reason: fmt.Sprintf("protected header is not JSON: %v", err)}
	}
	if len(header.Recipients) == 0 {
		return nil, &InvalidEnvelopeError{Reason: "protected header has no recipients"}
	}

	kids := make([]string, 0, len(header.Recipients))
	for _, r := range header.Recipients {
		if r.Header.Kid == "" {
			return nil, &InvalidEnvelopeError{Reason: "recipient missing header.kid"}
		}
		kids = append(kids, r.Header.Kid)
	}
	return kids, nil
}

func encodeProtected(h protectedHeader) (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
