package mediator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Message is a decoded DIDComm envelope payload.
type Message struct {
	ID     string `json:"@id"`
	Type   string `json:"@type"`
	Thread *Thread `json:"~thread,omitempty"`
	Body   any    `json:"-"`

	// ThreadID and ParentThreadID mirror Thread for callers that don't
	// want to deal with the ~thread wrapper directly.
	ThreadID       string `json:"-"`
	ParentThreadID string `json:"-"`

	// Trust is populated on inbound messages: the sender's verification
	// key, if the envelope was authenticated, and the local recipient key
	// that produced this decoding.
	Trust *TrustContext `json:"-"`

	bodyRaw json.RawMessage
}

// Thread carries thread correlation per the DIDComm ~thread decorator.
type Thread struct {
	ThID  string `json:"thid,omitempty"`
	PThID string `json:"pthid,omitempty"`
}

// TrustContext describes what is known about the provenance of an
// inbound message.
type TrustContext struct {
	SenderVerkey    string // empty if anon-crypt
	RecipientVerkey string // the local key that decoded this envelope
}

// UnmarshalBody decodes the message body into v.
func (m *Message) UnmarshalBody(v any) error {
	if m.bodyRaw == nil {
		if m.Body == nil {
			return errors.New("message has no body")
		}
		b, err := json.Marshal(m.Body)
		if err != nil {
			return err
		}
		m.bodyRaw = b
	}
	return json.Unmarshal(m.bodyRaw, v)
}

// generateID returns a new unique message or connection identifier.
func generateID() string {
	return uuid.New().String()
}

// wireMessage is the JSON wire shape for a DIDComm v1-style message.
type wireMessage struct {
	ID     string          `json:"@id"`
	Type   string          `json:"@type"`
	Thread *Thread         `json:"~thread,omitempty"`
	Body   json.RawMessage `json:"-"`
}

// marshalMessage serializes a Message to its DIDComm JSON wire form,
// inlining Body's fields into the top-level object next to @id, @type
// and ~thread.
func marshalMessage(msg *Message) ([]byte, error) {
	if msg.ID == "" {
		msg.ID = generateID()
	}
	thread := msg.Thread
	if thread == nil && (msg.ThreadID != "" || msg.ParentThreadID != "") {
		thread = &Thread{ThID: msg.ThreadID, PThID: msg.ParentThreadID}
	}

	var bodyBytes json.RawMessage
	switch {
	case msg.Body != nil:
		b, err := json.Marshal(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyBytes = b
	case msg.bodyRaw != nil:
		bodyBytes = msg.bodyRaw
	default:
		bodyBytes = json.RawMessage(`{}`)
	}

	flat := map[string]json.RawMessage{}
	flat["@id"], _ = json.Marshal(msg.ID)
	flat["@type"], _ = json.Marshal(msg.Type)
	if thread != nil {
		flat["~thread"], _ = json.Marshal(thread)
	}

	var bodyFields map[string]json.RawMessage
	if err := json.Unmarshal(bodyBytes, &bodyFields); err != nil {
		// Body isn't an object (shouldn't normally happen for DIDComm
		// messages); fall back to nesting it under "body".
		flat["body"] = bodyBytes
	} else {
		for k, v := range bodyFields {
			flat[k] = v
		}
	}

	return json.Marshal(flat)
}

// parseMessage parses a DIDComm JSON plaintext payload into a Message.
func parseMessage(data []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	msg := &Message{}
	if v, ok := raw["@id"]; ok {
		json.Unmarshal(v, &msg.ID)
		delete(raw, "@id")
	}
	if v, ok := raw["@type"]; ok {
		json.Unmarshal(v, &msg.Type)
		delete(raw, "@type")
	}
	if v, ok := raw["~thread"]; ok {
		var t Thread
		if err := json.Unmarshal(v, &t); err == nil {
			msg.Thread = &t
			msg.ThreadID = t.ThID
			msg.ParentThreadID = t.PThID
		}
		delete(raw, "~thread")
	}

	bodyBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-marshal body: %w", err)
	}
	msg.bodyRaw = bodyBytes
	var bodyMap any
	_ = json.Unmarshal(bodyBytes, &bodyMap)
	msg.Body = bodyMap

	return msg, nil
}
