package mediator

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/proxy-mediator/proxy-mediator/crypto"
)

// Target is the remote side of a pairwise connection: its ordered
// recipient keys and the endpoint messages are POSTed to.
type Target struct {
	Recipients []string `json:"recipients"`
	Endpoint   string   `json:"endpoint"`
}

// Connection holds one pairwise relationship: a local Ed25519 keypair,
// the remote's recipients/endpoint (absent until the handshake
// completes), protocol state, and a single-shot completion signal.
type Connection struct {
	mu sync.Mutex

	Sigkey ed25519.PrivateKey
	Verkey ed25519.PublicKey
	DID    string

	State  State
	Target *Target

	InvitationKey string
	Multiuse      bool
	DIDDoc        json.RawMessage

	packer crypto.Packer
	client *http.Client

	completion     chan struct{}
	completionOnce sync.Once

	awaitingMu sync.Mutex
	awaiting   map[string]chan *Message
}

// VerkeyB58 is the connection's local identifier used as the registry key.
func (c *Connection) VerkeyB58() string {
	return crypto.VerkeyB58(c.Verkey)
}

// NewConnection generates a fresh Ed25519 keypair with state=null.
func NewConnection(packer crypto.Packer) (*Connection, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Connection{
		Sigkey:     kp.Sigkey,
		Verkey:     kp.Verkey,
		DID:        crypto.SovrinDID(kp.Verkey),
		State:      StateNull,
		packer:     packer,
		client:     http.DefaultClient,
		completion: make(chan struct{}),
		awaiting:   make(map[string]chan *Message),
	}, nil
}

// ConnectionFromParts reconstitutes a Connection from a keypair and a
// known target, in StateNull. (Replacing an invitation connection with a
// relationship connection is done by FromInvite.)
func ConnectionFromParts(packer crypto.Packer, kp crypto.KeyPair, target *Target) *Connection {
	return &Connection{
		Sigkey:     kp.Sigkey,
		Verkey:     kp.Verkey,
		DID:        crypto.SovrinDID(kp.Verkey),
		State:      StateNull,
		Target:     target,
		packer:     packer,
		client:     http.DefaultClient,
		completion: make(chan struct{}),
		awaiting:   make(map[string]chan *Message),
	}
}

// FromInvite constructs a relationship connection that inherits conn's
// completion signal and records conn's verkey as the invitation key.
// Used on the inviter side once a `request` has moved the ephemeral
// invitation connection into StateRequested; the new connection starts
// from that same state so the caller can immediately fire
// EventSendResponse on it.
func FromInvite(invite *Connection, packer crypto.Packer) (*Connection, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Connection{
		Sigkey:        kp.Sigkey,
		Verkey:        kp.Verkey,
		DID:           crypto.SovrinDID(kp.Verkey),
		State:         StateRequested,
		InvitationKey: invite.VerkeyB58(),
		Multiuse:      invite.Multiuse,
		packer:        packer,
		client:        http.DefaultClient,
		completion:    invite.completion,
		awaiting:      make(map[string]chan *Message),
	}, nil
}

// Transition fires event against the connection's state machine,
// mutating State on success.
func (c *Connection) Transition(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := transition(c.State, event)
	if err != nil {
		return err
	}
	c.State = next
	return nil
}

// Unpack authenticates and decrypts packed, returning the enclosed
// Message with its TrustContext populated.
func (c *Connection) Unpack(packed []byte) (*Message, error) {
	plaintext, senderVerkey, err := c.packer.Unpack(packed, crypto.KeyPair{Verkey: c.Verkey, Sigkey: c.Sigkey})
	if err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	msg, err := parseMessage(plaintext)
	if err != nil {
		return nil, err
	}
	msg.Trust = &TrustContext{SenderVerkey: senderVerkey, RecipientVerkey: c.VerkeyB58()}
	return msg, nil
}

// Pack encrypts payload to the connection's current target recipients,
// authenticated as this connection's own key.
func (c *Connection) Pack(payload []byte) ([]byte, error) {
	c.mu.Lock()
	target := c.Target
	c.mu.Unlock()
	if target == nil || len(target.Recipients) == 0 {
		return nil, fmt.Errorf("pack: connection has no target recipients")
	}
	return c.packer.Pack(payload, target.Recipients, &crypto.KeyPair{Verkey: c.Verkey, Sigkey: c.Sigkey})
}

// SendAsync packs msg and POSTs it to the target endpoint. returnRoute
// is not written to the wire: no ~transport decorator is added to msg,
// so a peer's reply arrives as a separate inbound message to this
// side's endpoint. The HTTP response body is discarded.
func (c *Connection) SendAsync(ctx context.Context, msg *Message, returnRoute string) error {
	if returnRoute != "" {
		if msg.Body == nil {
			msg.Body = map[string]any{}
		}
	}
	data, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	packed, err := c.Pack(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	endpoint := ""
	if c.Target != nil {
		endpoint = c.Target.Endpoint
	}
	c.mu.Unlock()
	if endpoint == "" {
		return fmt.Errorf("send: connection has no target endpoint")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return fmt.Errorf("send: invalid endpoint %q: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(packed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/didcomm-envelope-enc")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// await registers a waiter for the next inbound message of msgType on
// this connection. Deliver feeds matching inbound messages to it.
func (c *Connection) await(msgType string) chan *Message {
	ch := make(chan *Message, 1)
	c.awaitingMu.Lock()
	c.awaiting[msgType] = ch
	c.awaitingMu.Unlock()
	return ch
}

func (c *Connection) cancelAwait(msgType string) {
	c.awaitingMu.Lock()
	delete(c.awaiting, msgType)
	c.awaitingMu.Unlock()
}

// Deliver feeds an inbound message to any pending awaiter for its type.
// It reports whether the message was consumed by an awaiter (in which
// case ordinary dispatch should be skipped).
func (c *Connection) Deliver(msg *Message) bool {
	c.awaitingMu.Lock()
	ch, ok := c.awaiting[msg.Type]
	if ok {
		delete(c.awaiting, msg.Type)
	}
	c.awaitingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

// SendAndAwaitReturned sends msg via SendAsync (passing return route
// "all", which SendAsync does not put on the wire) and blocks until
// exactly one reply of replyType arrives on this connection, or ctx
// expires.
func (c *Connection) SendAndAwaitReturned(ctx context.Context, msg *Message, replyType string) (*Message, error) {
	ch := c.await(replyType)
	defer c.cancelAwait(replyType)

	if err := c.SendAsync(ctx, msg, "all"); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete signals the connection's completion event exactly once.
func (c *Connection) Complete() {
	c.completionOnce.Do(func() { close(c.completion) })
}

// Completion blocks until Complete is called or ctx expires.
func (c *Connection) Completion(ctx context.Context) error {
	select {
	case <-c.completion:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// storeRecord is the fixed JSON shape connections are persisted as.
type storeRecord struct {
	State         string          `json:"state"`
	Multiuse      bool            `json:"multiuse"`
	InvitationKey string          `json:"invitation_key,omitempty"`
	DID           string          `json:"did"`
	Verkey        string          `json:"verkey"`
	Sigkey        string          `json:"sigkey"`
	Target        *targetRecord   `json:"target,omitempty"`
	DIDDoc        json.RawMessage `json:"diddoc,omitempty"`
}

type targetRecord struct {
	Recipients []string `json:"recipients"`
	Endpoint   string   `json:"endpoint"`
}

// ToStore serializes the connection to its persisted JSON shape.
func (c *Connection) ToStore() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := storeRecord{
		State:         c.State.String(),
		Multiuse:      c.Multiuse,
		InvitationKey: c.InvitationKey,
		DID:           c.DID,
		Verkey:        crypto.VerkeyB58(c.Verkey),
		Sigkey:        crypto.EncodeB58(c.Sigkey.Seed()),
		DIDDoc:        c.DIDDoc,
	}
	if c.Target != nil {
		rec.Target = &targetRecord{Recipients: c.Target.Recipients, Endpoint: c.Target.Endpoint}
	}
	return json.Marshal(rec)
}

// ConnectionFromStoreRecord reconstitutes a Connection from ToStore's
// JSON shape.
func ConnectionFromStoreRecord(data []byte, packer crypto.Packer) (*Connection, error) {
	var rec storeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode connection record: %w", err)
	}

	seed := crypto.DecodeB58(rec.Sigkey)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("decode sigkey: expected %d-byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	sigkey := ed25519.NewKeyFromSeed(seed)
	verkey, err := crypto.DecodeVerkeyB58(rec.Verkey)
	if err != nil {
		return nil, fmt.Errorf("decode verkey: %w", err)
	}

	state := stateFromName(rec.State)

	c := &Connection{
		Sigkey:        sigkey,
		Verkey:        verkey,
		DID:           rec.DID,
		State:         state,
		InvitationKey: rec.InvitationKey,
		Multiuse:      rec.Multiuse,
		DIDDoc:        rec.DIDDoc,
		packer:        packer,
		client:        http.DefaultClient,
		completion:    make(chan struct{}),
		awaiting:      make(map[string]chan *Message),
	}
	if rec.Target != nil {
		c.Target = &Target{Recipients: rec.Target.Recipients, Endpoint: rec.Target.Endpoint}
	}
	if state == StateComplete {
		close(c.completion)
	}
	return c, nil
}

func stateFromName(name string) State {
	for s, n := range stateNames {
		if n == name {
			return State(s)
		}
	}
	return StateNull
}
