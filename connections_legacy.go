package mediator

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/proxy-mediator/proxy-mediator/crypto"
)

const (
	connectionsProtocol = "connections"
	connectionsVersion  = "1.0"
	trustPingProtocol   = "trust_ping"
	trustPingVersion    = "1.0"
)

// LegacyConnections implements RFC-0160 Connections: invitation →
// request → response → trust-ping.
type LegacyConnections struct {
	registry *Registry
	packer   crypto.Packer
	endpoint string
}

// NewLegacyConnections constructs the legacy Connections protocol
// handler set. endpoint is this process's own advertised base URL,
// used when building invitations and reply DID documents.
func NewLegacyConnections(registry *Registry, packer crypto.Packer, endpoint string) *LegacyConnections {
	return &LegacyConnections{registry: registry, packer: packer, endpoint: endpoint}
}

// Register wires request/response/ping handlers into d.
func (lc *LegacyConnections) Register(d *Dispatcher) {
	d.RegisterProtocol(connectionsProtocol, connectionsVersion, "request", lc.HandleRequest)
	d.RegisterProtocol(connectionsProtocol, connectionsVersion, "response", lc.HandleResponse)
	d.RegisterProtocol(trustPingProtocol, trustPingVersion, "ping", lc.HandlePing)
	d.RegisterProtocol(trustPingProtocol, trustPingVersion, "ping_response", lc.HandlePingResponse)
}

type legacyInvitation struct {
	Type            string   `json:"@type"`
	ID              string   `json:"@id"`
	Label           string   `json:"label,omitempty"`
	RecipientKeys   []string `json:"recipientKeys"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
	RoutingKeys     []string `json:"routingKeys"`
}

// CreateInvitation generates a fresh invitation connection and returns
// it together with the `?c_i=` invitation URL.
func (lc *LegacyConnections) CreateInvitation(multiuse bool) (*Connection, string, error) {
	conn, err := NewConnection(lc.packer)
	if err != nil {
		return nil, "", err
	}
	conn.Multiuse = multiuse
	if err := conn.Transition(EventSendInvite); err != nil {
		return nil, "", err
	}
	lc.registry.Register(conn)

	inv := legacyInvitation{
		Type:            LegacyDocURI + connectionsProtocol + "/" + connectionsVersion + "/invitation",
		ID:              generateID(),
		RecipientKeys:   []string{conn.VerkeyB58()},
		ServiceEndpoint: lc.endpoint,
		RoutingKeys:     []string{},
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return nil, "", err
	}
	invURL := lc.endpoint + "?c_i=" + base64.RawURLEncoding.EncodeToString(raw)
	return conn, invURL, nil
}

// ReceiveInviteURL parses a `?c_i=` invitation URL, sends a connection
// request, and returns the new request_sent connection.
func (lc *LegacyConnections) ReceiveInviteURL(ctx context.Context, inviteURL string) (*Connection, error) {
	u, err := url.Parse(inviteURL)
	if err != nil {
		return nil, fmt.Errorf("parse invitation url: %w", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(u.Query().Get("c_i"))
	if err != nil {
		return nil, fmt.Errorf("decode invitation: %w", err)
	}
	var inv legacyInvitation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("parse invitation: %w", err)
	}
	if len(inv.RecipientKeys) == 0 {
		return nil, fmt.Errorf("invitation has no recipientKeys")
	}

	conn, err := NewConnection(lc.packer)
	if err != nil {
		return nil, err
	}
	conn.Target = &Target{Recipients: []string{inv.RecipientKeys[0]}, Endpoint: inv.ServiceEndpoint}
	conn.InvitationKey = inv.RecipientKeys[0]
	lc.registry.Register(conn)

	if err := conn.Transition(EventReceiveInvite); err != nil {
		return nil, err
	}

	doc := NewDIDDoc(conn.DID, conn.VerkeyB58(), lc.endpoint)
	reqBody := map[string]any{
		"label": "proxy-mediator",
		"connection": map[string]any{
			"DID":    conn.DID,
			"DIDDoc": doc,
		},
	}
	req := &Message{
		Type: LegacyDocURI + connectionsProtocol + "/" + connectionsVersion + "/request",
		Body: reqBody,
	}
	if err := conn.Transition(EventSendRequest); err != nil {
		return nil, err
	}
	if err := conn.SendAsync(ctx, req, ""); err != nil {
		return nil, err
	}
	return conn, nil
}

type connectionBody struct {
	DID    string         `json:"DID"`
	DIDDoc map[string]any `json:"DIDDoc"`
}

// HandleRequest is the inviter-side handler: it replaces the ephemeral
// invitation connection with a relationship connection and replies with
// a signed response.
func (lc *LegacyConnections) HandleRequest(msg *Message, conn *Connection) (*Message, error) {
	if err := conn.Transition(EventReceiveRequest); err != nil {
		return nil, err
	}

	var body struct {
		Connection connectionBody `json:"connection"`
	}
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	recipients, endpoint, err := RecipientKeysAndEndpoint(NormalizeLegacyDoc(body.Connection.DIDDoc))
	if err != nil {
		return nil, fmt.Errorf("request diddoc: %w", err)
	}

	invitationKey := conn.VerkeyB58()
	rel, err := FromInvite(conn, lc.packer)
	if err != nil {
		return nil, err
	}
	rel.Target = &Target{Recipients: recipients, Endpoint: endpoint}
	lc.registry.Replace(invitationKey, rel, conn.Multiuse)

	if err := rel.Transition(EventSendResponse); err != nil {
		return nil, err
	}

	ownDoc := NewDIDDoc(rel.DID, rel.VerkeyB58(), lc.endpoint)
	docJSON, err := json.Marshal(connectionBody{DID: rel.DID, DIDDoc: ownDoc})
	if err != nil {
		return nil, err
	}
	sig, sigData, err := signConnection(docJSON, invitationKey, conn.Sigkey)
	if err != nil {
		return nil, err
	}

	thid := msg.ThreadID
	if thid == "" {
		thid = msg.ID
	}
	resp := &Message{
		Type:     LegacyDocURI + connectionsProtocol + "/" + connectionsVersion + "/response",
		ThreadID: thid,
		Body: map[string]any{
			"connection~sig": map[string]any{
				"@type":     LegacyDocURI + "signature/1.0/ed25519Sha512_single",
				"signer":    invitationKey,
				"sig_data":  base64.RawURLEncoding.EncodeToString(sigData),
				"signature": base64.RawURLEncoding.EncodeToString(sig),
			},
		},
	}
	return resp, nil
}

// HandleResponse is the invitee-side handler: it verifies the signed
// response, adopts the peer's target, and completes the handshake with
// a trust-ping.
func (lc *LegacyConnections) HandleResponse(msg *Message, conn *Connection) (*Message, error) {
	var body struct {
		ConnSig map[string]any `json:"connection~sig"`
	}
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	signer, _ := body.ConnSig["signer"].(string)
	if signer != conn.InvitationKey {
		return nil, &SignatureInvalidError{Reason: "response signer does not match invitation key"}
	}
	sigDataB64, _ := body.ConnSig["sig_data"].(string)
	sigB64, _ := body.ConnSig["signature"].(string)
	docJSON, err := verifyConnectionSig(signer, sigDataB64, sigB64)
	if err != nil {
		return nil, &SignatureInvalidError{Reason: err.Error()}
	}

	var connBody connectionBody
	if err := json.Unmarshal(docJSON, &connBody); err != nil {
		return nil, fmt.Errorf("parse signed connection: %w", err)
	}
	recipients, endpoint, err := RecipientKeysAndEndpoint(NormalizeLegacyDoc(connBody.DIDDoc))
	if err != nil {
		return nil, fmt.Errorf("response diddoc: %w", err)
	}
	conn.Target = &Target{Recipients: recipients, Endpoint: endpoint}

	if err := conn.Transition(EventReceiveResponse); err != nil {
		return nil, err
	}

	ping := &Message{Type: LegacyDocURI + trustPingProtocol + "/" + trustPingVersion + "/ping", Body: map[string]any{"response_requested": false}}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = conn.SendAsync(ctx, ping, "all")
	}()

	if err := conn.Transition(EventSendPing); err != nil {
		return nil, err
	}
	conn.Complete()
	return nil, nil
}

// HandlePing completes the inviter side on trust-ping receipt and
// acknowledges it.
func (lc *LegacyConnections) HandlePing(msg *Message, conn *Connection) (*Message, error) {
	if conn.State != StateComplete {
		if err := conn.Transition(EventReceivePing); err != nil {
			return nil, err
		}
		conn.Complete()
	}

	var body struct {
		ResponseRequested bool `json:"response_requested"`
	}
	_ = msg.UnmarshalBody(&body)
	if !body.ResponseRequested {
		return nil, nil
	}
	thid := msg.ThreadID
	if thid == "" {
		thid = msg.ID
	}
	return &Message{Type: LegacyDocURI + trustPingProtocol + "/" + trustPingVersion + "/ping_response", ThreadID: thid}, nil
}

// HandlePingResponse is a no-op acknowledgement path; connections are
// already complete by the time a ping_response is expected.
func (lc *LegacyConnections) HandlePingResponse(msg *Message, conn *Connection) (*Message, error) {
	return nil, nil
}

// signConnection signs docJSON with sigkey (the invitation key's
// private half) per the Aries connection~sig convention: sig_data is an
// 8-byte big-endian timestamp followed by the document bytes.
func signConnection(docJSON []byte, signerVerkeyB58 string, sigkey ed25519.PrivateKey) ([]byte, []byte, error) {
	sigData := make([]byte, 8+len(docJSON))
	binary.BigEndian.PutUint64(sigData[:8], uint64(time.Now().Unix()))
	copy(sigData[8:], docJSON)

	sig := ed25519.Sign(sigkey, sigData)
	return sig, sigData, nil
}

// verifyConnectionSig verifies a base64url sig_data/signature pair
// against signerVerkeyB58 and returns the embedded document bytes.
func verifyConnectionSig(signerVerkeyB58, sigDataB64, sigB64 string) ([]byte, error) {
	verkey, err := crypto.DecodeVerkeyB58(signerVerkeyB58)
	if err != nil {
		return nil, fmt.Errorf("signer key: %w", err)
	}
	sigData, err := base64.RawURLEncoding.DecodeString(sigDataB64)
	if err != nil {
		return nil, fmt.Errorf("sig_data: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if !ed25519.Verify(verkey, sigData, sig) {
		return nil, fmt.Errorf("signature verification failed")
	}
	if len(sigData) < 8 {
		return nil, fmt.Errorf("sig_data too short")
	}
	return sigData[8:], nil
}
