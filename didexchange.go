package mediator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/proxy-mediator/proxy-mediator/crypto"
	"github.com/proxy-mediator/proxy-mediator/resolver"
)

const (
	oobProtocol        = "out-of-band"
	oobVersion         = "1.1"
	didExchangeProto   = "didexchange"
	didExchangeVersion = "1.0"
)

// DIDExchange implements RFC-0434 out-of-band invitations paired with
// RFC-0023 DID-Exchange: invitation → request → response → complete,
// with DID documents carried as JWS-signed attachments rather than the
// legacy connection~sig wrapper.
type DIDExchange struct {
	registry *Registry
	packer   crypto.Packer
	resolver *resolver.Registry
	endpoint string
}

// NewDIDExchange constructs the DID-Exchange protocol handler set.
func NewDIDExchange(registry *Registry, packer crypto.Packer, res *resolver.Registry, endpoint string) *DIDExchange {
	return &DIDExchange{registry: registry, packer: packer, resolver: res, endpoint: endpoint}
}

// Register wires request/response/complete handlers into d.
func (de *DIDExchange) Register(d *Dispatcher) {
	d.RegisterProtocol(didExchangeProto, didExchangeVersion, "request", de.HandleRequest)
	d.RegisterProtocol(didExchangeProto, didExchangeVersion, "response", de.HandleResponse)
	d.RegisterProtocol(didExchangeProto, didExchangeVersion, "complete", de.HandleComplete)
}

type oobService struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	RecipientKeys   []string `json:"recipientKeys"`
	RoutingKeys     []string `json:"routingKeys,omitempty"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
}

type oobInvitation struct {
	Type               string       `json:"@type"`
	ID                 string       `json:"@id"`
	Label              string       `json:"label,omitempty"`
	HandshakeProtocols []string     `json:"handshake_protocols"`
	Services           []oobService `json:"services"`
}

// CreateInvitation generates a fresh invitation connection and returns
// it together with the `?oob=` invitation URL.
func (de *DIDExchange) CreateInvitation(multiuse bool) (*Connection, string, error) {
	conn, err := NewConnection(de.packer)
	if err != nil {
		return nil, "", err
	}
	conn.Multiuse = multiuse
	if err := conn.Transition(EventSendInvite); err != nil {
		return nil, "", err
	}
	de.registry.Register(conn)

	inv := oobInvitation{
		Type:               CurrentDocURI + oobProtocol + "/" + oobVersion + "/invitation",
		ID:                 generateID(),
		HandshakeProtocols: []string{CurrentDocURI + didExchangeProto + "/" + didExchangeVersion},
		Services: []oobService{{
			ID:              "#inline",
			Type:            "did-communication",
			RecipientKeys:   []string{crypto.PublicKeyToDIDKey(conn.Verkey)},
			ServiceEndpoint: de.endpoint,
		}},
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return nil, "", err
	}
	invURL := de.endpoint + "?oob=" + base64.RawURLEncoding.EncodeToString(raw)
	return conn, invURL, nil
}

// ReceiveInviteURL parses a `?oob=` invitation URL, sends a
// did-exchange request signed with a fresh keypair, and returns the new
// request_sent connection.
func (de *DIDExchange) ReceiveInviteURL(ctx context.Context, inviteURL string) (*Connection, error) {
	u, err := url.Parse(inviteURL)
	if err != nil {
		return nil, fmt.Errorf("parse invitation url: %w", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(u.Query().Get("oob"))
	if err != nil {
		return nil, fmt.Errorf("decode invitation: %w", err)
	}
	var inv oobInvitation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("parse invitation: %w", err)
	}
	if len(inv.Services) == 0 || len(inv.Services[0].RecipientKeys) == 0 {
		return nil, fmt.Errorf("invitation has no usable service")
	}
	svc := inv.Services[0]
	recipKey, err := crypto.DIDKeyToVerkey(svc.RecipientKeys[0])
	if err != nil {
		recipKey = svc.RecipientKeys[0]
	}

	conn, err := NewConnection(de.packer)
	if err != nil {
		return nil, err
	}
	conn.Target = &Target{Recipients: []string{recipKey}, Endpoint: svc.ServiceEndpoint}
	de.registry.Register(conn)

	if err := conn.Transition(EventReceiveInvite); err != nil {
		return nil, err
	}

	doc := NewDIDDoc(conn.DID, conn.VerkeyB58(), de.endpoint)
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	attach, err := crypto.SignAttachment(docJSON, crypto.KeyPair{Verkey: conn.Verkey, Sigkey: conn.Sigkey})
	if err != nil {
		return nil, err
	}

	req := &Message{
		Type:           CurrentDocURI + didExchangeProto + "/" + didExchangeVersion + "/request",
		ParentThreadID: inv.ID,
		Body: map[string]any{
			"label":          "proxy-mediator",
			"did":            conn.DID,
			"did_doc~attach": attach,
		},
	}
	if err := conn.Transition(EventSendRequest); err != nil {
		return nil, err
	}
	if err := conn.SendAsync(ctx, req, ""); err != nil {
		return nil, err
	}
	return conn, nil
}

type didExchangeBody struct {
	DID          string                  `json:"did"`
	DIDDocAttach crypto.SignedAttachment `json:"did_doc~attach"`
}

// HandleRequest is the inviter-side handler: verifies the signed DID
// document attachment, replaces the invitation connection with a
// relationship connection, and replies with its own signed attachment.
func (de *DIDExchange) HandleRequest(msg *Message, conn *Connection) (*Message, error) {
	if err := conn.Transition(EventReceiveRequest); err != nil {
		return nil, err
	}

	var body didExchangeBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	docJSON, signer, err := crypto.VerifyAttachment(body.DIDDocAttach)
	if err != nil {
		return nil, &SignatureInvalidError{Reason: err.Error()}
	}
	var doc map[string]any
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return nil, fmt.Errorf("parse attached diddoc: %w", err)
	}
	recipients, endpoint, err := RecipientKeysAndEndpoint(NormalizeLegacyDoc(doc))
	if err != nil {
		return nil, fmt.Errorf("request diddoc: %w", err)
	}
	_ = signer // the attachment signer need not match a recipient key exactly

	invitationKey := conn.VerkeyB58()
	rel, err := FromInvite(conn, de.packer)
	if err != nil {
		return nil, err
	}
	rel.Target = &Target{Recipients: recipients, Endpoint: endpoint}
	de.registry.Replace(invitationKey, rel, conn.Multiuse)

	if err := rel.Transition(EventSendResponse); err != nil {
		return nil, err
	}

	ownDoc := NewDIDDoc(rel.DID, rel.VerkeyB58(), de.endpoint)
	ownDocJSON, err := json.Marshal(ownDoc)
	if err != nil {
		return nil, err
	}
	attach, err := crypto.SignAttachment(ownDocJSON, crypto.KeyPair{Verkey: rel.Verkey, Sigkey: rel.Sigkey})
	if err != nil {
		return nil, err
	}

	thid := msg.ThreadID
	if thid == "" {
		thid = msg.ID
	}
	resp := &Message{
		Type:     CurrentDocURI + didExchangeProto + "/" + didExchangeVersion + "/response",
		ThreadID: thid,
		Body: map[string]any{
			"did":            rel.DID,
			"did_doc~attach": attach,
		},
	}
	return resp, nil
}

// HandleResponse is the invitee-side handler: verifies the peer's
// signed response, adopts its target, and completes the exchange.
func (de *DIDExchange) HandleResponse(msg *Message, conn *Connection) (*Message, error) {
	var body didExchangeBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	docJSON, _, err := crypto.VerifyAttachment(body.DIDDocAttach)
	if err != nil {
		return nil, &SignatureInvalidError{Reason: err.Error()}
	}
	var doc map[string]any
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return nil, fmt.Errorf("parse attached diddoc: %w", err)
	}
	recipients, endpoint, err := RecipientKeysAndEndpoint(NormalizeLegacyDoc(doc))
	if err != nil {
		return nil, fmt.Errorf("response diddoc: %w", err)
	}
	conn.Target = &Target{Recipients: recipients, Endpoint: endpoint}

	if err := conn.Transition(EventReceiveResponse); err != nil {
		return nil, err
	}

	thid := msg.ThreadID
	if thid == "" {
		thid = msg.ID
	}
	complete := &Message{
		Type:           CurrentDocURI + didExchangeProto + "/" + didExchangeVersion + "/complete",
		ThreadID:       thid,
		ParentThreadID: msg.ParentThreadID,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = conn.SendAsync(ctx, complete, "")
	}()

	if err := conn.Transition(EventSendComplete); err != nil {
		return nil, err
	}
	conn.Complete()
	return nil, nil
}

// HandleComplete finishes the inviter side on receipt of the `complete`
// message.
func (de *DIDExchange) HandleComplete(msg *Message, conn *Connection) (*Message, error) {
	if conn.State == StateComplete {
		return nil, nil
	}
	if err := conn.Transition(EventReceiveComplete); err != nil {
		return nil, err
	}
	conn.Complete()
	return nil, nil
}
