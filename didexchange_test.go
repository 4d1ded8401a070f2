package mediator

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/proxy-mediator/proxy-mediator/crypto"
	"github.com/proxy-mediator/proxy-mediator/resolver"
)

func newTestDIDExchange(registry *Registry, endpoint string) *DIDExchange {
	return NewDIDExchange(registry, crypto.NaClPacker{}, resolver.NewRegistry(), endpoint)
}

func TestDIDExchange_CreateInvitation(t *testing.T) {
	registry := newTestRegistry(t)
	de := newTestDIDExchange(registry, "https://inviter.test/")

	conn, inviteURL, err := de.CreateInvitation(false)
	if err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}
	if conn.State != StateInviteSent {
		t.Errorf("State = %v, want StateInviteSent", conn.State)
	}
	if _, ok := registry.Lookup(conn.VerkeyB58()); !ok {
		t.Error("CreateInvitation should register the invitation connection")
	}

	u, err := url.Parse(inviteURL)
	if err != nil {
		t.Fatalf("parse invite url: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(u.Query().Get("oob"))
	if err != nil {
		t.Fatalf("decode oob: %v", err)
	}
	var inv oobInvitation
	if err := json.Unmarshal(raw, &inv); err != nil {
		t.Fatalf("unmarshal invitation: %v", err)
	}
	if len(inv.Services) != 1 || len(inv.Services[0].RecipientKeys) != 1 {
		t.Fatalf("Services = %v", inv.Services)
	}
	wantKey := crypto.PublicKeyToDIDKey(conn.Verkey)
	if inv.Services[0].RecipientKeys[0] != wantKey {
		t.Errorf("RecipientKeys[0] = %q, want %q", inv.Services[0].RecipientKeys[0], wantKey)
	}
	if inv.Services[0].ServiceEndpoint != "https://inviter.test/" {
		t.Errorf("ServiceEndpoint = %q", inv.Services[0].ServiceEndpoint)
	}
}

// TestDIDExchange_FullHandshake drives HandleRequest/HandleResponse/
// HandleComplete directly against hand-built messages, sidestepping the
// HTTP transport so the state machine and attachment-signature logic are
// exercised without a network round trip.
func TestDIDExchange_FullHandshake(t *testing.T) {
	packer := crypto.NaClPacker{}

	inviterRegistry := newTestRegistry(t)
	inviter := newTestDIDExchange(inviterRegistry, "https://inviter.test/")

	inviteConn, _, err := inviter.CreateInvitation(false)
	if err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}

	// Invitee builds its own connection and signed attachment, as
	// ReceiveInviteURL would, but without sending it over the network.
	invitee, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	invitee.Target = &Target{Recipients: []string{inviteConn.VerkeyB58()}, Endpoint: "https://invitee.test/"}
	if err := invitee.Transition(EventReceiveInvite); err != nil {
		t.Fatalf("invitee Transition(EventReceiveInvite): %v", err)
	}
	if err := invitee.Transition(EventSendRequest); err != nil {
		t.Fatalf("invitee Transition(EventSendRequest): %v", err)
	}

	doc := NewDIDDoc(invitee.DID, invitee.VerkeyB58(), "https://invitee.test/")
	docJSON, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	attach, err := crypto.SignAttachment(docJSON, crypto.KeyPair{Verkey: invitee.Verkey, Sigkey: invitee.Sigkey})
	if err != nil {
		t.Fatalf("SignAttachment: %v", err)
	}

	reqMsg := &Message{
		ID:   "req-1",
		Type: CurrentDocURI + didExchangeProto + "/" + didExchangeVersion + "/request",
		Body: map[string]any{
			"did":            invitee.DID,
			"did_doc~attach": attach,
		},
	}

	respMsg, err := inviter.HandleRequest(reqMsg, inviteConn)
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if respMsg == nil || !strings.HasSuffix(respMsg.Type, "/response") {
		t.Fatalf("expected a response message, got %+v", respMsg)
	}

	var respBody didExchangeBody
	if err := respMsg.UnmarshalBody(&respBody); err != nil {
		t.Fatalf("UnmarshalBody: %v", err)
	}
	if _, _, err := crypto.VerifyAttachment(respBody.DIDDocAttach); err != nil {
		t.Errorf("inviter's own response attachment does not verify: %v", err)
	}

	// Now feed that response to the invitee's own HandleResponse.
	if _, err := inviter.HandleResponse(respMsg, invitee); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if invitee.State != StateComplete {
		t.Errorf("invitee State = %v, want StateComplete", invitee.State)
	}
	select {
	case <-invitee.completion:
	default:
		t.Error("invitee connection should be marked complete")
	}
}

// TestDIDExchange_HandleRequest_TamperedAttachmentFails exercises spec
// scenario 2's tampering case: any bit flip in the signed DID-doc
// attachment must cause the inviter to abort with SignatureInvalidError
// rather than accept a forged DID document.
func TestDIDExchange_HandleRequest_TamperedAttachmentFails(t *testing.T) {
	packer := crypto.NaClPacker{}

	inviterRegistry := newTestRegistry(t)
	inviter := newTestDIDExchange(inviterRegistry, "https://inviter.test/")

	inviteConn, _, err := inviter.CreateInvitation(false)
	if err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}

	invitee, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	doc := NewDIDDoc(invitee.DID, invitee.VerkeyB58(), "https://invitee.test/")
	docJSON, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	attach, err := crypto.SignAttachment(docJSON, crypto.KeyPair{Verkey: invitee.Verkey, Sigkey: invitee.Sigkey})
	if err != nil {
		t.Fatalf("SignAttachment: %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(attach.Data.Base64)
	if err != nil {
		t.Fatalf("decode attachment payload: %v", err)
	}
	raw[0] ^= 0x01
	attach.Data.Base64 = base64.RawURLEncoding.EncodeToString(raw)

	reqMsg := &Message{
		ID:   "req-1",
		Type: CurrentDocURI + didExchangeProto + "/" + didExchangeVersion + "/request",
		Body: map[string]any{
			"did":            invitee.DID,
			"did_doc~attach": attach,
		},
	}

	_, err = inviter.HandleRequest(reqMsg, inviteConn)
	if _, ok := err.(*SignatureInvalidError); !ok {
		t.Fatalf("expected SignatureInvalidError for a tampered attachment, got %v", err)
	}
}

func TestDIDExchange_HandleComplete_CompletesOnce(t *testing.T) {
	registry := newTestRegistry(t)
	de := newTestDIDExchange(registry, "https://inviter.test/")

	conn := newTestConnection(t)
	conn.State = StateResponseSent

	reply, err := de.HandleComplete(&Message{ID: "complete-1"}, conn)
	if err != nil {
		t.Fatalf("HandleComplete: %v", err)
	}
	if reply != nil {
		t.Errorf("expected no reply, got %+v", reply)
	}
	if conn.State != StateComplete {
		t.Errorf("State = %v, want StateComplete", conn.State)
	}

	// A second complete on an already-complete connection is a no-op,
	// not an error.
	if _, err := de.HandleComplete(&Message{ID: "complete-2"}, conn); err != nil {
		t.Errorf("HandleComplete on an already-complete connection should be a no-op, got %v", err)
	}
}
