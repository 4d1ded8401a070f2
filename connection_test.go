package mediator

import (
	"context"
	"testing"
	"time"

	"github.com/proxy-mediator/proxy-mediator/crypto"
)

func TestConnection_PackUnpack_RoundTrip(t *testing.T) {
	packer := crypto.NaClPacker{}
	a, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	b, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	a.Target = &Target{Recipients: []string{b.VerkeyB58()}, Endpoint: "https://example.test/"}

	packed, err := a.Pack([]byte(`{"@type":"x","@id":"1"}`))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	msg, err := b.Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if msg.Type != "x" {
		t.Errorf("Type = %q, want x", msg.Type)
	}
	if msg.Trust == nil || msg.Trust.SenderVerkey != a.VerkeyB58() {
		t.Errorf("Trust.SenderVerkey = %+v, want %q", msg.Trust, a.VerkeyB58())
	}
}

func TestConnection_Pack_NoTarget(t *testing.T) {
	packer := crypto.NaClPacker{}
	a, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if _, err := a.Pack([]byte("x")); err == nil {
		t.Error("expected an error packing with no target")
	}
}

func TestConnection_DeliverWakesAwaiter(t *testing.T) {
	packer := crypto.NaClPacker{}
	conn, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	ch := conn.await("pong")
	msg := &Message{Type: "pong"}
	if !conn.Deliver(msg) {
		t.Fatal("Deliver should report the message was consumed")
	}
	select {
	case got := <-ch:
		if got != msg {
			t.Error("awaiter received the wrong message")
		}
	case <-time.After(time.Second):
		t.Fatal("awaiter never received the delivered message")
	}
}

func TestConnection_Deliver_NoAwaiter(t *testing.T) {
	packer := crypto.NaClPacker{}
	conn, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if conn.Deliver(&Message{Type: "unexpected"}) {
		t.Error("Deliver should report false with no matching awaiter")
	}
}

func TestConnection_Completion(t *testing.T) {
	packer := crypto.NaClPacker{}
	conn, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Completion(ctx) }()
	conn.Complete()
	conn.Complete() // must not panic or double-close

	if err := <-done; err != nil {
		t.Fatalf("Completion: %v", err)
	}
}

func TestConnection_ToStore_RoundTrip(t *testing.T) {
	packer := crypto.NaClPacker{}
	conn, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	conn.Target = &Target{Recipients: []string{"r1"}, Endpoint: "https://example.test/"}
	conn.State = StateResponded

	data, err := conn.ToStore()
	if err != nil {
		t.Fatalf("ToStore: %v", err)
	}

	restored, err := ConnectionFromStoreRecord(data, packer)
	if err != nil {
		t.Fatalf("ConnectionFromStoreRecord: %v", err)
	}
	if restored.VerkeyB58() != conn.VerkeyB58() {
		t.Errorf("verkey mismatch: %q != %q", restored.VerkeyB58(), conn.VerkeyB58())
	}
	if restored.State != StateResponded {
		t.Errorf("State = %v, want StateResponded", restored.State)
	}
	if restored.Target == nil || restored.Target.Endpoint != conn.Target.Endpoint {
		t.Errorf("Target = %+v, want %+v", restored.Target, conn.Target)
	}
}

func TestTransition_Connection(t *testing.T) {
	packer := crypto.NaClPacker{}
	conn, err := NewConnection(packer)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if err := conn.Transition(EventSendInvite); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if conn.State != StateInviteSent {
		t.Errorf("State = %v, want StateInviteSent", conn.State)
	}
	if err := conn.Transition(EventSendPing); err == nil {
		t.Error("expected an illegal-transition error")
	}
}
