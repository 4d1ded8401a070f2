package mediator

import (
	"context"
	"testing"

	"github.com/proxy-mediator/proxy-mediator/crypto"
)

func TestMemoryStore_ConnectionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	packer := crypto.NaClPacker{}

	conn := newTestConnection(t)
	conn.Target = &Target{Recipients: []string{"r1"}, Endpoint: "https://example.test/"}
	conn.State = StateResponded

	if err := PersistConnection(ctx, store, conn); err != nil {
		t.Fatalf("PersistConnection: %v", err)
	}

	restored, err := RestoreConnections(ctx, store, packer)
	if err != nil {
		t.Fatalf("RestoreConnections: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("restored %d connections, want 1", len(restored))
	}
	if restored[0].VerkeyB58() != conn.VerkeyB58() {
		t.Errorf("verkey mismatch")
	}
	if restored[0].State != StateResponded {
		t.Errorf("State = %v, want StateResponded", restored[0].State)
	}
}

func TestMemoryStore_PersistOverwritesOnDuplicateKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conn := newTestConnection(t)
	conn.State = StateNull
	if err := PersistConnection(ctx, store, conn); err != nil {
		t.Fatalf("PersistConnection: %v", err)
	}

	conn.State = StateComplete
	if err := PersistConnection(ctx, store, conn); err != nil {
		t.Fatalf("PersistConnection (overwrite): %v", err)
	}

	records, err := store.RetrieveConnections(ctx)
	if err != nil {
		t.Fatalf("RetrieveConnections: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want exactly one (overwritten)", len(records))
	}
}

func TestRestoreDistinguished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	packer := crypto.NaClPacker{}

	mediatorConn := newTestConnection(t)
	mediatorConn.State = StateComplete
	agentConn := newTestConnection(t)
	agentConn.State = StateComplete

	if err := PersistConnection(ctx, store, mediatorConn); err != nil {
		t.Fatalf("PersistConnection(mediator): %v", err)
	}
	if err := PersistConnection(ctx, store, agentConn); err != nil {
		t.Fatalf("PersistConnection(agent): %v", err)
	}
	if err := store.StoreMediatorKey(ctx, mediatorConn.VerkeyB58(), mediatorConn.Sigkey.Seed()); err != nil {
		t.Fatalf("StoreMediatorKey: %v", err)
	}
	if err := store.StoreAgentKey(ctx, agentConn.VerkeyB58(), agentConn.Sigkey.Seed()); err != nil {
		t.Fatalf("StoreAgentKey: %v", err)
	}

	restored, err := RestoreConnections(ctx, store, packer)
	if err != nil {
		t.Fatalf("RestoreConnections: %v", err)
	}
	byVerkey := make(map[string]*Connection, len(restored))
	for _, c := range restored {
		byVerkey[c.VerkeyB58()] = c
	}

	gotAgent, gotMediator, err := RestoreDistinguished(ctx, store, byVerkey)
	if err != nil {
		t.Fatalf("RestoreDistinguished: %v", err)
	}
	if gotAgent == nil || gotAgent.VerkeyB58() != agentConn.VerkeyB58() {
		t.Errorf("agent connection mismatch: %v", gotAgent)
	}
	if gotMediator == nil || gotMediator.VerkeyB58() != mediatorConn.VerkeyB58() {
		t.Errorf("mediator connection mismatch: %v", gotMediator)
	}
}

func TestRegistry_SetDistinguishedConnectionPersistsKey(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	store := NewMemoryStore()
	registry.SetStore(store)

	mediatorConn := newTestConnection(t)
	registry.SetMediatorConnection(mediatorConn)

	verkey, seed, found, err := store.RetrieveMediatorKey(ctx)
	if err != nil || !found {
		t.Fatalf("RetrieveMediatorKey: found=%v err=%v", found, err)
	}
	if verkey != mediatorConn.VerkeyB58() || string(seed) != string(mediatorConn.Sigkey.Seed()) {
		t.Errorf("stored mediator key mismatch")
	}
}

func TestMemoryStore_AgentAndMediatorKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, _, found, err := store.RetrieveAgentKey(ctx); err != nil || found {
		t.Fatalf("expected no agent key yet, got found=%v err=%v", found, err)
	}

	if err := store.StoreAgentKey(ctx, "verkey-a", []byte("seed-a")); err != nil {
		t.Fatalf("StoreAgentKey: %v", err)
	}
	verkey, seed, found, err := store.RetrieveAgentKey(ctx)
	if err != nil || !found {
		t.Fatalf("RetrieveAgentKey: found=%v err=%v", found, err)
	}
	if verkey != "verkey-a" || string(seed) != "seed-a" {
		t.Errorf("got verkey=%q seed=%q", verkey, seed)
	}
}
