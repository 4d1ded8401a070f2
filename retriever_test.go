package mediator

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestWSEndpoint_DirectWSTarget(t *testing.T) {
	conn := newTestConnection(t)
	conn.Target = &Target{Recipients: []string{"k1"}, Endpoint: "ws://mediator.test/ws"}

	got, err := wsEndpoint(conn)
	if err != nil {
		t.Fatalf("wsEndpoint: %v", err)
	}
	if got != "ws://mediator.test/ws" {
		t.Errorf("got %q, want the endpoint unchanged", got)
	}
}

func TestWSEndpoint_FromDIDDocService(t *testing.T) {
	conn := newTestConnection(t)
	conn.Target = &Target{Recipients: []string{"k1"}, Endpoint: "https://mediator.test/"}
	doc, _ := json.Marshal(map[string]any{
		"service": []map[string]any{
			{"id": "#http", "type": "did-communication", "serviceEndpoint": "https://mediator.test/"},
			{"id": "#ws", "type": "did-communication", "serviceEndpoint": "wss://mediator.test/ws"},
		},
	})
	conn.DIDDoc = doc

	got, err := wsEndpoint(conn)
	if err != nil {
		t.Fatalf("wsEndpoint: %v", err)
	}
	if got != "wss://mediator.test/ws" {
		t.Errorf("got %q, want the wss service endpoint from the diddoc", got)
	}
}

func TestWSEndpoint_SchemeUpgradeFallback(t *testing.T) {
	conn := newTestConnection(t)
	conn.Target = &Target{Recipients: []string{"k1"}, Endpoint: "https://mediator.test/"}

	got, err := wsEndpoint(conn)
	if err != nil {
		t.Fatalf("wsEndpoint: %v", err)
	}
	if got != "wss://mediator.test/" {
		t.Errorf("got %q, want https upgraded to wss", got)
	}
}

func TestWSEndpoint_NoEndpoint(t *testing.T) {
	conn := newTestConnection(t)
	if _, err := wsEndpoint(conn); err == nil {
		t.Fatal("expected an error when the mediator connection has no endpoint yet")
	}
}

// TestRetriever_RunDoesNotRetryOnDialFailure checks that a dropped or
// unreachable WS session is not retried: Run must return promptly with
// the dial error instead of looping with backoff.
func TestRetriever_RunDoesNotRetryOnDialFailure(t *testing.T) {
	registry := newTestRegistry(t)
	mediatorConn := newTestConnection(t)
	mediatorConn.Target = &Target{Recipients: []string{"k1"}, Endpoint: "ws://127.0.0.1:1/unreachable"}
	registry.SetMediatorConnection(mediatorConn)

	r := NewRetriever(registry, 20, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := r.Run(ctx)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected Run to return an error for an unreachable endpoint")
	}
	if elapsed > 4*time.Second {
		t.Fatalf("Run took %v; a single failed dial should return promptly, not retry with backoff", elapsed)
	}
}

func TestRetriever_RunFailsWithoutMediatorConnection(t *testing.T) {
	registry := newTestRegistry(t)
	r := NewRetriever(registry, 20, nil)

	err := r.Run(context.Background())
	if _, ok := err.(*MediatorConnectionNotEstablishedError); !ok {
		t.Fatalf("expected MediatorConnectionNotEstablishedError, got %v", err)
	}
}
