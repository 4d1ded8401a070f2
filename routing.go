package mediator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	routingProtocol = "routing"
	routingVersion  = "1.0"
)

// Routing implements RFC-0046 Routing: relaying a `forward` envelope's
// enclosed packed message to the downstream agent connection's
// endpoint, verbatim and without re-encryption.
type Routing struct {
	registry *Registry
	client   *http.Client
}

// NewRouting constructs the Routing protocol handler.
func NewRouting(registry *Registry) *Routing {
	return &Routing{registry: registry, client: http.DefaultClient}
}

// Register wires the forward handler into d.
func (rt *Routing) Register(d *Dispatcher) {
	d.RegisterProtocol(routingProtocol, routingVersion, "forward", rt.HandleForward)
}

type forwardBody struct {
	To  string          `json:"to"`
	Msg json.RawMessage `json:"msg"`
}

// HandleForward checks, in order, that a downstream agent connection
// exists, that an upstream mediator connection exists, and that the
// forward arrived on that exact mediator connection, before relaying
// its enclosed message verbatim to the agent connection's endpoint.
func (rt *Routing) HandleForward(msg *Message, conn *Connection) (*Message, error) {
	agentConn := rt.registry.AgentConnection()
	if agentConn == nil {
		return nil, &AgentConnectionNotEstablishedError{}
	}
	mediatorConn := rt.registry.MediatorConnection()
	if mediatorConn == nil {
		return nil, &MediatorConnectionNotEstablishedError{}
	}
	if conn.VerkeyB58() != mediatorConn.VerkeyB58() {
		return nil, &ForwardFromUnauthorizedConnectionError{}
	}

	var body forwardBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, fmt.Errorf("parse forward: %w", err)
	}

	agentConn.mu.Lock()
	endpoint := ""
	if agentConn.Target != nil {
		endpoint = agentConn.Target.Endpoint
	}
	agentConn.mu.Unlock()
	if endpoint == "" {
		return nil, &AgentConnectionNotEstablishedError{}
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body.Msg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/didcomm-envelope-enc")
	resp, err := rt.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	defer resp.Body.Close()
	return nil, nil
}
