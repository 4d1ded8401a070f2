package mediator

import (
	"context"
	"sync"

	"github.com/proxy-mediator/proxy-mediator/crypto"
)

const (
	coordMediationProtocol = "coordinate-mediation"
	coordMediationVersion  = "1.0"
)

// Mediation implements RFC-0211 Coordinate Mediation from both sides at
// once: the proxy is a mediation *client* of its upstream mediator
// connection and a mediation *grantor* to its downstream agent
// connection, inserting its own key as an additional routing key on the
// grants it issues.
type Mediation struct {
	registry *Registry
	packer   crypto.Packer

	mu               sync.Mutex
	requestPending   bool
	upstreamGranted  bool
	upstreamEndpoint string
	upstreamRouting  []string
}

// NewMediation constructs the Coordinate Mediation handler set.
func NewMediation(registry *Registry, packer crypto.Packer) *Mediation {
	return &Mediation{registry: registry, packer: packer}
}

// Register wires mediate-grant/mediate-request/keylist-update handlers
// into d.
func (m *Mediation) Register(d *Dispatcher) {
	d.RegisterProtocol(coordMediationProtocol, coordMediationVersion, "mediate-request", m.HandleMediateRequest)
	d.RegisterProtocol(coordMediationProtocol, coordMediationVersion, "mediate-grant", m.HandleMediateGrant)
	d.RegisterProtocol(coordMediationProtocol, coordMediationVersion, "keylist-update", m.HandleKeylistUpdate)
}

type mediateGrantBody struct {
	Endpoint    string   `json:"endpoint"`
	RoutingKeys []string `json:"routing_keys"`
}

type keylistUpdateItem struct {
	RecipientKey string `json:"recipient_key"`
	Action       string `json:"action"`
}

type keylistUpdateBody struct {
	Updates []keylistUpdateItem `json:"updates"`
}

type keylistUpdateResponseItem struct {
	RecipientKey string `json:"recipient_key"`
	Action       string `json:"action"`
	Result       string `json:"result"`
}

type keylistUpdateResponseBody struct {
	Updates []keylistUpdateResponseItem `json:"updated"`
}

// RequestMediationFromExternal sends a mediate-request to the upstream
// mediator connection and blocks until its mediate-grant arrives.
// Returns RequestAlreadyPendingError if a request is already in flight.
func (m *Mediation) RequestMediationFromExternal(ctx context.Context) error {
	m.mu.Lock()
	if m.requestPending {
		m.mu.Unlock()
		return &RequestAlreadyPendingError{}
	}
	m.requestPending = true
	m.mu.Unlock()

	upstream := m.registry.MediatorConnection()
	if upstream == nil {
		m.mu.Lock()
		m.requestPending = false
		m.mu.Unlock()
		return &MediatorConnectionNotEstablishedError{}
	}

	req := &Message{Type: CurrentDocURI + coordMediationProtocol + "/" + coordMediationVersion + "/mediate-request"}
	replyType := CurrentDocURI + coordMediationProtocol + "/" + coordMediationVersion + "/mediate-grant"
	reply, err := upstream.SendAndAwaitReturned(ctx, req, replyType)
	m.mu.Lock()
	m.requestPending = false
	m.mu.Unlock()
	if err != nil {
		return err
	}

	var body mediateGrantBody
	if err := reply.UnmarshalBody(&body); err != nil {
		return err
	}
	m.mu.Lock()
	m.upstreamGranted = true
	m.upstreamEndpoint = body.Endpoint
	m.upstreamRouting = body.RoutingKeys
	m.mu.Unlock()
	return nil
}

// SendKeylistUpdate sends a keylist-update applying action ("add" or
// "remove") for recipientKey to the upstream mediator's keylist for this
// proxy's own connection, so forwarded messages addressed to an added
// recipientKey are routed here.
func (m *Mediation) SendKeylistUpdate(ctx context.Context, recipientKey, action string) error {
	upstream := m.registry.MediatorConnection()
	if upstream == nil {
		return &MediatorConnectionNotEstablishedError{}
	}
	update := &Message{
		Type: CurrentDocURI + coordMediationProtocol + "/" + coordMediationVersion + "/keylist-update",
		Body: keylistUpdateBody{Updates: []keylistUpdateItem{{RecipientKey: recipientKey, Action: action}}},
	}
	replyType := CurrentDocURI + coordMediationProtocol + "/" + coordMediationVersion + "/keylist-update-response"
	_, err := upstream.SendAndAwaitReturned(ctx, update, replyType)
	return err
}

// HandleMediateRequest grants mediation to the downstream agent
// connection, offering routing_keys with the proxy's own did:key first
// followed by the normalized keys the proxy's own upstream mediator
// requires it to route through.
func (m *Mediation) HandleMediateRequest(msg *Message, conn *Connection) (*Message, error) {
	m.mu.Lock()
	granted := m.upstreamGranted
	endpoint := m.upstreamEndpoint
	upstreamRouting := append([]string(nil), m.upstreamRouting...)
	m.mu.Unlock()
	if !granted {
		return nil, &ExternalMediationNotEstablishedError{}
	}

	m.registry.SetAgentConnection(conn)

	upstream := m.registry.MediatorConnection()
	if upstream == nil {
		return nil, &MediatorConnectionNotEstablishedError{}
	}
	normalizedUpstream := make([]string, len(upstreamRouting))
	for i, k := range upstreamRouting {
		normalizedUpstream[i] = normalizeDIDKeyRouting(k)
	}
	routingKeys := append([]string{crypto.PublicKeyToDIDKey(upstream.Verkey)}, normalizedUpstream...)

	thid := msg.ThreadID
	if thid == "" {
		thid = msg.ID
	}
	return &Message{
		Type:     CurrentDocURI + coordMediationProtocol + "/" + coordMediationVersion + "/mediate-grant",
		ThreadID: thid,
		Body:     mediateGrantBody{Endpoint: endpoint, RoutingKeys: routingKeys},
	}, nil
}

// normalizeDIDKeyRouting converts a routing key reported by the
// upstream mediator into did:key form, leaving an already-did:key value
// untouched. Upstream mediators vary in whether they report routing
// keys as bare base58 verkeys or as did:key URIs, and routing_keys
// handed onward to the downstream agent must be uniformly did:key.
func normalizeDIDKeyRouting(key string) string {
	if crypto.IsDIDKey(key) {
		return key
	}
	didKey, err := crypto.VerkeyToDIDKey(key)
	if err != nil {
		return key
	}
	return didKey
}

// HandleMediateGrant handles an unsolicited mediate-grant. Ordinary
// grants are consumed directly by RequestMediationFromExternal's
// SendAndAwaitReturned; this handler only fires for grants with no
// matching waiter.
func (m *Mediation) HandleMediateGrant(msg *Message, conn *Connection) (*Message, error) {
	return nil, &UnexpectedMediationGrantError{}
}

// HandleKeylistUpdate acknowledges a keylist-update from the downstream
// agent connection. The proxy does not maintain its own recipient-key
// allowlist beyond the registry itself, so every requested update
// succeeds.
func (m *Mediation) HandleKeylistUpdate(msg *Message, conn *Connection) (*Message, error) {
	var body keylistUpdateBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return nil, err
	}
	resp := keylistUpdateResponseBody{Updates: make([]keylistUpdateResponseItem, 0, len(body.Updates))}
	for _, u := range body.Updates {
		resp.Updates = append(resp.Updates, keylistUpdateResponseItem{
			RecipientKey: u.RecipientKey,
			Action:       u.Action,
			Result:       "success",
		})
	}

	thid := msg.ThreadID
	if thid == "" {
		thid = msg.ID
	}
	return &Message{
		Type:     CurrentDocURI + coordMediationProtocol + "/" + coordMediationVersion + "/keylist-update-response",
		ThreadID: thid,
		Body:     resp,
	}, nil
}
