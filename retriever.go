package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Retriever holds the long-lived WebSocket session to the upstream
// mediator connection's active-retrieval endpoint: it dispatches
// incoming binary frames through the registry exactly like an inbound
// HTTP POST, and periodically sends a return-routed trust_ping so the
// upstream mediator has a live transport to push queued messages over.
type Retriever struct {
	registry     *Registry
	pollInterval time.Duration
	logger       *log.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

// NewRetriever constructs a Retriever that polls every pollInterval
// seconds.
func NewRetriever(registry *Registry, pollIntervalSeconds int, logger *log.Logger) *Retriever {
	if pollIntervalSeconds <= 0 {
		pollIntervalSeconds = 20
	}
	return &Retriever{
		registry:     registry,
		pollInterval: time.Duration(pollIntervalSeconds) * time.Second,
		logger:       logger,
	}
}

// wsEndpoint scans a mediator connection's DID document for a ws/wss
// service endpoint, as the upstream mediator advertises its
// active-retrieval transport alongside its ordinary HTTP one.
func wsEndpoint(conn *Connection) (string, error) {
	if conn.Target == nil || conn.Target.Endpoint == "" {
		return "", fmt.Errorf("retriever: mediator connection has no endpoint")
	}
	endpoint := conn.Target.Endpoint
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}
	if len(conn.DIDDoc) > 0 {
		var doc map[string]any
		if err := json.Unmarshal(conn.DIDDoc, &doc); err == nil {
			if services, ok := doc["service"].([]any); ok {
				for _, s := range services {
					svc, ok := s.(map[string]any)
					if !ok {
						continue
					}
					if se, ok := svc["serviceEndpoint"].(string); ok {
						if strings.HasPrefix(se, "ws://") || strings.HasPrefix(se, "wss://") {
							return se, nil
						}
					}
				}
			}
		}
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("retriever: invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Run dials the upstream mediator connection's WS endpoint and services
// it until ctx is canceled or the session ends. Per the retriever's
// design, a dropped WS is not retried here: Run returns the session
// error and the caller (cmd/proxy-mediator) must start a fresh Retriever
// if it wants to resume polling.
func (r *Retriever) Run(ctx context.Context) error {
	upstream := r.registry.MediatorConnection()
	if upstream == nil {
		return &MediatorConnectionNotEstablishedError{}
	}
	endpoint, err := wsEndpoint(upstream)
	if err != nil {
		return err
	}
	return r.session(ctx, endpoint, upstream)
}

func (r *Retriever) session(ctx context.Context, endpoint string, upstream *Connection) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("retriever: dial: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.done = make(chan struct{})
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	errCh := make(chan error, 1)
	go r.readLoop(conn, errCh)
	go r.pingLoop(ctx, upstream)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return fmt.Errorf("retriever: session closed")
	case err := <-errCh:
		return err
	}
}

func (r *Retriever) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		reply, err := r.registry.HandleMessage(data)
		if err != nil {
			if r.logger != nil {
				r.logger.Printf("[mediator] retriever: handle message: %v", err)
			}
			continue
		}
		if reply != nil {
			r.mu.Lock()
			c := r.conn
			r.mu.Unlock()
			if c != nil {
				_ = c.WriteMessage(websocket.BinaryMessage, reply)
			}
		}
	}
}

func (r *Retriever) pingLoop(ctx context.Context, upstream *Connection) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := &Message{
				Type: CurrentDocURI + trustPingProtocol + "/" + trustPingVersion + "/ping",
				Body: map[string]any{"response_requested": false},
			}
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := upstream.SendAsync(pctx, ping, "all")
			cancel()
			if err != nil && r.logger != nil {
				r.logger.Printf("[mediator] retriever: trust_ping: %v", err)
			}
		}
	}
}

// Close stops the current session, if any.
func (r *Retriever) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
