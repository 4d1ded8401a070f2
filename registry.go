package mediator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/proxy-mediator/proxy-mediator/crypto"
)

// LifecycleState is the proxy's own bootstrap state, reported on
// GET /status.
type LifecycleState int

const (
	LifecycleInit LifecycleState = iota
	LifecycleSetup
	LifecycleReady
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleInit:
		return "init"
	case LifecycleSetup:
		return "setup"
	case LifecycleReady:
		return "ready"
	default:
		return "init"
	}
}

// Registry is the Agent core (C4): a map of local verkey to Connection,
// plus the two distinguished slots for the upstream mediator connection
// and the downstream agent connection.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	mediatorConnection *Connection
	agentConnection    *Connection
	mediatorSet        chan struct{}
	mediatorSetOnce    sync.Once

	lifecycle  LifecycleState
	dispatcher *Dispatcher
	packer     crypto.Packer
	onError    ErrorHandler
	store      Store
}

// SetStore attaches a Store. Once attached, Register/Replace and the
// mediator/agent connection setters persist the affected connections
// automatically; failures are routed to the registry's ErrorHandler
// rather than returned, matching the rest of Registry's error handling.
func (r *Registry) SetStore(s Store) {
	r.mu.Lock()
	r.store = s
	r.mu.Unlock()
}

func (r *Registry) persist(conn *Connection) {
	r.mu.RLock()
	s := r.store
	r.mu.RUnlock()
	if s == nil {
		return
	}
	if err := PersistConnection(context.Background(), s, conn); err != nil {
		r.onError(SDKError{Kind: ErrKindTransportWrite, Cause: err, Timestamp: time.Now()})
	}
}

// persistDistinguished records which verkey is the named distinguished
// slot (agent/mediator): only the base58 verkey is stored, and the full
// connection is found by lookup in the connections collection. This is
// what lets a restart repopulate MediatorConnection()/AgentConnection()
// without a fresh handshake.
func (r *Registry) persistDistinguished(role string, conn *Connection) {
	r.mu.RLock()
	s := r.store
	r.mu.RUnlock()
	if s == nil {
		return
	}
	var err error
	switch role {
	case "agent":
		err = s.StoreAgentKey(context.Background(), conn.VerkeyB58(), conn.Sigkey.Seed())
	case "mediator":
		err = s.StoreMediatorKey(context.Background(), conn.VerkeyB58(), conn.Sigkey.Seed())
	}
	if err != nil {
		r.onError(SDKError{Kind: ErrKindTransportWrite, Cause: err, Timestamp: time.Now()})
	}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(packer crypto.Packer, dispatcher *Dispatcher, onError ErrorHandler) *Registry {
	if onError == nil {
		onError = func(SDKError) {}
	}
	return &Registry{
		connections: make(map[string]*Connection),
		dispatcher:  dispatcher,
		packer:      packer,
		onError:     onError,
		mediatorSet: make(chan struct{}),
	}
}

// Register inserts conn by its verkey.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	r.connections[conn.VerkeyB58()] = conn
	r.mu.Unlock()
	r.persist(conn)
}

// Replace atomically removes oldKey (unless keepOld, e.g. a multiuse
// invitation) and inserts newConn, modeling the transition from an
// ephemeral invitation connection to a full relationship connection.
func (r *Registry) Replace(oldKey string, newConn *Connection, keepOld bool) {
	r.mu.Lock()
	if !keepOld {
		delete(r.connections, oldKey)
	}
	r.connections[newConn.VerkeyB58()] = newConn
	r.mu.Unlock()
	r.persist(newConn)
}

// Lookup returns the connection registered under verkey, if any.
func (r *Registry) Lookup(verkey string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[verkey]
	return c, ok
}

// SetMediatorConnection records the upstream mediator connection and
// registers it.
func (r *Registry) SetMediatorConnection(conn *Connection) {
	r.mu.Lock()
	r.mediatorConnection = conn
	r.connections[conn.VerkeyB58()] = conn
	r.mu.Unlock()
	r.mediatorSetOnce.Do(func() { close(r.mediatorSet) })
	r.persist(conn)
	r.persistDistinguished("mediator", conn)
}

// MediatorConnection returns the upstream mediator connection, or nil.
func (r *Registry) MediatorConnection() *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mediatorConnection
}

// WaitForMediatorConnection blocks until SetMediatorConnection has been
// called at least once, or ctx expires. Used by the retriever's
// bootstrap goroutine, which must not start polling before the upstream
// mediator connection exists, without resorting to a busy-poll.
func (r *Registry) WaitForMediatorConnection(ctx context.Context) (*Connection, error) {
	r.mu.RLock()
	already := r.mediatorConnection
	ch := r.mediatorSet
	r.mu.RUnlock()
	if already != nil {
		return already, nil
	}
	select {
	case <-ch:
		return r.MediatorConnection(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetAgentConnection records the downstream agent connection and
// registers it.
func (r *Registry) SetAgentConnection(conn *Connection) {
	r.mu.Lock()
	r.agentConnection = conn
	r.connections[conn.VerkeyB58()] = conn
	r.mu.Unlock()
	r.persist(conn)
	r.persistDistinguished("agent", conn)
}

// AgentConnection returns the downstream agent connection, or nil.
func (r *Registry) AgentConnection() *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agentConnection
}

// SetLifecycle updates the reported bootstrap state.
func (r *Registry) SetLifecycle(s LifecycleState) {
	r.mu.Lock()
	r.lifecycle = s
	r.mu.Unlock()
}

// Lifecycle returns the current bootstrap state.
func (r *Registry) Lifecycle() LifecycleState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lifecycle
}

// ConnectionsForMessage extracts recipient kids from packed and returns
// every registered connection whose verkey matches one of them.
func (r *Registry) ConnectionsForMessage(packed []byte) ([]*Connection, error) {
	kids, err := Recipients(packed)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []*Connection
	for _, kid := range kids {
		if c, ok := r.connections[kid]; ok {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, &ConnectionNotFoundError{Kids: kids}
	}
	return matches, nil
}

// HandleMessage unpacks packed against every matching connection,
// dispatches each decoded message, and returns the bytes of at most one
// packed reply. Per-connection failures are routed to the registry's
// ErrorHandler and do not affect processing of the other connections.
func (r *Registry) HandleMessage(packed []byte) ([]byte, error) {
	conns, err := r.ConnectionsForMessage(packed)
	if err != nil {
		r.onError(SDKError{Kind: ErrKindNoConnection, Cause: err, Timestamp: time.Now()})
		return nil, nil
	}

	var replyPacked []byte
	for _, conn := range conns {
		msg, err := conn.Unpack(packed)
		if err != nil {
			r.onError(SDKError{Kind: ErrKindParseFailure, Cause: err, Timestamp: time.Now()})
			continue
		}

		if conn.Deliver(msg) {
			continue
		}

		reply, err := r.dispatch(msg, conn)
		if err != nil {
			r.onError(SDKError{Kind: ErrKindHandlerPanic, MessageID: msg.ID, Type: msg.Type, Cause: err, Timestamp: time.Now()})
			continue
		}
		if reply != nil && replyPacked == nil {
			data, err := marshalMessage(reply)
			if err != nil {
				r.onError(SDKError{Kind: ErrKindTransportWrite, Cause: err, Timestamp: time.Now()})
				continue
			}
			packedReply, err := conn.Pack(data)
			if err != nil {
				r.onError(SDKError{Kind: ErrKindTransportWrite, Cause: err, Timestamp: time.Now()})
				continue
			}
			replyPacked = packedReply
		}
	}
	return replyPacked, nil
}

func (r *Registry) dispatch(msg *Message, conn *Connection) (reply *Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.dispatcher.Dispatch(msg, conn)
}
