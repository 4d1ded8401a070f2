package mediator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/proxy-mediator/proxy-mediator/crypto"
	"github.com/proxy-mediator/proxy-mediator/storepg"
	"github.com/proxy-mediator/proxy-mediator/storesqlite"
)

// Store is the persistence contract every backend (storesqlite,
// storepg, or the in-memory reference below) implements: connection
// records and the proxy's own long-lived agent/mediator keypairs,
// keyed by verkey with overwrite-on-duplicate semantics. Signatures use
// only primitive types so storesqlite and storepg can satisfy this
// interface without importing package mediator.
type Store interface {
	Open(ctx context.Context) error
	Close() error

	// Transaction runs fn with all Store operations inside it applied
	// atomically; a non-nil return rolls the backend transaction back.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	StoreConnection(ctx context.Context, verkey string, record []byte) error
	StoreAgentKey(ctx context.Context, verkey string, seed []byte) error
	StoreMediatorKey(ctx context.Context, verkey string, seed []byte) error

	RetrieveConnections(ctx context.Context) (map[string][]byte, error)
	RetrieveAgentKey(ctx context.Context) (verkey string, seed []byte, found bool, err error)
	RetrieveMediatorKey(ctx context.Context) (verkey string, seed []byte, found bool, err error)
}

// OpenStore dispatches on repoURI's scheme to the matching backend and
// opens it, retrying the initial connection with backoff since a
// freshly-started database container is a common startup race.
func OpenStore(ctx context.Context, repoURI string) (Store, error) {
	var s Store
	switch {
	case strings.HasPrefix(repoURI, "sqlite://"):
		s = storesqlite.New(strings.TrimPrefix(repoURI, "sqlite://"))
	case strings.HasPrefix(repoURI, "postgres://"), strings.HasPrefix(repoURI, "postgresql://"):
		s = storepg.New(repoURI)
	default:
		return nil, fmt.Errorf("store: unrecognized REPO_URI scheme in %q", repoURI)
	}

	b := newReconnectBackoff()
	const maxAttempts = 5
	var openErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if openErr = s.Open(ctx); openErr == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, &StoreError{Op: "open", Cause: openErr}
}

// MemoryStore is an in-process reference Store, used under test;
// OpenStore never selects it.
type MemoryStore struct {
	mu              sync.Mutex
	connections     map[string][]byte
	agentVerkey     string
	agentSeed       []byte
	mediatorVerkey  string
	mediatorSeed    []byte
	haveAgentKey    bool
	haveMediatorKey bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{connections: make(map[string][]byte)}
}

func (m *MemoryStore) Open(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

func (m *MemoryStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx)
}

func (m *MemoryStore) StoreConnection(ctx context.Context, verkey string, record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[verkey] = record
	return nil
}

func (m *MemoryStore) StoreAgentKey(ctx context.Context, verkey string, seed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentVerkey, m.agentSeed, m.haveAgentKey = verkey, seed, true
	return nil
}

func (m *MemoryStore) StoreMediatorKey(ctx context.Context, verkey string, seed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mediatorVerkey, m.mediatorSeed, m.haveMediatorKey = verkey, seed, true
	return nil
}

func (m *MemoryStore) RetrieveConnections(ctx context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.connections))
	for k, v := range m.connections {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) RetrieveAgentKey(ctx context.Context) (string, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentVerkey, m.agentSeed, m.haveAgentKey, nil
}

func (m *MemoryStore) RetrieveMediatorKey(ctx context.Context) (string, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mediatorVerkey, m.mediatorSeed, m.haveMediatorKey, nil
}

// PersistConnection writes conn's current ToStore record under its
// verkey, overwriting any prior record for that key.
func PersistConnection(ctx context.Context, s Store, conn *Connection) error {
	record, err := conn.ToStore()
	if err != nil {
		return err
	}
	if err := s.StoreConnection(ctx, conn.VerkeyB58(), record); err != nil {
		return &StoreError{Op: "store_connection", Cause: err}
	}
	return nil
}

// RestoreConnections loads every persisted connection record and
// reconstitutes it, ready for Registry.Register.
func RestoreConnections(ctx context.Context, s Store, packer crypto.Packer) ([]*Connection, error) {
	records, err := s.RetrieveConnections(ctx)
	if err != nil {
		return nil, &StoreError{Op: "retrieve_connections", Cause: err}
	}
	conns := make([]*Connection, 0, len(records))
	for verkey, record := range records {
		conn, err := ConnectionFromStoreRecord(record, packer)
		if err != nil {
			return nil, fmt.Errorf("restore connection %s: %w", verkey, err)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// RestoreDistinguished looks up the persisted agent/mediator verkeys and
// returns the matching already-restored Connections (from
// RestoreConnections's output, indexed by verkey), so a restart can
// repopulate Registry's distinguished slots without a fresh handshake.
func RestoreDistinguished(ctx context.Context, s Store, byVerkey map[string]*Connection) (agent, mediatorConn *Connection, err error) {
	if verkey, _, found, rerr := s.RetrieveAgentKey(ctx); rerr != nil {
		return nil, nil, &StoreError{Op: "retrieve_agent_key", Cause: rerr}
	} else if found {
		agent = byVerkey[verkey]
	}
	if verkey, _, found, rerr := s.RetrieveMediatorKey(ctx); rerr != nil {
		return nil, nil, &StoreError{Op: "retrieve_mediator_key", Cause: rerr}
	} else if found {
		mediatorConn = byVerkey[verkey]
	}
	return agent, mediatorConn, nil
}
