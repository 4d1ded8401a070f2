package mediator

import (
	"fmt"
	"log"
	"sync"
)

// LegacyDocURI and CurrentDocURI are the two message-type prefixes the
// dispatcher treats as equivalent for backward compatibility.
const (
	LegacyDocURI  = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/"
	CurrentDocURI = "https://didcomm.org/"
)

// Handler processes a decoded Message received on conn, optionally
// returning a reply.
type Handler func(msg *Message, conn *Connection) (*Message, error)

// Dispatcher maps DIDComm message type URIs to Handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *log.Logger
}

// NewDispatcher returns an empty Dispatcher. Every handler registered
// through RegisterProtocol is wrapped with problemReporter, so handler
// errors become problem reports rather than propagating.
func NewDispatcher(logger *log.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), logger: logger}
}

// RegisterProtocol registers h under both the legacy sovrin doc-uri and
// the current didcomm.org doc-uri for protocol/version/name: both
// prefixes are treated as equivalent for backward compatibility, so a
// peer using either one reaches the same handler.
func (d *Dispatcher) RegisterProtocol(protocol, version, name string, h Handler) {
	wrapped := problemReporter(h)
	suffix := fmt.Sprintf("%s/%s/%s", protocol, version, name)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[LegacyDocURI+suffix] = wrapped
	d.handlers[CurrentDocURI+suffix] = wrapped
}

// RegisterType registers h for one exact, fully-qualified message type.
func (d *Dispatcher) RegisterType(msgType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = problemReporter(h)
}

// Dispatch routes msg to its registered handler. Unknown types are
// logged at warning level and otherwise ignored.
func (d *Dispatcher) Dispatch(msg *Message, conn *Connection) (*Message, error) {
	d.mu.RLock()
	h, ok := d.handlers[msg.Type]
	d.mu.RUnlock()
	if !ok {
		if d.logger != nil {
			d.logger.Printf("[mediator] warning: no handler for message type %q", msg.Type)
		}
		return nil, nil
	}
	return h(msg, conn)
}
