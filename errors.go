package mediator

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Sentinel errors for connection/registry state.
var (
	ErrNotConnected     = errors.New("connection is not established")
	ErrAlreadyConnected = errors.New("connection already established")
	ErrClosed           = errors.New("resource is closed")
)

// InvalidEnvelopeError means the packed message's protected header could
// not be parsed. The message is dropped; there is no peer to report to.
type InvalidEnvelopeError struct {
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("invalid envelope: %s", e.Reason)
}

// ConnectionNotFoundError means no local verification key matched any
// recipient of an inbound envelope.
type ConnectionNotFoundError struct {
	Kids []string
}

func (e *ConnectionNotFoundError) Error() string {
	return fmt.Sprintf("connection not found for kids %v", e.Kids)
}

// IllegalTransitionError means the state machine rejected an event for
// the connection's current state.
type IllegalTransitionError struct {
	From  State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s does not accept %s", e.From, e.Event)
}

func (e *IllegalTransitionError) Code() string { return "illegal-transition" }

// SignatureInvalidError means a connection~sig or JWS attachment signature
// failed verification.
type SignatureInvalidError struct {
	Reason string
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("signature invalid: %s", e.Reason)
}

func (e *SignatureInvalidError) Code() string { return "signature-invalid" }

// Reportable is implemented by errors that should be surfaced to a peer
// as a notification/1.0/problem-report with description.code set to
// Code(). Errors that do not implement Reportable are still reported,
// using a code kebab-cased from their Go type name.
type Reportable interface {
	error
	Code() string
}

// ProtocolError is the generic protocol-violation error kind; its
// specializations below are separate struct types, each defining its
// own Error() and a more specific Code() where named in §7.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string   { return e.Reason }
func (e *ProtocolError) Code() string    { return "protocol-error" }

// RequestAlreadyPendingError: a mediate-request was already sent upstream
// and has not yet been answered.
type RequestAlreadyPendingError struct{}

func (e *RequestAlreadyPendingError) Error() string { return "a mediation request is already pending" }
func (e *RequestAlreadyPendingError) Code() string  { return "request-already-pending" }

// UnexpectedMediationGrantError: a mediate-grant arrived with no
// corresponding pending request.
type UnexpectedMediationGrantError struct{}

func (e *UnexpectedMediationGrantError) Error() string { return "received mediate-grant with no pending request" }
func (e *UnexpectedMediationGrantError) Code() string  { return "unexpected-mediation-grant" }

// ExternalMediationNotEstablishedError: a local mediate-request arrived
// before the proxy has its own upstream mediation grant.
type ExternalMediationNotEstablishedError struct{}

func (e *ExternalMediationNotEstablishedError) Error() string {
	return "upstream mediation is not yet established"
}
func (e *ExternalMediationNotEstablishedError) Code() string { return "external-mediation-not-established" }

// AgentConnectionNotEstablishedError: a forward arrived but no downstream
// agent connection exists yet.
type AgentConnectionNotEstablishedError struct{}

func (e *AgentConnectionNotEstablishedError) Error() string { return "agent connection is not established" }
func (e *AgentConnectionNotEstablishedError) Code() string  { return "agent-connection-not-established" }

// MediatorConnectionNotEstablishedError: a forward arrived but no upstream
// mediator connection exists yet.
type MediatorConnectionNotEstablishedError struct{}

func (e *MediatorConnectionNotEstablishedError) Error() string {
	return "mediator connection is not established"
}
func (e *MediatorConnectionNotEstablishedError) Code() string { return "mediator-connection-not-established" }

// ForwardFromUnauthorizedConnectionError: a forward arrived on a
// connection other than the upstream mediator connection.
type ForwardFromUnauthorizedConnectionError struct{}

func (e *ForwardFromUnauthorizedConnectionError) Error() string {
	return "forward received from a connection other than the mediator connection"
}
func (e *ForwardFromUnauthorizedConnectionError) Code() string {
	return "forward-from-unauthorized-connection"
}

// StoreError wraps a persistence backend failure. Duplicate-key inserts
// are not represented here: the Store contract requires backends to
// replace on duplicate, not error.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Cause) }
func (e *StoreError) Unwrap() error { return e.Cause }

// ProblemReportBody is the body of a notification/1.0/problem-report
// message, matching spec wire format: description.code kebab-cased from
// the error kind, description.en the error message.
type ProblemReportBody struct {
	Description ProblemReportDescription `json:"description"`
}

type ProblemReportDescription struct {
	Code string `json:"code"`
	En   string `json:"en"`
}

const ProblemReportType = "https://didcomm.org/notification/1.0/problem-report"

// NewProblemReport builds a problem-report Message threaded to thid,
// deriving description.code from err via Reportable when available and
// falling back to a kebab-cased type name otherwise.
func NewProblemReport(thid string, err error) *Message {
	code := kebabErrorCode(err)
	return &Message{
		Type:     ProblemReportType,
		ThreadID: thid,
		Body: ProblemReportBody{
			Description: ProblemReportDescription{
				Code: code,
				En:   err.Error(),
			},
		},
	}
}

func kebabErrorCode(err error) string {
	var r Reportable
	if errors.As(err, &r) {
		return r.Code()
	}
	name := fmt.Sprintf("%T", err)
	if idx := strings.LastIndex(name, "."); idx != -1 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, "Error")
	return toKebab(name)
}

func toKebab(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// problemReporter wraps a Handler so that any error it returns is turned
// into a problem report sent on the originating connection, instead of
// propagating to the caller. This is the Go shape of proxy_mediator's
// problem_reporter decorator.
func problemReporter(h Handler) Handler {
	return func(msg *Message, conn *Connection) (*Message, error) {
		resp, err := h(msg, conn)
		if err == nil {
			return resp, nil
		}
		thid := msg.ThreadID
		if thid == "" {
			thid = msg.ID
		}
		return NewProblemReport(thid, err), nil
	}
}

// ErrorKind classifies failures that cannot be returned to a direct
// caller and so are routed to an ErrorHandler instead.
type ErrorKind int

const (
	ErrKindParseFailure ErrorKind = iota
	ErrKindNoConnection
	ErrKindNoHandler
	ErrKindHandlerPanic
	ErrKindTransportWrite
)

var errorKindNames = [...]string{
	ErrKindParseFailure:   "ParseFailure",
	ErrKindNoConnection:   "NoConnection",
	ErrKindNoHandler:      "NoHandler",
	ErrKindHandlerPanic:   "HandlerPanic",
	ErrKindTransportWrite: "TransportWrite",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// SDKError represents an error the mediator could not deliver to a
// direct caller. These are routed to the ErrorHandler given at
// construction instead, so a fault handling one connection's message
// never aborts handling for the rest.
type SDKError struct {
	Kind      ErrorKind
	MessageID string
	Type      string
	Cause     error
	Raw       []byte
	Timestamp time.Time
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v (msg=%s type=%s)", e.Kind, e.Cause, e.MessageID, e.Type)
	}
	return fmt.Sprintf("%s (msg=%s type=%s)", e.Kind, e.MessageID, e.Type)
}

func (e *SDKError) Unwrap() error { return e.Cause }

// ErrorHandler is called for every error that cannot be returned to a
// direct caller.
type ErrorHandler func(SDKError)

// LogErrors returns an ErrorHandler that logs to the given logger.
func LogErrors(logger *log.Logger) ErrorHandler {
	return func(e SDKError) {
		if e.Cause != nil {
			logger.Printf("[mediator] %s: %v (msg=%s type=%s)", e.Kind, e.Cause, e.MessageID, e.Type)
		} else {
			logger.Printf("[mediator] %s (msg=%s type=%s)", e.Kind, e.MessageID, e.Type)
		}
	}
}
