// Package resolver resolves DID identifiers to DID documents. Resolving
// did:peer:2/4 requires an external collaborator supplying its own
// DIDResolver; this package defines the DIDResolver contract and
// provides a did:key-backed implementation built-in, since did:key
// resolution is a pure function of the identifier itself.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/proxy-mediator/proxy-mediator/crypto"
)

// Doc is a minimal DID document: just enough to recover an agent's
// recipient keys, routing keys, and service endpoint.
type Doc struct {
	ID              string    `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication  []string  `json:"authentication,omitempty"`
	Service         []Service `json:"service,omitempty"`
}

type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyBase58    string `json:"publicKeyBase58,omitempty"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
}

type Service struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
	RecipientKeys   []string `json:"recipientKeys,omitempty"`
	RoutingKeys     []string `json:"routingKeys,omitempty"`
}

// DIDResolver resolves a DID to its DID document.
type DIDResolver interface {
	Resolve(ctx context.Context, did string) (*Doc, error)
}

// Registry dispatches to a method-specific resolver keyed by DID method
// ("key", "peer", ...). It is itself a DIDResolver.
type Registry struct {
	methods map[string]DIDResolver
}

// NewRegistry returns a Registry with did:key resolution wired in.
func NewRegistry() *Registry {
	r := &Registry{methods: make(map[string]DIDResolver)}
	r.Register("key", KeyResolver{})
	return r
}

// Register adds or replaces the resolver for a DID method.
func (r *Registry) Register(method string, resolver DIDResolver) {
	r.methods[method] = resolver
}

func (r *Registry) Resolve(ctx context.Context, did string) (*Doc, error) {
	method, ok := didMethod(did)
	if !ok {
		return nil, fmt.Errorf("resolver: not a DID: %q", did)
	}
	resolver, ok := r.methods[method]
	if !ok {
		return nil, fmt.Errorf("resolver: no resolver registered for did:%s", method)
	}
	return resolver.Resolve(ctx, did)
}

func didMethod(did string) (string, bool) {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) < 3 || parts[0] != "did" {
		return "", false
	}
	return parts[1], true
}

// KeyResolver resolves did:key identifiers by constructing a DID
// document whose sole verification method is the embedded public key.
// did:key resolution is a pure computation, never requiring network
// access, and is implemented directly rather than delegated.
type KeyResolver struct{}

func (KeyResolver) Resolve(_ context.Context, did string) (*Doc, error) {
	pub, err := crypto.DIDKeyToPublicKey(did)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", did, err)
	}
	vmID := did + "#" + strings.TrimPrefix(did, "did:key:")
	return &Doc{
		ID: did,
		VerificationMethod: []VerificationMethod{{
			ID:                 vmID,
			Type:               "Ed25519VerificationKey2018",
			Controller:         did,
			PublicKeyBase58:    crypto.VerkeyB58(pub),
		}},
		Authentication: []string{vmID},
	}, nil
}
