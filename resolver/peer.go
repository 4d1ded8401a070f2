package resolver

import (
	"context"
	"fmt"
)

// PeerResolver is the registration point for did:peer:2 and did:peer:4
// resolution. Per the mediator's scope, resolving these methods (which
// requires reconstructing a DID document from the numalgo-encoded
// identifier, including purpose-coded service/key sections) is an
// external collaborator: callers that need real did:peer support supply
// their own DIDResolver implementation and Register it under "peer".
// This stub documents the contract and fails clearly if nothing is
// registered.
type PeerResolver struct{}

func (PeerResolver) Resolve(_ context.Context, did string) (*Doc, error) {
	return nil, fmt.Errorf("resolver: did:peer resolution is not built in; register a resolver.DIDResolver for method %q (got %s)", "peer", did)
}
