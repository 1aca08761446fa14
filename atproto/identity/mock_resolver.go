package identity

import (
	"context"
	"sync"

	"github.com/bluesky-social/atoauth/atproto/syntax"
)

// A fake identity resolver, for use in tests
type MockResolver struct {
	mu      sync.RWMutex
	Handles map[syntax.Handle]syntax.DID
	Docs    map[syntax.DID]DIDDocument
}

var _ Resolver = (*MockResolver)(nil)

func NewMockResolver() *MockResolver {
	return &MockResolver{
		Handles: make(map[syntax.Handle]syntax.DID),
		Docs:    make(map[syntax.DID]DIDDocument),
	}
}

// Registers an account with the given handle and PDS endpoint. An empty handle registers only the DID.
func (r *MockResolver) Insert(did syntax.DID, handle syntax.Handle, pdsEndpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := DIDDocument{
		DID: did,
		Service: []DocService{{
			ID:              "#atproto_pds",
			Type:            "AtprotoPersonalDataServer",
			ServiceEndpoint: pdsEndpoint,
		}},
	}
	if handle != "" {
		doc.AlsoKnownAs = []string{"at://" + handle.String()}
		r.Handles[handle.Normalize()] = did
	}
	r.Docs[did] = doc
}

func (r *MockResolver) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	did, ok := r.Handles[h.Normalize()]
	if !ok {
		return "", ErrHandleNotFound
	}
	return did, nil
}

func (r *MockResolver) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.Docs[did]
	if !ok {
		return nil, ErrDIDNotFound
	}
	return &doc, nil
}
