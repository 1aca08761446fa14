package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bluesky-social/atoauth/atproto/syntax"
	"github.com/bluesky-social/atoauth/util/ssrf"
)

// Low-level interface for resolving DIDs and atproto handles.
//
// Implementations do not retry; retry policy belongs to the caller. Most code should use [Lookup] on top of a Resolver, which does bi-directional handle verification.
type Resolver interface {
	// Does not cross-verify, just does the handle resolution step.
	ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error)
	ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error)
}

// Indicates that handle resolution failed. A wrapped error may provide more context.
var ErrHandleResolutionFailed = errors.New("handle resolution failed")

// Indicates that resolution process completed successfully, but handle does not exist.
var ErrHandleNotFound = errors.New("handle not found")

// Indicates that handle resolved to a DID whose document does not declare the handle.
var ErrHandleMismatch = errors.New("handle/DID mismatch")

// Handle top-level domain (TLD) is one of the special "Reserved" suffixes, and not allowed for atproto use
var ErrHandleReservedTLD = errors.New("handle top-level domain is disallowed")

// Indicates that resolution process completed successfully, but the DID does not exist.
var ErrDIDNotFound = errors.New("DID not found")

// Indicates that DID resolution process failed. A wrapped error may provide more context.
var ErrDIDResolutionFailed = errors.New("DID resolution failed")

// DID document did not contain exactly one atproto PDS service entry.
var ErrNoPDSEndpoint = errors.New("DID document has no atproto PDS service endpoint")

var DefaultPLCURL = "https://plc.directory"

var DefaultDoHURL = "https://cloudflare-dns.com/dns-query"

// Resolves an account identifier (handle or DID) to an [Identity], including the PDS endpoint.
//
// When starting from a handle, the DID document must declare that handle in "alsoKnownAs", or the lookup fails with [ErrHandleMismatch]. When starting from a DID, the returned Handle is the declared handle if any, without resolving it back (it is not verified).
func Lookup(ctx context.Context, r Resolver, atid syntax.AtIdentifier) (*Identity, error) {
	if handle, err := atid.AsHandle(); err == nil {
		handle = handle.Normalize()
		did, err := r.ResolveHandle(ctx, handle)
		if err != nil {
			return nil, err
		}
		doc, err := r.ResolveDID(ctx, did)
		if err != nil {
			return nil, err
		}
		if !doc.DeclaresHandle(handle) {
			return nil, fmt.Errorf("%w: %s does not declare %s", ErrHandleMismatch, did, handle)
		}
		return identityFromDoc(doc, handle)
	}
	did, err := atid.AsDID()
	if err != nil {
		return nil, fmt.Errorf("at-identifier neither a Handle nor a DID")
	}
	doc, err := r.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	handle, err := doc.DeclaredHandle()
	if err != nil {
		handle = syntax.HandleInvalid
	}
	return identityFromDoc(doc, handle)
}

func identityFromDoc(doc *DIDDocument, handle syntax.Handle) (*Identity, error) {
	pds, err := doc.PDSEndpoint()
	if err != nil {
		return nil, err
	}
	return &Identity{
		DID:         doc.DID,
		Handle:      handle,
		PDSEndpoint: pds,
		Doc:         doc,
	}, nil
}

// Returns a reasonable Resolver implementation for applications: DNS-over-HTTPS handle resolution, the public PLC directory, and an in-process cache.
func DefaultResolver() *CacheResolver {
	base := BaseResolver{
		PLCURL:      DefaultPLCURL,
		TXTResolver: &DoHResolver{ServiceURL: DefaultDoHURL},
		HTTPClient: &http.Client{
			Timeout:   time.Second * 10,
			Transport: ssrf.PublicOnlyTransport(),
		},
	}
	return NewCacheResolver(&base, 1000, time.Minute*10, time.Hour, time.Minute*2)
}
