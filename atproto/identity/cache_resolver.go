package identity

import (
	"context"
	"errors"
	"time"

	"github.com/bluesky-social/atoauth/atproto/syntax"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// In-process caching wrapper around another [Resolver].
//
// Successful results are cached for the configured TTL. Definitive "not found" results are cached for ErrTTL; other errors (eg, timeouts) are never cached. Concurrent requests for the same key are coalesced in to a single upstream request.
type CacheResolver struct {
	Inner  Resolver
	ErrTTL time.Duration

	handleCache *expirable.LRU[syntax.Handle, handleEntry]
	docCache    *expirable.LRU[syntax.DID, docEntry]
	group       singleflight.Group
}

type handleEntry struct {
	Updated time.Time
	DID     syntax.DID
	Err     error
}

type docEntry struct {
	Updated time.Time
	Doc     *DIDDocument
	Err     error
}

var _ Resolver = (*CacheResolver)(nil)

// Capacity of zero means unlimited size. Similarly, ttl of zero means unlimited duration.
func NewCacheResolver(inner Resolver, capacity int, handleTTL, docTTL, errTTL time.Duration) *CacheResolver {
	return &CacheResolver{
		Inner:       inner,
		ErrTTL:      errTTL,
		handleCache: expirable.NewLRU[syntax.Handle, handleEntry](capacity, nil, handleTTL),
		docCache:    expirable.NewLRU[syntax.DID, docEntry](capacity, nil, docTTL),
	}
}

func (c *CacheResolver) isStale(updated time.Time, err error) bool {
	return err != nil && time.Since(updated) > c.ErrTTL
}

func cacheableErr(err error) bool {
	return err == nil || errors.Is(err, ErrHandleNotFound) || errors.Is(err, ErrDIDNotFound)
}

func (c *CacheResolver) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	h = h.Normalize()
	entry, ok := c.handleCache.Get(h)
	if ok && !c.isStale(entry.Updated, entry.Err) {
		handleCacheHits.Inc()
		return entry.DID, entry.Err
	}
	handleCacheMisses.Inc()

	ch := c.group.DoChan("handle:"+h.String(), func() (any, error) {
		// not tied to any single caller's context
		did, err := c.Inner.ResolveHandle(context.WithoutCancel(ctx), h)
		if cacheableErr(err) {
			c.handleCache.Add(h, handleEntry{Updated: time.Now(), DID: did, Err: err})
		}
		return did, err
	})
	select {
	case res := <-ch:
		if res.Shared {
			handleRequestsCoalesced.Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(syntax.DID), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *CacheResolver) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	entry, ok := c.docCache.Get(did)
	if ok && !c.isStale(entry.Updated, entry.Err) {
		identityCacheHits.Inc()
		return entry.Doc, entry.Err
	}
	identityCacheMisses.Inc()

	ch := c.group.DoChan("did:"+did.String(), func() (any, error) {
		doc, err := c.Inner.ResolveDID(context.WithoutCancel(ctx), did)
		if cacheableErr(err) {
			c.docCache.Add(did, docEntry{Updated: time.Now(), Doc: doc, Err: err})
		}
		return doc, err
	})
	select {
	case res := <-ch:
		if res.Shared {
			identityRequestsCoalesced.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DIDDocument), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flushes any cached entries for the indicated identifier.
func (c *CacheResolver) Purge(ctx context.Context, atid syntax.AtIdentifier) error {
	if handle, err := atid.AsHandle(); err == nil {
		c.handleCache.Remove(handle.Normalize())
		return nil
	}
	if did, err := atid.AsDID(); err == nil {
		c.docCache.Remove(did)
		return nil
	}
	return errors.New("at-identifier neither a Handle nor a DID")
}
