package redisdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/atoauth/atproto/identity"
	"github.com/bluesky-social/atoauth/atproto/syntax"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// prefix string for all the Redis keys this cache uses
var redisDirPrefix string = "dir/"

// Uses redis as a cache for identity resolution, so that multiple service instances share results.
//
// Includes an in-process LRU cache as well (provided by the redis client library), for hot keys.
type RedisResolver struct {
	Inner  identity.Resolver
	HitTTL time.Duration
	ErrTTL time.Duration

	handleCache *cache.Cache
	docCache    *cache.Cache
	group       singleflight.Group
}

// Cached values are serialized with msgpack, so "not found" is stored as a flag instead of an error value.
type handleEntry struct {
	Updated  time.Time
	DID      syntax.DID
	NotFound bool
}

type docEntry struct {
	Updated  time.Time
	Doc      *identity.DIDDocument
	NotFound bool
}

var _ identity.Resolver = (*RedisResolver)(nil)

// Creates a new caching [identity.Resolver] wrapper around an existing resolver, using Redis and in-process LRU for caching.
//
// `redisURL` contains all the redis connection config options.
// `hitTTL` and `errTTL` define how long successful and "not found" results should be cached (respectively). Other errors are not cached.
// `lruSize` is the size of the in-process cache, for each of the handle and document caches. 10000 is a reasonable default.
func NewRedisResolver(inner identity.Resolver, redisURL string, hitTTL, errTTL time.Duration, lruSize int) (*RedisResolver, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis identity cache: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, fmt.Errorf("could not connect to redis identity cache: %w", err)
	}
	return NewRedisResolverFromClient(inner, rdb, hitTTL, errTTL, lruSize), nil
}

func NewRedisResolverFromClient(inner identity.Resolver, rdb *redis.Client, hitTTL, errTTL time.Duration, lruSize int) *RedisResolver {
	return &RedisResolver{
		Inner:  inner,
		HitTTL: hitTTL,
		ErrTTL: errTTL,
		handleCache: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(lruSize, hitTTL),
		}),
		docCache: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(lruSize, hitTTL),
		}),
	}
}

func (d *RedisResolver) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	h = h.Normalize()
	key := redisDirPrefix + "handle/" + h.String()

	var entry handleEntry
	err := d.handleCache.Get(ctx, key, &entry)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		slog.Warn("identity cache read failed", "cache", "handle", "err", err)
	}
	if err == nil {
		handleCacheHits.Inc()
		if entry.NotFound {
			return "", identity.ErrHandleNotFound
		}
		return entry.DID, nil
	}
	handleCacheMisses.Inc()

	ch := d.group.DoChan(key, func() (any, error) {
		did, err := d.Inner.ResolveHandle(context.WithoutCancel(ctx), h)
		if err != nil && !errors.Is(err, identity.ErrHandleNotFound) {
			return "", err
		}
		entry := handleEntry{Updated: time.Now(), DID: did, NotFound: err != nil}
		ttl := d.HitTTL
		if entry.NotFound {
			ttl = d.ErrTTL
		}
		if serr := d.handleCache.Set(&cache.Item{Ctx: ctx, Key: key, Value: entry, TTL: ttl}); serr != nil {
			slog.Error("identity cache write failed", "cache", "handle", "err", serr)
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

func (d *RedisResolver) ResolveDID(ctx context.Context, did syntax.DID) (*identity.DIDDocument, error) {
	key := redisDirPrefix + "did/" + did.String()

	var entry docEntry
	err := d.docCache.Get(ctx, key, &entry)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		slog.Warn("identity cache read failed", "cache", "did", "err", err)
	}
	if err == nil {
		identityCacheHits.Inc()
		if entry.NotFound || entry.Doc == nil {
			return nil, identity.ErrDIDNotFound
		}
		return entry.Doc, nil
	}
	identityCacheMisses.Inc()

	ch := d.group.DoChan(key, func() (any, error) {
		doc, err := d.Inner.ResolveDID(context.WithoutCancel(ctx), did)
		if err != nil && !errors.Is(err, identity.ErrDIDNotFound) {
			return nil, err
		}
		entry := docEntry{Updated: time.Now(), Doc: doc, NotFound: err != nil}
		ttl := d.HitTTL
		if entry.NotFound {
			ttl = d.ErrTTL
		}
		if serr := d.docCache.Set(&cache.Item{Ctx: ctx, Key: key, Value: entry, TTL: ttl}); serr != nil {
			slog.Error("identity cache write failed", "cache", "did", "did", did, "err", serr)
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
		return res.Val.(*identity.DIDDocument), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flushes any cached entries for the indicated identifier.
func (d *RedisResolver) Purge(ctx context.Context, atid syntax.AtIdentifier) error {
	var err error
	if handle, herr := atid.AsHandle(); herr == nil {
		err = d.handleCache.Delete(ctx, redisDirPrefix+"handle/"+handle.Normalize().String())
	} else if did, derr := atid.AsDID(); derr == nil {
		err = d.docCache.Delete(ctx, redisDirPrefix+"did/"+did.String())
	} else {
		return errors.New("at-identifier neither a Handle nor a DID")
	}
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		return err
	}
	return nil
}
