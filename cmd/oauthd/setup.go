package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bluesky-social/atoauth/atproto/auth/oauth"
	"github.com/bluesky-social/atoauth/atproto/crypto"
	"github.com/bluesky-social/atoauth/atproto/identity"
	"github.com/bluesky-social/atoauth/atproto/identity/redisdir"
	"github.com/bluesky-social/atoauth/internal/ticker"
	"github.com/bluesky-social/atoauth/util"
	"github.com/bluesky-social/atoauth/util/cliutil"
	"github.com/bluesky-social/atoauth/util/ssrf"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Parses client signing keys from flag values (PEM or multibase) and an optional JWK file. The first key becomes the active signing key.
func loadKeySet(encoded []string, jwkPath string) (*oauth.KeySet, error) {
	var keys []oauth.ClientKey
	for i, s := range encoded {
		priv, err := crypto.ParsePrivateAny(s)
		if err != nil {
			return nil, fmt.Errorf("parsing private key #%d: %w", i+1, err)
		}
		keys = append(keys, oauth.ClientKey{Key: priv})
	}
	if jwkPath != "" {
		priv, kid, err := cliutil.LoadKeyFromFile(jwkPath)
		if err != nil {
			return nil, fmt.Errorf("loading private key file: %w", err)
		}
		keys = append(keys, oauth.ClientKey{KeyID: kid, Key: priv})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: set --private-key or --private-key-file (see 'oauthd generate-key')", oauth.ErrNoSigningKey)
	}
	return oauth.NewKeySet(keys...)
}

// Builds the identity resolver stack from global flags: base network resolver, optional retries, then a Redis or in-process cache.
func configResolver(cctx *cli.Context) (identity.Resolver, error) {
	client := newResolverHTTPClient(cctx.Int("resolver-retries"))

	base := identity.BaseResolver{
		PLCURL:                cctx.String("plc-host"),
		PLCLimiter:            rate.NewLimiter(rate.Limit(cctx.Int("plc-rate-limit")), 1),
		HTTPClient:            client,
		SkipDNSDomainSuffixes: []string{".bsky.social"},
	}
	if doh := cctx.String("doh-service-url"); doh != "" {
		base.TXTResolver = &identity.DoHResolver{ServiceURL: doh, Client: client}
	} else {
		base.TXTResolver = &identity.NetTXTResolver{}
	}

	if redisURL := cctx.String("redis-url"); redisURL != "" {
		slog.Info("using redis identity cache")
		return redisdir.NewRedisResolver(&base, redisURL, cctx.Duration("did-cache-ttl"), time.Minute*2, cctx.Int("resolver-cache-size"))
	}
	return identity.NewCacheResolver(&base, cctx.Int("resolver-cache-size"), cctx.Duration("handle-cache-ttl"), cctx.Duration("did-cache-ttl"), time.Minute*2), nil
}

// HTTP client for identity resolution. Handle and did:web hostnames come from login input, so connections are restricted to public addresses.
func newResolverHTTPClient(retries int) *http.Client {
	transport := ssrf.PublicOnlyTransport()
	transport.IdleConnTimeout = time.Second
	var rt http.RoundTripper = otelhttp.NewTransport(transport)

	if retries > 0 {
		return util.RobustHTTPClient(rt, retries, 30*time.Second)
	}
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: rt,
	}
}

// Opens the configured pending-request store.
func configStateStore(cctx *cli.Context) (oauth.StateStore, error) {
	ttl := cctx.Duration("state-ttl")
	kind := cctx.String("state-store")
	switch kind {
	case "memory":
		return oauth.NewMemStore(ttl), nil
	case "redis":
		redisURL := cctx.String("redis-url")
		if redisURL == "" {
			return nil, fmt.Errorf("redis state store requires --redis-url")
		}
		return oauth.NewRedisStore(redisURL, ttl)
	case "postgres", "sqlite":
		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return nil, err
		}
		if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				return nil, err
			}
		}
		return oauth.NewGormStore(db, ttl)
	default:
		return nil, fmt.Errorf("unknown state store type: %s", kind)
	}
}

// Periodically removes expired or consumed requests, for stores which don't expire records on their own.
func runSweeper(ctx context.Context, store oauth.StateStore, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	var sweep func(context.Context) error
	switch s := store.(type) {
	case *oauth.MemStore:
		sweep = func(ctx context.Context) error {
			if n := s.Sweep(); n > 0 {
				slog.Debug("swept expired auth requests", "count", n)
			}
			return nil
		}
	case *oauth.GormStore:
		sweep = func(ctx context.Context) error {
			n, err := s.Sweep(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Debug("swept expired auth requests", "count", n)
			}
			return nil
		}
	default:
		// redis expires keys itself
		return
	}
	ticker.Periodically(ctx, interval, "state-sweep", sweep)
}
