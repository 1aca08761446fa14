package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/atoauth/util/ssrf"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

var DefaultMetadataTTL = 10 * time.Minute

// upper bound on metadata document size
var maxMetadataBytes int64 = 1024 * 1024

// Fetches and validates OAuth protected resource and auth server metadata documents. Auth server metadata is cached by issuer origin.
//
// Safe for concurrent use. No locks are held across network requests: concurrent lookups for the same origin are coalesced.
type Discoverer struct {
	Client *http.Client
	Logger *slog.Logger

	// Signing algorithm of the active client key. When set, auth servers must support it for client assertions.
	ClientAuthAlg string

	cache *expirable.LRU[string, *AuthServerMetadata]
	group singleflight.Group
}

func NewDiscoverer(client *http.Client, ttl time.Duration) *Discoverer {
	if client == nil {
		client = ssrf.PublicOnlyClient(10 * time.Second)
	}
	return &Discoverer{
		Client: client,
		Logger: slog.Default().With("component", "oauth-discovery"),
		cache:  expirable.NewLRU[string, *AuthServerMetadata](1000, nil, ttl),
	}
}

// does an HTTP GET, requiring exactly HTTP 200, and parses the (size-bounded) JSON body
func (d *Discoverer) fetchJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// intentionally check for exactly HTTP 200 (not just 2xx)
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{StatusCode: resp.StatusCode}
	}

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes+1))
	if err != nil {
		return err
	}
	if int64(len(respBytes)) > maxMetadataBytes {
		return fmt.Errorf("response body too large")
	}
	return json.Unmarshal(respBytes, out)
}

type httpStatusError struct {
	StatusCode int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP status %d", e.StatusCode)
}

// Fetches the protected resource document of a PDS, and returns the (first) auth server issuer origin it declares.
func (d *Discoverer) ResolveAuthServerURL(ctx context.Context, pdsURL string) (string, error) {
	pdsOrigin, err := urlOrigin(pdsURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid PDS URL: %w", ErrDiscoveryFailure, err)
	}

	u := pdsOrigin + "/.well-known/oauth-protected-resource"
	var body ProtectedResourceMetadata
	if err := d.fetchJSON(ctx, u, &body); err != nil {
		return "", fmt.Errorf("%w: fetching protected resource document: %w", ErrDiscoveryFailure, err)
	}

	if body.Resource != "" && strings.TrimSuffix(body.Resource, "/") != pdsOrigin {
		return "", fmt.Errorf("%w: protected resource mismatch: %s", ErrDiscoveryFailure, body.Resource)
	}
	if len(body.AuthorizationServers) < 1 {
		return "", fmt.Errorf("%w: no auth server URL in protected resource document", ErrDiscoveryFailure)
	}
	authURL := body.AuthorizationServers[0]
	if err := checkOrigin(authURL); err != nil {
		return "", fmt.Errorf("%w: not a valid auth server URL: %w", ErrDiscoveryFailure, err)
	}
	return authURL, nil
}

// Fetches, validates, and caches auth server metadata for the given issuer origin.
//
// The returned metadata must not be mutated: it is shared with other callers through the cache.
func (d *Discoverer) ResolveAuthServerMetadata(ctx context.Context, origin string) (*AuthServerMetadata, error) {
	if err := checkOrigin(origin); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailure, err)
	}

	if meta, ok := d.cache.Get(origin); ok {
		discoveryCacheHits.Inc()
		return meta, nil
	}
	discoveryCacheMisses.Inc()

	// detached from the caller's cancellation, so one impatient caller does not fail the others
	ch := d.group.DoChan(origin, func() (any, error) {
		return d.fetchAuthServerMetadata(context.WithoutCancel(ctx), origin)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailure, ctx.Err())
	case res := <-ch:
		if res.Shared {
			discoveryCoalesced.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AuthServerMetadata), nil
	}
}

func (d *Discoverer) fetchAuthServerMetadata(ctx context.Context, origin string) (*AuthServerMetadata, error) {
	start := time.Now()
	u := origin + "/.well-known/oauth-authorization-server"

	var meta AuthServerMetadata
	if err := d.fetchJSON(ctx, u, &meta); err != nil {
		discoveryFetches.WithLabelValues("error").Inc()
		d.Logger.Warn("auth server metadata fetch failed", "authServer", origin, "err", err)
		return nil, fmt.Errorf("%w: fetching auth server metadata: %w", ErrDiscoveryFailure, err)
	}
	discoveryDuration.Observe(time.Since(start).Seconds())

	if err := meta.Validate(origin); err != nil {
		discoveryFetches.WithLabelValues("invalid").Inc()
		d.Logger.Warn("invalid auth server metadata", "authServer", origin, "err", err)
		if errors.Is(err, ErrIssuerMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailure, err)
	}
	if err := meta.CheckCapabilities(d.ClientAuthAlg); err != nil {
		discoveryFetches.WithLabelValues("unsupported").Inc()
		d.Logger.Warn("unsupported auth server", "authServer", origin, "err", err)
		return nil, err
	}

	discoveryFetches.WithLabelValues("ok").Inc()
	d.cache.Add(origin, &meta)
	return &meta, nil
}

// Removes any cached metadata for the given issuer origin.
func (d *Discoverer) Purge(origin string) {
	if d.cache.Remove(origin) {
		d.Logger.Info("purged auth server metadata", "authServer", origin)
	}
}
