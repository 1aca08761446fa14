package identity

import (
	"net/http"
	"time"

	"github.com/bluesky-social/atoauth/util/ssrf"

	"golang.org/x/time/rate"
)

// Resolves handles and DIDs against the network, with no caching.
type BaseResolver struct {
	// if non-empty, this string should have URL method, hostname, and optional port; it should not have a path or trailing slash
	PLCURL string
	// If not nil, this limiter will be used to rate-limit requests to the PLCURL
	PLCLimiter *rate.Limiter
	// DNS TXT lookups for handle resolution. If nil, DNS resolution is skipped and only the HTTPS well-known method is used
	TXTResolver TXTResolver
	// set of handle domain suffixes for for which DNS handle resolution will be skipped
	SkipDNSDomainSuffixes []string
	// HTTP client used for did:web, did:plc, and HTTP (well-known) handle resolution. If nil, a client with a short timeout is used
	HTTPClient *http.Client
}

var _ Resolver = (*BaseResolver)(nil)

// handle well-known and did:web hosts are chosen by whoever controls the identifier, so only public addresses are dialed
var defaultHTTPClient = &http.Client{
	Timeout:   time.Second * 10,
	Transport: ssrf.PublicOnlyTransport(),
}

func (r *BaseResolver) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return defaultHTTPClient
}

func (r *BaseResolver) plcURL() string {
	if r.PLCURL != "" {
		return r.PLCURL
	}
	return DefaultPLCURL
}
