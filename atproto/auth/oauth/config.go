package oauth

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

var ErrInvalidClientConfig = errors.New("invalid OAuth client config")

// Static configuration of a confidential web OAuth client. All endpoint URLs derive from a single public base URL.
type ClientConfig struct {
	// Public base URL of the client service (origin, plus optional path prefix). No trailing slash.
	BaseURL string

	// URL of the client metadata document. Also the OAuth client_id.
	ClientID string

	RedirectURI string

	JWKSURI string

	// Requested scopes. Always includes "atproto".
	Scopes []string

	// Optional human-readable name, included in client metadata.
	ClientName string
}

// Derives a client configuration from a public base URL: client metadata at `/client-metadata.json`, redirect at `/callback`, and JWKS at `/.well-known/jwks.json`.
//
// The base URL must be https, except that plain http is allowed for loopback hosts (local development).
func NewClientConfig(baseURL string, scopes []string) (*ClientConfig, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base URL: %w", ErrInvalidClientConfig, err)
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("%w: base URL must be an absolute URL with no query or fragment: %s", ErrInvalidClientConfig, baseURL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopbackHost(u.Hostname()) {
			return nil, fmt.Errorf("%w: base URL must use https (except for loopback): %s", ErrInvalidClientConfig, baseURL)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported base URL scheme: %s", ErrInvalidClientConfig, u.Scheme)
	}

	base := strings.TrimSuffix(u.String(), "/")
	return &ClientConfig{
		BaseURL:     base,
		ClientID:    base + "/client-metadata.json",
		RedirectURI: base + "/callback",
		JWKSURI:     base + "/.well-known/jwks.json",
		Scopes:      mergeScopes([]string{"atproto"}, scopes...),
	}, nil
}

func (c *ClientConfig) Validate() error {
	if c.ClientID == "" || c.RedirectURI == "" || c.JWKSURI == "" {
		return fmt.Errorf("%w: client_id, redirect_uri, and jwks_uri are all required", ErrInvalidClientConfig)
	}
	if !slices.Contains(c.Scopes, "atproto") {
		return fmt.Errorf("%w: scopes must include 'atproto'", ErrInvalidClientConfig)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
