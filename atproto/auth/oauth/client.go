package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/atoauth/atproto/crypto"
	"github.com/bluesky-social/atoauth/atproto/identity"
	"github.com/bluesky-social/atoauth/util/ssrf"
)

var DefaultClientAssertionTTL = 60 * time.Second

// High-level OAuth client engine: starts auth flows, processes callbacks, and publishes client metadata. A single instance is meant to be created at startup and shared (concurrently) across all requests.
type ClientApp struct {
	// HTTP client used for PAR and token requests. Defaults to a client which refuses to connect to non-public addresses.
	Client     *http.Client
	Config     *ClientConfig
	Keys       *KeySet
	Resolver   identity.Resolver
	Store      StateStore
	Discoverer *Discoverer
	Logger     *slog.Logger

	// Lifetime of client assertion JWTs
	AssertionTTL time.Duration
}

// Validates configuration and builds a [ClientApp]. Fails with [ErrNoSigningKey] if the key set is empty.
func NewClientApp(config *ClientConfig, keys *KeySet, resolver identity.Resolver, store StateStore) (*ClientApp, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidClientConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if keys == nil || keys.Len() == 0 {
		return nil, ErrNoSigningKey
	}
	if resolver == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	active, err := keys.ActiveKey()
	if err != nil {
		return nil, err
	}

	client := ssrf.PublicOnlyClient(10 * time.Second)
	disco := NewDiscoverer(client, DefaultMetadataTTL)
	disco.ClientAuthAlg = active.Key.JWA()

	return &ClientApp{
		Client:       client,
		Config:       config,
		Keys:         keys,
		Resolver:     resolver,
		Store:        store,
		Discoverer:   disco,
		Logger:       slog.Default().With("component", "oauth-client"),
		AssertionTTL: DefaultClientAssertionTTL,
	}, nil
}

// Sets the HTTP client for both auth server requests and metadata discovery.
func (app *ClientApp) SetHTTPClient(c *http.Client) {
	app.Client = c
	app.Discoverer.Client = c
}

// Returns the client metadata document, to be served at the client_id URL.
func (app *ClientApp) ClientMetadata() ClientMetadata {
	appType := "web"
	jwksURI := app.Config.JWKSURI
	clientURI := app.Config.BaseURL
	meta := ClientMetadata{
		ClientID:                app.Config.ClientID,
		ApplicationType:         &appType,
		GrantTypes:              []string{"authorization_code"},
		Scope:                   strings.Join(app.Config.Scopes, " "),
		ResponseTypes:           []string{"code"},
		RedirectURIs:            []string{app.Config.RedirectURI},
		TokenEndpointAuthMethod: "private_key_jwt",
		DPoPBoundAccessTokens:   true,
		JWKSURI:                 &jwksURI,
		ClientURI:               &clientURI,
	}
	if active, err := app.Keys.ActiveKey(); err == nil {
		alg := active.Key.JWA()
		meta.TokenEndpointAuthSigningAlg = &alg
	}
	if app.Config.ClientName != "" {
		name := app.Config.ClientName
		meta.ClientName = &name
	}
	return meta
}

// Returns the public key set, to be served at the jwks_uri URL.
func (app *ClientApp) JWKS() JWKS {
	return app.Keys.PublicJWKS()
}

// Result of a form POST to an auth server endpoint. The body has already been read and closed.
type formResponse struct {
	StatusCode int
	Body       []byte

	// Most recent DPoP nonce provided by the server (or the one that was sent, if none was provided)
	Nonce string
}

// POSTs a form-encoded request with a DPoP proof. If the server responds with a "use_dpop_nonce" error, retries exactly once with the provided nonce.
//
// The body is rebuilt for each attempt, so that client assertions are freshly signed.
func (app *ClientApp) postWithDPoP(ctx context.Context, endpointType, endpoint string, dpopKey crypto.PrivateKey, nonce string, buildBody func() (url.Values, error)) (*formResponse, error) {
	var out *formResponse
	for attempt := range 2 {
		vals, err := buildBody()
		if err != nil {
			return nil, err
		}
		dpopJWT, err := SignDPoPProof(dpopKey, http.MethodPost, endpoint, nonce, "")
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(vals.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("DPoP", dpopJWT)

		resp, err := app.Client.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes+1))
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > maxMetadataBytes {
			return nil, fmt.Errorf("%s response body too large", endpointType)
		}

		// check if a nonce was provided
		if n := resp.Header.Get("DPoP-Nonce"); n != "" {
			nonce = n
		}
		out = &formResponse{StatusCode: resp.StatusCode, Body: body, Nonce: nonce}

		if attempt == 0 && resp.StatusCode == http.StatusBadRequest && resp.Header.Get("DPoP-Nonce") != "" {
			oerr := parseOAuthError(resp.StatusCode, body)
			if oerr.Code == "use_dpop_nonce" {
				app.Logger.Debug("retrying with server DPoP nonce", "endpoint", endpoint)
				dpopNonceRetries.WithLabelValues(endpointType).Inc()
				continue
			}
		}
		break
	}
	return out, nil
}

func parseOAuthError(statusCode int, body []byte) *OAuthServerError {
	oerr := OAuthServerError{}
	if err := json.Unmarshal(body, &oerr); err != nil {
		oerr = OAuthServerError{}
	}
	oerr.StatusCode = statusCode
	return &oerr
}
