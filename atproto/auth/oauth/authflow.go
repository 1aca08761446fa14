package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/atoauth/atproto/crypto"
	"github.com/bluesky-social/atoauth/atproto/identity"
	"github.com/bluesky-social/atoauth/atproto/syntax"

	"github.com/google/go-querystring/query"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// number of attempts to find an unused state value
var stateAttempts = 3

// Starts an auth flow for the given login input, and returns the URL to redirect the user to.
//
// `input` may be a handle or DID (resolved to the account's PDS and then its auth server), or an https URL of a PDS or entryway (identity resolution is skipped, and the account is determined at callback time). `extraScopes` are requested in addition to the configured scopes.
//
// Errors wrap the taxonomy sentinels ([ErrInvalidIdentifier], [ErrResolutionFailure], [ErrDiscoveryFailure], [ErrRequestRejected], etc).
func (app *ClientApp) StartAuthFlow(ctx context.Context, input string, extraScopes ...string) (string, error) {
	ctx, span := tracer.Start(ctx, "StartAuthFlow")
	defer span.End()

	redirectURL, err := app.startAuthFlow(ctx, input, extraScopes)
	kind := finishSpan(span, err)
	authFlowsStarted.WithLabelValues(kind).Inc()
	if err != nil {
		app.Logger.Warn("failed to start auth flow", "input", input, "kind", kind, "err", err)
	}
	return redirectURL, err
}

func (app *ClientApp) startAuthFlow(ctx context.Context, input string, extraScopes []string) (string, error) {
	input = strings.TrimSpace(input)

	var (
		authServerURL string
		pdsURL        string
		accountDID    *syntax.DID
		loginHint     *string
	)
	if strings.HasPrefix(input, "https://") {
		origin, err := urlOrigin(input)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidIdentifier, err)
		}
		authServerURL, err = app.Discoverer.ResolveAuthServerURL(ctx, origin)
		if err != nil {
			// not a resource server; may be an entryway or auth server itself
			app.Logger.Debug("treating login URL as auth server", "url", origin, "err", err)
			authServerURL = origin
		} else {
			pdsURL = origin
		}
	} else {
		atid, err := syntax.ParseAtIdentifier(input)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidIdentifier, err)
		}
		ident, err := identity.Lookup(ctx, app.Resolver, atid)
		if err != nil {
			return "", resolutionError(err)
		}
		did := ident.DID
		accountDID = &did
		pdsURL = ident.PDSEndpoint
		hint := atid.String()
		loginHint = &hint

		authServerURL, err = app.Discoverer.ResolveAuthServerURL(ctx, pdsURL)
		if err != nil {
			return "", err
		}
	}

	meta, err := app.Discoverer.ResolveAuthServerMetadata(ctx, authServerURL)
	if err != nil {
		return "", err
	}
	attrs := []attribute.KeyValue{attribute.String("authServer", meta.Issuer)}
	if accountDID != nil {
		attrs = append(attrs, attribute.String("did", accountDID.String()))
	}
	trace.SpanFromContext(ctx).SetAttributes(attrs...)

	dpopKey, err := crypto.GeneratePrivateKeyForAlg(meta.DPoPAlg())
	if err != nil {
		return "", err
	}
	pkce := GeneratePKCE()
	scopes := mergeScopes(app.Config.Scopes, extraScopes...)

	params := PushedAuthRequest{
		ClientID:            app.Config.ClientID,
		RedirectURI:         app.Config.RedirectURI,
		Scope:               strings.Join(scopes, " "),
		LoginHint:           loginHint,
		ResponseType:        "code",
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: pkce.Method,
	}

	for range stateAttempts {
		params.State = randomToken(32)
		info := AuthRequestData{
			State:                   params.State,
			AuthServerIssuer:        meta.Issuer,
			AuthServerTokenEndpoint: meta.TokenEndpoint,
			AuthServerRequiresISS:   meta.AuthorizationResponseISSParameterSupported,
			PDSEndpoint:             pdsURL,
			AccountDID:              accountDID,
			Scopes:                  scopes,
			PKCEVerifier:            pkce.Verifier,
			DPoPPrivateKeyMultibase: dpopKey.Multibase(),
			CreatedAt:               time.Now(),
		}

		var redirectURL string
		if meta.RequirePushedAuthorizationRequests {
			parResp, nonce, err := app.sendAuthRequest(ctx, meta, params, dpopKey)
			if err != nil {
				return "", err
			}
			info.RequestURI = parResp.RequestURI
			info.DPoPAuthServerNonce = nonce
			redirectURL, err = buildAuthorizeURL(meta.AuthorizationEndpoint, authRedirectParams{
				ClientID:   app.Config.ClientID,
				RequestURI: parResp.RequestURI,
			})
			if err != nil {
				return "", err
			}
		} else {
			redirectURL, err = buildAuthorizeURL(meta.AuthorizationEndpoint, params)
			if err != nil {
				return "", err
			}
		}

		err := app.Store.SaveAuthRequest(ctx, info)
		if errors.Is(err, ErrStateConflict) {
			app.Logger.Warn("auth request state collision, regenerating")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("persisting auth request: %w", err)
		}
		app.Logger.Info("started auth flow", "authServer", meta.Issuer, "pushed", meta.RequirePushedAuthorizationRequests, "scope", params.Scope)
		return redirectURL, nil
	}
	return "", fmt.Errorf("persisting auth request: %w", ErrStateConflict)
}

// Sends a pushed auth request (PAR) to the auth server. Returns the response and the most recent DPoP nonce from the server.
func (app *ClientApp) sendAuthRequest(ctx context.Context, meta *AuthServerMetadata, params PushedAuthRequest, dpopKey crypto.PrivateKey) (*PushedAuthResponse, string, error) {
	parURL := meta.PushedAuthorizationRequestEndpoint

	resp, err := app.postWithDPoP(ctx, "par", parURL, dpopKey, "", func() (url.Values, error) {
		assertion, err := app.Keys.SignClientAssertion(app.Config.ClientID, meta.Issuer, app.AssertionTTL)
		if err != nil {
			return nil, err
		}
		params.ClientAssertionType = ClientAssertionJWTBearer
		params.ClientAssertion = assertion
		return query.Values(params)
	})
	if err != nil {
		if errors.Is(err, ErrNoSigningKey) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %w", ErrRequestRejected, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		oerr := parseOAuthError(resp.StatusCode, resp.Body)
		app.Logger.Warn("PAR request failed", "authServer", parURL, "statusCode", resp.StatusCode, "error", oerr.Code)
		if resp.StatusCode == http.StatusNotFound {
			app.Discoverer.Purge(meta.Issuer)
		}
		return nil, "", fmt.Errorf("%w: %w", ErrRequestRejected, oerr)
	}

	var parResp PushedAuthResponse
	if err := json.Unmarshal(resp.Body, &parResp); err != nil {
		return nil, "", fmt.Errorf("%w: auth request (PAR) response failed to decode: %w", ErrRequestRejected, err)
	}
	if parResp.RequestURI == "" {
		return nil, "", fmt.Errorf("%w: auth request (PAR) response missing request_uri", ErrRequestRejected)
	}
	return &parResp, resp.Nonce, nil
}

func buildAuthorizeURL(endpoint string, params any) (string, error) {
	vals, err := query.Values(params)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: invalid authorization endpoint: %w", ErrDiscoveryFailure, err)
	}
	u.RawQuery = vals.Encode()
	return u.String(), nil
}

// maps identity resolution failures to the client error taxonomy
func resolutionError(err error) error {
	if errors.Is(err, identity.ErrNoPDSEndpoint) {
		return fmt.Errorf("%w: %w", ErrNoServiceEndpoint, err)
	}
	if errors.Is(err, identity.ErrHandleReservedTLD) {
		return fmt.Errorf("%w: %w", ErrInvalidIdentifier, err)
	}
	return fmt.Errorf("%w: %w", ErrResolutionFailure, err)
}
