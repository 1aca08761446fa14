package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bluesky-social/atoauth/atproto/crypto"
	"github.com/bluesky-social/atoauth/atproto/identity"
	"github.com/bluesky-social/atoauth/atproto/syntax"

	"github.com/google/go-querystring/query"
	"go.opentelemetry.io/otel/attribute"
)

// Processes the query parameters of an auth flow callback (redirect from the auth server), and exchanges the authorization code for tokens.
//
// The auth request record for the callback state is consumed (at most once), whether or not the exchange succeeds. On success, returns a validated [TokenSet]; it never returns a partial one.
func (app *ClientApp) ProcessCallback(ctx context.Context, params url.Values) (*TokenSet, error) {
	ctx, span := tracer.Start(ctx, "ProcessCallback")
	defer span.End()

	tokens, err := app.processCallback(ctx, params)
	kind := finishSpan(span, err)
	callbacksProcessed.WithLabelValues(kind).Inc()
	if err != nil {
		app.Logger.Warn("auth callback failed", "kind", kind, "err", err)
	} else {
		span.SetAttributes(attribute.String("did", tokens.Subject.String()))
		app.Logger.Info("auth callback succeeded", "did", tokens.Subject, "authServer", tokens.Issuer)
	}
	return tokens, err
}

// upper bound on access token lifetime accepted from a token response (one year)
const maxTokenLifetimeSeconds = 365 * 24 * 60 * 60

func (app *ClientApp) processCallback(ctx context.Context, params url.Values) (*TokenSet, error) {
	state := params.Get("state")
	if state == "" {
		return nil, fmt.Errorf("%w: missing state parameter", ErrInvalidOrExpiredState)
	}

	if errCode := params.Get("error"); errCode != "" {
		// consume the record, so the state can not be used again
		if _, err := app.Store.TakeAuthRequest(ctx, state); err != nil && !errors.Is(err, ErrStateNotFound) {
			app.Logger.Warn("failed to consume auth request after denial", "err", err)
		}
		return nil, &AuthorizationDeniedError{
			Code:        errCode,
			Description: params.Get("error_description"),
			URI:         params.Get("error_uri"),
		}
	}

	info, err := app.Store.TakeAuthRequest(ctx, state)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOrExpiredState, err)
		}
		return nil, err
	}

	code := params.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing code parameter", ErrInvalidCallback)
	}

	iss := params.Get("iss")
	if iss == "" && info.AuthServerRequiresISS {
		return nil, fmt.Errorf("%w: missing iss parameter", ErrInvalidCallback)
	}
	if iss != "" && iss != info.AuthServerIssuer {
		app.Discoverer.Purge(info.AuthServerIssuer)
		return nil, fmt.Errorf("%w: callback issuer %s, expected %s", ErrIssuerMismatch, iss, info.AuthServerIssuer)
	}

	dpopKey, err := crypto.ParsePrivateMultibase(info.DPoPPrivateKeyMultibase)
	if err != nil {
		return nil, fmt.Errorf("corrupt auth request record: %w", err)
	}

	start := time.Now()
	tokenResp, err := app.sendInitialTokenRequest(ctx, info, code, dpopKey)
	tokenRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	return app.validateTokenResponse(ctx, info, tokenResp, dpopKey)
}

func (app *ClientApp) sendInitialTokenRequest(ctx context.Context, info *AuthRequestData, code string, dpopKey crypto.PrivateKey) (*TokenResponse, error) {
	tokenURL := info.AuthServerTokenEndpoint

	resp, err := app.postWithDPoP(ctx, "token", tokenURL, dpopKey, info.DPoPAuthServerNonce, func() (url.Values, error) {
		assertion, err := app.Keys.SignClientAssertion(app.Config.ClientID, info.AuthServerIssuer, app.AssertionTTL)
		if err != nil {
			return nil, err
		}
		return query.Values(InitialTokenRequest{
			ClientID:            app.Config.ClientID,
			RedirectURI:         app.Config.RedirectURI,
			GrantType:           "authorization_code",
			Code:                code,
			CodeVerifier:        info.PKCEVerifier,
			ClientAssertionType: ClientAssertionJWTBearer,
			ClientAssertion:     assertion,
		})
	})
	if err != nil {
		if errors.Is(err, ErrNoSigningKey) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailure, err)
	}

	if resp.StatusCode != http.StatusOK {
		oerr := parseOAuthError(resp.StatusCode, resp.Body)
		app.Logger.Warn("initial token request failed", "authServer", info.AuthServerIssuer, "statusCode", resp.StatusCode, "error", oerr.Code)
		if resp.StatusCode == http.StatusNotFound {
			app.Discoverer.Purge(info.AuthServerIssuer)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailure, oerr)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(resp.Body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: token response failed to decode: %w", ErrInvalidTokenResponse, err)
	}
	return &tokenResp, nil
}

func (app *ClientApp) validateTokenResponse(ctx context.Context, info *AuthRequestData, resp *TokenResponse, dpopKey crypto.PrivateKeyExportable) (*TokenSet, error) {
	if !strings.EqualFold(resp.TokenType, "DPoP") {
		return nil, fmt.Errorf("%w: token_type must be DPoP, got %q", ErrInvalidTokenResponse, resp.TokenType)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", ErrInvalidTokenResponse)
	}
	if resp.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: expires_in must be positive", ErrInvalidTokenResponse)
	}
	if resp.ExpiresIn > maxTokenLifetimeSeconds {
		return nil, fmt.Errorf("%w: expires_in too large (%d)", ErrInvalidTokenResponse, resp.ExpiresIn)
	}
	if !slices.Contains(strings.Fields(resp.Scope), "atproto") {
		return nil, fmt.Errorf("%w: scope must include 'atproto'", ErrInvalidTokenResponse)
	}
	sub, err := syntax.ParseDID(resp.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: sub must be a DID: %w", ErrInvalidTokenResponse, err)
	}

	pdsURL := info.PDSEndpoint
	if info.AccountDID != nil {
		if sub != *info.AccountDID {
			return nil, fmt.Errorf("%w: token subject %s does not match account %s", ErrInvalidTokenResponse, sub, info.AccountDID)
		}
	} else {
		// flow started from a server URL: the account must actually be served by this issuer
		pdsURL, err = app.verifySubjectIssuer(ctx, sub, info.AuthServerIssuer)
		if err != nil {
			return nil, err
		}
	}

	return &TokenSet{
		Issuer:                  info.AuthServerIssuer,
		Subject:                 sub,
		AccessToken:             resp.AccessToken,
		RefreshToken:            resp.RefreshToken,
		TokenType:               "DPoP",
		Scope:                   resp.Scope,
		ExpiresAt:               time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		PDSEndpoint:             pdsURL,
		DPoPPrivateKeyMultibase: dpopKey.Multibase(),
	}, nil
}

// Resolves the account's PDS and its auth server, and checks that the auth server is the expected issuer. Returns the PDS endpoint.
func (app *ClientApp) verifySubjectIssuer(ctx context.Context, sub syntax.DID, issuer string) (string, error) {
	ident, err := identity.Lookup(ctx, app.Resolver, sub.AtIdentifier())
	if err != nil {
		return "", fmt.Errorf("%w: resolving token subject: %w", ErrInvalidTokenResponse, err)
	}
	authServerURL, err := app.Discoverer.ResolveAuthServerURL(ctx, ident.PDSEndpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTokenResponse, err)
	}
	if authServerURL != issuer {
		return "", fmt.Errorf("%w: %w: account %s is served by %s", ErrInvalidTokenResponse, ErrIssuerMismatch, sub, authServerURL)
	}
	return ident.PDSEndpoint, nil
}
