package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// Login input was not a valid handle, DID, or service URL.
	ErrInvalidIdentifier = errors.New("invalid account identifier")

	// Handle or DID resolution failed (transport error, timeout, not found, handle mismatch).
	ErrResolutionFailure = errors.New("identity resolution failed")

	// DID document resolved, but lacks a usable PDS service entry.
	ErrNoServiceEndpoint = errors.New("no PDS service endpoint in DID document")

	// Transport, HTTP status, or parse failure fetching server metadata.
	ErrDiscoveryFailure = errors.New("auth server discovery failed")

	// Auth server issuer does not match the expected origin. May indicate an attack.
	ErrIssuerMismatch = errors.New("auth server issuer mismatch")

	// Auth server metadata is missing a required capability.
	ErrUnsupportedServer = errors.New("auth server does not support required OAuth features")

	ErrNoSigningKey = errors.New("no client signing key configured")

	// Pushed authorization request (PAR) failed.
	ErrRequestRejected = errors.New("auth request rejected by server")

	// User or server declined the authorization request. See [AuthorizationDeniedError].
	ErrAuthorizationDenied = errors.New("authorization denied")

	// Callback state is unknown, expired, or already used. May indicate CSRF or replay.
	ErrInvalidOrExpiredState = errors.New("invalid or expired OAuth state")

	// Callback parameters are malformed (eg, no code).
	ErrInvalidCallback = errors.New("invalid OAuth callback parameters")

	// Token request failed (transport error or server error response).
	ErrTokenExchangeFailure = errors.New("token exchange failed")

	// Token response violated the schema or atproto requirements.
	ErrInvalidTokenResponse = errors.New("invalid token response")
)

// Error returned from the callback when the auth server redirected with an "error" parameter.
type AuthorizationDeniedError struct {
	Code        string
	Description string
	URI         string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization denied: %s (%s)", e.Code, e.Description)
	}
	return "authorization denied: " + e.Code
}

func (e *AuthorizationDeniedError) Unwrap() error {
	return ErrAuthorizationDenied
}

// OAuth error response body from an auth server endpoint (RFC 6749 section 5.2).
type OAuthServerError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthServerError) Error() string {
	msg := fmt.Sprintf("HTTP %d", e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

// ordered; an error wrapping more than one kind reports the first match
var errorKinds = []struct {
	err  error
	name string
}{
	{ErrInvalidIdentifier, "InvalidIdentifier"},
	{ErrNoServiceEndpoint, "NoServiceEndpoint"},
	{ErrResolutionFailure, "ResolutionFailure"},
	{ErrInvalidTokenResponse, "InvalidTokenResponse"},
	{ErrIssuerMismatch, "IssuerMismatch"},
	{ErrUnsupportedServer, "UnsupportedServer"},
	{ErrDiscoveryFailure, "DiscoveryFailure"},
	{ErrNoSigningKey, "NoSigningKey"},
	{ErrRequestRejected, "RequestRejected"},
	{ErrAuthorizationDenied, "AuthorizationDenied"},
	{ErrInvalidOrExpiredState, "InvalidOrExpiredState"},
	{ErrInvalidCallback, "InvalidCallback"},
	{ErrTokenExchangeFailure, "TokenExchangeFailure"},
}

// Returns the stable name of the error kind ("IssuerMismatch", "TokenExchangeFailure", etc), or "Internal" for errors outside the taxonomy. Returns an empty string for nil.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// Reports whether the error may indicate an attack (CSRF, replay, or misdirected discovery). Callers should not offer a "try again" path for these without fresh user action.
func IsSecuritySensitive(err error) bool {
	return errors.Is(err, ErrInvalidOrExpiredState) || errors.Is(err, ErrIssuerMismatch)
}

// Reports whether the error was caused by a timeout (context deadline or network timeout).
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
