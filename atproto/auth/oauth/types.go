package oauth

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bluesky-social/atoauth/atproto/crypto"
	"github.com/bluesky-social/atoauth/atproto/syntax"
)

var (
	ErrInvalidAuthServerMetadata = errors.New("invalid auth server metadata")
	ErrInvalidClientMetadata     = errors.New("invalid client metadata doc")
)

type JWKS struct {
	Keys []crypto.JWK `json:"keys"`
}

// Expected response type from looking up OAuth Protected Resource information on a server (eg, a PDS instance)
type ProtectedResourceMetadata struct {
	// Origin of the resource server. Optional, but must match the PDS origin when present.
	Resource string `json:"resource,omitempty"`

	AuthorizationServers []string `json:"authorization_servers"`
}

type ClientMetadata struct {
	// Must exactly match the full URL used to fetch the client metadata file itself
	ClientID string `json:"client_id"`

	// Must be one of `web` or `native`, with `web` as the default if not specified.
	ApplicationType *string `json:"application_type,omitempty"`

	// `authorization_code` must always be included.
	GrantTypes []string `json:"grant_types"`

	// All scope values which might be requested by the client are declared here. The `atproto` scope is required, so must be included here.
	Scope string `json:"scope"`

	// `code` must be included
	ResponseTypes []string `json:"response_types"`

	// At least one redirect URI is required.
	RedirectURIs []string `json:"redirect_uris"`

	// Always `private_key_jwt` for this client.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// Algorithm of the active client signing key. `none` is never allowed here.
	TokenEndpointAuthSigningAlg *string `json:"token_endpoint_auth_signing_alg,omitempty"`

	// DPoP is mandatory for all clients, so this must be present and true
	DPoPBoundAccessTokens bool `json:"dpop_bound_access_tokens"`

	// Inline public key set. Either this field or `jwks_uri` may be provided, but not both.
	JWKS *JWKS `json:"jwks,omitempty"`

	// URL pointing to a JWKS JSON object.
	JWKSURI *string `json:"jwks_uri,omitempty"`

	// human-readable name of the client
	ClientName *string `json:"client_name,omitempty"`

	// not to be confused with client_id, this is a homepage URL for the client. If provided, the client_uri must have the same hostname as client_id.
	ClientURI *string `json:"client_uri,omitempty"`
}

// returns 'true' if client metadata indicates that this is a confidential client
func (m *ClientMetadata) IsConfidential() bool {
	if (m.JWKSURI != nil || (m.JWKS != nil && len(m.JWKS.Keys) > 0)) && m.TokenEndpointAuthMethod == "private_key_jwt" {
		return true
	}
	return false
}

func (m *ClientMetadata) Validate(clientID string) error {

	if m.ClientID == "" || m.ClientID != clientID {
		return fmt.Errorf("%w: client_id", ErrInvalidClientMetadata)
	}

	if m.ApplicationType != nil && !slices.Contains([]string{"web", "native"}, *m.ApplicationType) {
		return fmt.Errorf("%w: application_type must be 'web', 'native', or undefined", ErrInvalidClientMetadata)
	}

	if !slices.Contains(m.GrantTypes, "authorization_code") {
		return fmt.Errorf("%w: grant_type must include 'authorization_code'", ErrInvalidClientMetadata)
	}

	if !slices.Contains(strings.Fields(m.Scope), "atproto") {
		return fmt.Errorf("%w: scope must include 'atproto'", ErrInvalidClientMetadata)
	}

	if !slices.Contains(m.ResponseTypes, "code") {
		return fmt.Errorf("%w: response_types must include 'code'", ErrInvalidClientMetadata)
	}

	if len(m.RedirectURIs) == 0 {
		return fmt.Errorf("%w: redirect_uris must have at least one element", ErrInvalidClientMetadata)
	}

	// 'web' redirect URLs have more restrictions
	if m.ApplicationType == nil || *m.ApplicationType == "web" {
		for _, ru := range m.RedirectURIs {
			u, err := url.Parse(ru)
			if err != nil {
				return fmt.Errorf("%w: invalid web redirect_uris: %w", ErrInvalidClientMetadata, err)
			}
			if u.Scheme != "https" && !isLoopbackHost(u.Hostname()) {
				return fmt.Errorf("%w: web redirect_uris must have 'https' scheme", ErrInvalidClientMetadata)
			}
		}
	}

	if !(m.TokenEndpointAuthMethod == "none" || m.TokenEndpointAuthMethod == "private_key_jwt") {
		return fmt.Errorf("%w: unsupported token_endpoint_auth_method", ErrInvalidClientMetadata)
	}

	if m.TokenEndpointAuthSigningAlg != nil && *m.TokenEndpointAuthSigningAlg == "none" {
		return fmt.Errorf("%w: token_endpoint_auth_signing_alg must not be 'none'", ErrInvalidClientMetadata)
	}

	if !m.DPoPBoundAccessTokens {
		return fmt.Errorf("%w: dpop_bound_access_tokens must be true (DPoP is required)", ErrInvalidClientMetadata)
	}

	if m.JWKSURI != nil && m.JWKS != nil {
		return fmt.Errorf("%w: only one of jwks and jwks_uri may be provided", ErrInvalidClientMetadata)
	}

	if m.JWKSURI != nil && *m.JWKSURI == "" {
		return fmt.Errorf("%w: jwks_uri must be valid URL (when provided)", ErrInvalidClientMetadata)
	}

	return nil
}

type AuthServerMetadata struct {

	// the "origin" URL of the Authorization Server. Must be a valid URL, with https scheme. A port number is allowed (if that matches the origin), but the default port (443 for HTTPS) must not be specified. There must be no path segments. Must match the origin of the URL used to fetch the metadata document itself.
	Issuer string `json:"issuer"`

	// endpoint URL for authorization redirects
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// endpoint URL for token requests
	TokenEndpoint string `json:"token_endpoint"`

	// must include code
	ResponseTypesSupported []string `json:"response_types_supported"`

	// must include authorization_code
	GrantTypesSupported []string `json:"grant_types_supported"`

	// must include S256
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// must include private_key_jwt (confidential clients)
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// must include the algorithm of the active client key
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`

	// must include atproto
	ScopesSupported []string `json:"scopes_supported"`

	AuthorizationResponseISSParameterSupported bool `json:"authorization_response_iss_parameter_supported"`

	// when true, authorization requests must be pushed (PAR) before redirect
	RequirePushedAuthorizationRequests bool `json:"require_pushed_authorization_requests"`

	// corresponds to the PAR endpoint URL
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`

	// must include at least one algorithm we can generate ephemeral keys for (ES256 or ES256K)
	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported"`

	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported"`
}

// Structural validation of auth server metadata. `origin` is the origin the document was fetched from; the issuer must match it exactly.
//
// Returns an error wrapping [ErrIssuerMismatch] for an issuer mismatch, or [ErrInvalidAuthServerMetadata] for other problems.
func (m *AuthServerMetadata) Validate(origin string) error {

	if m.Issuer == "" {
		return fmt.Errorf("%w: empty issuer", ErrInvalidAuthServerMetadata)
	}
	if err := checkOrigin(m.Issuer); err != nil {
		return fmt.Errorf("%w: issuer: %w", ErrInvalidAuthServerMetadata, err)
	}
	if m.Issuer != origin {
		return fmt.Errorf("%w: expected %s, got %s", ErrIssuerMismatch, origin, m.Issuer)
	}

	// endpoints get query params appended, so must not have any already
	for name, endpoint := range map[string]string{
		"authorization_endpoint":                m.AuthorizationEndpoint,
		"token_endpoint":                        m.TokenEndpoint,
		"pushed_authorization_request_endpoint": m.PushedAuthorizationRequestEndpoint,
	} {
		if endpoint == "" && name == "pushed_authorization_request_endpoint" {
			continue
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("%w: invalid %s (%s): %w", ErrInvalidAuthServerMetadata, name, endpoint, err)
		}
		if u.Scheme != "https" || u.Host == "" || u.Fragment != "" || u.RawQuery != "" {
			return fmt.Errorf("%w: invalid %s: %s", ErrInvalidAuthServerMetadata, name, endpoint)
		}
	}

	if m.RequirePushedAuthorizationRequests && m.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("%w: pushed_authorization_request_endpoint is required", ErrInvalidAuthServerMetadata)
	}
	return nil
}

// Checks that the server supports every feature this client relies on. `clientAlg` is the signing algorithm of the active client key.
func (m *AuthServerMetadata) CheckCapabilities(clientAlg string) error {
	if !slices.Contains(m.ResponseTypesSupported, "code") {
		return fmt.Errorf("%w: response_types_supported must include 'code'", ErrUnsupportedServer)
	}
	if !slices.Contains(m.GrantTypesSupported, "authorization_code") {
		return fmt.Errorf("%w: grant_types_supported must include 'authorization_code'", ErrUnsupportedServer)
	}
	if !slices.Contains(m.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("%w: code_challenge_methods_supported must include 'S256'", ErrUnsupportedServer)
	}
	if !slices.Contains(m.TokenEndpointAuthMethodsSupported, "private_key_jwt") {
		return fmt.Errorf("%w: token_endpoint_auth_methods_supported must include 'private_key_jwt'", ErrUnsupportedServer)
	}
	if clientAlg != "" && !slices.Contains(m.TokenEndpointAuthSigningAlgValuesSupported, clientAlg) {
		return fmt.Errorf("%w: token_endpoint_auth_signing_alg_values_supported must include '%s'", ErrUnsupportedServer, clientAlg)
	}
	if !slices.Contains(m.ScopesSupported, "atproto") {
		return fmt.Errorf("%w: scopes_supported must include 'atproto'", ErrUnsupportedServer)
	}
	if m.DPoPAlg() == "" {
		return fmt.Errorf("%w: dpop_signing_alg_values_supported has no supported algorithm", ErrUnsupportedServer)
	}
	return nil
}

// Returns the algorithm to use for ephemeral DPoP keys against this server: ES256 when offered, else ES256K, else empty string.
func (m *AuthServerMetadata) DPoPAlg() string {
	for _, alg := range supportedAlgs {
		if slices.Contains(m.DPoPSigningAlgValuesSupported, alg) {
			return alg
		}
	}
	return ""
}

// Checks that the string is a bare https origin: no path, query, fragment, or default port.
func checkOrigin(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return fmt.Errorf("origin must have https scheme: %s", s)
	}
	if u.Host == "" || u.User != nil {
		return fmt.Errorf("origin must have a host: %s", s)
	}
	if u.Port() == "443" {
		return fmt.Errorf("origin must not include default port: %s", s)
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return fmt.Errorf("origin must not have path, query, or fragment: %s", s)
	}
	return nil
}

// Reduces a URL to its origin (scheme and host), for comparing against issuers and resource identifiers.
func urlOrigin(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("not an absolute URL: %s", s)
	}
	host := u.Host
	if u.Scheme == "https" && u.Port() == "443" {
		host = u.Hostname()
	}
	return u.Scheme + "://" + host, nil
}

// The fields which are included in a PAR request, or (when PAR is not required) in the authorization redirect URL. Form-encoded, so uses URL encoding syntax, not JSON.
type PushedAuthRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	// Random identifier for this request, generated by client
	State string `url:"state"`

	// Client-specified URL that will get redirected to by auth server at end of user auth flow
	RedirectURI string `url:"redirect_uri"`

	// Requested auth scopes, as a space-delimited list
	Scope string `url:"scope"`

	// Optional account identifier (DID or handle) to help with user account login and/or account switching
	LoginHint *string `url:"login_hint,omitempty"`

	// Always "code"
	ResponseType string `url:"response_type"`

	// Client-generated PKCE challenge hash, derived from random "verifier" string
	CodeChallenge string `url:"code_challenge"`

	// Always "S256"
	CodeChallengeMethod string `url:"code_challenge_method"`

	// Only set on pushed requests. Always "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ClientAssertionType string `url:"client_assertion_type,omitempty"`

	// Only set on pushed requests. Signed client assertion JWT.
	ClientAssertion string `url:"client_assertion,omitempty"`
}

type PushedAuthResponse struct {
	// unique token in URI format, which will be used by the client in the auth flow redirect
	RequestURI string `json:"request_uri"`

	// positive integer indicating number of seconds the `request_uri` is valid for.
	ExpiresIn int `json:"expires_in"`
}

// Query parameters of the authorization redirect, when the request was pushed.
type authRedirectParams struct {
	ClientID   string `url:"client_id"`
	RequestURI string `url:"request_uri"`
}

// Persisted information about an in-progress auth request. Keyed by State, and consumed exactly once at callback time.
type AuthRequestData struct {
	// The random identifier generated by the client for the auth request flow. Can be used as "primary key" for storing and retrieving this information.
	State string `json:"state"`

	// Issuer (origin) of the auth server
	AuthServerIssuer string `json:"authserver_iss"`

	// Full token endpoint URL
	AuthServerTokenEndpoint string `json:"authserver_token_endpoint"`

	// Whether the auth server advertised `iss` in authorization responses. If so, the callback must include it.
	AuthServerRequiresISS bool `json:"authserver_requires_iss,omitempty"`

	// PDS of the account, when the flow started with an account identifier
	PDSEndpoint string `json:"pds_endpoint,omitempty"`

	// If the flow started with an account identifier (DID or handle), it is persisted, to verify against the token response.
	AccountDID *syntax.DID `json:"account_did,omitempty"`

	// OAuth scope strings
	Scopes []string `json:"scopes"`

	// PAR request URI, if the request was pushed
	RequestURI string `json:"request_uri,omitempty"`

	// The secret token/nonce which a code challenge was generated from
	PKCEVerifier string `json:"pkce_verifier"`

	// Server-provided DPoP nonce from auth request (PAR)
	DPoPAuthServerNonce string `json:"dpop_authserver_nonce,omitempty"`

	// The secret cryptographic key generated by the client for this specific OAuth session
	DPoPPrivateKeyMultibase string `json:"dpop_privatekey_multibase"`

	CreatedAt time.Time `json:"created_at"`
}

// Whether the record is older than the given lifetime, as of `now`.
func (d *AuthRequestData) Expired(now time.Time, ttl time.Duration) bool {
	return !d.CreatedAt.Add(ttl).After(now)
}

// The fields which are included in an initial token request. Form-encoded.
type InitialTokenRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	// Auth server will validate that this matches the redirect URI used during the auth flow
	RedirectURI string `url:"redirect_uri"`

	// Always `authorization_code`
	GrantType string `url:"grant_type"`

	// Authorization Code provided by the Auth Server via callback at the end of the auth request flow
	Code string `url:"code"`

	// PKCE verifier string
	CodeVerifier string `url:"code_verifier"`

	// Always "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ClientAssertionType string `url:"client_assertion_type"`

	// Signed client assertion JWT
	ClientAssertion string `url:"client_assertion"`
}

// Expected response from Auth Server token endpoint.
type TokenResponse struct {
	Subject string `json:"sub"`

	// Usually expected to be the scopes that the client requested, but technically only a subset may have been approved.
	Scope string `json:"scope"`

	// Opaque access token, for requests to the resource server.
	AccessToken string `json:"access_token"`

	// Refresh token, for doing additional token requests to the auth server.
	RefreshToken string `json:"refresh_token,omitempty"`

	// Must be "DPoP" (case-insensitive)
	TokenType string `json:"token_type"`

	// Access token lifetime, in seconds
	ExpiresIn int64 `json:"expires_in"`
}

// Validated result of a successful token exchange. The access token is DPoP-bound to the ephemeral key generated for the auth request.
type TokenSet struct {
	Issuer       string
	Subject      syntax.DID
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
	PDSEndpoint  string

	// Ephemeral DPoP key the tokens are bound to, needed for any further requests with these tokens.
	DPoPPrivateKeyMultibase string
}
