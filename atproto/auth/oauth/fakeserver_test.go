package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/atoauth/atproto/crypto"
	"github.com/bluesky-social/atoauth/atproto/identity"
	"github.com/bluesky-social/atoauth/atproto/syntax"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/require"
)

// In-process PDS and auth server (same origin), implementing just enough of the atproto OAuth profile to exercise the client.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	// client JWKS, for verifying client assertions
	clientJWKS func() JWKS
	clientID   string

	requirePAR bool

	// issuer to advertise, if not the server origin
	issuerOverride string

	// number of consecutive "use_dpop_nonce" challenges the token endpoint sends before accepting
	tokenNonceChallenges int
	// same, for the PAR endpoint
	parNonceChallenges int

	// subject DID for issued tokens
	subject string
	// overrides for the token response
	tokenType  string
	tokenScope string

	// expires_in value for issued tokens; omitted from the response if nil
	tokenExpiresIn any

	// slows down auth server metadata responses
	metadataDelay time.Duration

	metadataFetches atomic.Int64
	parCalls        atomic.Int64
	tokenCalls      atomic.Int64

	mu         sync.Mutex
	requests   map[string]url.Values // request_uri -> pushed params
	codes      map[string]url.Values // code -> authorization params
	nonceCount map[string]int
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		t:              t,
		requirePAR:     true,
		subject:        "did:plc:alicealicealicealicealic",
		tokenType:      "DPoP",
		tokenScope:     "atproto transition:generic",
		tokenExpiresIn: 3600,
		requests:       make(map[string]url.Values),
		codes:          make(map[string]url.Values),
		nonceCount:     make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", fs.handleProtectedResource)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", fs.handleAuthServerMetadata)
	mux.HandleFunc("POST /par", fs.handlePAR)
	mux.HandleFunc("POST /token", fs.handleToken)
	fs.srv = httptest.NewTLSServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) URL() string {
	return fs.srv.URL
}

func (fs *fakeServer) issuer() string {
	if fs.issuerOverride != "" {
		return fs.issuerOverride
	}
	return fs.srv.URL
}

func (fs *fakeServer) metadata() AuthServerMetadata {
	return AuthServerMetadata{
		Issuer:                                     fs.issuer(),
		AuthorizationEndpoint:                      fs.srv.URL + "/authorize",
		TokenEndpoint:                              fs.srv.URL + "/token",
		PushedAuthorizationRequestEndpoint:         fs.srv.URL + "/par",
		RequirePushedAuthorizationRequests:         fs.requirePAR,
		ResponseTypesSupported:                     []string{"code"},
		GrantTypesSupported:                        []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:              []string{"S256"},
		TokenEndpointAuthMethodsSupported:          []string{"none", "private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256", "ES256K"},
		ScopesSupported:                            []string{"atproto", "transition:generic"},
		AuthorizationResponseISSParameterSupported: true,
		DPoPSigningAlgValuesSupported:              []string{"ES256", "ES256K"},
		ClientIDMetadataDocumentSupported:          true,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (fs *fakeServer) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:             fs.srv.URL,
		AuthorizationServers: []string{fs.srv.URL},
	})
}

func (fs *fakeServer) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	fs.metadataFetches.Add(1)
	time.Sleep(fs.metadataDelay)
	writeJSON(w, http.StatusOK, fs.metadata())
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

// verifies the DPoP proof header. Returns an error description, or empty string.
func (fs *fakeServer) checkDPoP(r *http.Request, endpoint string) string {
	proof := r.Header.Get("DPoP")
	if proof == "" {
		return "missing DPoP header"
	}
	msg, err := jws.Parse([]byte(proof))
	if err != nil {
		return "unparsable DPoP proof"
	}
	hdr := msg.Signatures()[0].ProtectedHeaders()
	if hdr.Type() != "dpop+jwt" {
		return "wrong DPoP typ"
	}
	key := hdr.JWK()
	if key == nil {
		return "missing DPoP jwk"
	}
	payload, err := jws.Verify([]byte(proof), jws.WithKey(hdr.Algorithm(), key))
	if err != nil {
		return "invalid DPoP signature"
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "invalid DPoP claims"
	}
	if claims["htm"] != http.MethodPost || claims["htu"] != fs.srv.URL+endpoint {
		return "wrong DPoP htm/htu"
	}
	if claims["jti"] == nil || claims["iat"] == nil {
		return "missing DPoP jti/iat"
	}
	if _, ok := claims["ath"]; ok {
		return "unexpected ath"
	}
	return ""
}

// sends "use_dpop_nonce" challenges, up to the configured count per endpoint. Returns true if a challenge was sent.
func (fs *fakeServer) nonceChallenge(w http.ResponseWriter, endpoint string, limit int) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.nonceCount[endpoint] >= limit {
		return false
	}
	fs.nonceCount[endpoint]++
	w.Header().Set("DPoP-Nonce", fmt.Sprintf("nonce-%s-%d", strings.Trim(endpoint, "/"), fs.nonceCount[endpoint]))
	oauthError(w, http.StatusBadRequest, "use_dpop_nonce", "Authorization server requires nonce in DPoP proof")
	return true
}

// verifies a client assertion against the published client JWKS
func (fs *fakeServer) checkClientAssertion(form url.Values) string {
	if form.Get("client_assertion_type") != ClientAssertionJWTBearer {
		return "wrong client_assertion_type"
	}
	b, err := json.Marshal(fs.clientJWKS())
	if err != nil {
		return "JWKS serialization"
	}
	set, err := jwk.Parse(b)
	if err != nil {
		return "JWKS parse: " + err.Error()
	}
	payload, err := jws.Verify([]byte(form.Get("client_assertion")), jws.WithKeySet(set))
	if err != nil {
		return "client assertion signature: " + err.Error()
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "client assertion claims"
	}
	if claims["iss"] != fs.clientID || claims["sub"] != fs.clientID {
		return "client assertion iss/sub"
	}
	if claims["aud"] != fs.issuer() {
		return "client assertion aud"
	}
	return ""
}

func (fs *fakeServer) handlePAR(w http.ResponseWriter, r *http.Request) {
	fs.parCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "form")
		return
	}
	if msg := fs.checkDPoP(r, "/par"); msg != "" {
		oauthError(w, http.StatusBadRequest, "invalid_dpop_proof", msg)
		return
	}
	if fs.nonceChallenge(w, "/par", fs.parNonceChallenges) {
		return
	}
	if msg := fs.checkClientAssertion(r.PostForm); msg != "" {
		oauthError(w, http.StatusUnauthorized, "invalid_client", msg)
		return
	}
	if r.PostForm.Get("code_challenge_method") != "S256" || r.PostForm.Get("code_challenge") == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "PKCE required")
		return
	}

	requestURI := "urn:ietf:params:oauth:request_uri:" + randomToken(16)
	fs.mu.Lock()
	fs.requests[requestURI] = r.PostForm
	fs.mu.Unlock()
	writeJSON(w, http.StatusCreated, PushedAuthResponse{RequestURI: requestURI, ExpiresIn: 300})
}

// simulates the user approving the request at the authorization endpoint. Returns the callback query params.
func (fs *fakeServer) approve(redirectURL string) url.Values {
	u, err := url.Parse(redirectURL)
	require.NoError(fs.t, err)
	require.Equal(fs.t, fs.srv.URL+"/authorize", u.Scheme+"://"+u.Host+u.Path)

	params := u.Query()
	if requestURI := params.Get("request_uri"); requestURI != "" {
		fs.mu.Lock()
		pushed, ok := fs.requests[requestURI]
		delete(fs.requests, requestURI)
		fs.mu.Unlock()
		require.True(fs.t, ok, "unknown request_uri")
		require.Equal(fs.t, params.Get("client_id"), pushed.Get("client_id"))
		params = pushed
	}

	code := "code-" + randomToken(16)
	fs.mu.Lock()
	fs.codes[code] = params
	fs.mu.Unlock()
	return url.Values{
		"state": {params.Get("state")},
		"code":  {code},
		"iss":   {fs.issuer()},
	}
}

func (fs *fakeServer) handleToken(w http.ResponseWriter, r *http.Request) {
	fs.tokenCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "form")
		return
	}
	if msg := fs.checkDPoP(r, "/token"); msg != "" {
		oauthError(w, http.StatusBadRequest, "invalid_dpop_proof", msg)
		return
	}
	if fs.nonceChallenge(w, "/token", fs.tokenNonceChallenges) {
		return
	}
	if msg := fs.checkClientAssertion(r.PostForm); msg != "" {
		oauthError(w, http.StatusUnauthorized, "invalid_client", msg)
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	fs.mu.Lock()
	authz, ok := fs.codes[r.PostForm.Get("code")]
	delete(fs.codes, r.PostForm.Get("code"))
	fs.mu.Unlock()
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "unknown code")
		return
	}
	if r.PostForm.Get("redirect_uri") != authz.Get("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if !VerifyPKCE(r.PostForm.Get("code_verifier"), authz.Get("code_challenge")) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	body := map[string]any{
		"access_token":  "access-" + randomToken(16),
		"refresh_token": "refresh-" + randomToken(16),
		"token_type":    fs.tokenType,
		"scope":         fs.tokenScope,
		"sub":           fs.subject,
	}
	if fs.tokenExpiresIn != nil {
		body["expires_in"] = fs.tokenExpiresIn
	}
	writeJSON(w, http.StatusOK, body)
}

type testEnv struct {
	app      *ClientApp
	server   *fakeServer
	resolver *identity.MockResolver
	store    *MemStore
	key      crypto.PrivateKeyExportable
}

// builds a client app wired to a fake server, with "alice.test" hosted there
func newTestEnv(t *testing.T) *testEnv {
	require := require.New(t)

	fs := newFakeServer(t)

	priv, err := crypto.GeneratePrivateKeyForAlg("ES256")
	require.NoError(err)
	keys, err := NewKeySet(ClientKey{KeyID: "test-key", Key: priv})
	require.NoError(err)

	config, err := NewClientConfig("https://app.example.com", []string{"transition:generic"})
	require.NoError(err)
	config.ClientName = "Test App"

	resolver := identity.NewMockResolver()
	resolver.Insert(syntax.DID(fs.subject), "alice.test", fs.URL())

	store := NewMemStore(DefaultStateTTL)
	app, err := NewClientApp(config, keys, resolver, store)
	require.NoError(err)
	app.SetHTTPClient(fs.srv.Client())
	// fresh cache per test, since each fake server has a different origin anyway
	app.Discoverer = NewDiscoverer(fs.srv.Client(), time.Minute)
	app.Discoverer.ClientAuthAlg = "ES256"

	fs.clientJWKS = app.JWKS
	fs.clientID = config.ClientID

	return &testEnv{
		app:      app,
		server:   fs,
		resolver: resolver,
		store:    store,
		key:      priv,
	}
}

// checks that a JWK has no private key material
func assertPublicOnly(t *testing.T, k jwk.Key) {
	_, isPrivate := k.(jwk.ECDSAPrivateKey)
	require.False(t, isPrivate)
	_, hasD := k.Get("d")
	require.False(t, hasD)
	require.Equal(t, jwa.EC, k.KeyType())
}
