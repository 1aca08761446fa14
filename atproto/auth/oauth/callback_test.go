package oauth

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/bluesky-social/atoauth/atproto/crypto"
	"github.com/bluesky-social/atoauth/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessCallback(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	redirectURL, err := env.app.StartAuthFlow(ctx, "alice.test")
	require.NoError(err)
	callback := env.server.approve(redirectURL)

	tokens, err := env.app.ProcessCallback(ctx, callback)
	require.NoError(err)
	assert.Equal(syntax.DID("did:plc:alicealicealicealicealic"), tokens.Subject)
	assert.Equal(env.server.URL(), tokens.Issuer)
	assert.Equal(env.server.URL(), tokens.PDSEndpoint)
	assert.Equal("DPoP", tokens.TokenType)
	assert.NotEmpty(tokens.AccessToken)
	assert.NotEmpty(tokens.RefreshToken)
	assert.True(tokens.ExpiresAt.After(time.Now().Add(59 * time.Minute)))
	_, err = crypto.ParsePrivateMultibase(tokens.DPoPPrivateKeyMultibase)
	assert.NoError(err)

	// record was consumed: replaying the callback fails without another token request
	assert.Equal(0, env.store.Len())
	_, err = env.app.ProcessCallback(ctx, callback)
	assert.ErrorIs(err, ErrInvalidOrExpiredState)
	assert.Equal(int64(1), env.server.tokenCalls.Load())
}

func TestProcessCallbackServerURL(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	redirectURL, err := env.app.StartAuthFlow(ctx, env.server.URL())
	require.NoError(err)
	tokens, err := env.app.ProcessCallback(ctx, env.server.approve(redirectURL))
	require.NoError(err)
	assert.Equal(syntax.DID("did:plc:alicealicealicealicealic"), tokens.Subject)
	assert.Equal(env.server.URL(), tokens.PDSEndpoint)

	// account actually hosted on a PDS with a different auth server
	elsewhere := newFakeServer(t)
	env.resolver.Insert("did:plc:alicealicealicealicealic", "alice.test", elsewhere.URL())
	redirectURL, err = env.app.StartAuthFlow(ctx, env.server.URL())
	require.NoError(err)
	_, err = env.app.ProcessCallback(ctx, env.server.approve(redirectURL))
	assert.ErrorIs(err, ErrInvalidTokenResponse)
	assert.ErrorIs(err, ErrIssuerMismatch)
	assert.Equal("InvalidTokenResponse", ErrorKind(err))
}

func TestProcessCallbackDPoPNonce(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	// one challenge: retried with the nonce, and succeeds
	env := newTestEnv(t)
	env.server.tokenNonceChallenges = 1
	redirectURL, err := env.app.StartAuthFlow(ctx, "alice.test")
	require.NoError(err)
	tokens, err := env.app.ProcessCallback(ctx, env.server.approve(redirectURL))
	require.NoError(err)
	assert.Equal("DPoP", tokens.TokenType)
	assert.Equal(int64(2), env.server.tokenCalls.Load())

	// two consecutive challenges: fails after exactly one retry
	env = newTestEnv(t)
	env.server.tokenNonceChallenges = 2
	redirectURL, err = env.app.StartAuthFlow(ctx, "alice.test")
	require.NoError(err)
	_, err = env.app.ProcessCallback(ctx, env.server.approve(redirectURL))
	assert.ErrorIs(err, ErrTokenExchangeFailure)
	assert.Equal("TokenExchangeFailure", ErrorKind(err))
	var oerr *OAuthServerError
	require.ErrorAs(err, &oerr)
	assert.Equal("use_dpop_nonce", oerr.Code)
	assert.Equal(int64(2), env.server.tokenCalls.Load())
}

func TestProcessCallbackDenied(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	redirectURL, err := env.app.StartAuthFlow(ctx, "alice.test")
	require.NoError(err)
	callback := env.server.approve(redirectURL)
	require.Equal(1, env.store.Len())

	denied := url.Values{
		"state":             {callback.Get("state")},
		"error":             {"access_denied"},
		"error_description": {"user declined"},
		"iss":               {env.server.URL()},
	}
	_, err = env.app.ProcessCallback(ctx, denied)
	assert.ErrorIs(err, ErrAuthorizationDenied)
	var derr *AuthorizationDeniedError
	require.ErrorAs(err, &derr)
	assert.Equal("access_denied", derr.Code)
	assert.Equal("user declined", derr.Description)

	// record was consumed
	assert.Equal(0, env.store.Len())
	_, err = env.app.ProcessCallback(ctx, callback)
	assert.ErrorIs(err, ErrInvalidOrExpiredState)
	assert.Equal(int64(0), env.server.tokenCalls.Load())
}

func TestProcessCallbackUnknownState(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	for _, params := range []url.Values{
		{"state": {"unknown"}, "code": {"abc"}, "iss": {env.server.URL()}},
		{"code": {"abc"}},
		{},
	} {
		_, err := env.app.ProcessCallback(ctx, params)
		assert.ErrorIs(err, ErrInvalidOrExpiredState)
		assert.True(IsSecuritySensitive(err))
	}
	assert.Equal(int64(0), env.server.tokenCalls.Load())
}

func TestProcessCallbackExpired(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.TTL = 50 * time.Millisecond

	redirectURL, err := env.app.StartAuthFlow(ctx, "alice.test")
	require.NoError(err)
	callback := env.server.approve(redirectURL)

	time.Sleep(100 * time.Millisecond)
	_, err = env.app.ProcessCallback(ctx, callback)
	assert.ErrorIs(err, ErrInvalidOrExpiredState)
	assert.Equal(int64(0), env.server.tokenCalls.Load())
}

func TestProcessCallbackErrors(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T, env *testEnv) url.Values {
		redirectURL, err := env.app.StartAuthFlow(ctx, "alice.test")
		require.NoError(t, err)
		return env.server.approve(redirectURL)
	}

	t.Run("missing code", func(t *testing.T) {
		env := newTestEnv(t)
		callback := start(t, env)
		callback.Del("code")
		_, err := env.app.ProcessCallback(ctx, callback)
		assert.ErrorIs(t, err, ErrInvalidCallback)
		assert.Equal(t, 0, env.store.Len())
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		callback := start(t, env)
		callback.Set("iss", "https://evil.example.com")
		_, err := env.app.ProcessCallback(ctx, callback)
		assert.ErrorIs(t, err, ErrIssuerMismatch)
		assert.Equal(t, int64(0), env.server.tokenCalls.Load())
		assert.Equal(t, 0, env.app.Discoverer.cache.Len())
	})

	t.Run("missing issuer", func(t *testing.T) {
		env := newTestEnv(t)
		callback := start(t, env)
		callback.Del("iss")
		_, err := env.app.ProcessCallback(ctx, callback)
		assert.ErrorIs(t, err, ErrInvalidCallback)
		assert.Equal(t, int64(0), env.server.tokenCalls.Load())
		assert.Equal(t, 0, env.store.Len())
	})

	t.Run("bad code", func(t *testing.T) {
		env := newTestEnv(t)
		callback := start(t, env)
		callback.Set("code", "wrong")
		_, err := env.app.ProcessCallback(ctx, callback)
		assert.ErrorIs(t, err, ErrTokenExchangeFailure)
		var oerr *OAuthServerError
		require.ErrorAs(t, err, &oerr)
		assert.Equal(t, "invalid_grant", oerr.Code)
	})

	t.Run("PKCE mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		callback := start(t, env)
		// tamper with the stored verifier
		info, err := env.store.TakeAuthRequest(ctx, callback.Get("state"))
		require.NoError(t, err)
		info.PKCEVerifier = GeneratePKCE().Verifier
		require.NoError(t, env.store.SaveAuthRequest(ctx, *info))

		_, err = env.app.ProcessCallback(ctx, callback)
		assert.ErrorIs(t, err, ErrTokenExchangeFailure)
		var oerr *OAuthServerError
		require.ErrorAs(t, err, &oerr)
		assert.Equal(t, "PKCE verification failed", oerr.Description)
	})

	t.Run("wrong subject", func(t *testing.T) {
		env := newTestEnv(t)
		env.server.subject = "did:plc:bobbobbobbobbobbobbobbob"
		_, err := env.app.ProcessCallback(ctx, start(t, env))
		assert.ErrorIs(t, err, ErrInvalidTokenResponse)
	})

	t.Run("bearer token", func(t *testing.T) {
		env := newTestEnv(t)
		env.server.tokenType = "Bearer"
		_, err := env.app.ProcessCallback(ctx, start(t, env))
		assert.ErrorIs(t, err, ErrInvalidTokenResponse)
	})

	t.Run("missing atproto scope", func(t *testing.T) {
		env := newTestEnv(t)
		env.server.tokenScope = "transition:generic"
		_, err := env.app.ProcessCallback(ctx, start(t, env))
		assert.ErrorIs(t, err, ErrInvalidTokenResponse)
		assert.Equal(t, "InvalidTokenResponse", ErrorKind(err))
	})

	for _, tc := range []struct {
		name      string
		expiresIn any
	}{
		{"missing expiry", nil},
		{"zero expiry", 0},
		{"negative expiry", -60},
		{"huge expiry", int64(1) << 62},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.server.tokenExpiresIn = tc.expiresIn
			_, err := env.app.ProcessCallback(ctx, start(t, env))
			assert.ErrorIs(t, err, ErrInvalidTokenResponse)
		})
	}
}

func TestProcessCallbackWithoutIssuerSupport(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	redirectURL, err := env.app.StartAuthFlow(ctx, "alice.test")
	require.NoError(err)
	callback := env.server.approve(redirectURL)

	// auth server did not advertise iss in authorization responses
	info, err := env.store.TakeAuthRequest(ctx, callback.Get("state"))
	require.NoError(err)
	assert.True(info.AuthServerRequiresISS)
	info.AuthServerRequiresISS = false
	require.NoError(env.store.SaveAuthRequest(ctx, *info))

	callback.Del("iss")
	tokens, err := env.app.ProcessCallback(ctx, callback)
	require.NoError(err)
	assert.True(tokens.ExpiresAt.After(time.Now()))
}

func TestProcessCallbackOversizedResponse(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t)

	redirectURL, err := env.app.StartAuthFlow(ctx, "alice.test")
	require.NoError(err)
	callback := env.server.approve(redirectURL)

	prev := maxMetadataBytes
	maxMetadataBytes = 64
	t.Cleanup(func() { maxMetadataBytes = prev })

	_, err = env.app.ProcessCallback(ctx, callback)
	assert.ErrorIs(err, ErrTokenExchangeFailure)
	assert.ErrorContains(err, "too large")
}
