/*
OAuth client engine for atproto: confidential web clients, with the auth server discovered per user from a handle or DID.

Feature set includes:

- identifier resolution to PDS and auth server (protected resource and auth server metadata documents, with caching)
- PKCE: computing and verifying challenges
- DPoP proofs, including the server nonce retry
- PAR submission, when the auth server requires it
- "private_key_jwt" client assertions, signed with a configured key set, and publication of the public JWKS
- single-use auth request state, with in-memory, Redis, and SQL (gorm) stores

Errors returned by [ClientApp] methods wrap a small taxonomy of sentinel errors ([ErrResolutionFailure], [ErrIssuerMismatch], [ErrTokenExchangeFailure], etc); use [errors.Is] or [ErrorKind] to distinguish them.

This package does not manage sessions after the token exchange: the returned [TokenSet] (including the DPoP key the tokens are bound to) is handed to the caller.

## Quickstart

Create a single [ClientApp] instance during service setup that will be used (concurrently) across all requests:

```
config, err := oauth.NewClientConfig("https://app.example.com", []string{"transition:generic"})
if err != nil {
	return err
}

priv, err := crypto.ParsePrivateAny(CLIENT_SECRET_KEY)
if err != nil {
	return err
}
keys, err := oauth.NewKeySet(oauth.ClientKey{Key: priv})
if err != nil {
	return err
}

oauthApp, err := oauth.NewClientApp(config, keys, identity.DefaultResolver(), oauth.NewMemStore(oauth.DefaultStateTTL))
if err != nil {
	return err
}
```

The client metadata document needs to be served at the URL indicated by the `client_id`, and the JWKS at `jwks_uri`:

```
http.HandleFunc("GET /client-metadata.json", func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(oauthApp.ClientMetadata())
})

http.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(oauthApp.JWKS())
})
```

The login auth flow starts with a user identifier, which could be an atproto handle, DID, or a host URL. [ClientApp.StartAuthFlow] resolves the identifier, sends an auth request (PAR) to the server if required, persists request metadata in the [StateStore], and returns a redirect URL for the user to visit:

```
redirectURL, err := oauthApp.StartAuthFlow(ctx, r.URL.Query().Get("input"))
if err != nil {
	http.Error(w, oauth.ErrorKind(err), http.StatusBadRequest)
	return
}
http.Redirect(w, r, redirectURL, http.StatusFound)
```

The service then waits for a callback request on the configured redirect URI. [ClientApp.ProcessCallback] consumes the earlier request metadata from the [StateStore], sends the token request to the auth server, and validates that the tokens are consistent with the identifier from the beginning of the login flow:

```
tokens, err := oauthApp.ProcessCallback(ctx, r.URL.Query())
if err != nil {
	return err
}

// web services might record the DID in a secure session cookie
_ = tokens.Subject
```
*/
package oauth
