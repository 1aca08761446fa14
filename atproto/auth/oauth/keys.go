package oauth

import (
	"fmt"
	"slices"
	"time"

	"github.com/bluesky-social/atoauth/atproto/crypto"

	"github.com/golang-jwt/jwt/v5"
)

var ClientAssertionJWTBearer string = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// A confidential client signing key, with its JWK key identifier ("kid").
type ClientKey struct {
	KeyID string
	Key   crypto.PrivateKey
}

// Set of client signing keys. The first key is "active" and signs new client assertions; all keys are published in the JWKS, in configuration order, so that assertions signed with older keys remain verifiable.
//
// Private key material never leaves the KeySet: only public JWKs are serialized.
type KeySet struct {
	keys []ClientKey
	jwks JWKS
}

// Builds a KeySet. Keys without a KeyID get "key-00", "key-01", etc, by position. Zero keys is allowed, but signing will fail with [ErrNoSigningKey].
func NewKeySet(keys ...ClientKey) (*KeySet, error) {
	ks := KeySet{jwks: JWKS{Keys: []crypto.JWK{}}}
	for i, k := range keys {
		if k.Key == nil {
			return nil, fmt.Errorf("client key %d is nil", i)
		}
		if !slices.Contains(supportedAlgs, k.Key.JWA()) {
			return nil, fmt.Errorf("client key %d has unsupported algorithm: %s", i, k.Key.JWA())
		}
		if k.KeyID == "" {
			k.KeyID = fmt.Sprintf("key-%02d", i)
		}
		if ks.Contains(k.KeyID) {
			return nil, fmt.Errorf("duplicate client key id: %s", k.KeyID)
		}
		pub, err := k.Key.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("client key %s: %w", k.KeyID, err)
		}
		jwk, err := pub.JWK()
		if err != nil {
			return nil, fmt.Errorf("client key %s: %w", k.KeyID, err)
		}
		jwk.KeyID = k.KeyID
		jwk.Use = "sig"
		jwk.Algorithm = k.Key.JWA()

		ks.keys = append(ks.keys, k)
		ks.jwks.Keys = append(ks.jwks.Keys, *jwk)
	}
	return &ks, nil
}

func (ks *KeySet) Len() int {
	return len(ks.keys)
}

// Whether a key with the given identifier is configured (and thus published).
func (ks *KeySet) Contains(keyID string) bool {
	for _, k := range ks.keys {
		if k.KeyID == keyID {
			return true
		}
	}
	return false
}

// Returns the key used for new signatures.
func (ks *KeySet) ActiveKey() (*ClientKey, error) {
	if len(ks.keys) == 0 {
		return nil, ErrNoSigningKey
	}
	k := ks.keys[0]
	return &k, nil
}

// Returns the public JWKS for all configured keys, in stable order. Each entry carries "kid", "alg", and "use".
func (ks *KeySet) PublicJWKS() JWKS {
	return JWKS{Keys: slices.Clone(ks.jwks.Keys)}
}

type clientAssertionClaims struct {
	jwt.RegisteredClaims
}

// Signs a client assertion JWT (RFC 7523, "private_key_jwt") with the active key. The subject and issuer are the client ID; audience is the auth server issuer.
func (ks *KeySet) SignClientAssertion(clientID, audience string, ttl time.Duration) (string, error) {
	key, err := ks.ActiveKey()
	if err != nil {
		return "", err
	}
	method, err := keySigningMethod(key.Key)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := clientAssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    clientID,
			Subject:   clientID,
			Audience:  []string{audience},
			ID:        randomNonce(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = key.KeyID
	return token.SignedString(key.Key)
}
