package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/bluesky-social/atoauth/atproto/crypto"

	"github.com/golang-jwt/jwt/v5"
)

var dpopProofTTL = 30 * time.Second

type dpopClaims struct {
	jwt.RegisteredClaims

	HTTPMethod      string  `json:"htm"`
	TargetURI       string  `json:"htu"`
	Nonce           *string `json:"nonce,omitempty"`
	AccessTokenHash *string `json:"ath,omitempty"`
}

// Signs a DPoP proof JWT (RFC 9449) for a single HTTP request.
//
// The public half of the key is embedded in the header. `nonce` is the most recent server-provided DPoP nonce, if any. `accessToken` is included as a hash ("ath") for requests to a resource server; leave empty for auth server requests.
func SignDPoPProof(key crypto.PrivateKey, httpMethod, targetURL, nonce, accessToken string) (string, error) {
	method, err := keySigningMethod(key)
	if err != nil {
		return "", err
	}

	// "htu" excludes query and fragment
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("invalid DPoP target URL: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""

	now := time.Now()
	claims := dpopClaims{
		HTTPMethod: httpMethod,
		TargetURI:  u.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        randomNonce(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(dpopProofTTL)),
		},
	}
	if nonce != "" {
		claims.Nonce = &nonce
	}
	if accessToken != "" {
		h := sha256.Sum256([]byte(accessToken))
		ath := base64.RawURLEncoding.EncodeToString(h[:])
		claims.AccessTokenHash = &ath
	}

	pub, err := key.PublicKey()
	if err != nil {
		return "", err
	}
	pubJWK, err := pub.JWK()
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = pubJWK
	return token.SignedString(key)
}
