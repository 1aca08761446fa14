package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE verifier and derived challenge (RFC 7636). Only the "S256" method is supported.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// Generates a fresh PKCE pair. The verifier is 64 characters (48 random bytes, base64url).
func GeneratePKCE() PKCE {
	verifier := randomToken(48)
	return PKCE{
		Verifier:  verifier,
		Challenge: S256CodeChallenge(verifier),
		Method:    "S256",
	}
}

// Computes the "S256" code challenge for a verifier: base64url (no padding) of the SHA-256 digest.
func S256CodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Checks a verifier against an "S256" challenge, the way an authorization server would.
func VerifyPKCE(verifier, challenge string) bool {
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(S256CodeChallenge(verifier)), []byte(challenge)) == 1
}
