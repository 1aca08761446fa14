package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"slices"
	"strings"
)

// base64url (no padding) encoding of n random bytes
func randomToken(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func randomNonce() string {
	return randomToken(16)
}

// merges scope lists, preserving order and dropping duplicates and empty strings
func mergeScopes(base []string, extra ...string) []string {
	var out []string
	for _, s := range slices.Concat(base, extra) {
		for _, part := range strings.Fields(s) {
			if !slices.Contains(out, part) {
				out = append(out, part)
			}
		}
	}
	return out
}
