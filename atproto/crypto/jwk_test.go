package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJWK(t *testing.T) {
	assert := assert.New(t)

	jwkTestFixtures := []string{
		// https://datatracker.ietf.org/doc/html/rfc7517#appendix-A.1
		`{
			"kty":"EC",
			"crv":"P-256",
			"x":"MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4",
			"y":"4Etl6SRW2YiLUrN5vfvVHuhp7x8PxltmWWlbbM4IFyM",
			"d":"870MB6gfuTJ4HtUnUvYMyJpr5eUZNP4Bk43bVdj3eAE",
			"use":"enc",
			"kid":"1"
		}`,
		// https://w3c-ccg.github.io/lds-ecdsa-secp256k1-2019/
		`{
			"kty": "EC",
			"crv": "secp256k1",
			"kid": "JUvpllMEYUZ2joO59UNui_XYDqxVqiFLLAJ8klWuPBw",
			"x": "dWCvM4fTdeM0KmloF57zxtBPXTOythHPMm1HCLrdd3A",
			"y": "36uMVGM7hnw-N6GnjFcihWE3SkrhMLzzLCdPMXPEXlA"
		}`,
	}

	for _, jwkBytes := range jwkTestFixtures {
		_, err := ParsePublicJWKBytes([]byte(jwkBytes))
		assert.NoError(err)
	}

	_, err := ParsePublicJWKBytes([]byte(`{"kty":"RSA","n":"abc","e":"AQAB"}`))
	assert.Error(err)
	_, err = ParsePublicJWKBytes([]byte(`{"kty":"EC","crv":"P-384","x":"","y":""}`))
	assert.Error(err)
}

func TestGenJWKRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	for alg, gen := range generators() {
		priv, err := gen()
		require.NoError(err)
		pub, err := priv.PublicKey()
		require.NoError(err)

		jwk, err := pub.JWK()
		require.NoError(err)
		assert.Equal(alg, jwk.Algorithm)
		assert.Len(jwk.X, 43)
		assert.Len(jwk.Y, 43)

		b, err := json.Marshal(jwk)
		require.NoError(err)
		var fields map[string]any
		require.NoError(json.Unmarshal(b, &fields))
		assert.NotContains(fields, "d")
		assert.NotContains(fields, "kid")

		parsed, err := ParsePublicJWKBytes(b)
		require.NoError(err)
		assert.True(pub.Equal(parsed))
	}
}
