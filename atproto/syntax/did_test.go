package syntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDIDSyntax(t *testing.T) {
	assert := assert.New(t)

	valid := []string{
		"did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		"did:web:example.com",
		"did:web:localhost%3A1234",
		"did:method:val:two",
		"did:m:v",
		"did:method::::val",
		"did:method:-:_:.",
	}
	for _, s := range valid {
		_, err := ParseDID(s)
		assert.NoError(err, s)
	}

	invalid := []string{
		"",
		"did",
		"didmethodval",
		"method:did:val",
		"did:method:",
		"didmethod:val",
		"did:METHOD:val",
		"did:m123:val",
		"DID:method:val",
		"did:method:val/two",
		"did:method:val?two",
		"did:method:val#two",
		"did:method:val%",
	}
	for _, s := range invalid {
		_, err := ParseDID(s)
		assert.Error(err, s)
	}
}

func TestDIDParts(t *testing.T) {
	assert := assert.New(t)
	d, err := ParseDID("did:example:123456789abcDEFghi")
	assert.NoError(err)
	assert.Equal("example", d.Method())
	assert.Equal("123456789abcDEFghi", d.Identifier())
	assert.Equal(d.String(), d.AtIdentifier().String())
	assert.False(d.IsAtprotoMethod())

	plc, err := ParseDID("did:plc:ewvi7nxzyoun6zhxrhs64oiz")
	assert.NoError(err)
	assert.True(plc.IsAtprotoMethod())
}

func TestDIDNoPanic(t *testing.T) {
	for _, s := range []string{"", ":", "::"} {
		bad := DID(s)
		_ = bad.Identifier()
		_ = bad.Method()
		_ = bad.AtIdentifier()
		_ = bad.AtIdentifier().String()
	}
}
