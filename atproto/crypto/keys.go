package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

var ErrInvalidSignature = errors.New("crytographic signature invalid")

// Common interface for all the supported atproto cryptographic systems, when secret key material may not be directly available to be exported as bytes.
type PrivateKey interface {
	Equal(other PrivateKey) bool

	// Outputs the [PublicKey] corresponding to this private key.
	PublicKey() (PublicKey, error)

	// Hashes the raw bytes using SHA-256, then signs the digest bytes. Always returns a "low-S" signature (for elliptic curve systems where that is ambiguous).
	HashAndSign(content []byte) ([]byte, error)

	// JSON Web Algorithm name for signatures made with this key ("ES256" or "ES256K").
	JWA() string
}

// Common interface for all the supported atproto cryptographic systems, when secret key material is directly available to be exported as bytes.
type PrivateKeyExportable interface {
	PrivateKey

	// Untyped (no multicodec) encoding of the secret key material. The encoding format is curve-specific, and is generally "compact" for private keys. No ASN.1 or other enclosing structure is applied to the bytes.
	Bytes() []byte

	// String serialization of the key bytes using common parameters: binary encoding with multicodec type indicator, then multibase encoding.
	Multibase() string
}

// Common interface for all the supported atproto cryptographic systems.
type PublicKey interface {
	Equal(other PublicKey) bool

	// Compact byte serialization (for elliptic curve systems where encoding is ambiguous).
	Bytes() []byte

	// Hashes the raw bytes using SHA-256, then verifies the signature of the digest bytes.
	HashAndVerify(content, sig []byte) error

	// Same as HashAndVerify(), only does not require "low-S" signature.
	HashAndVerifyLenient(content, sig []byte) error

	// String serialization of the key bytes with multicodec type indicator and multibase encoding.
	Multibase() string

	// String serialization as a did:key.
	DIDKey() string

	// Public key in JSON Web Key format, including the "alg" field.
	JWK() (*JWK, error)

	// Serializes the key in to "uncompressed" binary format.
	UncompressedBytes() []byte
}

// Parses a private key from multibase encoding, with multicodec indicating the key type.
func ParsePrivateMultibase(encoded string) (PrivateKeyExportable, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("crypto: not a multibase base58btc string")
	}
	data, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("crypto: not a multibase base58btc string")
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("crypto: multibase key was too short")
	}
	if data[0] == 0x86 && data[1] == 0x26 {
		// multicodec p256-priv, code 0x1306, varint-encoded bytes: [0x86, 0x26]
		return ParsePrivateBytesP256(data[2:])
	} else if data[0] == 0x81 && data[1] == 0x26 {
		// multicodec secp256k1-priv, code 0x1301, varint-encoded bytes: [0x81, 0x26]
		return ParsePrivateBytesK256(data[2:])
	}
	return nil, fmt.Errorf("unsupported atproto key type (unknown multicodec prefix)")
}

// Parses a public key from multibase encoding, with multicodec indicating the key type.
func ParsePublicMultibase(encoded string) (PublicKey, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("crypto: not a multibase base58btc string")
	}
	data, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("crypto: not a multibase base58btc string")
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("crypto: multibase key was too short")
	}
	if data[0] == 0x80 && data[1] == 0x24 {
		// multicodec p256-pub, code 0x1200, varint-encoded bytes: [0x80, 0x24]
		return ParsePublicBytesP256(data[2:])
	} else if data[0] == 0xE7 && data[1] == 0x01 {
		// multicodec secp256k1-pub, code 0xE7, varint bytes: [0xE7, 0x01]
		return ParsePublicBytesK256(data[2:])
	}
	return nil, fmt.Errorf("unsupported atproto key type (unknown multicodec prefix)")
}

// Loads a [PublicKey] from did:key string serialization.
func ParsePublicDIDKey(didKey string) (PublicKey, error) {
	if !strings.HasPrefix(didKey, "did:key:z") {
		return nil, fmt.Errorf("string is not a DID key: %s", didKey)
	}
	return ParsePublicMultibase(strings.TrimPrefix(didKey, "did:key:"))
}

// Parses a private key which is either PEM-encoded or a multibase string.
func ParsePrivateAny(s string) (PrivateKeyExportable, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		return ParsePrivatePEM([]byte(s))
	}
	return ParsePrivateMultibase(s)
}

// Creates a secure new cryptographic key for the curve named by JSON Web Algorithm name ("ES256" or "ES256K").
func GeneratePrivateKeyForAlg(alg string) (PrivateKeyExportable, error) {
	switch alg {
	case "ES256":
		return GeneratePrivateKeyP256()
	case "ES256K":
		return GeneratePrivateKeyK256()
	}
	return nil, fmt.Errorf("crypto: unsupported JWA algorithm: %s", alg)
}
