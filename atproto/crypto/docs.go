// Cryptographic keys and operations as used in atproto
//
// This package attempts to abstract away the specific curves, compressions, signature variations, and other implementation details. The goal is to provide as few knobs and options as possible when working with this library. Use of cryptography in atproto is specified in https://atproto.com/specs/cryptography.
//
// The two currently supported curve types are:
//
//   - P-256/secp256r1 (JWA "ES256"), internally implemented using golang's stdlib cryptographic library
//   - K-256/secp256k1 (JWA "ES256K"), internally implemented using <gitlab.com/yawning/secp256k1-voi>
//
// "Low-S" signatures are enforced for both key types when creating signatures. Verification is strict by default, with "lenient" variants for JWT validation.
//
// Keys can be loaded from raw bytes, multibase strings, did:key strings, JWK, or PEM blocks.
package crypto
