// Package syntax provides types for atproto account identifiers.
//
// These are simple string alias types for parsing and verifying protocol-level syntax of identifiers (handles and DIDs), not routines for things like resolution or verification against application policies.
package syntax
