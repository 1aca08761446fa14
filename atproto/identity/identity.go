package identity

import (
	"github.com/bluesky-social/atoauth/atproto/syntax"
)

// Represents an atproto identity, as resolved for an OAuth login.
type Identity struct {
	DID syntax.DID

	// Verified when the lookup started from a handle; otherwise the declared handle (or "handle.invalid").
	Handle syntax.Handle

	// Base URL of the account's Personal Data Server. No trailing slash.
	PDSEndpoint string

	Doc *DIDDocument
}
