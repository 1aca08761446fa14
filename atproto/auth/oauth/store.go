package oauth

import (
	"context"
	"errors"
	"time"
)

// Default lifetime of an auth request record. Records older than this behave as if absent.
var DefaultStateTTL = 10 * time.Minute

var (
	// A record with the same state already exists.
	ErrStateConflict = errors.New("auth request state already exists")

	// No unconsumed, unexpired record exists for the state.
	ErrStateNotFound = errors.New("auth request state not found")
)

// Interface for persisting in-progress auth request data across the authorization redirect.
//
// Each record is keyed by its random State value, and is single-use: [StateStore.TakeAuthRequest] must be atomic, such that for concurrent calls with the same state at most one returns the record. Implementations must treat records older than their configured lifetime as absent, even if they were never consumed.
type StateStore interface {
	// Persists a new record. Returns [ErrStateConflict] if a record with the same state exists.
	SaveAuthRequest(ctx context.Context, info AuthRequestData) error

	// Atomically fetches and consumes a record. Returns [ErrStateNotFound] if the record is absent, expired, or already consumed.
	TakeAuthRequest(ctx context.Context, state string) (*AuthRequestData, error)
}
