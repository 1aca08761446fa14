package oauth

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Simple in-memory implementation of [StateStore], for use in development, tests, and single-instance deployments.
//
// In-progress logins are lost every time the process is restarted.
type MemStore struct {
	TTL time.Duration

	requests *xsync.MapOf[string, AuthRequestData]
}

var _ StateStore = &MemStore{}

func NewMemStore(ttl time.Duration) *MemStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &MemStore{
		TTL:      ttl,
		requests: xsync.NewMapOf[string, AuthRequestData](),
	}
}

func (m *MemStore) SaveAuthRequest(ctx context.Context, info AuthRequestData) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	if existing, loaded := m.requests.LoadOrStore(info.State, info); loaded {
		if !existing.Expired(time.Now(), m.TTL) {
			return ErrStateConflict
		}
		// expired leftover: only replace if nobody else took or replaced it meanwhile
		replaced := false
		m.requests.Compute(info.State, func(old AuthRequestData, loaded bool) (AuthRequestData, bool) {
			if !loaded || old.Expired(time.Now(), m.TTL) {
				replaced = true
				return info, false
			}
			return old, false
		})
		if !replaced {
			return ErrStateConflict
		}
	}
	return nil
}

func (m *MemStore) TakeAuthRequest(ctx context.Context, state string) (*AuthRequestData, error) {
	req, ok := m.requests.LoadAndDelete(state)
	if !ok || req.Expired(time.Now(), m.TTL) {
		return nil, ErrStateNotFound
	}
	return &req, nil
}

// Removes expired records. Returns the number removed.
func (m *MemStore) Sweep() int {
	now := time.Now()
	count := 0
	m.requests.Range(func(state string, req AuthRequestData) bool {
		if req.Expired(now, m.TTL) {
			m.requests.Compute(state, func(old AuthRequestData, loaded bool) (AuthRequestData, bool) {
				if loaded && old.Expired(now, m.TTL) {
					count++
					return old, true
				}
				return old, !loaded
			})
		}
		return true
	})
	return count
}

// Number of stored records, including expired ones not yet swept.
func (m *MemStore) Len() int {
	return m.requests.Size()
}
