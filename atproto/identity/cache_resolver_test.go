package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/atoauth/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wraps a resolver, counting and optionally slowing down calls
type countingResolver struct {
	inner       Resolver
	delay       time.Duration
	handleCalls atomic.Int64
	didCalls    atomic.Int64
	failNext    atomic.Bool
}

func (c *countingResolver) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	c.handleCalls.Add(1)
	time.Sleep(c.delay)
	if c.failNext.Swap(false) {
		return "", errors.New("transient failure")
	}
	return c.inner.ResolveHandle(ctx, h)
}

func (c *countingResolver) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	c.didCalls.Add(1)
	time.Sleep(c.delay)
	return c.inner.ResolveDID(ctx, did)
}

func TestCacheResolver(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	mock := NewMockResolver()
	mock.Insert("did:plc:alicealicealicealicealic", "alice.test", "https://pds.example.com")
	inner := &countingResolver{inner: mock}
	c := NewCacheResolver(inner, 100, time.Minute, time.Hour, time.Minute)

	for range 3 {
		ident, err := Lookup(ctx, c, "alice.test")
		require.NoError(err)
		assert.Equal("https://pds.example.com", ident.PDSEndpoint)
	}
	assert.Equal(int64(1), inner.handleCalls.Load())
	assert.Equal(int64(1), inner.didCalls.Load())

	// "not found" is cached
	for range 2 {
		_, err := c.ResolveHandle(ctx, "nobody.test")
		assert.ErrorIs(err, ErrHandleNotFound)
	}
	assert.Equal(int64(2), inner.handleCalls.Load())

	// transient errors are not
	inner.failNext.Store(true)
	_, err := c.ResolveHandle(ctx, "other.test")
	assert.Error(err)
	_, err = c.ResolveHandle(ctx, "other.test")
	assert.ErrorIs(err, ErrHandleNotFound)
	assert.Equal(int64(4), inner.handleCalls.Load())

	require.NoError(c.Purge(ctx, "alice.test"))
	require.NoError(c.Purge(ctx, "did:plc:alicealicealicealicealic"))
	_, err = Lookup(ctx, c, "alice.test")
	require.NoError(err)
	assert.Equal(int64(5), inner.handleCalls.Load())
	assert.Equal(int64(2), inner.didCalls.Load())
}

func TestCacheResolverCoalesce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mock := NewMockResolver()
	mock.Insert("did:plc:alicealicealicealicealic", "alice.test", "https://pds.example.com")
	inner := &countingResolver{inner: mock, delay: 50 * time.Millisecond}
	c := NewCacheResolver(inner, 100, time.Minute, time.Hour, time.Minute)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			did, err := c.ResolveHandle(ctx, "alice.test")
			assert.NoError(err)
			assert.Equal(syntax.DID("did:plc:alicealicealicealicealic"), did)
		}()
	}
	wg.Wait()
	assert.Equal(int64(1), inner.handleCalls.Load())
}

func TestCacheResolverContext(t *testing.T) {
	mock := NewMockResolver()
	inner := &countingResolver{inner: mock, delay: 200 * time.Millisecond}
	c := NewCacheResolver(inner, 100, time.Minute, time.Hour, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.ResolveDID(ctx, "did:plc:alicealicealicealicealic")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
