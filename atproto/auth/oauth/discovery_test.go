package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	fs := newFakeServer(t)
	d := NewDiscoverer(fs.srv.Client(), time.Minute)

	authURL, err := d.ResolveAuthServerURL(ctx, fs.URL()+"/")
	require.NoError(err)
	assert.Equal(fs.URL(), authURL)

	meta, err := d.ResolveAuthServerMetadata(ctx, authURL)
	require.NoError(err)
	assert.Equal(fs.URL()+"/token", meta.TokenEndpoint)
	assert.Equal(1, d.cache.Len())

	d.Purge(authURL)
	assert.Equal(0, d.cache.Len())

	_, err = d.ResolveAuthServerMetadata(ctx, "https://example.com/path")
	assert.ErrorIs(err, ErrDiscoveryFailure)
}

func TestDiscovererClientAlg(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	d := NewDiscoverer(fs.srv.Client(), time.Minute)

	d.ClientAuthAlg = "RS256"
	_, err := d.ResolveAuthServerMetadata(ctx, fs.URL())
	assert.ErrorIs(t, err, ErrUnsupportedServer)
	assert.Equal(t, 0, d.cache.Len())
}

func TestDiscovererCaching(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	fs := newFakeServer(t)
	fs.metadataDelay = 20 * time.Millisecond

	d := NewDiscoverer(fs.srv.Client(), time.Minute)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.ResolveAuthServerMetadata(ctx, fs.URL())
			assert.NoError(err)
		}()
	}
	wg.Wait()
	assert.Equal(int64(1), fs.metadataFetches.Load())

	_, err := d.ResolveAuthServerMetadata(ctx, fs.URL())
	require.NoError(err)
	assert.Equal(int64(1), fs.metadataFetches.Load())
}

func TestDiscovererHTTPErrors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	status := http.StatusOK
	body := `{"authorization_servers": ["https://auth.example.com"]}`
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()
	d := NewDiscoverer(srv.Client(), time.Minute)

	authURL, err := d.ResolveAuthServerURL(ctx, srv.URL)
	assert.NoError(err)
	assert.Equal("https://auth.example.com", authURL)

	// only exactly 200 is accepted
	status = http.StatusAccepted
	_, err = d.ResolveAuthServerURL(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscoveryFailure)

	status = http.StatusOK
	for _, b := range []string{
		`not json`,
		`{"authorization_servers": []}`,
		`{"authorization_servers": ["http://auth.example.com"]}`,
		`{"authorization_servers": ["https://auth.example.com/path"]}`,
		`{"resource": "https://other.example.com", "authorization_servers": ["https://auth.example.com"]}`,
	} {
		body = b
		_, err = d.ResolveAuthServerURL(ctx, srv.URL)
		assert.ErrorIs(err, ErrDiscoveryFailure, b)
	}

	_, err = d.ResolveAuthServerMetadata(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscoveryFailure)
}
