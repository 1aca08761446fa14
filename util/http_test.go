package util

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRobustHTTPClient(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := RobustHTTPClient(nil, 3, 10*time.Second)
	resp, err := c.Get(srv.URL)
	require.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(int64(3), calls.Load())

	// without retries, the first failure is returned
	calls.Store(0)
	c = RobustHTTPClient(nil, 0, 10*time.Second)
	resp, err = c.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		assert.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	}
	assert.Equal(int64(1), calls.Load())
}
