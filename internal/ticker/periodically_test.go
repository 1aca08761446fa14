package ticker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int64
	done := make(chan struct{})
	go func() {
		Periodically(ctx, 5*time.Millisecond, "test", func(ctx context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
			}
			return errors.New("keep going")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("periodic task did not stop after cancel")
	}
	assert.GreaterOrEqual(t, runs.Load(), int64(3))
}
