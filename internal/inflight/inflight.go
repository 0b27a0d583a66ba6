// Package inflight counts requests that must finish before shutdown.
package inflight

import (
	"context"
	"net/http"
	"sync"

	"github.com/gaspardpetit/udsgate/internal/metrics"
)

// Counter tracks in-flight requests. The zero value is ready to use.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

// lazily create zeroCh; must hold mu.
func (c *Counter) init() {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
}

// Inc increments the counter.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.init()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	n := c.count
	c.mu.Unlock()
	metrics.SetInflight(n)
}

// Dec decrements the counter. Extra calls at zero are ignored.
func (c *Counter) Dec() {
	c.mu.Lock()
	c.init()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	n := c.count
	c.mu.Unlock()
	metrics.SetInflight(n)
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until the count is zero or ctx is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	c.init()
	ch := c.zeroCh
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts each request for its full duration.
func (c *Counter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Inc()
		defer c.Dec()
		next.ServeHTTP(w, r)
	})
}
