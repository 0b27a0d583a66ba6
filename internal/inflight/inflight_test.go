package inflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWaitForZeroOnFreshCounter(t *testing.T) {
	var c Counter
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !c.WaitForZero(ctx) {
		t.Fatalf("fresh counter should already be at zero")
	}
}

func TestWaitForZeroBlocksUntilDone(t *testing.T) {
	var c Counter
	c.Inc()
	c.Inc()

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if c.WaitForZero(short) {
		t.Fatalf("wait returned true with requests in flight")
	}

	done := make(chan bool, 1)
	go func() { done <- c.WaitForZero(context.Background()) }()
	c.Dec()
	c.Dec()
	c.Dec()
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("wait returned false")
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not return")
	}
	if n := c.Load(); n != 0 {
		t.Fatalf("count = %d", n)
	}
}

func TestMiddlewareCounts(t *testing.T) {
	var c Counter
	seen := int64(-1)
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = c.Load()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != 1 {
		t.Fatalf("count during request = %d", seen)
	}
	if c.Load() != 0 {
		t.Fatalf("count after request = %d", c.Load())
	}
}
