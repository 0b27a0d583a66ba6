package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/udsgate/internal/backendtest"
	"github.com/gaspardpetit/udsgate/internal/bridge"
	"github.com/gaspardpetit/udsgate/internal/config"
	"github.com/gaspardpetit/udsgate/internal/envelope"
	"github.com/gaspardpetit/udsgate/internal/frame"
	"github.com/gaspardpetit/udsgate/internal/metrics"
	"github.com/gaspardpetit/udsgate/internal/pool"
	"github.com/gaspardpetit/udsgate/internal/serverstate"
	"github.com/gaspardpetit/udsgate/internal/translate"
)

type fakeForwarder struct {
	execute func(ctx context.Context, req envelope.HTTPRequest) (translate.Response, error)
	command func(ctx context.Context, name string, data map[string]json.RawMessage) (envelope.Response, error)
	calls   atomic.Int32
}

func (f *fakeForwarder) Execute(ctx context.Context, req envelope.HTTPRequest) (translate.Response, error) {
	f.calls.Add(1)
	return f.execute(ctx, req)
}

func (f *fakeForwarder) Command(ctx context.Context, name string, data map[string]json.RawMessage) (envelope.Response, error) {
	f.calls.Add(1)
	return f.command(ctx, name, data)
}

func testConfig(t *testing.T) config.GatewayConfig {
	t.Helper()
	var c config.GatewayConfig
	c.SetDefaults()
	c.PublicDir = t.TempDir()
	c.RequestTimeout = 2 * time.Second
	return c
}

func newTestServer(t *testing.T, cfg config.GatewayConfig, d Deps) *httptest.Server {
	t.Helper()
	serverstate.UseStore(serverstate.NewMemoryStore())
	if d.Gatherer == nil {
		reg := prometheus.NewRegistry()
		metrics.Register(reg)
		d.Gatherer = reg
	}
	ts := httptest.NewServer(New(cfg, d))
	t.Cleanup(ts.Close)
	return ts
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestProxyThroughBridge(t *testing.T) {
	srv := backendtest.Start(t, func(req []byte) []byte {
		var r envelope.HTTPRequest
		_ = json.Unmarshal(req, &r)
		return backendtest.Success(map[string]any{
			"status":  201,
			"headers": map[string]any{"Content-Type": []string{"application/json"}, "X-Method": r.Method},
			"body":    fmt.Sprintf(`{ "uri" : %q, "content" : %q }`, r.URI, *r.Content),
		})
	})
	b := bridge.New(bridge.Config{SocketPath: srv.Path, Pool: pool.Config{MaxIdle: 2}})
	t.Cleanup(b.Shutdown)
	ts := newTestServer(t, testConfig(t), Deps{Forwarder: b})

	resp, err := http.Post(ts.URL+"/api/items?x=1", "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body=%q", resp.StatusCode, body)
	}
	if body != `{"content":"payload","uri":"/api/items?x=1"}` {
		t.Fatalf("body = %q", body)
	}
	if resp.Header.Get("X-Method") != "POST" || resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("headers = %v", resp.Header)
	}
}

func TestProxyMissingSocketIs503(t *testing.T) {
	b := bridge.New(bridge.Config{SocketPath: filepath.Join(t.TempDir(), "gone.sock")})
	t.Cleanup(b.Shutdown)
	ts := newTestServer(t, testConfig(t), Deps{Forwarder: b})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(body, "Service Unavailable") {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if b.Pool().Stats().Dials != 0 {
		t.Fatalf("dialed a missing socket")
	}
}

func TestProxyErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		res    translate.Response
		err    error
		status int
		body   string
	}{
		{"unavailable", translate.Response{}, fmt.Errorf("%w: socket", bridge.ErrBackendUnavailable), 503, "Service Unavailable"},
		{"protocol", translate.Response{}, fmt.Errorf("%w: too big", frame.ErrProtocol), 503, "too big"},
		{"io", translate.Response{}, fmt.Errorf("%w: reset", frame.ErrIO), 503, "reset"},
		{"backend", translate.Response{}, &bridge.BackendError{Message: "boom"}, 500, "boom"},
		{"backend no message", translate.Response{}, &bridge.BackendError{}, 500, "Unknown error from backend"},
		{"other", translate.Response{}, errors.New("weird"), 500, "Internal Server Error"},
		{"invalid status", translate.Response{Status: 42}, nil, 500, "invalid HTTP status 42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fwd := &fakeForwarder{execute: func(context.Context, envelope.HTTPRequest) (translate.Response, error) {
				return tc.res, tc.err
			}}
			ts := newTestServer(t, testConfig(t), Deps{Forwarder: fwd})
			resp, err := http.Get(ts.URL + "/x")
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			body := readAll(t, resp)
			if resp.StatusCode != tc.status || !strings.Contains(body, tc.body) {
				t.Fatalf("got %d %q; want %d containing %q", resp.StatusCode, body, tc.status, tc.body)
			}
		})
	}
}

func TestProxyRequestTimeout(t *testing.T) {
	fwd := &fakeForwarder{execute: func(ctx context.Context, _ envelope.HTTPRequest) (translate.Response, error) {
		<-ctx.Done()
		return translate.Response{}, fmt.Errorf("%w: %w", frame.ErrIO, ctx.Err())
	}}
	cfg := testConfig(t)
	cfg.RequestTimeout = 50 * time.Millisecond
	ts := newTestServer(t, cfg, Deps{Forwarder: fwd})

	start := time.Now()
	resp, err := http.Get(ts.URL + "/slow")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	readAll(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestProxyBodyTooLarge(t *testing.T) {
	fwd := &fakeForwarder{execute: func(context.Context, envelope.HTTPRequest) (translate.Response, error) {
		return translate.Response{Status: 200}, nil
	}}
	cfg := testConfig(t)
	cfg.MaxFrameSize = 8
	ts := newTestServer(t, cfg, Deps{Forwarder: fwd})

	resp, err := http.Post(ts.URL+"/upload", "text/plain", strings.NewReader("way more than eight bytes"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	readAll(t, resp)
	if resp.StatusCode != http.StatusRequestEntityTooLarge || fwd.calls.Load() != 0 {
		t.Fatalf("status = %d calls = %d", resp.StatusCode, fwd.calls.Load())
	}
}

func TestStaticBypassesBackend(t *testing.T) {
	fwd := &fakeForwarder{execute: func(context.Context, envelope.HTTPRequest) (translate.Response, error) {
		return translate.Response{Status: 200, Body: "dynamic"}, nil
	}}
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.PublicDir, "app.css"), []byte("a{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, cfg, Deps{Forwarder: fwd})

	resp, err := http.Get(ts.URL + "/app.css")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if body := readAll(t, resp); resp.StatusCode != 200 || body != "a{}" || resp.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	resp, err = http.Get(ts.URL + "/missing.js")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if body := readAll(t, resp); resp.StatusCode != 404 || !strings.Contains(body, "File not found") {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if fwd.calls.Load() != 0 {
		t.Fatalf("static request reached the backend")
	}
	resp, err = http.Get(ts.URL + "/page")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if body := readAll(t, resp); body != "dynamic" {
		t.Fatalf("dynamic body = %q", body)
	}
}

func TestDrainingRejectsRequests(t *testing.T) {
	fwd := &fakeForwarder{execute: func(context.Context, envelope.HTTPRequest) (translate.Response, error) {
		return translate.Response{Status: 200}, nil
	}}
	ts := newTestServer(t, testConfig(t), Deps{Forwarder: fwd})
	serverstate.StartDrain()

	for _, p := range []string{"/anything", "/_gateway/healthz"} {
		resp, err := http.Get(ts.URL + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		readAll(t, resp)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d", p, resp.StatusCode)
		}
	}
	if fwd.calls.Load() != 0 {
		t.Fatalf("draining gateway forwarded a request")
	}
}

func TestAdminEndpoints(t *testing.T) {
	reg := serverstate.NewRegistry()
	reg.Add(serverstate.Element{ID: "pool", Data: func() any { return map[string]int{"idle": 3} }})
	ts := newTestServer(t, testConfig(t), Deps{Forwarder: &fakeForwarder{}, State: reg, InstanceID: "gw-1"})

	resp, err := http.Get(ts.URL + "/_gateway/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	if body := readAll(t, resp); resp.StatusCode != 200 || body != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	serverstate.SetState(serverstate.StatusReady)
	resp, err = http.Get(ts.URL + "/_gateway/state")
	if err != nil {
		t.Fatalf("GET state: %v", err)
	}
	var snap struct {
		State    string                    `json:"state"`
		Instance string                    `json:"instance"`
		Elements map[string]map[string]int `json:"elements"`
	}
	if err := json.Unmarshal([]byte(readAll(t, resp)), &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.State != "ready" || snap.Instance != "gw-1" || snap.Elements["pool"]["idle"] != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}

	resp, err = http.Get(ts.URL + "/_gateway/")
	if err != nil {
		t.Fatalf("GET status page: %v", err)
	}
	if body := readAll(t, resp); !strings.Contains(resp.Header.Get("Content-Type"), "text/html") || !strings.Contains(body, "/_gateway/state/ws") {
		t.Fatalf("status page = %q", body)
	}

	resp, err = http.Get(ts.URL + "/_gateway/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	if body := readAll(t, resp); resp.StatusCode != 200 || !strings.Contains(body, "udsgate_pool_idle_connections") {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestMetricsOnSeparatePort(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsAddr = ":9090"
	ts := newTestServer(t, cfg, Deps{Forwarder: &fakeForwarder{}})
	resp, err := http.Get(ts.URL + "/_gateway/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	readAll(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStateStream(t *testing.T) {
	ts := newTestServer(t, testConfig(t), Deps{Forwarder: &fakeForwarder{}, StreamInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/_gateway/state/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	var first Snapshot
	if err := wsjson.Read(ctx, c, &first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.State != serverstate.StatusNotReady {
		t.Fatalf("first state = %q", first.State)
	}
	serverstate.SetState(serverstate.StatusReady)
	for {
		var s Snapshot
		if err := wsjson.Read(ctx, c, &s); err != nil {
			t.Fatalf("read: %v", err)
		}
		if s.State == serverstate.StatusReady {
			break
		}
	}
	_ = c.Close(websocket.StatusNormalClosure, "")
}

func TestCommandEndpoint(t *testing.T) {
	fwd := &fakeForwarder{command: func(_ context.Context, name string, data map[string]json.RawMessage) (envelope.Response, error) {
		switch name {
		case "fail":
			return envelope.Response{ID: "1", Success: false, Error: "nope"}, nil
		case "down":
			return envelope.Response{}, bridge.ErrBackendUnavailable
		}
		return envelope.Response{ID: "2", Success: true, Data: json.RawMessage(`{"echo":` + string(data["v"]) + `}`)}, nil
	}}

	cfg := testConfig(t)
	ts := newTestServer(t, cfg, Deps{Forwarder: fwd})
	resp, err := http.Post(ts.URL+"/_gateway/commands/stats", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	readAll(t, resp)
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("commands must be disabled without an API key")
	}

	cfg.APIKey = "s3cret"
	ts = newTestServer(t, cfg, Deps{Forwarder: fwd})
	post := func(name, auth, body string) (*http.Response, string) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/_gateway/commands/"+name, strings.NewReader(body))
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %s: %v", name, err)
		}
		return resp, readAll(t, resp)
	}

	if resp, _ := post("stats", "", `{}`); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no auth = %d", resp.StatusCode)
	}
	if resp, _ := post("stats", "wrong", `{}`); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong auth = %d", resp.StatusCode)
	}
	resp, body := post("stats", "s3cret", `{"v":7}`)
	if resp.StatusCode != 200 || !strings.Contains(body, `"echo":7`) || !strings.Contains(body, `"success":true`) {
		t.Fatalf("ok command = %d %s", resp.StatusCode, body)
	}
	if resp, body := post("fail", "s3cret", ``); resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "nope") {
		t.Fatalf("failed command = %d %s", resp.StatusCode, body)
	}
	if resp, _ := post("down", "s3cret", ``); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unavailable command = %d", resp.StatusCode)
	}
	if resp, _ := post("stats", "s3cret", `[1,2]`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body = %d", resp.StatusCode)
	}
}
