// Package server wires the gateway's HTTP surface: the catch-all proxy to the
// backend plus the gateway's own admin endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/udsgate/internal/config"
	"github.com/gaspardpetit/udsgate/internal/envelope"
	"github.com/gaspardpetit/udsgate/internal/inflight"
	"github.com/gaspardpetit/udsgate/internal/serverstate"
	"github.com/gaspardpetit/udsgate/internal/static"
	"github.com/gaspardpetit/udsgate/internal/translate"
)

// Forwarder executes exchanges with the backend.
type Forwarder interface {
	Execute(ctx context.Context, req envelope.HTTPRequest) (translate.Response, error)
	Command(ctx context.Context, name string, data map[string]json.RawMessage) (envelope.Response, error)
}

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Forwarder  Forwarder
	State      *serverstate.Registry
	Gatherer   prometheus.Gatherer
	Inflight   *inflight.Counter
	InstanceID string
	// StreamInterval is the state websocket push period; zero means one second.
	StreamInterval time.Duration
}

// New constructs the HTTP handler for the gateway.
func New(cfg config.GatewayConfig, d Deps) http.Handler {
	if d.State == nil {
		d.State = serverstate.NewRegistry()
	}
	if d.Inflight == nil {
		d.Inflight = &inflight.Counter{}
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.StreamInterval <= 0 {
		d.StreamInterval = time.Second
	}

	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}

	admin := strings.TrimRight(cfg.AdminPrefix, "/")
	st := &stateHandler{reg: d.State, instance: d.InstanceID, interval: d.StreamInterval}
	r.Route(admin, func(ar chi.Router) {
		ar.Get("/healthz", healthz)
		ar.Get("/state", st.getState)
		ar.Get("/state/ws", st.stream)
		ar.Get("/", StatusHandler(admin))
		if cfg.APIKey != "" {
			ar.With(APIKeyMiddleware(cfg.APIKey)).Post("/commands/{name}", commandHandler(d.Forwarder, cfg.RequestTimeout))
		}
		if cfg.MetricsOnMain() {
			ar.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
		}
	})

	proxy := &proxyHandler{fwd: d.Forwarder, timeout: cfg.RequestTimeout, maxBody: int64(cfg.MaxFrameSize)}
	r.Group(func(g chi.Router) {
		g.Use(d.Inflight.Middleware)
		g.Use(static.Middleware(static.NewMatcher(cfg.StaticExtensions, cfg.StaticPrefixes), cfg.PublicDir))
		g.Handle("/*", proxy)
	})
	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	if serverstate.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
