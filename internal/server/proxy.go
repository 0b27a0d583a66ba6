package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/udsgate/core/logx"
	"github.com/gaspardpetit/udsgate/internal/bridge"
	"github.com/gaspardpetit/udsgate/internal/frame"
	"github.com/gaspardpetit/udsgate/internal/metrics"
	"github.com/gaspardpetit/udsgate/internal/serverstate"
	"github.com/gaspardpetit/udsgate/internal/translate"
)

// proxyHandler forwards every request that is not an admin route or a
// static asset.
type proxyHandler struct {
	fwd     Forwarder
	timeout time.Duration
	maxBody int64
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if serverstate.IsDraining() {
		metrics.RecordRequest("draining", 0)
		w.Header().Set("Connection", "close")
		http.Error(w, "Service Unavailable - gateway is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			metrics.RecordRequest("too_large", 0)
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		metrics.RecordRequest("bad_request", 0)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	res, err := h.fwd.Execute(ctx, translate.EncodeRequest(r, body))
	if err != nil {
		status, outcome := statusFor(err)
		metrics.RecordRequest(outcome, time.Since(start))
		ev := logx.Log.Error()
		if status < 500 || outcome == "backend_error" {
			ev = logx.Log.Warn()
		}
		ev.Err(err).Str("req_id", chiMiddleware.GetReqID(r.Context())).Str("method", r.Method).Str("uri", r.URL.RequestURI()).Int("status", status).Msg("backend exchange failed")
		http.Error(w, errorText(status, err), status)
		return
	}
	if err := translate.Write(w, res); err != nil {
		var se *translate.StatusError
		if errors.As(err, &se) {
			metrics.RecordRequest("invalid_response", time.Since(start))
			logx.Log.Error().Err(err).Str("uri", r.URL.RequestURI()).Msg("backend response rejected")
			return
		}
		logx.Log.Debug().Err(err).Msg("client went away while writing response")
	}
	metrics.RecordRequest("ok", time.Since(start))
}

func (h *proxyHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	rd := io.Reader(r.Body)
	if h.maxBody > 0 {
		rd = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	return io.ReadAll(rd)
}

// statusFor maps an exchange error to an HTTP status and a metrics outcome.
func statusFor(err error) (int, string) {
	var be *bridge.BackendError
	var se *translate.StatusError
	switch {
	case errors.As(err, &be):
		return http.StatusInternalServerError, "backend_error"
	case errors.As(err, &se):
		return http.StatusInternalServerError, "invalid_response"
	case errors.Is(err, bridge.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	case errors.Is(err, frame.ErrProtocol):
		return http.StatusServiceUnavailable, "protocol"
	case errors.Is(err, frame.ErrIO), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "io"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func errorText(status int, err error) string {
	var be *bridge.BackendError
	if errors.As(err, &be) {
		if be.Message == "" {
			return "Unknown error from backend"
		}
		return be.Message
	}
	if status == http.StatusServiceUnavailable {
		return fmt.Sprintf("Service Unavailable - backend not responding. Error: %v", err)
	}
	return "Internal Server Error"
}
