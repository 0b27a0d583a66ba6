package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/udsgate/core/logx"
	"github.com/gaspardpetit/udsgate/internal/serverstate"
)

// Snapshot is the gateway state report.
type Snapshot struct {
	State    string         `json:"state"`
	Draining bool           `json:"draining"`
	Since    time.Time      `json:"since"`
	Instance string         `json:"instance,omitempty"`
	Elements map[string]any `json:"elements"`
}

type stateHandler struct {
	reg      *serverstate.Registry
	instance string
	interval time.Duration
}

func (h *stateHandler) snapshot() Snapshot {
	st := serverstate.Snapshot()
	return Snapshot{
		State:    st.Status,
		Draining: st.Draining,
		Since:    st.Since,
		Instance: h.instance,
		Elements: h.reg.Report(),
	}
}

func (h *stateHandler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

// stream pushes a snapshot immediately and then every interval until the
// client disconnects.
func (h *stateHandler) stream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		logx.Log.Debug().Err(err).Msg("state stream upgrade failed")
		return
	}
	defer c.CloseNow()
	ctx := c.CloseRead(r.Context())
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(wctx, c, h.snapshot())
		cancel()
		if err != nil {
			logx.Log.Debug().Err(err).Msg("state stream closed")
			return
		}
		select {
		case <-ctx.Done():
			_ = c.Close(websocket.StatusNormalClosure, "")
			return
		case <-t.C:
		}
	}
}

const maxCommandBody = 1 << 20

func commandHandler(fwd Forwarder, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var data map[string]json.RawMessage
		if r.Body != nil {
			err := json.NewDecoder(io.LimitReader(r.Body, maxCommandBody)).Decode(&data)
			if err != nil && !errors.Is(err, io.EOF) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command body must be a JSON object"})
				return
			}
		}
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := fwd.Command(ctx, name, data)
		if err != nil {
			status, _ := statusFor(err)
			logx.Log.Warn().Err(err).Str("command", name).Msg("backend command failed")
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if !resp.Success {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode json response")
	}
}
