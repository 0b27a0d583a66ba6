// Package bridge turns one HTTP request into one framed exchange with the
// backend over a pooled Unix socket connection.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gaspardpetit/udsgate/core/logx"
	"github.com/gaspardpetit/udsgate/core/retry"
	"github.com/gaspardpetit/udsgate/internal/envelope"
	"github.com/gaspardpetit/udsgate/internal/frame"
	"github.com/gaspardpetit/udsgate/internal/metrics"
	"github.com/gaspardpetit/udsgate/internal/pool"
	"github.com/gaspardpetit/udsgate/internal/serverstate"
	"github.com/gaspardpetit/udsgate/internal/translate"
)

// WarmupLabel names the pool warm-up in retry logs and metrics.
const WarmupLabel = "initialize_connection_pool"

// Config holds bridge settings. Pool.Address is replaced by SocketPath.
type Config struct {
	SocketPath   string
	OwnsSocket   bool
	Pool         pool.Config
	Retry        retry.Policy
	MaxFrameSize int
}

// Stats is a snapshot of bridge activity.
type Stats struct {
	Socket         string     `json:"socket"`
	SocketPresent  bool       `json:"socket_present"`
	Requests       uint64     `json:"requests"`
	Failures       uint64     `json:"failures"`
	Retries        uint64     `json:"retries"`
	ActiveCommands int64      `json:"active_commands"`
	Warm           bool       `json:"warm"`
	Pool           pool.Stats `json:"pool"`
}

// Bridge composes the pool, the frame codec and the translator.
type Bridge struct {
	cfg   Config
	pool  *pool.Pool
	codec frame.Codec

	requests       atomic.Uint64
	failures       atomic.Uint64
	retries        atomic.Uint64
	activeCommands atomic.Int64

	closed       atomic.Bool
	shutdownOnce sync.Once
	warm         chan struct{}
	warmOnce     sync.Once
}

// New builds a bridge. No connection is made until Start or the first
// request.
func New(cfg Config) *Bridge {
	cfg.Pool.Address = cfg.SocketPath
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = frame.DefaultMaxSize
	}
	return &Bridge{
		cfg:   cfg,
		pool:  pool.New(cfg.Pool),
		codec: frame.Codec{MaxSize: cfg.MaxFrameSize},
		warm:  make(chan struct{}),
	}
}

// WithDialer replaces the pool's dial function. It must be called before use.
func (b *Bridge) WithDialer(d pool.Dialer) *Bridge {
	b.pool.WithDialer(d)
	return b
}

// Pool exposes the underlying connection pool.
func (b *Bridge) Pool() *pool.Pool { return b.pool }

// Start warms the pool in the background, retrying with backoff. Failure is
// logged and not fatal: connections are then created on demand.
func (b *Bridge) Start(ctx context.Context) {
	go func() {
		defer b.warmOnce.Do(func() { close(b.warm) })
		err := retry.Do(ctx, b.cfg.Retry, WarmupLabel, b.pool.Initialize)
		if err != nil {
			logx.Log.Warn().Err(err).Str("socket", b.cfg.SocketPath).Msg("connection pool warm-up failed; connections will be created on demand")
			return
		}
		serverstate.SetState(serverstate.StatusReady)
		logx.Log.Info().Int("idle", b.pool.Idle()).Str("socket", b.cfg.SocketPath).Msg("connection pool ready")
	}()
}

// Warmed is closed once the background warm-up has finished, successfully
// or not.
func (b *Bridge) Warmed() <-chan struct{} { return b.warm }

// Execute forwards one HTTP request and returns the canonical response.
//
// Errors wrap ErrBackendUnavailable (nothing was sent), frame.ErrIO or
// frame.ErrProtocol (the exchange broke), or are a *BackendError.
func (b *Bridge) Execute(ctx context.Context, req envelope.HTTPRequest) (translate.Response, error) {
	b.requests.Add(1)
	payload, err := json.Marshal(req)
	if err != nil {
		b.failures.Add(1)
		return translate.Response{}, fmt.Errorf("%w: encode request: %w", frame.ErrProtocol, err)
	}
	resp, err := b.exchange(ctx, payload)
	if err != nil {
		b.failures.Add(1)
		return translate.Response{}, err
	}
	if !resp.Success {
		b.failures.Add(1)
		return translate.Response{}, &BackendError{ID: resp.ID, Message: resp.Error}
	}
	if !resp.HasData() {
		if resp.Error != "" {
			b.failures.Add(1)
			return translate.Response{}, &BackendError{ID: resp.ID, Message: resp.Error}
		}
		return translate.Response{Status: 200, Headers: map[string]string{}}, nil
	}
	if resp.Opaque {
		logx.Log.Debug().Str("uri", req.URI).Msg("backend reply is not an envelope; treating as raw data")
	}
	return translate.Decode(resp.Data), nil
}

// Command sends a named command and returns the backend's envelope as is.
// A success=false envelope is not an error here.
func (b *Bridge) Command(ctx context.Context, name string, data map[string]json.RawMessage) (envelope.Response, error) {
	b.activeCommands.Add(1)
	defer b.activeCommands.Add(-1)
	cmd := envelope.NewCommand(name, data)
	payload, err := json.Marshal(cmd)
	if err != nil {
		return envelope.Response{}, fmt.Errorf("%w: encode command: %w", frame.ErrProtocol, err)
	}
	resp, err := b.exchange(ctx, payload)
	if err != nil {
		return envelope.Response{}, err
	}
	if resp.ID == "" {
		resp.ID = cmd.ID
	}
	logx.Log.Debug().Str("command", name).Str("id", cmd.ID).Bool("success", resp.Success).Msg("backend command completed")
	return resp, nil
}

// exchange performs socket check, checkout, write, read, checkin. A reused
// connection that fails before any reply arrives is replaced by a fresh one
// once.
func (b *Bridge) exchange(ctx context.Context, payload []byte) (envelope.Response, error) {
	if b.closed.Load() {
		return envelope.Response{}, fmt.Errorf("%w: bridge is shut down", ErrBackendUnavailable)
	}
	if _, err := os.Stat(b.cfg.SocketPath); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: socket %s: %w", ErrBackendUnavailable, b.cfg.SocketPath, err)
	}
	for attempt := 1; ; attempt++ {
		c, err := b.pool.Checkout(ctx)
		if err != nil {
			return envelope.Response{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		reply, err := b.roundTrip(ctx, c, payload)
		if err == nil {
			b.pool.Checkin(c)
			serverstate.SetState(serverstate.StatusReady)
			return envelope.ParseResponse(reply), nil
		}
		b.pool.Discard(c)
		if attempt == 1 && c.Reused() && ctx.Err() == nil && staleConn(err) {
			b.retries.Add(1)
			logx.Log.Debug().Err(err).Uint64("conn", c.ID()).Msg("pooled connection went stale; retrying on a fresh one")
			continue
		}
		return envelope.Response{}, err
	}
}

// roundTrip writes one frame and reads one frame on c, honouring ctx.
func (b *Bridge) roundTrip(ctx context.Context, c *pool.Conn, payload []byte) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	reply, err := b.frames(c, payload)
	stop()
	if cerr := ctx.Err(); cerr != nil {
		// The deadline may have been poisoned; the connection cannot be reused.
		if err == nil {
			return nil, fmt.Errorf("%w: %w", frame.ErrIO, cerr)
		}
		return nil, fmt.Errorf("%w (%w)", err, cerr)
	}
	if err != nil {
		return nil, err
	}
	_ = c.SetDeadline(time.Time{})
	return reply, nil
}

func (b *Bridge) frames(c *pool.Conn, payload []byte) ([]byte, error) {
	if err := b.codec.WriteFrame(c, payload); err != nil {
		return nil, err
	}
	metrics.RecordFrame("out", len(payload))
	reply, err := b.codec.ReadFrame(c)
	if err != nil {
		return nil, err
	}
	metrics.RecordFrame("in", len(reply))
	return reply, nil
}

// staleConn reports whether err looks like a peer that closed the connection
// before replying.
func staleConn(err error) bool {
	if errors.Is(err, frame.ErrProtocol) {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Stats returns a snapshot of bridge and pool counters.
func (b *Bridge) Stats() Stats {
	_, statErr := os.Stat(b.cfg.SocketPath)
	warm := false
	select {
	case <-b.warm:
		warm = true
	default:
	}
	return Stats{
		Socket:         b.cfg.SocketPath,
		SocketPresent:  statErr == nil,
		Requests:       b.requests.Load(),
		Failures:       b.failures.Load(),
		Retries:        b.retries.Load(),
		ActiveCommands: b.activeCommands.Load(),
		Warm:           warm,
		Pool:           b.pool.Stats(),
	}
}

// Shutdown closes every pooled connection and removes the socket file when
// the gateway owns it. Only the first call has an effect.
func (b *Bridge) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.closed.Store(true)
		b.pool.CloseAll()
		if !b.cfg.OwnsSocket {
			return
		}
		if err := os.Remove(b.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Warn().Err(err).Str("socket", b.cfg.SocketPath).Msg("failed to remove socket file")
			return
		}
		logx.Log.Info().Str("socket", b.cfg.SocketPath).Msg("socket file removed")
	})
}
