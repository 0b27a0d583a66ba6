package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/udsgate/core/logx"
	"github.com/gaspardpetit/udsgate/core/retry"
	"github.com/gaspardpetit/udsgate/core/secret"
	"github.com/gaspardpetit/udsgate/internal/bridge"
	"github.com/gaspardpetit/udsgate/internal/config"
	"github.com/gaspardpetit/udsgate/internal/inflight"
	"github.com/gaspardpetit/udsgate/internal/metrics"
	"github.com/gaspardpetit/udsgate/internal/pool"
	"github.com/gaspardpetit/udsgate/internal/server"
	"github.com/gaspardpetit/udsgate/internal/serverstate"
	"github.com/gaspardpetit/udsgate/internal/supervisor"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// configPathFromArgs returns the --config value, if any.
func configPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if (a == "--config" || a == "-config") && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if v, ok := strings.CutPrefix(a, "-config="); ok {
			return v
		}
	}
	return ""
}

// loadConfig resolves the configuration with precedence
// defaults < file < env < args.
func loadConfig(fs *flag.FlagSet, args []string) (config.GatewayConfig, error) {
	var cfg config.GatewayConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	explicit := cfg.ConfigFile != config.DefaultConfigPath("gateway.yaml")
	if p := configPathFromArgs(args); p != "" {
		cfg.ConfigFile = p
		explicit = true
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) || explicit {
				return cfg, fmt.Errorf("load config %s: %w", cfg.ConfigFile, err)
			}
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagSet(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// shutdownSteps is the teardown run once the gateway stops, in order: the
// worker, the listeners, then the connection pool.
type shutdownSteps struct {
	StopWorker  func() error
	Listeners   []func(context.Context) error
	CloseBridge func()
}

func (s shutdownSteps) run(listenerTimeout time.Duration) {
	if s.StopWorker != nil {
		if err := s.StopWorker(); err != nil {
			logx.Log.Warn().Err(err).Msg("worker stop")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
	defer cancel()
	for _, shutdown := range s.Listeners {
		if err := shutdown(ctx); err != nil {
			logx.Log.Error().Err(err).Msg("listener shutdown")
		}
	}
	if s.CloseBridge != nil {
		s.CloseBridge()
	}
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "udsgate version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if *showVersion {
		fmt.Printf("udsgate version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	logx.Configure(cfg.LogLevel)
	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)
	retry.Observe(func(label string, _ int, err error) {
		metrics.RecordRetryAttempt(label, err)
	})

	if cfg.RedisAddr != "" {
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		rs, err := serverstate.NewRedisStore(rctx, cfg.RedisAddr)
		rcancel()
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", secret.RedactURL(cfg.RedisAddr)).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", secret.RedactURL(cfg.RedisAddr)).Msg("using redis state store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var worker *supervisor.Supervisor
	if cfg.WorkerCommand != "" {
		worker, err = supervisor.Start(supervisor.Config{
			Command:      cfg.WorkerCommand,
			Dir:          cfg.WorkerDir,
			SocketPath:   cfg.SocketPath,
			ReadyTimeout: cfg.WorkerReadyTimeout,
			StopTimeout:  cfg.WorkerStopTimeout,
		})
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("start worker")
		}
		if err := worker.WaitReady(ctx); err != nil {
			logx.Log.Error().Err(err).Str("socket", cfg.SocketPath).Msg("worker not ready; requests will fail until the socket appears")
		}
	}

	br := bridge.New(bridge.Config{
		SocketPath: cfg.SocketPath,
		OwnsSocket: cfg.SocketOwned,
		Pool: pool.Config{
			MinIdle:     cfg.PoolMinIdle,
			MaxIdle:     cfg.PoolMaxIdle,
			DialTimeout: cfg.DialTimeout,
		},
		Retry: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		MaxFrameSize: cfg.MaxFrameSize,
	})
	br.Start(ctx)

	counter := &inflight.Counter{}
	stateReg := serverstate.NewRegistry()
	stateReg.Add(serverstate.Element{ID: "bridge", Data: func() any { return br.Stats() }})
	stateReg.Add(serverstate.Element{ID: "inflight", Data: func() any { return counter.Load() }})
	if worker != nil {
		stateReg.Add(serverstate.Element{ID: "worker", Data: func() any {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			st, err := worker.Stats(sctx)
			if err != nil {
				return map[string]any{"pid": worker.PID(), "running": worker.Running(), "error": err.Error()}
			}
			return st
		}})
	}

	handler := server.New(cfg, server.Deps{
		Forwarder:  br,
		State:      stateReg,
		Gatherer:   prometheus.DefaultGatherer,
		Inflight:   counter,
		InstanceID: uuid.NewString(),
	})
	srv := &http.Server{Addr: cfg.ListenAddr(), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if !cfg.MetricsOnMain() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			waitCtx, stop := ctx, context.CancelFunc(func() {})
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Int64("inflight", counter.Load()).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Int64("inflight", counter.Load()).Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func() {
				defer stop()
				if counter.WaitForZero(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("inflight", counter.Load()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}()
		}
	}()
	if worker != nil {
		go func() {
			select {
			case <-worker.Done():
				if ctx.Err() == nil {
					logx.Log.Error().Err(worker.Err()).Msg("worker exited; backend requests will fail")
				}
			case <-ctx.Done():
			}
		}()
	}

	steps := shutdownSteps{
		Listeners:   []func(context.Context) error{srv.Shutdown},
		CloseBridge: br.Shutdown,
	}
	if metricsSrv != nil {
		steps.Listeners = append(steps.Listeners, metricsSrv.Shutdown)
	}
	if worker != nil {
		steps.StopWorker = func() error { return worker.Stop(cfg.WorkerStopTimeout) }
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		steps.run(10 * time.Second)
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Str("api_key", secret.Mask(cfg.APIKey)).Msg("command endpoint enabled")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().Str("addr", srv.Addr).Str("socket", cfg.SocketPath).Str("version", version).Msg("gateway starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		steps.run(time.Second)
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-shutdownDone
	logx.Log.Info().Msg("gateway stopped")
}
