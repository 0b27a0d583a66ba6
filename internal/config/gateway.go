package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds configuration for the gateway.
type GatewayConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
	RedisAddr      string        `yaml:"redis_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	AdminPrefix    string        `yaml:"admin_prefix"`

	SocketPath       string        `yaml:"socket_path"`
	SocketOwned      bool          `yaml:"socket_owned"`
	PoolMinIdle      int           `yaml:"pool_min_idle"`
	PoolMaxIdle      int           `yaml:"pool_max_idle"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	MaxFrameSize     int           `yaml:"max_frame_size"`

	WorkerCommand      string        `yaml:"worker_command"`
	WorkerDir          string        `yaml:"worker_dir"`
	WorkerReadyTimeout time.Duration `yaml:"worker_ready_timeout"`
	WorkerStopTimeout  time.Duration `yaml:"worker_stop_timeout"`

	PublicDir        string   `yaml:"public_dir"`
	StaticExtensions []string `yaml:"static_extensions"`
	StaticPrefixes   []string `yaml:"static_prefixes"`
}

// SetDefaults initializes unset fields with built-in defaults.
func (c *GatewayConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.AdminPrefix == "" {
		c.AdminPrefix = "/_gateway"
	}
	if c.SocketPath == "" {
		c.SocketPath = "/tmp/udsgate.sock"
	}
	if c.PoolMinIdle == 0 {
		c.PoolMinIdle = 2
	}
	if c.PoolMaxIdle == 0 {
		c.PoolMaxIdle = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = 5
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 16 << 20
	}
	if c.WorkerReadyTimeout == 0 {
		c.WorkerReadyTimeout = 10 * time.Second
	}
	if c.WorkerStopTimeout == 0 {
		c.WorkerStopTimeout = 5 * time.Second
	}
	if c.PublicDir == "" {
		c.PublicDir = "../public"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("gateway.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current values.
// Unparsable numbers and durations are ignored.
func (c *GatewayConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	envInt("PORT", &c.Port)
	if v := GetEnv("HOST", ""); v != "" {
		c.Host = v
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	envDuration("REQUEST_TIMEOUT", &c.RequestTimeout)
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
	if v := GetEnv("ADMIN_PREFIX", ""); v != "" {
		c.AdminPrefix = v
	}

	if v := GetEnv("SOCKET_PATH", ""); v != "" {
		c.SocketPath = v
	}
	if v := GetEnv("SOCKET_OWNED", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SocketOwned = b
		}
	}
	envInt("POOL_MIN_IDLE", &c.PoolMinIdle)
	envInt("POOL_MAX_IDLE", &c.PoolMaxIdle)
	envDuration("DIAL_TIMEOUT", &c.DialTimeout)
	envInt("RETRY_MAX_ATTEMPTS", &c.RetryMaxAttempts)
	envDuration("RETRY_BASE_DELAY", &c.RetryBaseDelay)
	envDuration("RETRY_MAX_DELAY", &c.RetryMaxDelay)
	envInt("MAX_FRAME_SIZE", &c.MaxFrameSize)

	if v := GetEnv("WORKER_COMMAND", ""); v != "" {
		c.WorkerCommand = v
	}
	if v := GetEnv("WORKER_DIR", ""); v != "" {
		c.WorkerDir = v
	}
	envDuration("WORKER_READY_TIMEOUT", &c.WorkerReadyTimeout)
	envDuration("WORKER_STOP_TIMEOUT", &c.WorkerStopTimeout)

	if v := GetEnv("PUBLIC_DIR", ""); v != "" {
		c.PublicDir = v
	}
	if v := GetEnv("STATIC_EXTENSIONS", ""); v != "" {
		c.StaticExtensions = splitComma(v)
	}
	if v := GetEnv("STATIC_PREFIXES", ""); v != "" {
		c.StaticPrefixes = splitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags using the current values as
// defaults.
func (c *GatewayConfig) BindFlagsFromCurrent() {
	c.BindFlagSet(flag.CommandLine)
}

// BindFlagSet binds every option to fs.
func (c *GatewayConfig) BindFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "gateway config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.Host, "host", c.Host, "HTTP listen host; empty listens on all interfaces")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the HTTP listener", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key for the command endpoint; leave empty to disable it")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for shared gateway state")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "maximum duration of one backend exchange")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (negative to wait indefinitely, 0 to exit immediately)")
	fs.StringVar(&c.AdminPrefix, "admin-prefix", c.AdminPrefix, "path prefix of the gateway's own endpoints")
	fs.StringVar(&c.SocketPath, "socket", c.SocketPath, "backend Unix socket path")
	fs.BoolVar(&c.SocketOwned, "socket-owned", c.SocketOwned, "remove the socket file on shutdown")
	fs.IntVar(&c.PoolMinIdle, "pool-min-idle", c.PoolMinIdle, "connections opened during warm-up")
	fs.IntVar(&c.PoolMaxIdle, "pool-max-idle", c.PoolMaxIdle, "maximum idle backend connections")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "backend connect timeout")
	fs.IntVar(&c.RetryMaxAttempts, "retry-max-attempts", c.RetryMaxAttempts, "warm-up connection attempts")
	fs.DurationVar(&c.RetryBaseDelay, "retry-base-delay", c.RetryBaseDelay, "first warm-up retry delay")
	fs.DurationVar(&c.RetryMaxDelay, "retry-max-delay", c.RetryMaxDelay, "warm-up retry delay cap")
	fs.IntVar(&c.MaxFrameSize, "max-frame-size", c.MaxFrameSize, "largest accepted backend reply in bytes")
	fs.StringVar(&c.WorkerCommand, "worker-command", c.WorkerCommand, "backend worker command to supervise; empty to run without one")
	fs.StringVar(&c.WorkerDir, "worker-dir", c.WorkerDir, "working directory of the backend worker")
	fs.DurationVar(&c.WorkerReadyTimeout, "worker-ready-timeout", c.WorkerReadyTimeout, "time to wait for the worker socket")
	fs.DurationVar(&c.WorkerStopTimeout, "worker-stop-timeout", c.WorkerStopTimeout, "grace period before the worker is killed")
	fs.StringVar(&c.PublicDir, "public-dir", c.PublicDir, "directory static assets are served from")
	fs.Func("static-extensions", "comma separated file suffixes served from --public-dir", func(v string) error {
		c.StaticExtensions = splitComma(v)
		return nil
	})
	fs.Func("static-prefixes", "comma separated path prefixes served from --public-dir", func(v string) error {
		c.StaticPrefixes = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *GatewayConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate reports every inconsistent setting.
func (c *GatewayConfig) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket path is required"))
	}
	if c.PoolMaxIdle < 1 {
		errs = append(errs, fmt.Errorf("pool max idle must be at least 1, got %d", c.PoolMaxIdle))
	}
	if c.PoolMinIdle < 0 || c.PoolMinIdle > c.PoolMaxIdle {
		errs = append(errs, fmt.Errorf("pool min idle %d must be between 0 and max idle %d", c.PoolMinIdle, c.PoolMaxIdle))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry max attempts must be at least 1, got %d", c.RetryMaxAttempts))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry delays must be positive, got base %s max %s", c.RetryBaseDelay, c.RetryMaxDelay))
	}
	if c.MaxFrameSize < 1 {
		errs = append(errs, fmt.Errorf("max frame size must be positive, got %d", c.MaxFrameSize))
	}
	if !strings.HasPrefix(c.AdminPrefix, "/") || c.AdminPrefix == "/" {
		errs = append(errs, fmt.Errorf("admin prefix %q must be a path below /", c.AdminPrefix))
	}
	return errors.Join(errs...)
}

// ListenAddr is the HTTP listen address.
func (c *GatewayConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MetricsOnMain reports whether metrics share the HTTP listener.
func (c *GatewayConfig) MetricsOnMain() bool {
	return c.MetricsAddr == "" || c.MetricsAddr == fmt.Sprintf(":%d", c.Port) || c.MetricsAddr == c.ListenAddr()
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
