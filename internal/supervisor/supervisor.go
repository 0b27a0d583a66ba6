// Package supervisor runs the backend worker process next to the gateway.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/udsgate/core/logx"
	"github.com/gaspardpetit/udsgate/core/retry"
	"github.com/gaspardpetit/udsgate/internal/metrics"
)

// ReadyInterval is the socket polling interval used by WaitReady.
const ReadyInterval = 500 * time.Millisecond

// ErrNoCommand is returned by Start when no worker command is configured.
var ErrNoCommand = errors.New("no worker command configured")

// ErrExited reports that the worker stopped before becoming ready.
var ErrExited = errors.New("worker exited")

// Config describes the worker process.
type Config struct {
	Command      string // split on whitespace
	Dir          string
	Env          []string // appended to the gateway's environment
	SocketPath   string
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

// ProcessStats is a point-in-time view of the worker process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	Running    bool    `json:"running"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Uptime     string  `json:"uptime"`
}

// Supervisor owns one worker process.
type Supervisor struct {
	cfg     Config
	cmd     *exec.Cmd
	started time.Time

	done     chan struct{}
	exitErr  error
	stopOnce sync.Once
	stopErr  error
}

// Start spawns the worker and relays its output to the log.
func Start(cfg Config) (*Supervisor, error) {
	args := strings.Fields(cfg.Command)
	if len(args) == 0 {
		return nil, ErrNoCommand
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	cmd.Stdout = newLineWriter("stdout", logLine)
	cmd.Stderr = newLineWriter("stderr", logLine)
	if cfg.StopTimeout > 0 {
		cmd.WaitDelay = cfg.StopTimeout
	}
	prepare(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %q: %w", args[0], err)
	}
	s := &Supervisor{cfg: cfg, cmd: cmd, started: time.Now(), done: make(chan struct{})}
	metrics.SetWorkerUp(true)
	logx.Log.Info().Int("pid", cmd.Process.Pid).Str("command", cfg.Command).Str("dir", cfg.Dir).Msg("worker started")
	go s.watch()
	return s, nil
}

func (s *Supervisor) watch() {
	err := s.cmd.Wait()
	s.exitErr = err
	metrics.SetWorkerUp(false)
	ev := logx.Log.Info()
	if err != nil {
		ev = logx.Log.Warn().Err(err)
	}
	ev.Int("pid", s.cmd.Process.Pid).Msg("worker exited")
	close(s.done)
}

// PID returns the worker process id.
func (s *Supervisor) PID() int { return s.cmd.Process.Pid }

// Done is closed when the worker has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Running reports whether the worker has not exited yet.
func (s *Supervisor) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Err returns the exit error once the worker has exited.
func (s *Supervisor) Err() error {
	select {
	case <-s.done:
		return s.exitErr
	default:
		return nil
	}
}

// WaitReady polls until the worker's socket accepts a connection, the ready
// timeout passes, or the worker exits.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	timeout := s.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	attempts := int(timeout/ReadyInterval) + 1
	err := retry.Do(ctx, retry.Fixed(attempts, ReadyInterval), "worker_ready", func(ctx context.Context) error {
		if !s.Running() {
			return ErrExited
		}
		return probe(ctx, s.cfg.SocketPath)
	})
	if err != nil && !s.Running() {
		return fmt.Errorf("%w before ready: %w", ErrExited, err)
	}
	if err != nil {
		return fmt.Errorf("worker not ready within %s: %w", timeout, err)
	}
	logx.Log.Info().Str("socket", s.cfg.SocketPath).Dur("after", time.Since(s.started)).Msg("worker ready")
	return nil
}

// probe checks that path exists and accepts a connection.
func probe(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	d := net.Dialer{Timeout: ReadyInterval}
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return err
	}
	return c.Close()
}

// Stop asks the worker to terminate and kills it after timeout. It waits for
// the exit and may be called more than once.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() {
		if !s.Running() {
			return
		}
		pid := s.cmd.Process.Pid
		logx.Log.Info().Int("pid", pid).Msg("stopping worker")
		if err := terminate(s.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logx.Log.Warn().Err(err).Int("pid", pid).Msg("terminate signal failed")
		}
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-s.done:
			return
		case <-t.C:
		}
		logx.Log.Warn().Int("pid", pid).Dur("timeout", timeout).Msg("worker did not stop in time; killing")
		if err := kill(s.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.stopErr = fmt.Errorf("kill worker %d: %w", pid, err)
		}
		<-s.done
	})
	return s.stopErr
}

// Stats samples the worker process.
func (s *Supervisor) Stats(ctx context.Context) (ProcessStats, error) {
	st := ProcessStats{PID: s.PID(), Running: s.Running(), Uptime: time.Since(s.started).Round(time.Second).String()}
	if !st.Running {
		return st, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(st.PID))
	if err != nil {
		return st, fmt.Errorf("inspect worker %d: %w", st.PID, err)
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	return st, nil
}

func logLine(stream, line string) {
	logx.Log.Info().Str("stream", stream).Msg(line)
}
