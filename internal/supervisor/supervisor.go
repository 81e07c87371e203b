// Package supervisor keeps exactly one rendering backend process alive and
// healthy, restarting it a bounded number of times.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
)

// State is the supervisor's view of the backend.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateFailed    State = "failed"
)

const (
	DefaultEntry          = "main.py"
	DefaultPython         = "python"
	DefaultListen         = "0.0.0.0"
	DefaultPort           = 8188
	DefaultStartupTimeout = 60 * time.Second
	DefaultProbeInterval  = time.Second
	DefaultProbeTimeout   = 2 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	DefaultStopGrace      = 10 * time.Second
	DefaultMaxRestarts    = 3

	// outputDrainDelay bounds how long Wait blocks on output pipes held open
	// by grandchildren after the backend itself exited.
	outputDrainDelay = 2 * time.Second
)

// Prober checks backend health. The supervisor bounds every call with its own
// deadline.
type Prober interface {
	Health(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Health(ctx context.Context) error { return f(ctx) }

// Options configures a Supervisor.
type Options struct {
	// Dir is the backend working directory holding the entry file.
	Dir    string
	Entry  string
	Python string
	Listen string
	Port   int
	// Command overrides the launch command line. The entry file is still
	// required in Dir.
	Command []string
	Env     []string

	Prober Prober
	Logger *infra.Logger

	StartupTimeout time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	HealthTimeout  time.Duration
	StopGrace      time.Duration
	// MaxRestarts bounds consecutive restarts without reaching Healthy.
	// Zero uses DefaultMaxRestarts; negative disables restarts entirely.
	MaxRestarts int
	OutputLimit int

	// OnRestart is called each time a restart is attempted.
	OnRestart func()
}

// Supervisor owns the backend process handle. All transitions happen under a
// single mutex, so concurrent EnsureRunning calls serialize.
type Supervisor struct {
	opts   Options
	logger *infra.Logger

	mu       sync.Mutex
	state    State
	proc     *process
	launched bool
	// healthy is set once any backend has passed a health check since the
	// last Reset.
	healthy  bool
	restarts int
	failure  error
}

type process struct {
	cmd     *exec.Cmd
	output  *tailWriter
	done    chan struct{}
	waitErr error
	started time.Time
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) exitCode() int {
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode()
	}
	return 0
}

func New(opts Options) *Supervisor {
	if opts.Entry == "" {
		opts.Entry = DefaultEntry
	}
	if opts.Python == "" {
		opts.Python = DefaultPython
	}
	if opts.Listen == "" {
		opts.Listen = DefaultListen
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	opts.StartupTimeout = orDefault(opts.StartupTimeout, DefaultStartupTimeout)
	opts.ProbeInterval = orDefault(opts.ProbeInterval, DefaultProbeInterval)
	opts.ProbeTimeout = orDefault(opts.ProbeTimeout, DefaultProbeTimeout)
	opts.HealthTimeout = orDefault(opts.HealthTimeout, DefaultHealthTimeout)
	opts.StopGrace = orDefault(opts.StopGrace, DefaultStopGrace)
	if opts.MaxRestarts == 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	return &Supervisor{
		opts:   opts,
		logger: infra.LoggerOrDiscard(opts.Logger),
		state:  StateStopped,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// State reports the current supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts reports the consecutive restarts since the backend was last healthy.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// EnsureRunning returns nil once the backend is healthy. It reuses a healthy
// process, adopts a backend that is already answering, or (re)starts one.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFailed {
		return fmt.Errorf("%w: %v", domain.ErrSupervisorFailed, s.failure)
	}

	if s.proc != nil {
		if !s.proc.exited() && s.probe(ctx, s.opts.HealthTimeout) == nil {
			s.setState(StateHealthy)
			return nil
		}
		s.setState(StateUnhealthy)
		s.logger.Warn().Bool("exited", s.proc.exited()).Msg("supervisor: backend unhealthy, restarting")
		s.terminate()
	} else if s.probe(ctx, s.opts.ProbeTimeout) == nil {
		s.logger.Info().Msg("supervisor: adopting backend that is already running")
		s.restarts = 0
		s.healthy = true
		s.setState(StateHealthy)
		return nil
	}

	return s.start(ctx)
}

// Stop terminates the owned process, if any. A terminal failure is kept.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		s.terminate()
	}
	if s.state != StateFailed {
		s.setState(StateStopped)
	}
	return nil
}

// Reset clears a terminal failure so the next EnsureRunning starts afresh.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		s.terminate()
	}
	s.launched = false
	s.healthy = false
	s.restarts = 0
	s.failure = nil
	s.setState(StateStopped)
}

func (s *Supervisor) setState(next State) {
	if s.state != next {
		s.logger.Debug().Str("from", string(s.state)).Str("state", string(next)).Msg("supervisor: state change")
	}
	s.state = next
}

func (s *Supervisor) fail(err error) error {
	s.failure = err
	s.setState(StateFailed)
	return err
}

func (s *Supervisor) probe(ctx context.Context, timeout time.Duration) error {
	if s.opts.Prober == nil {
		return errors.New("supervisor: no health prober configured")
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.opts.Prober.Health(probeCtx)
}

func (s *Supervisor) entryPath() string {
	return filepath.Join(s.opts.Dir, s.opts.Entry)
}

func (s *Supervisor) command() []string {
	if len(s.opts.Command) > 0 {
		return s.opts.Command
	}
	return []string{
		s.opts.Python, "-u", s.opts.Entry,
		"--listen", s.opts.Listen,
		"--port", strconv.Itoa(s.opts.Port),
	}
}

func (s *Supervisor) start(ctx context.Context) error {
	entry := s.entryPath()
	if _, err := os.Stat(entry); err != nil {
		return s.fail(&domain.ProcessStartError{Reason: fmt.Sprintf("backend entry file not found: %s", entry)})
	}

	if s.launched {
		if s.opts.MaxRestarts < 0 || s.restarts >= s.opts.MaxRestarts {
			return s.fail(fmt.Errorf("%w: gave up after %d restarts", domain.ErrSupervisorFailed, s.restarts))
		}
		s.restarts++
		if s.opts.OnRestart != nil {
			s.opts.OnRestart()
		}
	}
	s.launched = true

	argv := s.command()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	output := newTailWriter(s.opts.OutputLimit, s.logger)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = outputDrainDelay

	s.setState(StateStarting)
	logger := s.logger.With().Int("attempt", s.restarts+1).Logger()
	logger.Info().Str("command", strings.Join(argv, " ")).Str("dir", s.opts.Dir).Msg("supervisor: starting backend")

	if err := cmd.Start(); err != nil {
		s.setState(StateStopped)
		return &domain.ProcessStartError{Reason: fmt.Sprintf("launch backend: %v", err)}
	}
	proc := &process{cmd: cmd, output: output, done: make(chan struct{}), started: time.Now()}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	s.proc = proc

	deadline := time.Now().Add(s.opts.StartupTimeout)
	for {
		if proc.exited() {
			s.proc = nil
			err := &domain.ProcessStartError{
				Reason:   "backend exited during startup",
				ExitCode: proc.exitCode(),
				Output:   output.String(),
			}
			logger.Error().Int("exit_code", err.ExitCode).Str("output", tail(err.Output, 2048)).Msg("supervisor: backend exited during startup")
			// Before the first healthy start an exit is terminal.
			if !s.healthy {
				return s.fail(err)
			}
			s.setState(StateUnhealthy)
			return err
		}
		if s.probe(ctx, s.opts.ProbeTimeout) == nil {
			s.restarts = 0
			s.healthy = true
			s.setState(StateHealthy)
			logger.Info().Dur("elapsed", time.Since(proc.started)).Int("pid", cmd.Process.Pid).Msg("supervisor: backend healthy")
			return nil
		}
		if time.Now().After(deadline) {
			s.terminate()
			s.setState(StateUnhealthy)
			out := output.String()
			logger.Error().Dur("elapsed", time.Since(proc.started)).Str("output", tail(out, 2048)).Msg("supervisor: backend never became healthy")
			return fmt.Errorf("%w after %s: %s", domain.ErrHealthCheckTimeout, s.opts.StartupTimeout, tail(out, 2048))
		}

		select {
		case <-ctx.Done():
			s.terminate()
			s.setState(StateStopped)
			return fmt.Errorf("supervisor: startup interrupted: %w", ctx.Err())
		case <-proc.done:
		case <-time.After(s.opts.ProbeInterval):
		}
	}
}

// terminate asks the process to exit, then kills it after the grace period.
func (s *Supervisor) terminate() {
	proc := s.proc
	s.proc = nil
	if proc == nil || proc.exited() {
		return
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-proc.done:
		return
	case <-time.After(s.opts.StopGrace):
	}
	s.logger.Warn().Dur("grace", s.opts.StopGrace).Msg("supervisor: backend ignored SIGTERM, killing")
	_ = proc.cmd.Process.Kill()
	<-proc.done
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
