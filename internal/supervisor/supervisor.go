package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"graphflow-scheduler/internal/models"
	"graphflow-scheduler/internal/store"
	"graphflow-scheduler/internal/telemetry"
)

// Lifecycle timeouts. A run that outlives RunTimeout is force-terminated by
// the monitor as a safety net.
const (
	DefaultGracefulTimeout = 10 * time.Second
	DefaultRunTimeout      = time.Hour
)

// ResultCode classifies lifecycle outcomes. "Already running" and "not
// running" are normal, frequently-checked results, not errors.
type ResultCode string

const (
	CodeOK             ResultCode = "ok"
	CodeAlreadyRunning ResultCode = "already_running"
	CodeNotRunning     ResultCode = "not_running"
	CodeNotFound       ResultCode = "not_found"
	CodeFailed         ResultCode = "failed"
)

// Result is the structured outcome of Start/Stop.
type Result struct {
	OK      bool       `json:"success"`
	Code    ResultCode `json:"code"`
	Message string     `json:"message,omitempty"`
	Error   string     `json:"error,omitempty"`
	PID     int        `json:"pid,omitempty"`
}

// RunRecorder receives execution-history events. The Postgres history store
// satisfies it; tests pass nil or a stub.
type RunRecorder interface {
	AppendRun(ctx context.Context, jobID, jobType, event, detail string) error
}

// Config describes how to launch the supervised worker.
type Config struct {
	// Command is the worker invocation, executable first.
	Command []string
	// WorkDir is the working directory for the child, typically the
	// project root.
	WorkDir string
	GracefulTimeout time.Duration
	RunTimeout      time.Duration
}

func (c Config) gracefulTimeout() time.Duration {
	if c.GracefulTimeout > 0 {
		return c.GracefulTimeout
	}
	return DefaultGracefulTimeout
}

func (c Config) runTimeout() time.Duration {
	if c.RunTimeout > 0 {
		return c.RunTimeout
	}
	return DefaultRunTimeout
}

// Supervisor owns the lifecycle of exactly one supervised external process at
// a time. It is the sole writer of the process-state record in the store;
// dashboards and other schedulers only read it.
type Supervisor struct {
	cfg     Config
	store   *store.Store
	history RunRecorder
	log     zerolog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stderr        *bytes.Buffer
	stopRequested bool
	monitorDone   chan struct{}
}

// New builds a supervisor. history may be nil.
func New(cfg Config, st *store.Store, history RunRecorder, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		store:   st,
		history: history,
		log:     log.With().Str("component", "supervisor").Logger(),
	}
}

// pidAlive reports whether the OS still knows the process. EPERM counts as
// alive: the process exists but belongs to someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isRunning applies the idempotence guard: persisted status says running AND
// the recorded pid maps to a live OS process.
func (s *Supervisor) isRunning(ctx context.Context) (int, bool) {
	status, err := s.store.ProcessStatus(ctx)
	if err != nil || status != models.ProcessRunning {
		return 0, false
	}
	pid, found, err := s.store.PID(ctx)
	if err != nil || !found {
		return 0, false
	}
	return pid, pidAlive(pid)
}

// Start spawns the worker and begins monitoring it. Calling Start while the
// previous process is alive reports AlreadyRunning without spawning anything.
func (s *Supervisor) Start(ctx context.Context) Result {
	// One start at a time: concurrent callers must not both pass the guard.
	s.mu.Lock()
	defer s.mu.Unlock()

	if pid, running := s.isRunning(ctx); running {
		return Result{Code: CodeAlreadyRunning, Error: "graphflow is already running", PID: pid}
	}

	if err := s.store.SetProcessStatus(ctx, models.ProcessStarting); err != nil {
		return Result{Code: CodeFailed, Error: err.Error()}
	}

	if len(s.cfg.Command) == 0 {
		_ = s.store.SetProcessStatus(ctx, models.ProcessError)
		return Result{Code: CodeNotFound, Error: "worker command not configured"}
	}
	exe := s.cfg.Command[0]
	if _, err := os.Stat(exe); err != nil {
		if _, lookErr := exec.LookPath(exe); lookErr != nil {
			// No stale pid to clear: nothing was spawned.
			_ = s.store.SetProcessStatus(ctx, models.ProcessError)
			return Result{Code: CodeNotFound, Error: fmt.Sprintf("worker executable not found: %s", exe)}
		}
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = s.cfg.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		_ = s.store.SetProcessStatus(ctx, models.ProcessError)
		return Result{Code: CodeFailed, Error: fmt.Sprintf("failed to start graphflow: %v", err)}
	}

	pid := cmd.Process.Pid
	if err := s.store.SetPID(ctx, pid); err != nil {
		// Can't record the pid: kill the orphan rather than lose track of it.
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		_ = s.store.SetProcessStatus(ctx, models.ProcessError)
		return Result{Code: CodeFailed, Error: err.Error()}
	}
	_ = s.store.SetProcessStatus(ctx, models.ProcessRunning)
	_ = s.store.PublishActivity(ctx, fmt.Sprintf("graphflow started (pid %d)", pid))
	telemetry.ProcessUp.Set(1)

	s.cmd = cmd
	s.stderr = &stderr
	s.stopRequested = false
	s.monitorDone = make(chan struct{})
	go s.monitor(cmd, &stderr, s.monitorDone)

	s.log.Info().Int("pid", pid).Msg("graphflow started")
	s.recordRun(ctx, "started", fmt.Sprintf("pid=%d", pid))
	return Result{OK: true, Code: CodeOK, Message: "graphflow process started", PID: pid}
}

// monitor waits for the child to exit, bounded by the run timeout, classifies
// the outcome, and always clears the pid record.
func (s *Supervisor) monitor(cmd *exec.Cmd, stderr *bytes.Buffer, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(s.cfg.runTimeout())
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		s.log.Warn().Msg("graphflow run timeout, terminating")
		_ = cmd.Process.Kill()
		waitErr = <-waitCh
	}

	s.mu.Lock()
	stopRequested := s.stopRequested
	s.cmd = nil
	s.stderr = nil
	s.mu.Unlock()

	switch {
	case timedOut:
		_ = s.store.SetProcessStatus(ctx, models.ProcessError)
		_ = s.store.PublishActivity(ctx, "graphflow timed out and was terminated")
		s.recordRun(ctx, "timeout", "run exceeded timeout, force-killed")
	case stopRequested:
		// Stop() owns the final status transition.
	case waitErr == nil:
		s.log.Info().Msg("graphflow completed")
		_ = s.store.SetProcessStatus(ctx, models.ProcessStopped)
		_ = s.store.PublishActivity(ctx, "graphflow completed")
		s.recordRun(ctx, "completed", "")
	default:
		s.log.Error().Err(waitErr).Str("stderr", stderr.String()).Msg("graphflow failed")
		_ = s.store.SetProcessStatus(ctx, models.ProcessError)
		_ = s.store.PublishActivity(ctx, "graphflow exited with an error")
		s.recordRun(ctx, "failed", waitErr.Error())
	}

	_ = s.store.ClearPID(ctx)
	telemetry.ProcessUp.Set(0)
}

// Stop terminates the worker: graceful signal first, force-kill after the
// graceful timeout. It blocks the caller for up to that timeout.
func (s *Supervisor) Stop(ctx context.Context) Result {
	pid, running := s.isRunning(ctx)
	if !running {
		return Result{Code: CodeNotRunning, Error: "graphflow is not running"}
	}

	_ = s.store.SetProcessStatus(ctx, models.ProcessStopping)

	s.mu.Lock()
	cmd := s.cmd
	done := s.monitorDone
	s.stopRequested = true
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(s.cfg.gracefulTimeout()):
			_ = cmd.Process.Kill()
			<-done
		}
	} else {
		// Recorded pid without a handle: a previous run of this scheduler
		// spawned it. Signal by pid and poll for exit.
		s.signalAndAwait(pid)
	}

	_ = s.store.ClearPID(ctx)
	_ = s.store.SetProcessStatus(ctx, models.ProcessStopped)
	_ = s.store.PublishActivity(ctx, "graphflow stopped")
	telemetry.ProcessUp.Set(0)
	s.log.Info().Int("pid", pid).Msg("graphflow stopped")
	s.recordRun(ctx, "stopped", fmt.Sprintf("pid=%d", pid))
	return Result{OK: true, Code: CodeOK, Message: "graphflow process stopped"}
}

func (s *Supervisor) signalAndAwait(pid int) {
	_ = syscall.Kill(pid, syscall.SIGTERM)
	deadline := time.Now().Add(s.cfg.gracefulTimeout())
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	for pidAlive(pid) {
		time.Sleep(50 * time.Millisecond)
	}
}

// Status returns the persisted state with liveness re-verified against the
// OS, reconciling drift when the process died before the monitor caught up.
func (s *Supervisor) Status(ctx context.Context) models.ProcessState {
	state := models.ProcessState{Status: models.ProcessError}

	status, err := s.store.ProcessStatus(ctx)
	if err != nil {
		return state
	}
	state.Status = status

	pid, found, err := s.store.PID(ctx)
	if err == nil && found {
		state.PID = &pid
		state.Alive = pidAlive(pid)
	}
	return state
}

// MonitorDone exposes the current run's monitor completion channel, nil when
// nothing is being monitored.
func (s *Supervisor) MonitorDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitorDone
}

func (s *Supervisor) recordRun(ctx context.Context, event, detail string) {
	if s.history == nil {
		return
	}
	if err := s.history.AppendRun(ctx, "graphflow", string(models.JobTypeGraphflow), event, detail); err != nil {
		s.log.Warn().Err(err).Msg("failed to record run history")
	}
}
