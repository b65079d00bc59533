// Package prochost wraps the spawning of server processes so that each spawn
// is logged, exits are observable, and tests can substitute process behavior.
package prochost

import (
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a module to inject using fx.
var Module = fx.Provide(func(logger *zap.SugaredLogger) Host {
	return NewHost(WithLogger(logger))
})

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code int
	Err  error
}

// Host spawns and supervises local server processes.
type Host interface {
	// Spawn starts the command and returns a handle for the running process.
	Spawn(command string, args []string, env []string) (*Handle, error)
}

// Handle is a live process owned by the daemon.
type Handle struct {
	pid   int
	stdin io.WriteCloser
	kill  func() error
	exit  chan ExitStatus

	mu       sync.Mutex
	disposed bool
}

// PID returns the process id, or 0 when the start function provides none.
func (h *Handle) PID() int { return h.pid }

// OnExit delivers the exit status exactly once when the process ends.
func (h *Handle) OnExit() <-chan ExitStatus { return h.exit }

// SendInput writes to the process stdin.
func (h *Handle) SendInput(data []byte) error {
	if h.stdin == nil {
		return fmt.Errorf("process has no stdin")
	}
	_, err := h.stdin.Write(data)
	return err
}

// Dispose terminates the process. It is idempotent and safe to call after the
// process has already exited.
func (h *Handle) Dispose() error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	h.disposed = true
	h.mu.Unlock()

	if h.stdin != nil {
		_ = h.stdin.Close()
	}
	if h.kill == nil {
		return nil
	}
	return h.kill()
}

// StartFunc starts a command and returns the pieces the Handle needs: a pid,
// a kill function, and a wait function that blocks until exit.
type StartFunc func(cmd *exec.Cmd) (pid int, kill func() error, wait func() ExitStatus, err error)

type hostImp struct {
	logger *zap.SugaredLogger
	start  StartFunc
}

// Option defines options to customize the host's behavior.
type Option func(*hostImp)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(h *hostImp) {
		h.logger = logger
	}
}

// WithStartFunc provides customized process start behavior, primarily for tests.
func WithStartFunc(start StartFunc) Option {
	return func(h *hostImp) {
		h.start = start
	}
}

// NewHost creates a Host with a default start function that runs real processes.
func NewHost(opts ...Option) Host {
	h := &hostImp{
		logger: zap.NewNop().Sugar(),
		start:  defaultStart,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *hostImp) Spawn(command string, args []string, env []string) (*Handle, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin: %w", err)
	}

	h.logger.Infow("Spawn", "Path", cmd.Path, "Args", args)

	pid, kill, wait, err := h.start(cmd)
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("starting %q: %w", command, err)
	}

	handle := &Handle{
		pid:   pid,
		stdin: stdin,
		kill:  kill,
		exit:  make(chan ExitStatus, 1),
	}

	go func() {
		status := wait()
		handle.exit <- status
		close(handle.exit)
	}()

	return handle, nil
}

func defaultStart(cmd *exec.Cmd) (int, func() error, func() ExitStatus, error) {
	if err := cmd.Start(); err != nil {
		return 0, nil, nil, err
	}

	kill := func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := cmd.Process.Kill(); err != nil && err.Error() != "os: process already finished" {
			return err
		}
		return nil
	}

	wait := func() ExitStatus {
		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		return ExitStatus{Code: code, Err: err}
	}

	return cmd.Process.Pid, kill, wait, nil
}
