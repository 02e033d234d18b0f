// Package supervisor runs the external crew worker process and streams its
// output while it runs.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultTimeout is the wall-clock budget of one worker run.
	DefaultTimeout = 600 * time.Second
	// DefaultWaitDelay bounds how long output is drained after the worker
	// has been killed.
	DefaultWaitDelay = 5 * time.Second

	readBufferSize = 32 * 1024
)

// ErrTimeout is returned when the worker exceeded its wall-clock budget
// and was killed.
var ErrTimeout = errors.New("worker exceeded its time limit")

// ExitError reports a worker that ran to completion with a non-zero exit
// code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d", e.Code)
}

// LaunchError reports a worker that could not be started.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start worker: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Logger defines the logging interface for the Supervisor
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config is the static worker configuration. Nothing is looked up from the
// environment at run time.
type Config struct {
	Executable string            // interpreter or binary, resolved by New when empty
	Script     string            // first argument, e.g. bridge.py
	Dir        string            // working directory of the worker
	Timeout    time.Duration     // defaults to DefaultTimeout
	WaitDelay  time.Duration     // defaults to DefaultWaitDelay
	Env        map[string]string // fixed variables added to every run
}

// Spec describes one worker run.
type Spec struct {
	ExecutionID    string
	CrewConfig     []byte            // serialized crew snapshot
	InputVariables []byte            // serialized input variables
	Env            map[string]string // secrets for this run, never logged
}

// Exit describes a worker that exited on its own with code 0.
type Exit struct {
	Duration time.Duration
}

// ChunkFunc receives output chunks in the order they were read. The slice
// is owned by the callee.
type ChunkFunc func(chunk []byte)

type Supervisor struct {
	cfg    Config
	logger Logger
}

func New(cfg Config, logger Logger) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	if cfg.Executable == "" {
		cfg.Executable = ResolvePython(cfg.Dir)
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// ResolvePython prefers a virtualenv inside dir and falls back to the
// system interpreter.
func ResolvePython(dir string) string {
	candidates := []string{filepath.Join(dir, "venv", "bin", "python")}
	if runtime.GOOS == "windows" {
		candidates = []string{filepath.Join(dir, "venv", "Scripts", "python.exe")}
	}
	for _, c := range candidates {
		if dir == "" {
			break
		}
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Args returns the worker argv after the executable.
func (s *Supervisor) Args(spec Spec) []string {
	var args []string
	if s.cfg.Script != "" {
		args = append(args, s.cfg.Script)
	}
	crewConfig, inputs := string(spec.CrewConfig), string(spec.InputVariables)
	if inputs == "" {
		inputs = "{}"
	}
	return append(args, spec.ExecutionID, crewConfig, inputs)
}

func (s *Supervisor) environ(spec Spec) []string {
	env := os.Environ()
	extra := make(map[string]string, len(s.cfg.Env)+len(spec.Env)+1)
	for k, v := range s.cfg.Env {
		extra[k] = v
	}
	for k, v := range spec.Env {
		extra[k] = v
	}
	extra["PYTHONUNBUFFERED"] = "1"
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// Run starts the worker, feeds its combined stdout and stderr to onChunk
// as it arrives and waits for it to exit. The worker and its process group
// are killed when the timeout fires or ctx is cancelled, and Run only
// returns after the process has been reaped.
//
// A nil error means exit code 0. Otherwise the error is a *LaunchError, an
// *ExitError, ErrTimeout, or the context's error.
func (s *Supervisor) Run(ctx context.Context, spec Spec, onChunk ChunkFunc) (Exit, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.cfg.Executable, s.Args(spec)...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = s.environ(spec)
	cmd.WaitDelay = s.cfg.WaitDelay
	setProcessGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return Exit{}, &LaunchError{Err: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	s.logger.Infof("Launching worker for execution %s: %s (dir=%s, timeout=%s)",
		spec.ExecutionID, s.cfg.Executable, s.cfg.Dir, s.cfg.Timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Exit{}, &LaunchError{Err: err}
	}
	// The child holds its own copy of the write end.
	pw.Close()

	// A grandchild that escaped the process group could keep the pipe open
	// forever; stop reading once the kill grace period is over.
	readDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			select {
			case <-time.After(s.cfg.WaitDelay):
				pr.Close()
			case <-readDone:
			}
		case <-readDone:
		}
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := pr.Read(buf)
		if n > 0 && onChunk != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if readErr != nil {
			if readErr != io.EOF && runCtx.Err() == nil {
				s.logger.Errorf("Reading worker output for execution %s: %v", spec.ExecutionID, readErr)
			}
			break
		}
	}
	close(readDone)
	pr.Close()

	waitErr := cmd.Wait()
	exit := Exit{Duration: time.Since(start)}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		// Either our own limit or a deadline set by the caller.
		s.logger.Errorf("Worker for execution %s killed at its deadline after %s", spec.ExecutionID, exit.Duration)
		return exit, ErrTimeout
	case ctx.Err() != nil:
		s.logger.Infof("Worker for execution %s cancelled after %s", spec.ExecutionID, exit.Duration)
		return exit, errors.Wrap(ctx.Err(), "worker cancelled")
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			s.logger.Errorf("Worker for execution %s exited with code %d", spec.ExecutionID, exitErr.ExitCode())
			return exit, &ExitError{Code: exitErr.ExitCode()}
		}
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			// Exited 0 but left descendants holding the output pipe.
			s.logger.Infof("Worker for execution %s left output open after exit", spec.ExecutionID)
			return exit, nil
		}
		return exit, errors.Wrap(waitErr, "waiting for worker")
	}
	s.logger.Infof("Worker for execution %s exited cleanly in %s", spec.ExecutionID, exit.Duration)
	return exit, nil
}
