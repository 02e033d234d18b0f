package service

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies why an execution failed.
type ErrorKind string

const (
	// ConfigErrorKind: the run could not be prepared, nothing was launched.
	ConfigErrorKind ErrorKind = "config"
	// LaunchErrorKind: the worker process could not be started.
	LaunchErrorKind ErrorKind = "launch"
	// TimeoutErrorKind: the worker was killed after exceeding its time limit.
	TimeoutErrorKind ErrorKind = "timeout"
	// ExitErrorKind: the worker exited with a non-zero code.
	ExitErrorKind ErrorKind = "exit"
	// ProtocolErrorKind: the worker exited cleanly without a usable final result.
	ProtocolErrorKind ErrorKind = "protocol"
	// WorkerErrorKind: the worker reported the failure itself.
	WorkerErrorKind ErrorKind = "worker"
	// InternalErrorKind covers everything else.
	InternalErrorKind ErrorKind = "internal"
)

var (
	// ErrNotRetryable is returned when retrying an execution that has not failed.
	ErrNotRetryable = errors.New("only failed executions can be retried")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrUnreconciled matches an UnreconciledError.
	ErrUnreconciled = errors.New("execution outcome not recorded")
)

// UnreconciledError is returned by an attempt that ran the execution but
// could not record the failure, leaving the record unfinished. Executing
// the job again would skip a running record, so the failure has to be
// recorded through Fail instead.
type UnreconciledError struct {
	Cause error // the run failure to record
	Err   error // why recording it failed
}

func (e *UnreconciledError) Error() string {
	return fmt.Sprintf("failed to record failure %q: %v", e.Cause, e.Err)
}

func (e *UnreconciledError) Unwrap() error { return e.Cause }

func (e *UnreconciledError) Is(target error) bool { return target == ErrUnreconciled }

// RunError is the error recorded on a failed execution.
type RunError struct {
	Kind   ErrorKind
	Msg    string
	Err    error
	Output string // tail of the worker's unstructured output, if any
}

func (e *RunError) Error() string {
	var s string
	switch {
	case e.Msg == "" && e.Err != nil:
		s = e.Err.Error()
	case e.Err != nil:
		s = e.Msg + ": " + e.Err.Error()
	default:
		s = e.Msg
	}
	if e.Output != "" {
		s += ": " + e.Output
	}
	return s
}

func (e *RunError) Unwrap() error { return e.Err }

func runErrorf(kind ErrorKind, err error, format string, args ...interface{}) *RunError {
	return &RunError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of a run failure. Errors that are not a
// *RunError are internal.
func KindOf(err error) ErrorKind {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	return InternalErrorKind
}
