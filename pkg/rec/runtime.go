package rec

import (
	"context"
	"io"
	"time"
)

// RuntimeState is a Runtime's lifecycle phase. Disposed is terminal.
type RuntimeState int

const (
	StateInitializing RuntimeState = iota
	StateReady
	StateBusy
	StateError
	StateDisconnected
	StateDisposed
)

func (s RuntimeState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	case StateDisposed:
		return "disposed"
	default:
		return "invalid"
	}
}

// HealthCheckResult is the outcome of Runtime.HealthCheck.
type HealthCheckResult struct {
	Healthy bool
	Latency time.Duration
}

// Runtime is the caller-facing façade unifying local process execution
// and SSH execution behind one contract (§4.7). LocalRuntime and
// SSHRuntime both implement it.
type Runtime interface {
	// Initialize is idempotent. SSH verifies the working directory
	// exists and caches $HOME; Local verifies the working directory is
	// a directory.
	Initialize(ctx context.Context) error

	// HealthCheck runs "echo ok" with a 5s local timeout.
	HealthCheck(ctx context.Context) (HealthCheckResult, error)

	// Exec runs req, streaming stdout/stderr via the returned
	// io.Readers before the final ExecResult resolves on done.
	Exec(ctx context.Context, req ExecRequest) (stdout, stderr io.Reader, done <-chan execOutcome)

	FileOps

	// OpenTerminal opens a PTY-backed interactive channel.
	OpenTerminal(ctx context.Context, opts TerminalOptions) (Terminal, error)

	// State returns the current lifecycle phase.
	State() RuntimeState

	// Dispose cancels in-flight operations with a deterministic error,
	// closes terminals, and releases any pool lease. Idempotent.
	Dispose() error
}

// execOutcome pairs an ExecResult with any terminal error (Transport,
// Cancelled) that prevented a result from forming at all.
type execOutcome struct {
	Result ExecResult
	Err    error
}
