package rec

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recstack/rec/internal/adapters/realfs"
	"github.com/recstack/rec/internal/adapters/realrand"
	"github.com/recstack/rec/internal/ports"
)

// LocalRuntime executes commands, file operations, and terminals
// against the local machine, behind the same Runtime contract as
// SSHRuntime (§4.7).
type LocalRuntime struct {
	workingDir string
	fs         ports.FileSystem
	rnd        ports.Random
	ops        *localFileOps

	mu     sync.Mutex
	state  RuntimeState
	dispose *disposeToken

	termMu sync.Mutex
	terms  map[*localTerminal]struct{}
}

// LocalRuntimeOption configures a LocalRuntime at construction time.
type LocalRuntimeOption func(*LocalRuntime)

// WithLocalFileSystem injects a FileSystem port, overriding the real one.
func WithLocalFileSystem(fs ports.FileSystem) LocalRuntimeOption {
	return func(r *LocalRuntime) { r.fs = fs }
}

// WithLocalRandom injects a Random port, overriding the real one.
func WithLocalRandom(rnd ports.Random) LocalRuntimeOption {
	return func(r *LocalRuntime) { r.rnd = rnd }
}

// NewLocalRuntime constructs a LocalRuntime rooted at workingDir. An
// empty workingDir defaults to the process's current directory at
// Initialize time.
func NewLocalRuntime(workingDir string, opts ...LocalRuntimeOption) *LocalRuntime {
	r := &LocalRuntime{
		workingDir: workingDir,
		fs:         realfs.New(),
		rnd:        realrand.New(),
		state:      StateInitializing,
		dispose:    newDisposeToken(),
		terms:      make(map[*localTerminal]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ops = newLocalFileOps(r.fs, r.rnd)
	return r
}

// Initialize verifies the working directory is a directory, if set.
func (r *LocalRuntime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateDisposed {
		return NewError(KindConfiguration, "", "runtime disposed", nil)
	}

	if r.workingDir != "" {
		info, err := r.fs.Stat(r.workingDir)
		if err != nil {
			r.state = StateError
			return NewError(KindConfiguration, "", "stat working directory", err)
		}
		if !info.IsDir() {
			r.state = StateError
			return NewError(KindConfiguration, "", "working directory is not a directory", nil)
		}
	}

	r.state = StateReady
	return nil
}

// HealthCheck runs "echo ok" locally with a 5s timeout.
func (r *LocalRuntime) HealthCheck(ctx context.Context) (HealthCheckResult, error) {
	start := time.Now()

	req := ExecRequest{Command: "echo ok", LocalTimeout: 5 * time.Second, WorkingDir: r.workingDir}
	_, _, done := r.Exec(ctx, req)
	outcome := <-done

	latency := time.Since(start)
	if outcome.Err != nil {
		return HealthCheckResult{Healthy: false, Latency: latency}, outcome.Err
	}
	return HealthCheckResult{Healthy: outcome.Result.HealthSignal == SignalSuccess, Latency: latency}, nil
}

// Exec runs req as a local child process.
func (r *LocalRuntime) Exec(ctx context.Context, req ExecRequest) (io.Reader, io.Reader, <-chan execOutcome) {
	r.mu.Lock()
	state := r.state
	dispose := r.dispose
	r.mu.Unlock()

	if state == StateDisposed {
		done := make(chan execOutcome, 1)
		done <- execOutcome{Err: NewError(KindCancelled, "", "runtime disposed", nil)}
		close(done)
		return nil, nil, done
	}

	if req.WorkingDir == "" {
		req.WorkingDir = r.workingDir
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-dispose.C():
			cancel()
		case <-ctx.Done():
		}
	}()

	execID := uuid.New().String()
	slog.Debug("exec started", slog.String("exec_id", execID), slog.Bool("remote", false))

	r.setBusy(1)
	stdout, stderr, done := localExec(ctx, req)
	wrapped := make(chan execOutcome, 1)
	go func() {
		outcome := <-done
		cancel()
		r.setBusy(-1)
		outcome.Result.ExecID = execID
		if outcome.Err != nil {
			slog.Warn("exec failed", slog.String("exec_id", execID), slog.String("error", outcome.Err.Error()))
		} else {
			slog.Debug("exec finished",
				slog.String("exec_id", execID),
				slog.Int("exit_code", outcome.Result.ExitCode),
				slog.String("signal", outcome.Result.HealthSignal.String()))
		}
		wrapped <- outcome
	}()
	return stdout, stderr, wrapped
}

func (r *LocalRuntime) setBusy(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDisposed {
		return
	}
	if delta > 0 {
		r.state = StateBusy
	} else if r.state == StateBusy {
		r.state = StateReady
	}
}

func (r *LocalRuntime) Read(path string) (io.ReadCloser, error)           { return r.ops.Read(path) }
func (r *LocalRuntime) Write(path string, content []byte) error          { return r.ops.Write(path, content) }
func (r *LocalRuntime) Stat(path string) (FileStat, error)                { return r.ops.Stat(path) }
func (r *LocalRuntime) Exists(path string) (bool, error)                  { return r.ops.Exists(path) }
func (r *LocalRuntime) Mkdir(path string, recursive bool) error          { return r.ops.Mkdir(path, recursive) }
func (r *LocalRuntime) Remove(path string, recursive bool) error         { return r.ops.Remove(path, recursive) }
func (r *LocalRuntime) List(path string) ([]DirEntry, error)              { return r.ops.List(path) }

// OpenTerminal opens a local PTY-backed shell session.
func (r *LocalRuntime) OpenTerminal(ctx context.Context, opts TerminalOptions) (Terminal, error) {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return nil, NewError(KindCancelled, "", "runtime disposed", nil)
	}
	r.mu.Unlock()

	if opts.Cwd == "" {
		opts.Cwd = r.workingDir
	}

	t, err := openLocalTerminal(opts)
	if err != nil {
		return nil, err
	}

	r.termMu.Lock()
	r.terms[t] = struct{}{}
	r.termMu.Unlock()

	return t, nil
}

// State returns the current lifecycle phase.
func (r *LocalRuntime) State() RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Dispose cancels in-flight operations and closes every open terminal.
func (r *LocalRuntime) Dispose() error {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateDisposed
	r.mu.Unlock()

	r.dispose.fire()

	r.termMu.Lock()
	terms := make([]*localTerminal, 0, len(r.terms))
	for t := range r.terms {
		terms = append(terms, t)
	}
	r.terms = make(map[*localTerminal]struct{})
	r.termMu.Unlock()

	for _, t := range terms {
		t.Close()
	}
	return nil
}

var _ Runtime = (*LocalRuntime)(nil)
