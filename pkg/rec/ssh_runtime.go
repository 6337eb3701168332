package rec

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recstack/rec/internal/adapters/realrand"
	"github.com/recstack/rec/internal/ports"
)

// SSHRuntime executes commands, file operations, and terminals against
// a remote host, leasing connections from a shared Pool (§4.7).
type SSHRuntime struct {
	pool *Pool
	cfg  HostConfig
	rnd  ports.Random

	mu      sync.Mutex
	state   RuntimeState
	dispose *disposeToken

	fileLease *Lease
	ops       *sshFileOps

	termMu sync.Mutex
	terms  map[*sshTerminal]struct{}
}

// SSHRuntimeOption configures an SSHRuntime at construction time.
type SSHRuntimeOption func(*SSHRuntime)

// WithSSHRandom injects a Random port, overriding the real one.
func WithSSHRandom(rnd ports.Random) SSHRuntimeOption {
	return func(r *SSHRuntime) { r.rnd = rnd }
}

// NewSSHRuntime constructs an SSHRuntime that leases connections for
// cfg out of pool. The pool is shared across every runtime targeting
// the same host, so reuse one Pool across a process.
func NewSSHRuntime(pool *Pool, cfg HostConfig, opts ...SSHRuntimeOption) *SSHRuntime {
	r := &SSHRuntime{
		pool:    pool,
		cfg:     cfg.WithDefaults(),
		rnd:     realrand.New(),
		state:   StateInitializing,
		dispose: newDisposeToken(),
		terms:   make(map[*sshTerminal]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize acquires a connection, verifies the working directory
// exists (if set) and caches $HOME for tilde expansion.
func (r *SSHRuntime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return NewError(KindConfiguration, "", "runtime disposed", nil)
	}
	r.mu.Unlock()

	lease, err := r.pool.Acquire(ctx, r.cfg, 30*time.Second)
	if err != nil {
		r.setState(StateError)
		return err
	}

	ops := newSSHFileOps(lease, r.rnd)

	if _, err := ops.cacheHome(); err != nil {
		lease.Release()
		r.setState(StateError)
		return err
	}
	if r.cfg.WorkingDir != "" {
		if _, err := ops.Stat(r.cfg.WorkingDir); err != nil {
			lease.Release()
			r.setState(StateError)
			return NewError(KindConfiguration, CanonicalKey(r.cfg), "stat working directory", err)
		}
	}

	r.mu.Lock()
	r.fileLease = lease
	r.ops = ops
	r.state = StateReady
	r.mu.Unlock()
	return nil
}

func (r *SSHRuntime) setState(s RuntimeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDisposed {
		return
	}
	r.state = s
}

// HealthCheck runs "echo ok" remotely with a 5s local timeout, on a
// freshly leased connection rather than the cached file-ops one.
func (r *SSHRuntime) HealthCheck(ctx context.Context) (HealthCheckResult, error) {
	start := time.Now()

	req := ExecRequest{Command: "echo ok", LocalTimeout: 5 * time.Second}
	_, _, done := r.Exec(ctx, req)
	outcome := <-done

	latency := time.Since(start)
	if outcome.Err != nil {
		return HealthCheckResult{Healthy: false, Latency: latency}, outcome.Err
	}
	return HealthCheckResult{Healthy: outcome.Result.HealthSignal == SignalSuccess, Latency: latency}, nil
}

// Exec leases a connection for the duration of the command and runs
// req over it, releasing the lease once the command resolves.
func (r *SSHRuntime) Exec(ctx context.Context, req ExecRequest) (io.Reader, io.Reader, <-chan execOutcome) {
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
		req.WorkingDir = r.cfg.WorkingDir
	}

	lease, err := r.pool.Acquire(ctx, r.cfg, 30*time.Second)
	if err != nil {
		done := make(chan execOutcome, 1)
		done <- execOutcome{Err: err}
		close(done)
		return nil, nil, done
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
	slog.Debug("exec started",
		slog.String("exec_id", execID),
		slog.String("pool_key", CanonicalKey(r.cfg)),
		slog.Bool("remote", true))

	r.setBusy(1)
	stdout, stderr, execDone := sshExec(ctx, lease, req)
	wrapped := make(chan execOutcome, 1)
	go func() {
		outcome := <-execDone
		cancel()
		lease.Release()
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

func (r *SSHRuntime) setBusy(delta int) {
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

func (r *SSHRuntime) requireOps() (*sshFileOps, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDisposed {
		return nil, NewError(KindCancelled, "", "runtime disposed", nil)
	}
	if r.ops == nil {
		return nil, NewError(KindConfiguration, "", "runtime not initialized", nil)
	}
	return r.ops, nil
}

func (r *SSHRuntime) Read(path string) (io.ReadCloser, error) {
	ops, err := r.requireOps()
	if err != nil {
		return nil, err
	}
	return ops.Read(path)
}

func (r *SSHRuntime) Write(path string, content []byte) error {
	ops, err := r.requireOps()
	if err != nil {
		return err
	}
	return ops.Write(path, content)
}

func (r *SSHRuntime) Stat(path string) (FileStat, error) {
	ops, err := r.requireOps()
	if err != nil {
		return FileStat{}, err
	}
	return ops.Stat(path)
}

func (r *SSHRuntime) Exists(path string) (bool, error) {
	ops, err := r.requireOps()
	if err != nil {
		return false, err
	}
	return ops.Exists(path)
}

func (r *SSHRuntime) Mkdir(path string, recursive bool) error {
	ops, err := r.requireOps()
	if err != nil {
		return err
	}
	return ops.Mkdir(path, recursive)
}

func (r *SSHRuntime) Remove(path string, recursive bool) error {
	ops, err := r.requireOps()
	if err != nil {
		return err
	}
	return ops.Remove(path, recursive)
}

func (r *SSHRuntime) List(path string) ([]DirEntry, error) {
	ops, err := r.requireOps()
	if err != nil {
		return nil, err
	}
	return ops.List(path)
}

// OpenTerminal holds a pool lease for the terminal's lifetime; the
// connection behind it may be shared with other leases up to
// MaxStreamsPerConn. The lease is released when the terminal closes.
func (r *SSHRuntime) OpenTerminal(ctx context.Context, opts TerminalOptions) (Terminal, error) {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return nil, NewError(KindCancelled, "", "runtime disposed", nil)
	}
	r.mu.Unlock()

	lease, err := r.pool.Acquire(ctx, r.cfg, 30*time.Second)
	if err != nil {
		return nil, err
	}

	if opts.Cwd == "" {
		opts.Cwd = r.cfg.WorkingDir
	}

	t, err := openSSHTerminal(lease, opts)
	if err != nil {
		lease.Release()
		return nil, err
	}

	r.termMu.Lock()
	r.terms[t] = struct{}{}
	r.termMu.Unlock()

	go func() {
		<-t.closeCh
		lease.Release()
		r.termMu.Lock()
		delete(r.terms, t)
		r.termMu.Unlock()
	}()

	return t, nil
}

// State returns the current lifecycle phase.
func (r *SSHRuntime) State() RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Dispose cancels in-flight operations, closes every open terminal,
// and releases the cached file-ops lease.
func (r *SSHRuntime) Dispose() error {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateDisposed
	lease := r.fileLease
	r.fileLease = nil
	r.mu.Unlock()

	r.dispose.fire()

	r.termMu.Lock()
	terms := make([]*sshTerminal, 0, len(r.terms))
	for t := range r.terms {
		terms = append(terms, t)
	}
	r.terms = make(map[*sshTerminal]struct{})
	r.termMu.Unlock()

	for _, t := range terms {
		t.Close()
	}

	if lease != nil {
		lease.Release()
	}
	return nil
}

var _ Runtime = (*SSHRuntime)(nil)
