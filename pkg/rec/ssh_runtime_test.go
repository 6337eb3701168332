package rec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recstack/rec/internal/testing/mockssh"
)

func TestSSHRuntime_InitializeCachesHomeWhenNoWorkingDir(t *testing.T) {
	srv, err := mockssh.New(mockssh.WithUser("alice", "secret"))
	require.NoError(t, err)
	defer srv.Close()

	dialer := dialerAgainst(t, srv)
	pool := NewPool(WithDialer(dialer), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	cfg := hostConfigFor(srv, "alice", "secret")
	rt := NewSSHRuntime(pool, cfg)

	require.NoError(t, rt.Initialize(context.Background()))
	assert.Equal(t, StateReady, rt.State())
	home, err := rt.ops.cacheHome()
	require.NoError(t, err)
	assert.NotEmpty(t, home)
}

func TestSSHRuntime_ExecLeasesAndReleasesPerCall(t *testing.T) {
	srv, err := mockssh.New(mockssh.WithUser("alice", "secret"))
	require.NoError(t, err)
	defer srv.Close()

	dialer := dialerAgainst(t, srv)
	pool := NewPool(WithDialer(dialer), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	cfg := hostConfigFor(srv, "alice", "secret")
	cfg.MaxStreamsPerConn = 4
	rt := NewSSHRuntime(pool, cfg)
	require.NoError(t, rt.Initialize(context.Background()))

	stdout, _, done := rt.Exec(context.Background(), ExecRequest{Command: "echo ok"})
	out := drain(t, stdout)
	outcome := <-done

	require.NoError(t, outcome.Err)
	assert.Contains(t, out, "ok")
	assert.NotEmpty(t, outcome.Result.ExecID)

	// The per-call lease must be released: a second Exec must succeed
	// without needing another connection dialed.
	_, _, done2 := rt.Exec(context.Background(), ExecRequest{Command: "echo again"})
	outcome2 := <-done2
	require.NoError(t, outcome2.Err)
}

func TestSSHRuntime_FileOpsRequireInitialize(t *testing.T) {
	srv, err := mockssh.New(mockssh.WithUser("alice", "secret"))
	require.NoError(t, err)
	defer srv.Close()

	dialer := dialerAgainst(t, srv)
	pool := NewPool(WithDialer(dialer), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	cfg := hostConfigFor(srv, "alice", "secret")
	rt := NewSSHRuntime(pool, cfg)

	_, err = rt.Stat("/etc/hostname")
	require.Error(t, err, "file operations before Initialize must fail rather than panic")
}

func TestSSHRuntime_DisposeReleasesFileLeaseAndCancelsExec(t *testing.T) {
	srv, err := mockssh.New(mockssh.WithUser("alice", "secret"))
	require.NoError(t, err)
	defer srv.Close()

	dialer := dialerAgainst(t, srv)
	pool := NewPool(WithDialer(dialer), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	cfg := hostConfigFor(srv, "alice", "secret")
	rt := NewSSHRuntime(pool, cfg)
	require.NoError(t, rt.Initialize(context.Background()))

	_, _, done := rt.Exec(context.Background(), ExecRequest{Command: "sleep 10"})

	require.NoError(t, rt.Dispose())
	require.NoError(t, rt.Dispose())
	assert.Equal(t, StateDisposed, rt.State())

	select {
	case outcome := <-done:
		assert.True(t, IsCancelled(outcome.Err) || outcome.Err != nil)
	case <-time.After(3 * time.Second):
		t.Fatal("Dispose must cancel an in-flight SSH exec")
	}
}
