package rec

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/recstack/rec/internal/testing/fakeclock"
	"github.com/recstack/rec/internal/testing/fakerandom"
	"github.com/recstack/rec/internal/testing/fakesshdialer"
	"github.com/recstack/rec/internal/testing/mockssh"
)

// dialerAgainst wires a fakesshdialer.Dialer's DialFunc to actually dial a
// mockssh server, so pool tests exercise the real ssh handshake while still
// recording every call for assertions.
func dialerAgainst(t *testing.T, srv *mockssh.Server) *fakesshdialer.Dialer {
	t.Helper()
	d := fakesshdialer.New()
	d.SetDialFunc(func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
		return ssh.Dial(network, srv.Addr(), config)
	})
	return d
}

func hostConfigFor(srv *mockssh.Server, user, password string) HostConfig {
	port, _ := strconv.Atoi(srv.Port())
	return HostConfig{
		Host:          srv.Host(),
		Username:      user,
		Port:          port,
		Password:      password,
		HostKeyPolicy: HostKeyPolicyPermissive,
	}
}

func TestPool_Acquire_SingleflightCoalescesProbes(t *testing.T) {
	var connectCount int32
	srv, err := mockssh.New(
		mockssh.WithUser("alice", "secret"),
		mockssh.WithConnectHook(func(user string) { atomic.AddInt32(&connectCount, 1) }),
	)
	require.NoError(t, err)
	defer srv.Close()

	dialer := dialerAgainst(t, srv)
	pool := NewPool(WithDialer(dialer), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	cfg := hostConfigFor(srv, "alice", "secret")
	cfg.MaxStreamsPerConn = 50

	const concurrency = 20
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), cfg, 5*time.Second)
			errs[idx] = err
			if err == nil {
				lease.Release()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&connectCount),
		"singleflight must coalesce concurrent cold-pool probes into exactly one dial")
}

func TestPool_Acquire_DialsBeyondMaxStreamsPerConn(t *testing.T) {
	var connectCount int32
	srv, err := mockssh.New(
		mockssh.WithUser("alice", "secret"),
		mockssh.WithConnectHook(func(user string) { atomic.AddInt32(&connectCount, 1) }),
	)
	require.NoError(t, err)
	defer srv.Close()

	dialer := dialerAgainst(t, srv)
	pool := NewPool(WithDialer(dialer), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	cfg := hostConfigFor(srv, "alice", "secret")
	cfg.MaxStreamsPerConn = 1

	lease1, err := pool.Acquire(context.Background(), cfg, 5*time.Second)
	require.NoError(t, err)
	lease2, err := pool.Acquire(context.Background(), cfg, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&connectCount),
		"a second connection must be dialed once the first is at its stream cap")

	lease1.Release()
	lease2.Release()
}

func TestPool_Acquire_InBackoffFailsFastWithZeroMaxWait(t *testing.T) {
	dialer := fakesshdialer.New()
	dialer.SetError(assertError{"refused"})

	clock := fakeclock.New(time.Unix(0, 0))
	pool := NewPool(WithDialer(dialer), WithClock(clock), WithRandom(fakerandom.New()), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	cfg := HostConfig{Host: "example.com", Username: "alice", Password: "x", HostKeyPolicy: HostKeyPolicyPermissive}

	_, err := pool.Acquire(context.Background(), cfg, 5*time.Second)
	require.Error(t, err)
	recErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, PoolReasonProbeFailed, recErr.PoolReason)

	_, err = pool.Acquire(context.Background(), cfg, 0)
	require.Error(t, err)
	recErr, ok = err.(*Error)
	require.True(t, ok)
	assert.Equal(t, PoolReasonInBackoff, recErr.PoolReason, "a zero maxWait must fail immediately while backing off")
}

func TestPool_Acquire_WaitsOutBackoffWhenClockAdvances(t *testing.T) {
	dialer := fakesshdialer.New()
	var fail int32 = 1
	dialer.SetDialFunc(func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, assertError{"refused"}
		}
		return nil, assertError{"still refused: no real server in this test"}
	})

	clock := fakeclock.New(time.Unix(0, 0))
	pool := NewPool(WithDialer(dialer), WithClock(clock), WithRandom(fakerandom.New()), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	cfg := HostConfig{Host: "example.com", Username: "alice", Password: "x", HostKeyPolicy: HostKeyPolicyPermissive, MaxBackoffMs: 1000}

	_, err := pool.Acquire(context.Background(), cfg, 0)
	require.Error(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), cfg, 5*time.Second)
		done <- err
	}()

	// Give the goroutine a moment to land inside the backoff wait.
	time.Sleep(20 * time.Millisecond)
	clock.Advance(2 * time.Second)

	select {
	case err := <-done:
		require.Error(t, err, "dial still fails after backoff, but the wait must have been re-evaluated")
	case <-time.After(time.Second):
		t.Fatal("Acquire never woke up after the fake clock advanced past BackoffUntil")
	}
}

func TestPool_ReapOnce_ClosesIdleConnections(t *testing.T) {
	clock := fakeclock.New(time.Unix(0, 0))
	pool := NewPool(WithClock(clock), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	key := "alice@example.com:22"
	pool.configs[key] = HostConfig{IdleTimeoutMs: 1000}
	conn := newConnection(key, nil, clock.Now())
	pool.conns[key] = []*connection{conn}

	clock.Advance(500 * time.Millisecond)
	pool.reapOnce()
	assert.False(t, conn.isClosed(), "connection idle less than IdleTimeoutMs must survive a reap")

	clock.Advance(600 * time.Millisecond)
	pool.reapOnce()
	assert.True(t, conn.isClosed(), "connection idle past IdleTimeoutMs must be closed by the reaper")
	assert.Empty(t, pool.conns[key], "closed connections must be removed from the pool's live list")
}

func TestPool_ReapOnce_NeverClosesConnectionWithActiveStreams(t *testing.T) {
	clock := fakeclock.New(time.Unix(0, 0))
	pool := NewPool(WithClock(clock), WithReaperInterval(time.Hour))
	defer pool.Shutdown(time.Second)

	key := "alice@example.com:22"
	pool.configs[key] = HostConfig{IdleTimeoutMs: 10}
	conn := newConnection(key, nil, clock.Now())
	conn.acquireStream(clock.Now())
	pool.conns[key] = []*connection{conn}

	clock.Advance(time.Second)
	pool.reapOnce()

	assert.False(t, conn.isClosed())
}

func TestPool_Shutdown_IsIdempotent(t *testing.T) {
	pool := NewPool(WithReaperInterval(time.Hour))
	pool.Shutdown(time.Millisecond)
	pool.Shutdown(time.Millisecond) // must not hang or panic
}

func TestPool_Acquire_FailsOnClosedPool(t *testing.T) {
	pool := NewPool(WithReaperInterval(time.Hour))
	pool.Shutdown(time.Millisecond)

	_, err := pool.Acquire(context.Background(), HostConfig{Host: "example.com"}, time.Second)
	require.Error(t, err)
	recErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, PoolReasonPoolClosed, recErr.PoolReason)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
