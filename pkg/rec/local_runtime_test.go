package rec

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRuntime_InitializeRejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, newLocalOps().Write(file, []byte("x")))

	rt := NewLocalRuntime(file)
	err := rt.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, rt.State())
}

func TestLocalRuntime_InitializeThenExec(t *testing.T) {
	rt := NewLocalRuntime(t.TempDir())
	require.NoError(t, rt.Initialize(context.Background()))
	assert.Equal(t, StateReady, rt.State())

	stdout, _, done := rt.Exec(context.Background(), ExecRequest{Command: "echo hi"})
	out := drain(t, stdout)
	outcome := <-done

	require.NoError(t, outcome.Err)
	assert.Contains(t, out, "hi")
	assert.NotEmpty(t, outcome.Result.ExecID, "every exec must carry a correlation id")
	assert.Equal(t, StateReady, rt.State(), "runtime returns to Ready once the command completes")
}

func TestLocalRuntime_HealthCheck(t *testing.T) {
	rt := NewLocalRuntime("")
	require.NoError(t, rt.Initialize(context.Background()))

	result, err := rt.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Healthy)
}

func TestLocalRuntime_FileOpsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rt := NewLocalRuntime(dir)
	require.NoError(t, rt.Initialize(context.Background()))

	target := filepath.Join(dir, "f.txt")
	require.NoError(t, rt.Write(target, []byte("payload")))

	r, err := rt.Read(target)
	require.NoError(t, err)
	defer r.Close()

	stat, err := rt.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stat.Size)
}

func TestLocalRuntime_DisposeIsIdempotentAndCancelsInFlightExec(t *testing.T) {
	rt := NewLocalRuntime("")
	require.NoError(t, rt.Initialize(context.Background()))

	_, _, done := rt.Exec(context.Background(), ExecRequest{Command: "sleep 5"})

	require.NoError(t, rt.Dispose())
	require.NoError(t, rt.Dispose())
	assert.Equal(t, StateDisposed, rt.State())

	select {
	case outcome := <-done:
		assert.True(t, IsCancelled(outcome.Err))
	case <-time.After(2 * time.Second):
		t.Fatal("Dispose must cancel an in-flight Exec rather than let it run to completion")
	}
}

func TestLocalRuntime_ExecAfterDisposeFailsImmediately(t *testing.T) {
	rt := NewLocalRuntime("")
	require.NoError(t, rt.Initialize(context.Background()))
	require.NoError(t, rt.Dispose())

	_, _, done := rt.Exec(context.Background(), ExecRequest{Command: "echo hi"})
	outcome := <-done
	require.Error(t, outcome.Err)
	assert.True(t, IsCancelled(outcome.Err))
}

func TestLocalRuntime_OpenTerminalAfterDisposeFails(t *testing.T) {
	rt := NewLocalRuntime("")
	require.NoError(t, rt.Initialize(context.Background()))
	require.NoError(t, rt.Dispose())

	_, err := rt.OpenTerminal(context.Background(), TerminalOptions{})
	require.Error(t, err)
}
