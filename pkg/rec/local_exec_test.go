package rec

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestLocalExec_Success(t *testing.T) {
	stdout, stderr, done := localExec(context.Background(), ExecRequest{Command: "echo hello"})
	out := drain(t, stdout)
	_ = drain(t, stderr)
	outcome := <-done

	require.NoError(t, outcome.Err)
	assert.Equal(t, 0, outcome.Result.ExitCode)
	assert.Equal(t, SignalSuccess, outcome.Result.HealthSignal)
	assert.Contains(t, out, "hello")
}

func TestLocalExec_NonZeroExitIsCommandFailureNotError(t *testing.T) {
	_, _, done := localExec(context.Background(), ExecRequest{Command: "exit 7"})
	outcome := <-done

	require.NoError(t, outcome.Err, "a non-zero exit code is data, never a Go error")
	assert.Equal(t, 7, outcome.Result.ExitCode)
	assert.Equal(t, SignalCommandFailure, outcome.Result.HealthSignal)
}

func TestLocalExec_LocalTimeoutFires(t *testing.T) {
	_, _, done := localExec(context.Background(), ExecRequest{
		Command:      "sleep 5",
		LocalTimeout: 50 * time.Millisecond,
	})
	outcome := <-done

	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Result.TimedOut)
	assert.Equal(t, 124, outcome.Result.ExitCode)
	assert.Equal(t, SignalTimeout, outcome.Result.HealthSignal)
}

func TestLocalExec_CallerCancellationIsDistinctFromTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, _, done := localExec(ctx, ExecRequest{Command: "sleep 5", LocalTimeout: 5 * time.Second})

	time.Sleep(20 * time.Millisecond)
	cancel()

	outcome := <-done
	require.Error(t, outcome.Err)
	assert.True(t, IsCancelled(outcome.Err))
}

func TestLocalExec_StderrIsSeparateFromStdout(t *testing.T) {
	stdout, stderr, done := localExec(context.Background(), ExecRequest{Command: "echo out; echo err 1>&2"})
	out := drain(t, stdout)
	errOut := drain(t, stderr)
	<-done

	assert.Contains(t, out, "out")
	assert.NotContains(t, out, "err")
	assert.Contains(t, errOut, "err")
}

func TestLocalExec_WorkingDirIsHonored(t *testing.T) {
	dir := t.TempDir()
	stdout, _, done := localExec(context.Background(), ExecRequest{Command: "pwd", WorkingDir: dir})
	out := drain(t, stdout)
	<-done

	assert.Contains(t, out, dir)
}

func TestMergedEnv_PreambleAlwaysWins(t *testing.T) {
	req := ExecRequest{Env: map[string]string{"TERM": "xterm-256color", "CUSTOM": "1"}}
	merged := mergedEnv(req)

	assert.Equal(t, "dumb", merged["TERM"], "the canonical preamble must override a caller override attempting interactivity")
	assert.Equal(t, "1", merged["CUSTOM"])
}

func TestRemoteTimeout_RoundsUpAndAddsMargin(t *testing.T) {
	assert.Equal(t, 11*time.Second, remoteTimeout(10*time.Second))
	assert.Equal(t, 7*time.Second, remoteTimeout(5500*time.Millisecond))
}
