package rec

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// posixQuote single-quotes s for a POSIX shell, escaping embedded
// single quotes the standard way: close the quote, emit an escaped
// quote, reopen the quote.
func posixQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildRemoteCommand assembles the full remote command line per §4.4:
// preamble env, cd if requested, then the user command wrapped under a
// remote timeout that fires strictly after the local one would.
func buildRemoteCommand(req ExecRequest, remoteSeconds int64) string {
	var b strings.Builder

	if req.WorkingDir != "" {
		fmt.Fprintf(&b, "cd %s && ", posixQuote(req.WorkingDir))
	}

	// The var=val prefix must sit directly in front of the command it
	// applies to. "cd" is a shell builtin, not a utility invoked in a
	// subshell, so a prefix on "cd" does not carry past the "&&" into
	// what follows it; it has to prefix "timeout" itself.
	env := mergedEnv(req)
	for k, v := range env {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(posixQuote(v))
		b.WriteByte(' ')
	}

	wrapped := posixQuote(req.Command)
	fmt.Fprintf(&b, "timeout -s KILL %ds sh -c %s", remoteSeconds, wrapped)

	return b.String()
}

// classifyExit maps an observed exit status (or its absence, for a
// local-timer-fired case) to a HealthSignal per the §4.4 table.
func classifyExit(exitCode int, exitErrOccurred bool, localTimedOut bool) (int, HealthSignal) {
	if localTimedOut {
		return 124, SignalTimeout
	}
	switch {
	case !exitErrOccurred && exitCode == 0:
		return 0, SignalSuccess
	case exitCode == 124, exitCode == 137:
		return exitCode, SignalTimeout
	case exitCode == 255:
		return 255, SignalTransport
	default:
		return exitCode, SignalCommandFailure
	}
}

// sshExec runs req over the leased connection, streaming stdout/stderr
// to the returned pipes and delivering the final outcome on done.
func sshExec(ctx context.Context, lease *Lease, req ExecRequest) (io.Reader, io.Reader, <-chan execOutcome) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	done := make(chan execOutcome, 1)

	go func() {
		outcome := runSSHExec(ctx, lease, req, stdoutW, stderrW)
		stdoutW.CloseWithError(io.EOF)
		stderrW.CloseWithError(io.EOF)
		done <- outcome
	}()

	return stdoutR, stderrR, done
}

func runSSHExec(ctx context.Context, lease *Lease, req ExecRequest, stdout, stderr io.Writer) execOutcome {
	timeout := req.LocalTimeout
	if timeout == 0 {
		timeout = DefaultLocalTimeout
	}
	remoteSeconds := int64(remoteTimeout(timeout) / time.Second)

	session, err := lease.Client().NewSession()
	if err != nil {
		lease.markBroken(err.Error())
		return execOutcome{Err: NewError(KindTransport, "", "open exec session", err)}
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr
	if req.Stdin != nil {
		session.Stdin = req.Stdin
	}

	cmd := buildRemoteCommand(req, remoteSeconds)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runErr := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		lease.markBroken(err.Error())
		return execOutcome{Err: NewError(KindTransport, "", "start exec session", err)}
	}
	go func() { runErr <- session.Wait() }()

	select {
	case err := <-runErr:
		return resultFromWait(err, false)

	case <-ctx.Done():
		// Local timer or caller cancellation fired first; try a clean
		// SIGTERM, then force the session closed after a grace period.
		cancelled := ctx.Err() == context.Canceled
		session.Signal(ssh.SIGTERM)

		select {
		case err := <-runErr:
			if cancelled {
				return execOutcome{Err: NewError(KindCancelled, "", "exec cancelled", ctx.Err())}
			}
			return resultFromWait(err, true)
		case <-time.After(remoteKillGrace):
			session.Signal(ssh.SIGKILL)
			session.Close()
			if cancelled {
				return execOutcome{Err: NewError(KindCancelled, "", "exec cancelled", ctx.Err())}
			}
			lease.markBroken("local timer fired and remote did not respond")
			return execOutcome{Result: ExecResult{ExitCode: 124, TimedOut: true, HealthSignal: SignalTransport}}
		}
	}
}

func resultFromWait(waitErr error, localTimedOut bool) execOutcome {
	if waitErr == nil {
		code, signal := classifyExit(0, false, localTimedOut)
		return execOutcome{Result: ExecResult{ExitCode: code, HealthSignal: signal, TimedOut: localTimedOut}}
	}

	if exitErr, ok := waitErr.(*ssh.ExitError); ok {
		code := exitErr.ExitStatus()
		mapped, signal := classifyExit(code, true, localTimedOut)
		return execOutcome{Result: ExecResult{ExitCode: mapped, HealthSignal: signal, TimedOut: localTimedOut || signal == SignalTimeout}}
	}

	if _, ok := waitErr.(*ssh.ExitMissingError); ok {
		return execOutcome{Result: ExecResult{ExitCode: 255, HealthSignal: SignalTransport}}
	}

	return execOutcome{Err: NewError(KindTransport, "", "exec wait", waitErr)}
}
