package rec

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// sshTerminal is an interactive PTY channel over an SSH session,
// merging stdout+stderr into one output stream the way a real pty
// multiplexes them (§4.6).
type sshTerminal struct {
	lease   *Lease
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	outputCh chan []byte
	errCh    chan error
	closeCh  chan struct{}

	closeMu sync.Mutex
	closed  bool

	sb   *scrollback
	sbMu sync.Mutex
}

func openSSHTerminal(lease *Lease, opts TerminalOptions) (*sshTerminal, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 24
	}

	session, err := lease.Client().NewSession()
	if err != nil {
		return nil, NewError(KindTransport, "", "open terminal session", err)
	}

	for k, v := range opts.Env {
		session.Setenv(k, v)
	}
	for k, v := range CanonicalPreamble {
		session.Setenv(k, v)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("dumb", rows, cols, modes); err != nil {
		session.Close()
		return nil, NewError(KindTransport, "", "request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, NewError(KindTransport, "", "stdin pipe", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, NewError(KindTransport, "", "stdout pipe", err)
	}
	session.Stderr = &stderrForwarder{target: stdout.(io.Reader)}

	if opts.Cwd != "" {
		session.Setenv("PWD", opts.Cwd)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, NewError(KindTransport, "", "start shell", err)
	}

	t := &sshTerminal{
		lease:    lease,
		session:  session,
		stdin:    stdin,
		stdout:   stdout,
		outputCh: make(chan []byte, 256),
		errCh:    make(chan error, 1),
		closeCh:  make(chan struct{}),
		sb:       newScrollback(),
	}

	go t.pump()
	return t, nil
}

// stderrForwarder is a no-op placeholder: SSH sessions already combine
// command output onto the pty device server-side, so REC does not
// additionally merge a separate stderr stream. It exists so callers
// that assign session.Stderr always have a writable sink.
type stderrForwarder struct {
	target io.Reader
}

func (s *stderrForwarder) Write(p []byte) (int, error) { return len(p), nil }

func (t *sshTerminal) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := t.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			t.sbMu.Lock()
			t.sb.append(chunk)
			t.sbMu.Unlock()

			select {
			case t.outputCh <- chunk:
			case <-t.closeCh:
				return
			}
		}
		if err != nil {
			var wrapped error
			if err == io.EOF {
				wrapped = io.EOF
			} else {
				wrapped = NewError(KindTransport, "", "terminal output closed", err)
			}
			select {
			case t.errCh <- wrapped:
			default:
			}
			close(t.outputCh)
			return
		}
	}
}

func (t *sshTerminal) Output() <-chan []byte { return t.outputCh }
func (t *sshTerminal) Errors() <-chan error  { return t.errCh }

func (t *sshTerminal) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

func (t *sshTerminal) Resize(cols, rows int) error {
	if err := t.session.WindowChange(rows, cols); err != nil {
		return NewError(KindTransport, "", "resize terminal", err)
	}
	return nil
}

func (t *sshTerminal) Signal(name string) error {
	switch name {
	case "INT", "TERM", "HUP":
		if err := t.session.Signal(ssh.Signal(name)); err != nil {
			return NewError(KindTransport, "", "signal terminal", err)
		}
		return nil
	default:
		return NewError(KindConfiguration, "", fmt.Sprintf("unsupported signal %q", name), nil)
	}
}

func (t *sshTerminal) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	t.stdin.Close()
	return t.session.Close()
}

func (t *sshTerminal) ScrollbackSnapshot() []byte {
	t.sbMu.Lock()
	defer t.sbMu.Unlock()
	return t.sb.snapshot()
}
