package rec

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// localTerminal is an interactive PTY channel against a local shell,
// allocated via creack/pty (§4.6).
type localTerminal struct {
	cmd *exec.Cmd
	pty *os.File

	outputCh chan []byte
	errCh    chan error
	closeCh  chan struct{}

	closeMu sync.Mutex
	closed  bool

	sb   *scrollback
	sbMu sync.Mutex
}

func openLocalTerminal(opts TerminalOptions) (*localTerminal, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 24
	}

	shell := detectShell()
	cmd := exec.Command(shell)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}

	cmd.Env = append(os.Environ(), "TERM=dumb")
	for k, v := range CanonicalPreamble {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, shellPromptEnv(shell)...)

	winSize := &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}

	ptmx, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return nil, NewError(KindConfiguration, "", "start local pty", err)
	}

	t := &localTerminal{
		cmd:      cmd,
		pty:      ptmx,
		outputCh: make(chan []byte, 256),
		errCh:    make(chan error, 1),
		closeCh:  make(chan struct{}),
		sb:       newScrollback(),
	}

	go t.pump()
	return t, nil
}

// shellPromptEnv strips interactive prompt noise the same way across
// the common shells, so scrollback mostly holds command output.
func shellPromptEnv(shell string) []string {
	name := shell
	for i := len(shell) - 1; i >= 0; i-- {
		if shell[i] == '/' {
			name = shell[i+1:]
			break
		}
	}

	switch name {
	case "zsh":
		return []string{"PROMPT=$ ", "PS1=$ ", "PROMPT_COMMAND=", "precmd_functions=", "RPROMPT="}
	case "fish":
		return []string{"PS1=$ ", "fish_greeting="}
	default:
		return []string{"PS1=$ ", "PROMPT_COMMAND="}
	}
}

func signalByName(name string) (os.Signal, bool) {
	switch name {
	case "INT":
		return syscall.SIGINT, true
	case "TERM":
		return syscall.SIGTERM, true
	case "HUP":
		return syscall.SIGHUP, true
	case "KILL":
		return syscall.SIGKILL, true
	default:
		return nil, false
	}
}

func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	for _, shell := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	return "/bin/sh"
}

func (t *localTerminal) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := t.pty.Read(buf)
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

func (t *localTerminal) Output() <-chan []byte { return t.outputCh }
func (t *localTerminal) Errors() <-chan error  { return t.errCh }

func (t *localTerminal) Write(p []byte) (int, error) {
	return t.pty.Write(p)
}

func (t *localTerminal) Resize(cols, rows int) error {
	if err := pty.Setsize(t.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return NewError(KindTransport, "", "resize terminal", err)
	}
	return nil
}

func (t *localTerminal) Signal(name string) error {
	if t.cmd.Process == nil {
		return NewError(KindConfiguration, "", "process not started", nil)
	}
	sig, ok := signalByName(name)
	if !ok {
		return NewError(KindConfiguration, "", fmt.Sprintf("unsupported signal %q", name), nil)
	}
	if err := t.cmd.Process.Signal(sig); err != nil {
		return NewError(KindTransport, "", "signal terminal", err)
	}
	return nil
}

func (t *localTerminal) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)

	var firstErr error
	if err := t.pty.Close(); err != nil {
		firstErr = err
	}
	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && err.Error() != "os: process already finished" && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return NewError(KindTransport, "", "close local terminal", firstErr)
	}
	return nil
}

func (t *localTerminal) ScrollbackSnapshot() []byte {
	t.sbMu.Lock()
	defer t.sbMu.Unlock()
	return t.sb.snapshot()
}
