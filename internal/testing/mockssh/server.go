// Package mockssh provides an in-process SSH server for integration tests.
package mockssh

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"
)

// Server is a mock SSH server for testing pool, exec, and terminal behavior
// without a real remote host.
type Server struct {
	listener    net.Listener
	config      *ssh.ServerConfig
	addr        string
	shell       string
	users       map[string]string // username -> password
	authorized  map[string]ssh.PublicKey
	mu          sync.RWMutex
	done        chan struct{}
	wg          sync.WaitGroup
	sessions    []*session
	sessionsMu  sync.Mutex
	connectHook func(user string)
}

type session struct {
	channel ssh.Channel
	pty     *os.File
	cmd     *exec.Cmd
}

// Option configures the mock SSH server.
type Option func(*Server)

// WithShell sets the shell used to run exec and shell requests.
func WithShell(shell string) Option {
	return func(s *Server) {
		s.shell = shell
	}
}

// WithUser adds a username/password pair accepted by password auth.
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.users[username] = password
	}
}

// WithAuthorizedKey accepts connections from username authenticated with key.
func WithAuthorizedKey(username string, key ssh.PublicKey) Option {
	return func(s *Server) {
		s.authorized[username] = key
	}
}

// WithConnectHook registers a callback invoked on every successful
// authentication, useful for asserting reconnect/probe counts in tests.
func WithConnectHook(fn func(user string)) Option {
	return func(s *Server) {
		s.connectHook = fn
	}
}

// New starts a mock SSH server listening on a random loopback port.
func New(opts ...Option) (*Server, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	s := &Server{
		shell:      "/bin/sh",
		users:      map[string]string{"test": "test"},
		authorized: map[string]ssh.PublicKey{},
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.mu.RLock()
			expected, ok := s.users[c.User()]
			s.mu.RUnlock()

			if ok && string(password) == expected {
				s.notifyConnect(c.User())
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.RLock()
			want, ok := s.authorized[c.User()]
			s.mu.RUnlock()

			if ok && string(want.Marshal()) == string(key.Marshal()) {
				s.notifyConnect(c.User())
				return nil, nil
			}
			return nil, fmt.Errorf("key rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Debug("mock ssh server started", slog.String("addr", s.addr))
	return s, nil
}

func (s *Server) notifyConnect(user string) {
	if s.connectHook != nil {
		s.connectHook(user)
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Host returns the host portion of the listen address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the port portion of the listen address.
func (s *Server) Port() string {
	_, port, _ := net.SplitHostPort(s.addr)
	return port
}

// Close shuts down the server and kills any running sessions.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		if sess.pty != nil {
			sess.pty.Close()
		}
		if sess.cmd != nil && sess.cmd.Process != nil {
			sess.cmd.Process.Kill()
		}
		if sess.channel != nil {
			sess.channel.Close()
		}
	}
	s.sessions = nil
	s.sessionsMu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("accept error", slog.String("error", err.Error()))
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("ssh handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			slog.Debug("channel accept failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go s.handleChannel(channel, requests)
	}
}

func replyIfWanted(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

func (s *Server) handlePtyReq(req *ssh.Request) *ptyRequest {
	ptyReq := parsePtyRequest(req.Payload)
	replyIfWanted(req, true)
	return ptyReq
}

func (s *Server) handleShellReq(req *ssh.Request, sess *session, ptyReq *ptyRequest) {
	replyIfWanted(req, true)
	if ptyReq != nil {
		s.handleShell(sess, ptyReq)
	}
}

func (s *Server) handleExecReq(req *ssh.Request, sess *session, ptyReq *ptyRequest) {
	cmd := parseExecRequest(req.Payload)
	replyIfWanted(req, true)
	s.handleExec(sess, cmd, ptyReq)
}

func handleWindowChangeReq(req *ssh.Request, sess *session) {
	if sess.pty != nil {
		winReq := parseWindowChangeRequest(req.Payload)
		setWinsize(sess.pty, winReq.Width, winReq.Height)
	}
	replyIfWanted(req, true)
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()

	sess := &session{channel: channel}
	s.sessionsMu.Lock()
	s.sessions = append(s.sessions, sess)
	s.sessionsMu.Unlock()

	var ptyReq *ptyRequest

	for req := range requests {
		switch req.Type {
		case "pty-req":
			ptyReq = s.handlePtyReq(req)
		case "shell":
			s.handleShellReq(req, sess, ptyReq)
		case "exec":
			s.handleExecReq(req, sess, ptyReq)
		case "window-change":
			handleWindowChangeReq(req, sess)
		case "signal":
			s.handleSignalReq(req, sess)
		default:
			replyIfWanted(req, false)
		}
	}
}

func (s *Server) handleSignalReq(req *ssh.Request, sess *session) {
	replyIfWanted(req, true)
	if sess.cmd != nil && sess.cmd.Process != nil {
		sig := parseSignalRequest(req.Payload)
		sess.cmd.Process.Signal(sig)
	}
}

func (s *Server) handleShell(sess *session, ptyReq *ptyRequest) {
	s.runCommand(sess, s.shell, ptyReq)
}

func (s *Server) handleExec(sess *session, command string, ptyReq *ptyRequest) {
	s.runCommand(sess, s.shell, ptyReq, "-c", command)
}

func extractExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func (s *Server) runWithPTY(sess *session, cmd *exec.Cmd, ptyReq *ptyRequest) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		slog.Debug("pty start failed", slog.String("error", err.Error()))
		sendExitStatus(sess.channel, 1)
		return
	}
	sess.pty = ptmx
	sess.cmd = cmd

	setWinsize(ptmx, ptyReq.Width, ptyReq.Height)

	done := make(chan struct{})
	go func() {
		io.Copy(sess.channel, ptmx)
		close(done)
	}()
	go func() {
		io.Copy(ptmx, sess.channel)
	}()

	exitCode := extractExitCode(cmd.Wait())
	ptmx.Close()
	<-done
	sendExitStatus(sess.channel, exitCode)
}

func (s *Server) runWithoutPTY(sess *session, cmd *exec.Cmd) {
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	sess.cmd = cmd

	if err := cmd.Start(); err != nil {
		sendExitStatus(sess.channel, 1)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(sess.channel, stdout)
	}()
	go func() {
		defer wg.Done()
		io.Copy(sess.channel.Stderr(), stderr)
	}()

	exitCode := extractExitCode(cmd.Wait())
	wg.Wait()
	sendExitStatus(sess.channel, exitCode)
}

func (s *Server) runCommand(sess *session, name string, ptyReq *ptyRequest, args ...string) {
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()

	if ptyReq != nil {
		s.runWithPTY(sess, cmd, ptyReq)
	} else {
		s.runWithoutPTY(sess, cmd)
	}
}

func sendExitStatus(channel ssh.Channel, code int) {
	channel.CloseWrite()

	payload := make([]byte, 4)
	payload[0] = byte(code >> 24)
	payload[1] = byte(code >> 16)
	payload[2] = byte(code >> 8)
	payload[3] = byte(code)
	channel.SendRequest("exit-status", false, payload)

	channel.Close()
}

type ptyRequest struct {
	Term   string
	Width  uint32
	Height uint32
}

func parsePtyRequest(payload []byte) *ptyRequest {
	if len(payload) < 4 {
		return &ptyRequest{Term: "xterm", Width: 80, Height: 24}
	}

	termLen := int(payload[3])
	if len(payload) < 4+termLen+8 {
		return &ptyRequest{Term: "xterm", Width: 80, Height: 24}
	}

	term := string(payload[4 : 4+termLen])
	width := uint32(payload[4+termLen])<<24 | uint32(payload[5+termLen])<<16 | uint32(payload[6+termLen])<<8 | uint32(payload[7+termLen])
	height := uint32(payload[8+termLen])<<24 | uint32(payload[9+termLen])<<16 | uint32(payload[10+termLen])<<8 | uint32(payload[11+termLen])

	return &ptyRequest{Term: term, Width: width, Height: height}
}

type windowChangeRequest struct {
	Width  uint32
	Height uint32
}

func parseWindowChangeRequest(payload []byte) *windowChangeRequest {
	if len(payload) < 8 {
		return &windowChangeRequest{Width: 80, Height: 24}
	}
	width := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	height := uint32(payload[4])<<24 | uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7])
	return &windowChangeRequest{Width: width, Height: height}
}

func parseExecRequest(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	cmdLen := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if len(payload) < 4+cmdLen {
		return ""
	}
	return string(payload[4 : 4+cmdLen])
}

func parseSignalRequest(payload []byte) os.Signal {
	if len(payload) < 4 {
		return syscall.SIGTERM
	}
	nameLen := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if len(payload) < 4+nameLen {
		return syscall.SIGTERM
	}
	switch string(payload[4 : 4+nameLen]) {
	case "KILL":
		return syscall.SIGKILL
	case "INT":
		return syscall.SIGINT
	case "HUP":
		return syscall.SIGHUP
	default:
		return syscall.SIGTERM
	}
}

func setWinsize(f *os.File, width, height uint32) {
	ws := struct {
		Row    uint16
		Col    uint16
		Xpixel uint16
		Ypixel uint16
	}{
		Row: uint16(height),
		Col: uint16(width),
	}
	syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), uintptr(syscall.TIOCSWINSZ), uintptr(unsafe.Pointer(&ws)))
}
