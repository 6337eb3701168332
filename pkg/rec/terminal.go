package rec

// TerminalOptions configures a new PTY channel (§4.6).
type TerminalOptions struct {
	Cols int
	Rows int
	Cwd  string
	Env  map[string]string
}

// Terminal is a full-duplex PTY-backed channel, implemented by both
// local and SSH runtimes. Output is a single combined stdout+stderr
// stream, the way a real pty merges them.
type Terminal interface {
	// Output returns the combined output stream. Reading from it after
	// the underlying connection dies yields a Transport error; the
	// Terminal is not resurrected, the caller must open a new one.
	Output() <-chan []byte
	// Errors delivers the terminating error, if any, after Output closes.
	Errors() <-chan error
	// Write enqueues input. Callers must serialize concurrent writers;
	// no ordering guarantee is made across them.
	Write(p []byte) (int, error)
	// Resize sends a best-effort window-change signal.
	Resize(cols, rows int) error
	// Signal sends a POSIX signal by name ("INT", "TERM", "HUP").
	Signal(name string) error
	// Close closes stdin; the remote shell exits on EOF.
	Close() error
	// ScrollbackSnapshot returns the last observed output bytes,
	// capped at 1 MiB / 10,000 lines, client-side only.
	ScrollbackSnapshot() []byte
}

const (
	scrollbackMaxBytes = 1 << 20
	scrollbackMaxLines = 10000
)

// scrollback is an in-memory, best-effort record of recent terminal
// output. It is not a protocol feature: nothing downstream relies on
// it for correctness, only for display after the fact.
type scrollback struct {
	lines [][]byte
	size  int
}

func newScrollback() *scrollback {
	return &scrollback{}
}

// append feeds newly observed output bytes into the ring, splitting on
// newlines so the line cap is meaningful.
func (s *scrollback) append(p []byte) {
	start := 0
	for i, b := range p {
		if b == '\n' {
			s.appendLine(p[start : i+1])
			start = i + 1
		}
	}
	if start < len(p) {
		s.appendLine(p[start:])
	}
}

func (s *scrollback) appendLine(line []byte) {
	cp := make([]byte, len(line))
	copy(cp, line)
	s.lines = append(s.lines, cp)
	s.size += len(cp)

	for (s.size > scrollbackMaxBytes || len(s.lines) > scrollbackMaxLines) && len(s.lines) > 0 {
		s.size -= len(s.lines[0])
		s.lines = s.lines[1:]
	}
}

// snapshot concatenates the retained lines in order.
func (s *scrollback) snapshot() []byte {
	out := make([]byte, 0, s.size)
	for _, l := range s.lines {
		out = append(out, l...)
	}
	return out
}
