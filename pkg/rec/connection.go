package rec

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// connection is one live SSH session to a host, exclusively owned by
// the pool. Callers only ever see a Lease.
type connection struct {
	poolKey   string
	client    *ssh.Client
	createdAt time.Time

	mu           sync.Mutex
	lastUsedAt   time.Time
	activeStreams int32
	closed       bool
	adopted      bool

	keepaliveStop chan struct{}
}

func newConnection(poolKey string, client *ssh.Client, now time.Time) *connection {
	return &connection{
		poolKey:    poolKey,
		client:     client,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// acquireStream increments ActiveStreams and bumps LastUsedAt.
func (c *connection) acquireStream(now time.Time) {
	atomic.AddInt32(&c.activeStreams, 1)
	c.mu.Lock()
	c.lastUsedAt = now
	c.mu.Unlock()
}

// releaseStream decrements ActiveStreams exactly once per acquireStream.
func (c *connection) releaseStream(now time.Time) {
	atomic.AddInt32(&c.activeStreams, -1)
	c.mu.Lock()
	c.lastUsedAt = now
	c.mu.Unlock()
}

func (c *connection) streams() int {
	return int(atomic.LoadInt32(&c.activeStreams))
}

func (c *connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

// markClosed sets Closed monotonically false->true and returns whether
// this call is the one that performed the transition.
func (c *connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// closeNow tears down the transport and keepalive goroutine. Safe to
// call more than once; only the first call has effect.
func (c *connection) closeNow() error {
	if !c.markClosed() {
		return nil
	}
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
	}
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Lease is a caller-held handle on a leased Connection. It must be
// released exactly once.
type Lease struct {
	pool *Pool
	conn *connection
	once sync.Once
}

// Client exposes the underlying *ssh.Client for C4/C5/C6 to build
// sessions and SFTP clients on top of.
func (l *Lease) Client() *ssh.Client {
	return l.conn.client
}

// Release returns the lease to the pool. Never fails; idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.conn)
	})
}

// markBroken tells the pool this connection's transport failed and
// must never be re-issued.
func (l *Lease) markBroken(errText string) {
	l.pool.invalidate(l.conn, errText)
}
