package rec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/recstack/rec/internal/adapters/realclock"
	"github.com/recstack/rec/internal/adapters/realrand"
	"github.com/recstack/rec/internal/adapters/realsshdialer"
	"github.com/recstack/rec/internal/ports"
)

const defaultReaperInterval = 30 * time.Second

// PoolOption configures a Pool at construction time.
type PoolOption func(*Pool)

// WithClock injects a Clock, overriding the real one. Tests use this to
// drive backoff, TTL, and idle-timeout logic deterministically.
func WithClock(c ports.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// WithDialer injects an SSHDialer, overriding the real one.
func WithDialer(d ports.SSHDialer) PoolOption {
	return func(p *Pool) { p.dialer = d }
}

// WithRandom injects a Random source, overriding the real one. Tests
// use this to make jittered backoff deterministic.
func WithRandom(r ports.Random) PoolOption {
	return func(p *Pool) { p.rnd = r }
}

// WithReaperInterval overrides the default 30s reaper tick.
func WithReaperInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reaperInterval = d }
}

// Pool is the collection of Connections indexed by PoolKey, plus the
// Health map and ProbeInFlight set (§4.3). A single lock guards the
// maps; no operation performs network I/O while holding it.
type Pool struct {
	mu      sync.Mutex
	conns   map[string][]*connection
	health  map[string]*healthState
	configs map[string]HostConfig
	closed  bool

	clock  ports.Clock
	dialer ports.SSHDialer
	rnd    ports.Random
	sf     singleflight.Group

	reaperInterval time.Duration
	reaperStop     chan struct{}
	reaperDone     chan struct{}
}

// NewPool constructs a Pool and starts its reaper goroutine.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		conns:          make(map[string][]*connection),
		health:         make(map[string]*healthState),
		configs:        make(map[string]HostConfig),
		clock:          realclock.New(),
		dialer:         realsshdialer.New(),
		rnd:            realrand.New(),
		reaperInterval: defaultReaperInterval,
		reaperStop:     make(chan struct{}),
		reaperDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.reap()
	return p
}

func (p *Pool) healthFor(key string) *healthState {
	h, ok := p.health[key]
	if !ok {
		h = &healthState{status: StatusUnknown}
		p.health[key] = h
	}
	return h
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Acquire returns a lease on a healthy Connection for cfg, or an Error
// distinguishing InBackoff, ProbeFailed, Configuration, or PoolClosed
// (§4.3 algorithm).
func (p *Pool) Acquire(ctx context.Context, cfg HostConfig, maxWait time.Duration) (*Lease, error) {
	cfg = cfg.WithDefaults()
	key := CanonicalKey(cfg)
	ttl := time.Duration(cfg.HealthyTTLMs) * time.Millisecond
	maxBackoff := time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	remainingWait := maxWait

	for {
		select {
		case <-ctx.Done():
			return nil, NewError(KindCancelled, key, "acquire cancelled", ctx.Err())
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, NewPoolError(PoolReasonPoolClosed, key, "pool is closed")
		}
		p.configs[key] = cfg
		h := p.healthFor(key)
		now := p.clock.Now()

		if h.inBackoff(now) {
			wait := h.backoffUntil.Sub(now)
			backoffUntil := h.backoffUntil
			p.mu.Unlock()

			if maxWait == 0 {
				return nil, &Error{
					Kind:       KindPool,
					PoolKey:    key,
					PoolReason: PoolReasonInBackoff,
					BackoffFor: backoffUntil.String(),
					Message:    fmt.Sprintf("in backoff until %s", backoffUntil),
				}
			}
			w := minDuration(remainingWait, wait)
			select {
			case <-p.clock.After(w):
				remainingWait -= w
				continue
			case <-ctx.Done():
				return nil, NewError(KindCancelled, key, "acquire cancelled while waiting out backoff", ctx.Err())
			}
		}

		if h.status == StatusHealthy && !h.isStale(now, ttl) {
			for _, c := range p.conns[key] {
				if !c.isClosed() && c.streams() < cfg.MaxStreamsPerConn {
					c.acquireStream(now)
					p.mu.Unlock()
					return &Lease{pool: p, conn: c}, nil
				}
			}

			if cfg.MaxConnsPerHost == 0 || len(p.conns[key]) < cfg.MaxConnsPerHost {
				p.mu.Unlock()
				c, err := p.dialNew(cfg)
				if err != nil {
					p.mu.Lock()
					h2 := p.healthFor(key)
					h2.recordFailure(p.clock.Now(), err.Error(), maxBackoff, p.rnd)
					p.mu.Unlock()
					return nil, NewError(KindTransport, key, "dialing additional connection", err)
				}
				startKeepalive(c, p.clock, 30*time.Second)

				p.mu.Lock()
				p.conns[key] = append(p.conns[key], c)
				c.acquireStream(p.clock.Now())
				p.mu.Unlock()
				return &Lease{pool: p, conn: c}, nil
			}

			// At MaxConnsPerHost with no spare capacity: wait briefly
			// and re-evaluate rather than fail outright.
			p.mu.Unlock()
			select {
			case <-p.clock.After(50 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil, NewError(KindCancelled, key, "acquire cancelled while waiting for connection capacity", ctx.Err())
			}
		}

		prevStatus := h.status
		h.recordProbing()
		p.mu.Unlock()

		probed, err, _ := p.sf.Do(key, func() (interface{}, error) {
			return p.probe(cfg)
		})

		p.mu.Lock()
		h = p.healthFor(key)
		probeNow := p.clock.Now()
		if err != nil {
			var recErr *Error
			if errors.As(err, &recErr) && recErr.Kind == KindConfiguration {
				h.status = prevStatus
				p.mu.Unlock()
				return nil, recErr
			}
			h.recordFailure(probeNow, err.Error(), maxBackoff, p.rnd)
			p.mu.Unlock()
			slog.Warn("pool probe failed", slog.String("pool_key", key), slog.String("error", err.Error()))
			return nil, NewPoolError(PoolReasonProbeFailed, key, err.Error())
		}

		res := probed.(*probeResult)
		c := res.conn
		justAdopted := !c.adopted
		if justAdopted {
			c.adopted = true
			p.conns[key] = append(p.conns[key], c)
		}
		h.recordSuccess(probeNow, res.latency)
		p.mu.Unlock()

		slog.Debug("pool probe succeeded",
			slog.String("pool_key", key),
			slog.Duration("observed_latency", res.latency))

		if justAdopted {
			startKeepalive(c, p.clock, 30*time.Second)
		}
	}
}

// release returns a connection to the pool, decrementing ActiveStreams.
// Never fails.
func (p *Pool) release(c *connection) {
	c.releaseStream(p.clock.Now())
}

// invalidate marks a connection broken: Closed forever, removed from
// the pool, and its failure reported to Health.
func (p *Pool) invalidate(c *connection, errText string) {
	c.closeNow()

	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.healthFor(c.poolKey)
	maxBackoff := time.Duration(p.configs[c.poolKey].MaxBackoffMs) * time.Millisecond
	if maxBackoff == 0 {
		maxBackoff = 10 * time.Second
	}
	h.recordFailure(p.clock.Now(), errText, maxBackoff, p.rnd)

	list := p.conns[c.poolKey]
	for i, existing := range list {
		if existing == c {
			p.conns[c.poolKey] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Health returns a read-only snapshot for host.
func (p *Pool) Health(cfg HostConfig) Health {
	key := CanonicalKey(cfg)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthFor(key).snapshot()
}

// Shutdown idempotently closes every connection, draining briefly
// before forcing closure.
func (p *Pool) Shutdown(drain time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := make([]*connection, 0)
	for _, list := range p.conns {
		all = append(all, list...)
	}
	p.conns = make(map[string][]*connection)
	p.mu.Unlock()

	deadline := time.Now().Add(drain)
	for _, c := range all {
		for c.streams() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		c.closeNow()
	}

	close(p.reaperStop)
	<-p.reaperDone
}

func (p *Pool) reap() {
	defer close(p.reaperDone)

	ticker := p.clock.NewTicker(p.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C():
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	now := p.clock.Now()

	toProbe := make([]string, 0)
	toClose := make([]*connection, 0)
	for key, list := range p.conns {
		cfg, ok := p.configs[key]
		idleTimeout := time.Duration(cfg.IdleTimeoutMs) * time.Millisecond
		if !ok || idleTimeout == 0 {
			idleTimeout = 60 * time.Second
		}

		kept := make([]*connection, 0, len(list))
		for _, c := range list {
			if c.streams() == 0 && now.Sub(c.idleSince()) > idleTimeout {
				toClose = append(toClose, c)
				continue
			}
			kept = append(kept, c)
		}
		p.conns[key] = kept
	}

	for key, h := range p.health {
		if h.status == StatusUnhealthy && !h.inBackoff(now) {
			toProbe = append(toProbe, key)
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		c.closeNow()
		slog.Debug("pool reaper closed idle connection", slog.String("pool_key", c.poolKey))
	}

	for _, key := range toProbe {
		p.mu.Lock()
		cfg, ok := p.configs[key]
		p.mu.Unlock()
		if !ok {
			continue
		}
		go func(cfg HostConfig, key string) {
			p.sf.Do(key, func() (interface{}, error) {
				return p.probe(cfg)
			})
		}(cfg, key)
	}
}

type probeResult struct {
	conn    *connection
	latency time.Duration
}

// probe opens a transport and runs "echo ok" with a probe timeout,
// reporting latency for Health.ObservedLatency. It performs no map
// mutation itself; the caller applies the outcome under the pool lock.
func (p *Pool) probe(cfg HostConfig) (*probeResult, error) {
	probeTimeout := time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond
	if probeTimeout == 0 {
		probeTimeout = 5 * time.Second
	}

	start := p.clock.Now()

	client, err := dial(p.dialer, cfg, probeTimeout)
	if err != nil {
		return nil, err
	}

	if err := runProbeCommand(client, probeTimeout); err != nil {
		client.Close()
		return nil, err
	}

	latency := p.clock.Now().Sub(start)
	c := newConnection(CanonicalKey(cfg), client, p.clock.Now())
	return &probeResult{conn: c, latency: latency}, nil
}

func runProbeCommand(client *ssh.Client, timeout time.Duration) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open probe session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		out, err := session.Output("echo ok")
		if err != nil {
			done <- err
			return
		}
		if len(out) == 0 {
			done <- fmt.Errorf("empty probe response")
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("probe timed out after %s", timeout)
	}
}

// dialNew opens an additional connection to an already-healthy host,
// bypassing the probe step since health is already established.
func (p *Pool) dialNew(cfg HostConfig) (*connection, error) {
	connectTimeout := time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond
	if connectTimeout == 0 {
		connectTimeout = 5 * time.Second
	}
	client, err := dial(p.dialer, cfg, connectTimeout)
	if err != nil {
		return nil, err
	}
	return newConnection(CanonicalKey(cfg), client, p.clock.Now()), nil
}

