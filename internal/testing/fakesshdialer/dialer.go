// Package fakesshdialer provides a scriptable SSHDialer fake for tests.
package fakesshdialer

import (
	"errors"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Call records a single invocation of Dial.
type Call struct {
	Network string
	Addr    string
	Config  *ssh.ClientConfig
}

// Dialer is a fake ports.SSHDialer whose behavior is fully scripted by the
// test via DialFunc.
type Dialer struct {
	mu       sync.Mutex
	calls    []Call
	DialFunc func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
	err      error
}

// New creates a Dialer that fails every dial until configured otherwise.
func New() *Dialer {
	return &Dialer{}
}

// SetDialFunc installs a custom dial function.
func (d *Dialer) SetDialFunc(f func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialFunc = f
}

// SetError makes every subsequent Dial call return err.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
	d.DialFunc = nil
}

// Dial records the call and delegates to DialFunc, or returns the
// configured error.
func (d *Dialer) Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Network: network, Addr: addr, Config: config})
	fn := d.DialFunc
	err := d.err
	d.mu.Unlock()

	if fn != nil {
		return fn(network, addr, config)
	}
	if err == nil {
		err = errors.New("fakesshdialer: no dial behavior configured")
	}
	return nil, err
}

// Calls returns a copy of every recorded Dial invocation.
func (d *Dialer) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallCount returns how many times Dial has been invoked.
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}
