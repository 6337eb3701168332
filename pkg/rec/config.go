package rec

import (
	"fmt"
	"strconv"
	"strings"
)

// HostKeyPolicy selects how a remote host's server key is verified.
type HostKeyPolicy string

const (
	// HostKeyPolicySystem verifies against the user's known_hosts file.
	HostKeyPolicySystem HostKeyPolicy = "system"
	// HostKeyPolicyPermissive skips verification. Test use only.
	HostKeyPolicyPermissive HostKeyPolicy = "permissive"
)

// HostConfig is immutable configuration describing how to reach one
// host. Two HostConfigs with an equal PoolKey are treated as the same
// target by the pool.
type HostConfig struct {
	Host          string // hostname, user@host, or OS-SSH-config alias
	Username      string // overrides username parsed out of Host
	Port          int    // default 22
	IdentityFile  string // private key path; unset means agent/defaults
	WorkingDir    string // default remote cwd; default $HOME
	BgOutputDir   string // background process log dir; default /tmp/rec-bg
	HostKeyPolicy HostKeyPolicy

	HealthyTTLMs      int // default 15000
	MaxBackoffMs      int // default 10000
	ProbeTimeoutMs    int // default 5000
	IdleTimeoutMs     int // default 60000
	MaxStreamsPerConn int // default 10
	MaxConnsPerHost   int // default 0 (unlimited)

	UseAgent      bool
	KeyPassphrase string
	Password      string
}

// WithDefaults returns a copy of cfg with every unset (zero-value)
// tunable filled in from §6's documented defaults.
func (cfg HostConfig) WithDefaults() HostConfig {
	out := cfg
	if out.Port == 0 {
		out.Port = 22
	}
	if out.BgOutputDir == "" {
		out.BgOutputDir = "/tmp/rec-bg"
	}
	if out.HostKeyPolicy == "" {
		out.HostKeyPolicy = HostKeyPolicySystem
	}
	if out.HealthyTTLMs == 0 {
		out.HealthyTTLMs = 15000
	}
	if out.MaxBackoffMs == 0 {
		out.MaxBackoffMs = 10000
	}
	if out.ProbeTimeoutMs == 0 {
		out.ProbeTimeoutMs = 5000
	}
	if out.IdleTimeoutMs == 0 {
		out.IdleTimeoutMs = 60000
	}
	if out.MaxStreamsPerConn == 0 {
		out.MaxStreamsPerConn = 10
	}
	return out
}

// splitHost separates an optional "user@" prefix and ":port" suffix
// out of a raw host string, without resolving OS-SSH-config aliases
// (that resolution is left to the dialer).
func splitHost(raw string) (user, host string, port int) {
	h := raw
	if idx := strings.IndexByte(h, '@'); idx >= 0 {
		user = h[:idx]
		h = h[idx+1:]
	}
	if idx := strings.LastIndexByte(h, ':'); idx >= 0 {
		if p, err := strconv.Atoi(h[idx+1:]); err == nil {
			host = h[:idx]
			port = p
			return
		}
	}
	host = h
	return
}

// CanonicalKey computes the PoolKey for cfg: canonical
// "username@host:port". Host case is preserved by default since the
// OS SSH config treats host matching as case-sensitive unless told
// otherwise. An empty username is represented as the literal string
// "default", not the current OS user, so the pool never silently
// merges two hosts that differ only by whose default applies.
//
// Total function; never fails.
func CanonicalKey(cfg HostConfig) string {
	user, host, port := splitHost(cfg.Host)
	if cfg.Username != "" {
		user = cfg.Username
	}
	if user == "" {
		user = "default"
	}
	if cfg.Port != 0 {
		port = cfg.Port
	}
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s@%s:%d", user, host, port)
}
