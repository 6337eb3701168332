package rec

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/recstack/rec/internal/ports"
	"github.com/recstack/rec/internal/sshconfig"
)

// dialAddr formats the host:port addr dialed for cfg, resolving the
// bare host out of HostConfig.Host (stripping any "user@" prefix the
// caller embedded there).
func dialAddr(cfg HostConfig) string {
	_, host, _ := splitHost(cfg.Host)
	if host == "" {
		host = cfg.Host
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// dialUser resolves the effective username: explicit Username wins,
// then any "user@" embedded in Host. It returns "" when neither is
// set; there is no fallback to CanonicalKey's "default" or to the OS
// user, and buildClientConfig rejects the empty name as a
// Configuration error.
func dialUser(cfg HostConfig) string {
	if cfg.Username != "" {
		return cfg.Username
	}
	user, _, _ := splitHost(cfg.Host)
	return user
}

// buildClientConfig assembles an *ssh.ClientConfig for cfg, resolving
// auth methods and the host-key callback the way sshconfig does for an
// interactive client.
func buildClientConfig(cfg HostConfig, connectTimeout time.Duration) (*ssh.ClientConfig, error) {
	user := dialUser(cfg)
	if user == "" {
		return nil, NewError(KindConfiguration, CanonicalKey(cfg), "no username resolved for host", nil)
	}

	auth, err := sshconfig.BuildAuthMethods(sshconfig.AuthConfig{
		KeyPath:       cfg.IdentityFile,
		KeyPassphrase: cfg.KeyPassphrase,
		UseAgent:      cfg.UseAgent || cfg.IdentityFile == "",
		Password:      cfg.Password,
		Host:          cfg.Host,
	})
	if err != nil {
		return nil, NewError(KindConfiguration, CanonicalKey(cfg), "resolving auth methods", err)
	}

	policy := sshconfig.HostKeyStrict
	if cfg.HostKeyPolicy == HostKeyPolicyPermissive {
		policy = sshconfig.HostKeyInsecureIgnore
	}
	hostKeyCallback, err := sshconfig.BuildHostKeyCallback("", policy)
	if err != nil {
		return nil, NewError(KindConfiguration, CanonicalKey(cfg), "resolving host key policy", err)
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         connectTimeout,
	}, nil
}

// dial opens a fresh transport for cfg using dialer, passing
// connectTimeout as ssh.ClientConfig.Timeout, which bounds the TCP
// connect. The SSH handshake that follows has no separate time limit
// here.
func dial(dialer ports.SSHDialer, cfg HostConfig, connectTimeout time.Duration) (*ssh.Client, error) {
	clientCfg, err := buildClientConfig(cfg, connectTimeout)
	if err != nil {
		return nil, err
	}

	addr := dialAddr(cfg)
	client, err := dialer.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, NewError(KindTransport, CanonicalKey(cfg), fmt.Sprintf("dial %s", addr), err)
	}
	return client, nil
}

// startKeepalive runs a background keepalive@openssh.com loop
// independent of the health-check probe, detecting dead-but-open
// connections sooner than the next Acquire would. The stop channel is
// captured by value to avoid a data race against connection.closeNow.
func startKeepalive(c *connection, clock ports.Clock, interval time.Duration) {
	stop := make(chan struct{})
	c.keepaliveStop = stop

	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				if c.isClosed() {
					return
				}
				if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					c.closeNow()
					return
				}
			}
		}
	}()
}
