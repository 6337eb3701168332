// Package sshconfig resolves SSH authentication and host key verification
// settings from explicit configuration, ssh-agent, and the user's
// ~/.ssh/config, the way an interactive ssh client would.
package sshconfig

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// defaultIdentityFiles is tried, in order, when a host has neither an
// explicit key path nor a usable ssh_config IdentityFile and no
// password was supplied.
var defaultIdentityFiles = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_rsa",
	"~/.ssh/id_ecdsa",
}

// AuthConfig describes how to authenticate to a single host.
type AuthConfig struct {
	KeyPath       string // Path to a private key file
	KeyPassphrase string // Passphrase for an encrypted key
	UseAgent      bool   // Attempt ssh-agent authentication
	Password      string // Fallback password
	Host          string // Target host, used for ~/.ssh/config lookup
}

// BuildAuthMethods assembles an ordered list of auth methods: agent, then
// explicit key, then ssh-config IdentityFile, then default key locations,
// then password. The pool tries each in order until one succeeds.
func BuildAuthMethods(cfg AuthConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.UseAgent {
		if agentAuth, err := sshAgentAuth(); err == nil {
			methods = append(methods, agentAuth)
		}
	}

	keyAuth, explicit, err := resolveKeyAuth(cfg)
	if err != nil {
		return nil, err
	}
	if keyAuth != nil {
		methods = append(methods, keyAuth)
	}

	// The default-location scan only kicks in when nothing more specific
	// resolved and there's no password to fall back to.
	if !explicit && keyAuth == nil && cfg.Password == "" {
		if fallback := resolveDefaultKeyAuth(cfg.KeyPassphrase); fallback != nil {
			methods = append(methods, fallback)
		}
	}

	if cfg.Password != "" {
		methods = append(methods, PasswordAuth(cfg.Password), KeyboardInteractiveAuth(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available for host %q", cfg.Host)
	}

	return methods, nil
}

// resolveKeyAuth resolves a key-based auth method from either an
// explicit KeyPath (failures here are fatal, since the caller asked
// for that exact key) or, failing that, the IdentityFile for cfg.Host
// in ~/.ssh/config (failures here are silently skipped, since it's a
// best-effort lookup). explicit reports whether KeyPath was set, so
// callers can tell a deliberate miss from "nothing configured".
func resolveKeyAuth(cfg AuthConfig) (method ssh.AuthMethod, explicit bool, err error) {
	if cfg.KeyPath != "" {
		method, err = privateKeyAuth(cfg.KeyPath, cfg.KeyPassphrase)
		if err != nil {
			return nil, true, fmt.Errorf("private key auth: %w", err)
		}
		return method, true, nil
	}

	if cfg.Host == "" {
		return nil, false, nil
	}
	configKey := getSSHConfigIdentityFile(cfg.Host)
	if configKey == "" {
		return nil, false, nil
	}
	method, err = privateKeyAuth(configKey, cfg.KeyPassphrase)
	if err != nil {
		return nil, false, nil
	}
	return method, false, nil
}

// resolveDefaultKeyAuth tries each of defaultIdentityFiles in turn and
// returns the first one that exists and parses, or nil.
func resolveDefaultKeyAuth(passphrase string) ssh.AuthMethod {
	for _, keyPath := range defaultIdentityFiles {
		expanded := expandPath(keyPath)
		if _, err := os.Stat(expanded); err != nil {
			continue
		}
		if method, err := privateKeyAuth(expanded, passphrase); err == nil {
			return method
		}
	}
	return nil
}

func sshAgentAuth() (ssh.AuthMethod, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}

func privateKeyAuth(keyPath, passphrase string) (ssh.AuthMethod, error) {
	expanded := expandPath(keyPath)

	keyData, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// HostKeyPolicy selects how a host's server key is verified.
type HostKeyPolicy int

const (
	// HostKeyStrict rejects any key not already present in known_hosts.
	HostKeyStrict HostKeyPolicy = iota
	// HostKeyInsecureIgnore accepts any host key. Never the default; a
	// caller must opt in explicitly.
	HostKeyInsecureIgnore
)

// BuildHostKeyCallback constructs a callback implementing policy against
// the given known_hosts file ("" means ~/.ssh/known_hosts).
func BuildHostKeyCallback(knownHostsPath string, policy HostKeyPolicy) (ssh.HostKeyCallback, error) {
	if policy == HostKeyInsecureIgnore {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if knownHostsPath == "" {
		knownHostsPath = "~/.ssh/known_hosts"
	}
	expanded := expandPath(knownHostsPath)

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		return nil, fmt.Errorf("known_hosts file %q does not exist: verification cannot proceed under strict policy", expanded)
	}

	callback, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}

	return callback, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func getSSHConfigIdentityFile(host string) string {
	configPath := expandPath("~/.ssh/config")
	file, err := os.Open(configPath)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var currentHost string
	var matchesHost bool

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		key := strings.ToLower(parts[0])
		value := strings.Join(parts[1:], " ")

		switch key {
		case "host":
			currentHost = value
			matchesHost = matchSSHHostPattern(host, currentHost)
		case "identityfile":
			if matchesHost {
				return expandPath(value)
			}
		}
	}

	return ""
}

// matchSSHHostPattern reports whether host matches any of the
// whitespace-separated Host patterns ssh_config allows on one line.
func matchSSHHostPattern(host, pattern string) bool {
	for _, p := range strings.Fields(pattern) {
		if hostPatternRegexp(p).MatchString(host) {
			return true
		}
	}
	return false
}

// hostPatternRegexp translates an ssh_config Host pattern ('*' for any
// run of characters, '?' for exactly one) into an anchored regexp.
func hostPatternRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.MustCompile(b.String())
}

// PasswordAuth returns a password auth method.
func PasswordAuth(password string) ssh.AuthMethod {
	return ssh.Password(password)
}

// KeyboardInteractiveAuth answers every keyboard-interactive prompt with
// the same password, covering PAM configurations that ask for it under
// "keyboard-interactive" rather than plain "password".
func KeyboardInteractiveAuth(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	})
}
