package rec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitHost(t *testing.T) {
	cases := []struct {
		raw      string
		wantUser string
		wantHost string
		wantPort int
	}{
		{"example.com", "", "example.com", 0},
		{"alice@example.com", "alice", "example.com", 0},
		{"example.com:2222", "", "example.com", 2222},
		{"alice@example.com:2222", "alice", "example.com", 2222},
		{"bastion-01", "", "bastion-01", 0},
	}
	for _, c := range cases {
		user, host, port := splitHost(c.raw)
		assert.Equal(t, c.wantUser, user, "user for %q", c.raw)
		assert.Equal(t, c.wantHost, host, "host for %q", c.raw)
		assert.Equal(t, c.wantPort, port, "port for %q", c.raw)
	}
}

func TestCanonicalKey_DistinguishesUsersAndPorts(t *testing.T) {
	k1 := CanonicalKey(HostConfig{Host: "alice@example.com"})
	k2 := CanonicalKey(HostConfig{Host: "bob@example.com"})
	k3 := CanonicalKey(HostConfig{Host: "alice@example.com", Port: 2222})

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, "alice@example.com:22", k1)
}

func TestCanonicalKey_EmptyUsernameIsDefaultNotOSUser(t *testing.T) {
	k := CanonicalKey(HostConfig{Host: "example.com"})
	assert.Equal(t, "default@example.com:22", k)
}

func TestCanonicalKey_UsernameFieldOverridesEmbeddedUser(t *testing.T) {
	k := CanonicalKey(HostConfig{Host: "alice@example.com", Username: "bob"})
	assert.Equal(t, "bob@example.com:22", k)
}

func TestCanonicalKey_PortFieldOverridesEmbeddedPort(t *testing.T) {
	k := CanonicalKey(HostConfig{Host: "example.com:2200", Port: 22})
	assert.Equal(t, "default@example.com:22", k)
}

func TestHostConfig_WithDefaults(t *testing.T) {
	out := HostConfig{}.WithDefaults()

	assert.Equal(t, 22, out.Port)
	assert.Equal(t, "/tmp/rec-bg", out.BgOutputDir)
	assert.Equal(t, HostKeyPolicySystem, out.HostKeyPolicy)
	assert.Equal(t, 15000, out.HealthyTTLMs)
	assert.Equal(t, 10000, out.MaxBackoffMs)
	assert.Equal(t, 5000, out.ProbeTimeoutMs)
	assert.Equal(t, 60000, out.IdleTimeoutMs)
	assert.Equal(t, 10, out.MaxStreamsPerConn)
	assert.Equal(t, 0, out.MaxConnsPerHost, "unlimited stays zero")
}

func TestHostConfig_WithDefaults_PreservesExplicitValues(t *testing.T) {
	in := HostConfig{Port: 2222, MaxStreamsPerConn: 3, HostKeyPolicy: HostKeyPolicyPermissive}
	out := in.WithDefaults()

	assert.Equal(t, 2222, out.Port)
	assert.Equal(t, 3, out.MaxStreamsPerConn)
	assert.Equal(t, HostKeyPolicyPermissive, out.HostKeyPolicy)
}
