package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostsEntryShapes(t *testing.T) {
	doc := []byte(`
hosts:
  - node01
  - [node02, 4]
  - [node03]
  - address: alice@node04:2222
    capacity: 8
  - address: node05
`)
	hosts, err := ParseHosts(doc)
	require.NoError(t, err)

	assert.Equal(t, []Host{
		{Address: "node01", Capacity: 1},
		{Address: "node02", Capacity: 4},
		{Address: "node03", Capacity: 1},
		{Address: "alice@node04:2222", Capacity: 8},
		{Address: "node05", Capacity: 1},
	}, hosts)
	assert.Equal(t, 15, TotalCapacity(hosts))
}

func TestParseHostsRejectsBadCapacity(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero in pair", "hosts:\n  - [node01, 0]\n"},
		{"negative in mapping", "hosts:\n  - address: node01\n    capacity: -2\n"},
		{"explicit zero mapping", "hosts:\n  - {address: node01, capacity: 0}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHosts([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCapacity)
		})
	}
}

func TestParseHostsErrors(t *testing.T) {
	_, err := ParseHosts([]byte("hosts: []\n"))
	assert.ErrorIs(t, err, ErrNoHosts)

	_, err = ParseHosts([]byte("hosts:\n  - node01\n  - node01\n"))
	assert.ErrorContains(t, err, "more than once")

	_, err = ParseHosts([]byte("hosts:\n  - [node01, lots]\n"))
	assert.ErrorContains(t, err, "host capacity")

	_, err = ParseHosts([]byte("hosts:\n  - [a, 1, 2]\n"))
	assert.Error(t, err)
}

func TestLoadHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hosts:\n  - [node01, 2]\n"), 0644))

	hosts, err := LoadHosts(path)
	require.NoError(t, err)
	assert.Equal(t, []Host{{Address: "node01", Capacity: 2}}, hosts)

	_, err = LoadHosts(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read host catalog")
}

func TestHostEndpoint(t *testing.T) {
	tests := []struct {
		address  string
		wantUser string
		wantAddr string
	}{
		{"node01", "bob", "node01:22"},
		{"node01:2200", "bob", "node01:2200"},
		{"alice@node01", "alice", "node01:22"},
		{"alice@10.0.0.5:2222", "alice", "10.0.0.5:2222"},
		{"::1", "bob", "[::1]:22"},
		{"[::1]:2022", "bob", "[::1]:2022"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			user, addr := Host{Address: tt.address, Capacity: 1}.Endpoint("bob")
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantAddr, addr)
		})
	}
}

func TestRestrict(t *testing.T) {
	hosts := []Host{{Address: "a", Capacity: 4}, {Address: "b", Capacity: 2}}

	got, err := Restrict(hosts, "b", 0)
	require.NoError(t, err)
	assert.Equal(t, []Host{{Address: "b", Capacity: 2}}, got)

	got, err = Restrict(hosts, "b", 7)
	require.NoError(t, err)
	assert.Equal(t, []Host{{Address: "b", Capacity: 7}}, got)

	// Uncatalogued hosts inherit the whole cluster's capacity.
	got, err = Restrict(hosts, "c", 0)
	require.NoError(t, err)
	assert.Equal(t, []Host{{Address: "c", Capacity: 6}}, got)

	_, err = Restrict(hosts, "", 0)
	assert.Error(t, err)

	_, err = Restrict(hosts, "a", -1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestSettingsDefaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "hosts.yaml", s.HostsFile)
	assert.Equal(t, "~/champsim", s.RemoteBaseDir)
	assert.Equal(t, "results", s.ResultsDir)
	assert.Positive(t, s.ConnectTimeout)
	assert.Empty(t, s.SSHKeyPaths)
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("SIMFLEET_SSH_USER", "runner")
	t.Setenv("SIMFLEET_SSH_KEYS", "/k/one,/k/two")
	t.Setenv("SIMFLEET_COMMAND_TIMEOUT", "0")
	t.Setenv("SIMFLEET_WARMUP_INSTRUCTIONS", "1000")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "runner", s.SSHUser)
	assert.Equal(t, []string{"/k/one", "/k/two"}, s.SSHKeyPaths)
	assert.Zero(t, s.CommandTimeout)
	assert.Equal(t, uint64(1000), s.WarmupInstructions)
	assert.Zero(t, s.SimulationInstructions)
}

func TestSettingsValidate(t *testing.T) {
	t.Setenv("SIMFLEET_CONNECT_TIMEOUT", "0s")
	_, err := Load()
	assert.ErrorContains(t, err, "connect timeout")
}
