package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:5003", cfg.NodeAddr(0))
}

func TestLoadPositionalCount(t *testing.T) {
	cfg, err := Load([]string{"4"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Nodes)
	assert.Equal(t, "127.0.0.1:5006", cfg.NodeAddr(3))
	assert.Equal(t, ":5005", cfg.DiscoveryBindAddr(3))
}

func TestFlagsOverrideEnv(t *testing.T) {
	getenv := env(map[string]string{
		"NCP_NODES":             "3",
		"NCP_BASE_PORT":         "7000",
		"NCP_ANNOUNCE_INTERVAL": "500ms",
		"NCP_ETCD_ENDPOINTS":    "http://a:2379, http://b:2379",
		"NCP_LOG_LEVEL":         "debug",
	})
	cfg, err := Load([]string{"-base-port", "8000", "-discovery", "shared"}, getenv)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Nodes)
	assert.Equal(t, 8000, cfg.BasePort)
	assert.Equal(t, 500*time.Millisecond, cfg.AnnounceInterval)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ModeShared, cfg.DiscoveryMode)
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want error
	}{
		{name: "zero nodes", args: []string{"0"}, want: ErrInvalidNodes},
		{name: "port overflow", args: []string{"-base-port", "65530", "10"}, want: ErrInvalidPorts},
		{name: "discovery overflow", args: []string{"-discovery-port", "65535", "2"}, want: ErrInvalidPorts},
		{name: "mode", args: []string{"-discovery", "mdns"}, want: ErrInvalidMode},
		{name: "hostname", args: []string{"-host", "localhost"}, want: ErrInvalidHost},
		{name: "env mode", env: map[string]string{"NCP_DISCOVERY_MODE": "x"}, want: ErrInvalidMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args, env(tt.env))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Load([]string{"two"}, nil)
	assert.Error(t, err)
	_, err = Load(nil, env(map[string]string{"NCP_NODES": "many"}))
	assert.Error(t, err)
}

func TestSharedModeFitsLastPort(t *testing.T) {
	cfg := Default()
	cfg.Nodes = 2
	cfg.DiscoveryMode = ModeShared
	cfg.DiscoveryPort = 65535
	assert.NoError(t, cfg.Validate())
}

func TestAnnounceTargets(t *testing.T) {
	cfg := Default()
	cfg.Nodes = 3
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("255.255.255.255:5002"),
		netip.MustParseAddrPort("255.255.255.255:5003"),
		netip.MustParseAddrPort("255.255.255.255:5004"),
	}, cfg.AnnounceTargets())

	cfg.DiscoveryMode = ModeShared
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("255.255.255.255:5002")}, cfg.AnnounceTargets())
	assert.Equal(t, ":5002", cfg.DiscoveryBindAddr(2))
}
