package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg.P2P)
	assert.NotNil(t, cfg.Sync)
	assert.NotNil(t, cfg.Instrumentation)

	cfg.SetRoot("/foo")
	cfg.DBPath = "/opt/data"
	cfg.NodeKey = "key.json"

	assert.Equal(t, "/opt/data", cfg.DBDir())
	assert.Equal(t, "/foo/key.json", cfg.NodeKeyFile())
	assert.Equal(t, "/foo", cfg.P2P.RootDir)
}

func TestConfigValidateBasic(t *testing.T) {
	require.NoError(t, DefaultConfig().ValidateBasic())
	require.NoError(t, TestConfig().ValidateBasic())

	cfg := DefaultConfig()
	cfg.Sync.BlockInterval = -time.Second
	assert.Error(t, cfg.ValidateBasic())
}

func TestBaseConfigValidateBasic(t *testing.T) {
	cfg := TestBaseConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.LogFormat = "invalid"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.ChainID = ""
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.DBBackend = "cleveldb"
	assert.Error(t, cfg.ValidateBasic())
}

func TestP2PConfigValidateBasic(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*P2PConfig)
	}{
		{"max below desired", func(c *P2PConfig) { c.MaxConnections = c.DesiredConnections - 1 }},
		{"zero desired", func(c *P2PConfig) { c.DesiredConnections = 0 }},
		{"negative send rate", func(c *P2PConfig) { c.SendRate = -1 }},
		{"tiny packet", func(c *P2PConfig) { c.MaxPacketSize = 10 }},
		{"backoff max below base", func(c *P2PConfig) { c.ReconnectBackoffMax = c.ReconnectBackoffBase / 2 }},
		{"zero handshake timeout", func(c *P2PConfig) { c.HandshakeTimeout = 0 }},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultP2PConfig()
			require.NoError(t, cfg.ValidateBasic())
			tc.mutate(cfg)
			assert.Error(t, cfg.ValidateBasic())
		})
	}
}

func TestSyncConfigValidateBasic(t *testing.T) {
	cfg := DefaultSyncConfig()
	require.NoError(t, cfg.ValidateBasic())
	assert.Equal(t, 30*time.Second, cfg.ActiveDisconnectTimeout())
	assert.Equal(t, 15*time.Second, cfg.KeepaliveTimeout())
	assert.Equal(t, 90*time.Second, cfg.FetchExpiry())

	cfg.IgnoredRequestTimeout = cfg.ActiveDisconnectTimeout()
	assert.Error(t, cfg.ValidateBasic())

	cfg = DefaultSyncConfig()
	cfg.MaxBlocksInFlight = 1
	assert.Error(t, cfg.ValidateBasic())
}

func TestInstrumentationConfigValidateBasic(t *testing.T) {
	cfg := DefaultInstrumentationConfig()
	require.NoError(t, cfg.ValidateBasic())

	cfg.Prometheus = true
	cfg.PrometheusListenAddr = ""
	assert.Error(t, cfg.ValidateBasic())
}
