package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	tmos "github.com/gossipchain/netnode/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	if configTemplate, err = template.New("configFileTemplate").Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and writes the default config file if none is present.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, defaultConfigDir), filepath.Join(rootDir, defaultDataDir)} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return fmt.Errorf("could not create directory %q: %w", dir, err)
		}
	}
	return writeDefaultConfigFileIfNone(rootDir)
}

// WriteConfigFile renders config using the template and writes it to
// the config file under rootDir.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return writeFile(path, buffer.Bytes(), 0644)
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/netnode/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.netnode" by default, but could be changed via $NETNODE_HOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Chain this node follows; peers on other chains are rejected
chain_id = "{{ .BaseConfig.ChainID }}"

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Database backend for the peer store: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

# Path to the JSON file containing the private key that defines the node id
node_key_file = "{{ js .BaseConfig.NodeKey }}"

#######################################################################
###                 Peer to Peer Configuration Options              ###
#######################################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Address to advertise to peers for them to dial
external_address = "{{ .P2P.ExternalAddress }}"

# Comma separated list of seed nodes (host:port)
seeds = "{{ .P2P.Seeds }}"

# Comma separated list of nodes to keep persistent connections to
persistent_peers = "{{ .P2P.PersistentPeers }}"

# Connections the node tries to keep open
desired_connections = {{ .P2P.DesiredConnections }}

# Active connections above which new peers are turned away
max_connections = {{ .P2P.MaxConnections }}

dial_timeout = "{{ .P2P.DialTimeout }}"
handshake_timeout = "{{ .P2P.HandshakeTimeout }}"
closing_timeout = "{{ .P2P.ClosingTimeout }}"
terminating_timeout = "{{ .P2P.TerminatingTimeout }}"

# Maximum size of one message, in bytes
max_packet_size = {{ .P2P.MaxPacketSize }}

# Blocks larger than this are sent compressed; 0 disables compression
compress_blocks_over = {{ .P2P.CompressBlocksOver }}

# Rate at which bytes can be sent/received, in bytes/second; 0 is unlimited
send_rate = {{ .P2P.SendRate }}
recv_rate = {{ .P2P.RecvRate }}

# Outbound queue limits per peer
max_queued_messages = {{ .P2P.MaxQueuedMessages }}
max_queued_bytes = {{ .P2P.MaxQueuedBytes }}

connect_interval = "{{ .P2P.ConnectInterval }}"
peer_list_refresh_interval = "{{ .P2P.PeerListRefreshInterval }}"

# Exponential backoff between attempts to the same endpoint
reconnect_backoff_base = "{{ .P2P.ReconnectBackoffBase }}"
reconnect_backoff_max = "{{ .P2P.ReconnectBackoffMax }}"

#######################################################################
###               Synchronization Configuration Options             ###
#######################################################################
[sync]

block_interval = "{{ .Sync.BlockInterval }}"

# Depth of the message cache, in accepted blocks
message_cache_window = {{ .Sync.MessageCacheWindow }}

inventory_ttl = "{{ .Sync.InventoryTTL }}"
max_transactions_per_second = {{ .Sync.MaxTransactionsPerSecond }}

# Request sizes
sync_batch_per_peer = {{ .Sync.SyncBatchPerPeer }}
live_items_per_peer = {{ .Sync.LiveItemsPerPeer }}
min_block_ids_to_prefetch = {{ .Sync.MinBlockIDsToPrefetch }}
block_ids_per_reply = {{ .Sync.BlockIDsPerReply }}

# Backpressure
max_blocks_in_flight = {{ .Sync.MaxBlocksInFlight }}
max_blocks_to_prefetch = {{ .Sync.MaxBlocksToPrefetch }}

future_sync_grace = "{{ .Sync.FutureSyncGrace }}"
ignored_request_timeout = "{{ .Sync.IgnoredRequestTimeout }}"
inactivity_blocks = {{ .Sync.InactivityBlocks }}
health_check_interval = "{{ .Sync.HealthCheckInterval }}"
transaction_workers = {{ .Sync.TransactionWorkers }}
relay_fee_penalty = "{{ .Sync.RelayFeePenalty }}"
recently_failed_items = {{ .Sync.RecentlyFailedItems }}

#######################################################################
###                  Instrumentation Configuration                  ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh home directory under dir with the default
// config file and returns the test configuration rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	rootDir, err := os.MkdirTemp(dir, testName+"_")
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}

	return TestConfig().SetRoot(rootDir), nil
}

func writeFile(filePath string, contents []byte, mode os.FileMode) error {
	if err := tmos.WriteFileAtomic(filePath, contents, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
