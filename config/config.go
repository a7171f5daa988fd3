package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	dbm "github.com/tendermint/tm-db"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultNetnodeDir = ".netnode"
	defaultConfigDir  = "config"
	defaultDataDir    = "data"

	defaultConfigFileName = "config.toml"
	defaultNodeKeyName    = "node_key.json"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultNodeKeyPath    = filepath.Join(defaultConfigDir, defaultNodeKeyName)
)

var validate = validator.New()

// Config defines the top level configuration for a netnode
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	P2P             *P2PConfig             `mapstructure:"p2p"`
	Sync            *SyncConfig            `mapstructure:"sync"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a netnode
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		P2P:             DefaultP2PConfig(),
		Sync:            DefaultSyncConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		P2P:             TestP2PConfig(),
		Sync:            TestSyncConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.P2P.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [p2p] section")
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [sync] section")
	}
	return errors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a netnode
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Identifier of the chain this node follows. Peers announcing a
	// different chain are rejected during the handshake.
	ChainID string `mapstructure:"chain_id" validate:"required"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Database backend used by the peer store: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend" validate:"oneof=goleveldb memdb"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`

	// A JSON file containing the private key that defines the node id
	NodeKey string `mapstructure:"node_key_file"`
}

// DefaultBaseConfig returns a default base configuration for a netnode
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		ChainID:   "netnode-main",
		NodeKey:   defaultNodeKeyPath,
		Moniker:   defaultMoniker,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a netnode
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.ChainID = "netnode-test"
	cfg.DBBackend = "memdb"
	return cfg
}

// NodeKeyFile returns the full path to the node_key.json file
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// OpenDB opens (or creates) the named database in DBDir with the configured
// backend.
func (cfg BaseConfig) OpenDB(name string) (dbm.DB, error) {
	return dbm.NewDB(name, dbm.BackendType(cfg.DBBackend), cfg.DBDir())
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	return validateStruct(cfg)
}

// DefaultLogLevel is the log level used when none is configured.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the connection management options of the peer-to-peer
// layer.
type P2PConfig struct {
	RootDir string `mapstructure:"home"`

	// Address to listen for incoming connections. Empty disables listening.
	ListenAddress string `mapstructure:"laddr"`

	// Address to advertise to peers for them to dial
	ExternalAddress string `mapstructure:"external_address"`

	// Comma separated list of host:port seed nodes used to fill the peer store
	Seeds string `mapstructure:"seeds"`

	// Comma separated list of host:port nodes to keep persistent connections to
	PersistentPeers string `mapstructure:"persistent_peers"`

	// Number of connections the connect loop tries to maintain
	DesiredConnections int `mapstructure:"desired_connections" validate:"gte=1"`

	// Active connections above which new hellos are rejected
	MaxConnections int `mapstructure:"max_connections" validate:"gtefield=DesiredConnections"`

	// Time to complete a TCP dial
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`

	// Silence allowed from a handshaking peer before it is dropped
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`

	// Time a closing peer gets to close its side before we close ours
	ClosingTimeout time.Duration `mapstructure:"closing_timeout" validate:"gt=0"`

	// Time a terminating peer may linger before it is destroyed
	TerminatingTimeout time.Duration `mapstructure:"terminating_timeout" validate:"gt=0"`

	// Maximum size of one framed message, in bytes
	MaxPacketSize int `mapstructure:"max_packet_size" validate:"gte=1024"`

	// Blocks whose encoding exceeds this size are sent snappy-compressed.
	// 0 disables compression.
	CompressBlocksOver int `mapstructure:"compress_blocks_over" validate:"gte=0"`

	// Rate at which bytes can be sent, in bytes/second. 0 is unlimited.
	SendRate int64 `mapstructure:"send_rate" validate:"gte=0"`

	// Rate at which bytes can be received, in bytes/second. 0 is unlimited.
	RecvRate int64 `mapstructure:"recv_rate" validate:"gte=0"`

	// Messages and bytes that may wait in a peer's outbound queue before the
	// peer is disconnected for not reading.
	MaxQueuedMessages int `mapstructure:"max_queued_messages" validate:"gte=1"`
	MaxQueuedBytes    int `mapstructure:"max_queued_bytes" validate:"gte=1024"`

	// How often the connect loop looks for new peers to dial
	ConnectInterval time.Duration `mapstructure:"connect_interval" validate:"gt=0"`

	// How often active peers are asked for their address lists
	PeerListRefreshInterval time.Duration `mapstructure:"peer_list_refresh_interval" validate:"gt=0"`

	// Exponential reconnect backoff, per endpoint
	ReconnectBackoffBase time.Duration `mapstructure:"reconnect_backoff_base" validate:"gt=0"`
	ReconnectBackoffMax  time.Duration `mapstructure:"reconnect_backoff_max" validate:"gtefield=ReconnectBackoffBase"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer layer
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:           "tcp://0.0.0.0:2001",
		DesiredConnections:      20,
		MaxConnections:          200,
		DialTimeout:             3 * time.Second,
		HandshakeTimeout:        5 * time.Second,
		ClosingTimeout:          20 * time.Second,
		TerminatingTimeout:      120 * time.Second,
		MaxPacketSize:           2 * 1024 * 1024,
		CompressBlocksOver:      4 * 1024,
		SendRate:                0,
		RecvRate:                0,
		MaxQueuedMessages:       4096,
		MaxQueuedBytes:          16 * 1024 * 1024,
		ConnectInterval:         10 * time.Second,
		PeerListRefreshInterval: 15 * time.Minute,
		ReconnectBackoffBase:    30 * time.Second,
		ReconnectBackoffMax:     time.Hour,
	}
}

// TestP2PConfig returns a configuration for testing the peer-to-peer layer
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddress = ""
	cfg.DesiredConnections = 4
	cfg.MaxConnections = 8
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ClosingTimeout = time.Second
	cfg.TerminatingTimeout = 2 * time.Second
	cfg.ConnectInterval = 200 * time.Millisecond
	cfg.ReconnectBackoffBase = 100 * time.Millisecond
	cfg.ReconnectBackoffMax = time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	return validateStruct(cfg)
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig holds the tuning of the synchronization and gossip engine.
type SyncConfig struct {
	// Expected time between blocks; scales cache depth and timeouts
	BlockInterval time.Duration `mapstructure:"block_interval" validate:"gt=0"`

	// Depth of the message cache, in accepted blocks
	MessageCacheWindow uint32 `mapstructure:"message_cache_window" validate:"gte=1"`

	// How long advertised inventory is remembered per peer
	InventoryTTL time.Duration `mapstructure:"inventory_ttl" validate:"gt=0"`

	// Transaction rate used to bound the advertised-to-us inventory per peer
	MaxTransactionsPerSecond int `mapstructure:"max_transactions_per_second" validate:"gte=1"`

	// Sync blocks requested from one peer in a single batch
	SyncBatchPerPeer int `mapstructure:"sync_batch_per_peer" validate:"gte=1"`

	// Live items outstanding per peer
	LiveItemsPerPeer int `mapstructure:"live_items_per_peer" validate:"gte=1"`

	// Buffered sync ids from one peer before block fetching starts while the
	// peer still has more ids to offer
	MinBlockIDsToPrefetch int `mapstructure:"min_block_ids_to_prefetch" validate:"gte=1"`

	// Ids returned in one reply to a synopsis request
	BlockIDsPerReply uint32 `mapstructure:"block_ids_per_reply" validate:"gte=1"`

	// Concurrent block deliveries to the chain
	MaxBlocksInFlight int `mapstructure:"max_blocks_in_flight" validate:"gte=2"`

	// Received sync blocks buffered before sync fetching is suspended
	MaxBlocksToPrefetch int `mapstructure:"max_blocks_to_prefetch" validate:"gte=1"`

	// Allowed clock skew when judging a peer's claimed chain length
	FutureSyncGrace time.Duration `mapstructure:"future_sync_grace" validate:"gte=0"`

	// Time a peer has to make progress on our requests
	IgnoredRequestTimeout time.Duration `mapstructure:"ignored_request_timeout" validate:"gt=0"`

	// Block intervals of silence after which an active peer is dropped
	InactivityBlocks int `mapstructure:"inactivity_blocks" validate:"gte=2"`

	// Health monitor period
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" validate:"gt=0"`

	// Concurrent transaction deliveries to the chain
	TransactionWorkers int `mapstructure:"transaction_workers" validate:"gte=1"`

	// Time transaction fetching from a peer stays inhibited after it relayed
	// an underpriced transaction
	RelayFeePenalty time.Duration `mapstructure:"relay_fee_penalty" validate:"gte=0"`

	// Number of failed item ids remembered to avoid refetching them
	RecentlyFailedItems int `mapstructure:"recently_failed_items" validate:"gte=1"`
}

// DefaultSyncConfig returns the default engine tuning.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		BlockInterval:            3 * time.Second,
		MessageCacheWindow:       30,
		InventoryTTL:             2 * time.Minute,
		MaxTransactionsPerSecond: 1000,
		SyncBatchPerPeer:         100,
		LiveItemsPerPeer:         1,
		MinBlockIDsToPrefetch:    10000,
		BlockIDsPerReply:         2000,
		MaxBlocksInFlight:        200,
		MaxBlocksToPrefetch:      2000,
		FutureSyncGrace:          3 * time.Second,
		IgnoredRequestTimeout:    2 * time.Second,
		InactivityBlocks:         10,
		HealthCheckInterval:      time.Second,
		TransactionWorkers:       4,
		RelayFeePenalty:          15 * time.Second,
		RecentlyFailedItems:      2000,
	}
}

// TestSyncConfig returns a tuning suited to in-process networks.
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.SyncBatchPerPeer = 20
	cfg.LiveItemsPerPeer = 4
	cfg.MinBlockIDsToPrefetch = 50
	cfg.BlockIDsPerReply = 40
	cfg.MaxBlocksInFlight = 16
	cfg.MaxBlocksToPrefetch = 64
	cfg.HealthCheckInterval = 100 * time.Millisecond
	return cfg
}

// ActiveDisconnectTimeout is the silence after which an active peer is
// dropped.
func (cfg *SyncConfig) ActiveDisconnectTimeout() time.Duration {
	return time.Duration(cfg.InactivityBlocks) * cfg.BlockInterval
}

// KeepaliveTimeout is the silence after which a peer is probed.
func (cfg *SyncConfig) KeepaliveTimeout() time.Duration {
	return cfg.ActiveDisconnectTimeout() / 2
}

// FetchExpiry is the age after which an advertised item is considered gone
// from its peers' caches.
func (cfg *SyncConfig) FetchExpiry() time.Duration {
	return cfg.BlockInterval * time.Duration(cfg.MessageCacheWindow)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if err := validateStruct(cfg); err != nil {
		return err
	}
	if cfg.IgnoredRequestTimeout >= cfg.ActiveDisconnectTimeout() {
		return fmt.Errorf("ignored_request_timeout (%s) must be shorter than the inactivity timeout (%s)",
			cfg.IgnoredRequestTimeout, cfg.ActiveDisconnectTimeout())
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace" validate:"required"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":2112",
		Namespace:            "netnode",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr is required when prometheus is enabled")
	}
	return validateStruct(cfg)
}

//-----------------------------------------------------------------------------
// Utils

// validateStruct runs the struct tag checks and reports the first failing
// field by its config key.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%s: failed %q check (value %v)", fe.Field(), fe.Tag(), fe.Value())
	}
	return err
}

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
