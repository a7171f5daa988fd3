package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	cfg "github.com/gossipchain/netnode/config"
	"github.com/gossipchain/netnode/internal/delegate"
	"github.com/gossipchain/netnode/internal/delegate/memchain"
	"github.com/gossipchain/netnode/internal/node"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/types"
)

const (
	flagProduceBlocks = "dev.produce-blocks"
	flagHardForks     = "dev.hard-forks"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a netnode
func AddNodeFlags(cmd *cobra.Command, conf *cfg.Config) {
	cmd.Flags().String("chain_id", conf.ChainID, "Chain the node follows")
	cmd.Flags().String("moniker", conf.Moniker, "Node Name")
	cmd.Flags().String("db_backend", conf.DBBackend, "Database backend of the peer store: goleveldb | memdb")
	cmd.Flags().String("db_dir", conf.DBPath, "Database directory")

	// p2p flags
	cmd.Flags().String("p2p.laddr", conf.P2P.ListenAddress,
		"Node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.external_address", conf.P2P.ExternalAddress, "Address advertised to peers")
	cmd.Flags().String("p2p.seeds", conf.P2P.Seeds, "Comma-delimited host:port seed nodes")
	cmd.Flags().String("p2p.persistent_peers", conf.P2P.PersistentPeers, "Comma-delimited host:port persistent peers")
	cmd.Flags().Int("p2p.desired_connections", conf.P2P.DesiredConnections, "Connections to maintain")
	cmd.Flags().Int("p2p.max_connections", conf.P2P.MaxConnections, "Maximum active connections")
	cmd.Flags().Int64("p2p.send_rate", conf.P2P.SendRate, "Upload limit in bytes/second, 0 is unlimited")
	cmd.Flags().Int64("p2p.recv_rate", conf.P2P.RecvRate, "Download limit in bytes/second, 0 is unlimited")

	// sync flags
	cmd.Flags().Duration("sync.block_interval", conf.Sync.BlockInterval, "Expected time between blocks")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "Serve Prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus_listen_addr", conf.Instrumentation.PrometheusListenAddr,
		"Prometheus listen address")

	// development chain
	cmd.Flags().Duration(flagProduceBlocks, 0, "Produce a block on this interval, 0 disables")
	cmd.Flags().IntSlice(flagHardForks, nil, "Block numbers of hard forks")
}

// NewRunNodeCmd returns the command that runs a node against the in-memory
// development chain.
func NewRunNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the netnode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runNode(ctx, config)
		},
	}

	AddNodeFlags(cmd, config)
	return cmd
}

func runNode(ctx context.Context, conf *cfg.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	nodeKey, err := types.LoadOrGenNodeKey(conf.NodeKeyFile())
	if err != nil {
		return fmt.Errorf("failed to load or gen node key %s: %w", conf.NodeKeyFile(), err)
	}

	peerStore, err := conf.OpenDB(node.PeerStoreName)
	if err != nil {
		return fmt.Errorf("failed to open peer store: %w", err)
	}
	defer peerStore.Close()

	var options []node.Option
	if conf.Instrumentation.Prometheus {
		ns := conf.Instrumentation.Namespace
		options = append(options,
			node.WithMetrics(node.PrometheusMetrics(ns, "chain_id", conf.ChainID)),
			node.WithDelegateMetrics(delegate.PrometheusMetrics(ns, "chain_id", conf.ChainID)),
		)
	}

	chain := memchain.New(memchain.DefaultOptions())
	n, err := node.New(conf, nodeKey, chain, peerStore, logger, options...)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	var forks []uint32
	for _, f := range viper.GetIntSlice(flagHardForks) {
		forks = append(forks, uint32(f))
	}
	if err := n.SyncFrom(ctx, chain.GetHeadBlockID(), forks); err != nil {
		return err
	}

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	logger.Info("started node", "node_id", n.NodeID(), "chain_id", conf.ChainID, "laddr", n.ListenAddress())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-n.Quit():
		}
		return nil
	})
	if conf.Instrumentation.Prometheus {
		g.Go(func() error { return servePrometheus(gctx, conf.Instrumentation.PrometheusListenAddr) })
	}
	if interval := viper.GetDuration(flagProduceBlocks); interval > 0 {
		g.Go(func() error { return produceBlocks(gctx, n, chain, conf.Moniker, interval) })
	}

	err = g.Wait()
	cancel()
	n.Wait()
	logger.Info("node stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// produceBlocks extends the development chain on a timer and broadcasts each
// new block.
func produceBlocks(ctx context.Context, n *node.Node, chain *memchain.Chain, producer string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		block, err := chain.Produce(producer)
		if err != nil {
			logger.Error("failed to produce block", "err", err)
			continue
		}
		if err := n.Broadcast(ctx, &wire.BlockMessage{Block: *block}); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, node.ErrNotRunning) {
				return nil
			}
			return fmt.Errorf("failed to broadcast block %s: %w", block.ID().Short(), err)
		}
		logger.Info("produced block", "id", block.ID().Short(), "txs", len(block.Transactions))
	}
}

// servePrometheus serves the default registry until ctx is done.
func servePrometheus(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: 3},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("prometheus server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("prometheus server shutdown", "err", err)
	}
	<-errCh
	return nil
}
