package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	"github.com/gossipchain/netnode/config"
	"github.com/gossipchain/netnode/internal/delegate"
	"github.com/gossipchain/netnode/internal/itemqueue"
	"github.com/gossipchain/netnode/internal/msgcache"
	"github.com/gossipchain/netnode/internal/p2p/conn"
	"github.com/gossipchain/netnode/internal/p2p/peerdb"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/libs/log"
	"github.com/gossipchain/netnode/libs/service"
	"github.com/gossipchain/netnode/types"
)

// PeerStoreName is the name of the database holding known peers.
const PeerStoreName = "peerstore"

const (
	// taskQueueSize bounds the work waiting for the event loop. Readers block
	// when it is full, which pushes back on the sockets.
	taskQueueSize = 1024

	// recentlyAcceptedBlocks is the depth of the recent-accepted ring.
	recentlyAcceptedBlocks = 1024

	// maxTriggerRounds bounds how often triggered work is re-run after one
	// task before the loop goes back to its inputs.
	maxTriggerRounds = 8
)

type trigger uint8

const (
	triggerBacklog trigger = 1 << iota
	triggerSyncFetch
	triggerFetch
	triggerAdvertise
	triggerConnect
)

// Node runs the peer-to-peer sync and gossip engine of one chain. All peer
// and scheduling state is owned by a single event loop goroutine; sockets,
// dials and chain calls run on their own goroutines and post their results
// back to the loop.
type Node struct {
	service.BaseService
	logger log.Logger

	cfg       *config.Config
	nodeKey   types.NodeKey
	chain     *delegate.StatsDelegate
	codec     *wire.Codec
	transport *conn.Transport
	peerDB    *peerdb.Store
	metrics   *Metrics

	delegateMetrics *delegate.Metrics

	tasks    chan func()
	loopDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	connWg sync.WaitGroup

	blockExec *workerpool.WorkerPool
	txExec    *workerpool.WorkerPool

	// Everything below is owned by the event loop.

	deferred []func()
	pending  trigger

	registry   *peers.Registry
	blockCache *msgcache.Cache
	txCache    *msgcache.Cache
	fetchQueue *itemqueue.Queue

	recentlyAccepted *lru.Cache[types.BlockID, struct{}]
	recentlyFailed   *lru.Cache[types.ItemID, struct{}]
	// sync blocks on forks older than the chain's undo history
	forkTooOld *lru.Cache[types.BlockID, struct{}]

	activeSyncRequests map[types.BlockID]time.Time
	receivedSyncItems  map[types.BlockID]*types.Block
	syncBlocksInFlight map[types.BlockID]struct{}
	syncFetchSuspended bool
	deliveriesPaused   bool
	totalUnfetched     uint32

	// live items handed to the chain and not yet answered
	liveInFlight map[types.ItemID]struct{}

	newInventory    []types.ItemID
	newInventorySet map[types.ItemID]struct{}

	shuttingDown bool

	dialing   map[string]struct{}
	hardForks []uint32
	firewall  wire.FirewallState

	closedBytesSent     uint64
	closedBytesReceived uint64

	fetchWake   *time.Timer
	fetchWakeAt time.Time
}

// Option sets an optional parameter on the Node.
type Option func(*Node)

// WithMetrics sets the node metrics.
func WithMetrics(m *Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithDelegateMetrics sets the metrics of calls into the chain.
func WithDelegateMetrics(m *delegate.Metrics) Option {
	return func(n *Node) { n.delegateMetrics = m }
}

// New returns a node for the chain behind chain. Known peers are persisted
// in peerStore.
func New(
	cfg *config.Config,
	nodeKey types.NodeKey,
	chain delegate.Delegate,
	peerStore dbm.DB,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	codec, err := wire.NewCodec(cfg.P2P.CompressBlocksOver, cfg.P2P.MaxPacketSize)
	if err != nil {
		return nil, err
	}

	store, err := peerdb.New(peerStore, peerdb.Options{
		BackoffBase: cfg.P2P.ReconnectBackoffBase,
		BackoffMax:  cfg.P2P.ReconnectBackoffMax,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load peer store: %w", err)
	}

	accepted, err := lru.New[types.BlockID, struct{}](recentlyAcceptedBlocks)
	if err != nil {
		return nil, err
	}
	failed, err := lru.New[types.ItemID, struct{}](cfg.Sync.RecentlyFailedItems)
	if err != nil {
		return nil, err
	}
	tooOld, err := lru.New[types.BlockID, struct{}](recentlyAcceptedBlocks)
	if err != nil {
		return nil, err
	}

	n := &Node{
		logger:          logger,
		cfg:             cfg,
		nodeKey:         nodeKey,
		codec:           codec,
		peerDB:          store,
		metrics:         NopMetrics(),
		delegateMetrics: delegate.NopMetrics(),

		tasks:    make(chan func(), taskQueueSize),
		loopDone: make(chan struct{}),

		registry:   peers.NewRegistry(),
		blockCache: msgcache.New(cfg.Sync.MessageCacheWindow),
		txCache:    msgcache.New(cfg.Sync.MessageCacheWindow),
		fetchQueue: itemqueue.New(),

		recentlyAccepted: accepted,
		recentlyFailed:   failed,
		forkTooOld:       tooOld,

		activeSyncRequests: make(map[types.BlockID]time.Time),
		receivedSyncItems:  make(map[types.BlockID]*types.Block),
		syncBlocksInFlight: make(map[types.BlockID]struct{}),
		liveInFlight:       make(map[types.ItemID]struct{}),
		newInventorySet:    make(map[types.ItemID]struct{}),
		dialing:            make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(n)
	}

	n.chain = delegate.NewStatsDelegate(chain, n.delegateMetrics)
	n.transport = conn.NewTransport(logger, conn.TransportOptions{
		MaxIncomingConnections: cfg.P2P.MaxConnections,
		DialTimeout:            cfg.P2P.DialTimeout,
		MaxFrameSize:           cfg.P2P.MaxPacketSize,
	})
	n.transport.Upload.SetLimit(int(cfg.P2P.SendRate))
	n.transport.Download.SetLimit(int(cfg.P2P.RecvRate))

	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// NodeID returns the id this node announces.
func (n *Node) NodeID() types.NodeID { return n.nodeKey.ID }

// OnStart starts listening, seeds the peer store and starts the event loop.
func (n *Node) OnStart(ctx context.Context) error {
	if n.cfg.P2P.ListenAddress != "" {
		if err := n.transport.Listen(n.cfg.P2P.ListenAddress); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.P2P.ListenAddress, err)
		}
	}
	n.seedPeerStore()

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.blockExec = workerpool.New(1)
	n.txExec = workerpool.New(n.cfg.Sync.TransactionWorkers)

	n.group, _ = errgroup.WithContext(n.ctx)
	n.group.Go(func() error {
		defer close(n.loopDone)
		return n.loop(n.ctx)
	})
	if n.transport.ListenAddress() != nil {
		n.group.Go(func() error { return n.acceptRoutine(n.ctx) })
	}
	return nil
}

// OnStop stops the event loop, which closes every connection, and waits for
// all goroutines to exit.
func (n *Node) OnStop() {
	var result *multierror.Error

	if err := n.transport.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	n.cancel()
	if err := n.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, err)
	}
	n.connWg.Wait()

	n.blockExec.StopWait()
	n.txExec.StopWait()

	if err := result.ErrorOrNil(); err != nil {
		n.logger.Error("errors while stopping node", "err", err)
	}
}

//-----------------------------------------------------------------------------
// event loop

// post hands fn to the event loop. It is called from goroutines other than
// the loop; if the loop has exited fn is dropped.
func (n *Node) post(fn func()) bool {
	select {
	case n.tasks <- fn:
		return true
	case <-n.loopDone:
		return false
	}
}

// exec runs fn on the event loop and waits for it to finish.
func (n *Node) exec(ctx context.Context, fn func()) error {
	if !n.IsRunning() {
		return ErrNotRunning
	}

	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case n.tasks <- task:
	case <-n.loopDone:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-n.loopDone:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// later queues fn to run on the loop after the current task.
func (n *Node) later(fn func()) {
	n.deferred = append(n.deferred, fn)
}

func (n *Node) trigger(t trigger) { n.pending |= t }

func (n *Node) loop(ctx context.Context) error {
	healthTicker := time.NewTicker(n.cfg.Sync.HealthCheckInterval)
	defer healthTicker.Stop()
	connectTicker := time.NewTicker(n.cfg.P2P.ConnectInterval)
	defer connectTicker.Stop()

	n.fetchWake = time.NewTimer(time.Hour)
	n.fetchWake.Stop()
	defer n.fetchWake.Stop()

	defer n.shutdownSessions()

	n.trigger(triggerConnect)
	n.runTriggered()

	for {
		select {
		case <-ctx.Done():
			return nil

		case fn := <-n.tasks:
			fn()

		case <-healthTicker.C:
			n.checkPeerHealth()

		case <-connectTicker.C:
			n.refreshPeerLists()
			n.trigger(triggerConnect)

		case <-n.fetchWake.C:
			n.fetchWakeAt = time.Time{}
			n.trigger(triggerFetch)
		}

		n.runTriggered()
	}
}

// runTriggered runs deferred tasks and the schedulers that were triggered
// by the last task.
func (n *Node) runTriggered() {
	for round := 0; round < maxTriggerRounds; round++ {
		for len(n.deferred) > 0 {
			fn := n.deferred[0]
			n.deferred[0] = nil
			n.deferred = n.deferred[1:]
			fn()
		}

		pending := n.pending
		if pending == 0 {
			break
		}
		n.pending = 0

		if pending&triggerBacklog != 0 {
			n.processBacklog()
		}
		if pending&triggerSyncFetch != 0 {
			n.fetchSyncItems()
		}
		if pending&triggerFetch != 0 {
			n.fetchItems()
		}
		if pending&triggerAdvertise != 0 {
			n.advertiseInventory()
		}
		if pending&triggerConnect != 0 {
			n.connectToPeers()
		}
	}

	if n.pending != 0 || len(n.deferred) > 0 {
		// Leftover work runs on the next turn of the loop.
		select {
		case n.tasks <- func() {}:
		default:
		}
	}
	n.updateMetrics()
}

// shutdownSessions runs the tasks still queued and closes every socket once
// the loop has stopped.
func (n *Node) shutdownSessions() {
	n.shuttingDown = true
	for drained := false; !drained; {
		select {
		case fn := <-n.tasks:
			fn()
		default:
			drained = true
		}
	}
	for _, s := range n.registry.All() {
		_ = s.Conn.Close()
	}
}

func (n *Node) updateMetrics() {
	for _, st := range []peers.State{
		peers.StateHandshaking, peers.StateActive, peers.StateClosing, peers.StateTerminating,
	} {
		n.metrics.Peers.With("state", st.String()).Set(float64(n.registry.Count(st)))
	}
	n.metrics.SyncItemsRemaining.Set(float64(n.totalUnfetched))
	n.metrics.BlocksInFlight.Set(float64(len(n.syncBlocksInFlight)))
	n.metrics.FetchQueueSize.Set(float64(n.fetchQueue.Len()))
	n.metrics.MessageCacheSize.With("item_type", types.ItemTypeBlock.String()).Set(float64(n.blockCache.Len()))
	n.metrics.MessageCacheSize.With("item_type", types.ItemTypeTransaction.String()).Set(float64(n.txCache.Len()))
}

//-----------------------------------------------------------------------------
// helpers shared by the schedulers

// send queues msg to s. A peer that cannot take more messages is
// disconnected.
func (n *Node) send(s *peers.Session, msg wire.Message) bool {
	if err := s.Send(msg, time.Now()); err != nil {
		if errors.Is(err, errSendQueueFull) {
			n.disconnectFromPeer(s, &peerError{
				sessionID:   s.ID(),
				reason:      "You are not reading messages fast enough",
				err:         err,
				disposition: peerdb.DispositionTimedOut,
			})
		} else if !errors.Is(err, errConnClosing) {
			n.logger.Debug("failed to send message", "peer", s.ID(), "msg", msg.Code(), "err", err)
		}
		return false
	}
	return true
}

func (n *Node) peerLogger(s *peers.Session) log.Logger {
	return n.logger.With("peer", s.ID(), "endpoint", s.Endpoint())
}

// headBlockNumber returns the number of the chain head.
func (n *Node) headBlockNumber() uint32 {
	return n.chain.GetHeadBlockID().Number()
}

func (n *Node) lastKnownHardFork() uint32 {
	if len(n.hardForks) == 0 {
		return 0
	}
	return n.hardForks[len(n.hardForks)-1]
}

// connectionCountChanged tells the chain the active peer count.
func (n *Node) connectionCountChanged() {
	n.chain.ConnectionCountChanged(n.registry.Count(peers.StateActive))
}
