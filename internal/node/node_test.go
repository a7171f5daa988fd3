package node

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/gossipchain/netnode/config"
	"github.com/gossipchain/netnode/internal/delegate"
	"github.com/gossipchain/netnode/internal/delegate/memchain"
	"github.com/gossipchain/netnode/internal/p2p/conn"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/libs/log"
	"github.com/gossipchain/netnode/types"
	"github.com/gossipchain/netnode/version"
)

const waitFor = 10 * time.Second

func startNode(t *testing.T, cfg *config.Config, chain delegate.Delegate) *Node {
	t.Helper()

	n, err := New(cfg, types.GenNodeKey(), chain, dbm.NewMemDB(), log.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		cancel()
		n.Wait()
	})
	return n
}

// connect joins two nodes with an in-memory pipe.
func connect(t *testing.T, outbound, inbound *Node) {
	t.Helper()

	ctx := context.Background()
	a, b := net.Pipe()
	_, err := outbound.AddConnection(ctx, a, wire.DirectionOutbound)
	require.NoError(t, err)
	_, err = inbound.AddConnection(ctx, b, wire.DirectionInbound)
	require.NoError(t, err)
}

func waitForActive(t *testing.T, n *Node, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count, err := n.ActiveCount(context.Background())
		return err == nil && count == want
	}, waitFor, 10*time.Millisecond)
}

// recentBlocks builds a chain whose head was produced a few intervals ago.
func recentBlocks(count int, interval time.Duration) []*types.Block {
	start := time.Now().Add(-time.Duration(count+10) * interval)
	return memchain.GenerateBlocks(types.ZeroBlockID, count, start, interval, "producer")
}

func chainWith(t *testing.T, opts memchain.Options, blocks []*types.Block) *memchain.Chain {
	t.Helper()
	c := memchain.New(opts)
	require.NoError(t, c.Apply(blocks...))
	return c
}

func callStats(n *Node, method string) delegate.CallStats {
	for _, st := range n.DelegateCallStats() {
		if st.Method == method {
			return st
		}
	}
	return delegate.CallStats{Method: method}
}

func TestSyncDeliversBlocksInOrder(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	blocks := recentBlocks(150, cfg.Sync.BlockInterval)

	syncing := memchain.New(memchain.DefaultOptions())
	n := startNode(t, cfg, syncing)
	for i := 0; i < 3; i++ {
		src := startNode(t, config.TestConfig(), chainWith(t, memchain.DefaultOptions(), blocks))
		connect(t, n, src)
	}
	waitForActive(t, n, 3)

	require.Eventually(t, func() bool { return syncing.Height() == 150 }, waitFor, 20*time.Millisecond)

	accepted := syncing.Accepted()
	require.Len(t, accepted, len(blocks))
	for i, id := range accepted {
		require.Equal(t, blocks[i].ID(), id, "block #%d delivered out of order", i+1)
	}

	// each block reaches the chain exactly once
	require.Eventually(t, func() bool {
		return callStats(n, "handle_block").Calls == uint64(len(blocks))
	}, waitFor, 10*time.Millisecond)
	require.Never(t, func() bool {
		return callStats(n, "handle_block").Calls > uint64(len(blocks))
	}, 300*time.Millisecond, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return syncing.SyncRemaining(types.ItemTypeBlock) == 0
	}, waitFor, 20*time.Millisecond)
	require.Equal(t, 3, syncing.ConnectionCount())
}

func TestDeliveriesPauseAtInFlightCap(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	cfg.Sync.MaxBlocksInFlight = 4
	blocks := recentBlocks(30, cfg.Sync.BlockInterval)

	release := make(chan struct{})
	opts := memchain.DefaultOptions()
	opts.Validate = func(ctx context.Context, _ *types.Block) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	syncing := memchain.New(opts)

	n := startNode(t, cfg, syncing)
	src := startNode(t, config.TestConfig(), chainWith(t, memchain.DefaultOptions(), blocks))
	connect(t, n, src)

	ctx := context.Background()
	inFlight := func(want int) func() bool {
		return func() bool {
			st, err := n.Stats(ctx)
			return err == nil && st.BlocksInFlight == want
		}
	}

	require.Eventually(t, inFlight(4), waitFor, 10*time.Millisecond)
	st, err := n.Stats(ctx)
	require.NoError(t, err)
	require.True(t, st.DeliveriesPaused)
	require.True(t, st.SyncFetchSuspended)

	// 3 and 2 in flight: still at or above half the cap
	release <- struct{}{}
	require.Eventually(t, inFlight(3), waitFor, 10*time.Millisecond)
	release <- struct{}{}
	require.Eventually(t, inFlight(2), waitFor, 10*time.Millisecond)
	st, err = n.Stats(ctx)
	require.NoError(t, err)
	require.True(t, st.DeliveriesPaused)

	// below half: the backlog refills up to the cap
	release <- struct{}{}
	require.Eventually(t, inFlight(4), waitFor, 10*time.Millisecond)
	require.EqualValues(t, 3, syncing.Height())
}

func TestTransactionFetchedOnce(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	chain := memchain.New(memchain.DefaultOptions())
	n := startNode(t, config.TestConfig(), chain)
	b := startNode(t, config.TestConfig(), memchain.New(memchain.DefaultOptions()))
	c := startNode(t, config.TestConfig(), memchain.New(memchain.DefaultOptions()))
	connect(t, n, b)
	connect(t, n, c)
	waitForActive(t, n, 2)
	waitForActive(t, b, 1)
	waitForActive(t, c, 1)

	tx := types.Transaction{Expiration: time.Now().Add(time.Hour), Payload: []byte("transfer 10")}
	ctx := context.Background()
	require.NoError(t, b.Broadcast(ctx, &wire.TransactionMessage{Transaction: tx}))
	require.NoError(t, c.Broadcast(ctx, &wire.TransactionMessage{Transaction: tx}))

	require.Eventually(t, func() bool { return chain.PendingTransactions() == 1 }, waitFor, 10*time.Millisecond)
	require.Never(t, func() bool {
		return callStats(n, "handle_transaction").Calls > 1
	}, 300*time.Millisecond, 20*time.Millisecond)

	st, err := n.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.TransactionCache)
	require.Zero(t, st.FetchQueueSize)
}

func TestLiveBlockPropagates(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	blocks := recentBlocks(5, cfg.Sync.BlockInterval)
	chainA := chainWith(t, memchain.DefaultOptions(), blocks)
	chainB := chainWith(t, memchain.DefaultOptions(), blocks)

	a := startNode(t, cfg, chainA)
	b := startNode(t, config.TestConfig(), chainB)
	connect(t, a, b)
	waitForActive(t, a, 1)
	waitForActive(t, b, 1)

	block, err := chainB.Produce("b")
	require.NoError(t, err)
	require.NoError(t, b.Broadcast(context.Background(), &wire.BlockMessage{Block: *block}))

	require.Eventually(t, func() bool { return chainA.Height() == 6 }, waitFor, 10*time.Millisecond)
	require.Equal(t, block.ID(), chainA.GetHeadBlockID())
}

func TestNotRunning(t *testing.T) {
	n, err := New(config.TestConfig(), types.GenNodeKey(), memchain.New(memchain.DefaultOptions()),
		dbm.NewMemDB(), log.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = n.Peers(ctx)
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, n.Broadcast(ctx, &wire.AddressRequest{}), ErrCannotBroadcast)

	// recorded for when the node starts
	require.NoError(t, n.SyncFrom(ctx, types.ZeroBlockID, []uint32{300, 100}))
	require.Equal(t, []uint32{100, 300}, n.hardForks)
}

//-----------------------------------------------------------------------------
// scripted peer

// rawPeer drives one end of a connection by hand.
type rawPeer struct {
	t     *testing.T
	codec *wire.Codec
	conn  *conn.Connection
	key   types.NodeKey
	msgs  chan wire.Message
	done  chan struct{}
}

func newRawPeer(t *testing.T, n *Node, cfg *config.Config) *rawPeer {
	t.Helper()

	local, remote := net.Pipe()
	_, err := n.AddConnection(context.Background(), local, wire.DirectionOutbound)
	require.NoError(t, err)

	p := &rawPeer{
		t:     t,
		codec: wire.MustNewCodec(cfg.P2P.CompressBlocksOver, cfg.P2P.MaxPacketSize),
		conn:  conn.NewConnection(remote, cfg.P2P.MaxPacketSize, nil, nil),
		key:   types.GenNodeKey(),
		msgs:  make(chan wire.Message, 64),
		done:  make(chan struct{}),
	}
	go p.readRoutine()
	t.Cleanup(func() {
		close(p.done)
		_ = p.conn.Close()
	})
	return p
}

func (p *rawPeer) readRoutine() {
	defer close(p.msgs)
	for {
		frame, err := p.conn.ReadFrame(context.Background())
		if err != nil {
			return
		}
		msg, err := p.codec.Decode(frame)
		if err != nil {
			return
		}
		select {
		case p.msgs <- msg:
		case <-p.done:
			return
		}
	}
}

func (p *rawPeer) send(msg wire.Message) {
	frame, err := p.codec.Encode(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteFrame(context.Background(), frame))
}

// expect returns the next message with code, skipping any other.
func (p *rawPeer) expect(code wire.Code) wire.Message {
	timer := time.NewTimer(waitFor)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-p.msgs:
			require.True(p.t, ok, "connection closed while waiting for %s", code)
			if msg.Code() == code {
				return msg
			}
		case <-timer.C:
			require.FailNow(p.t, "timed out waiting for "+code.String())
		}
	}
}

// expectNone fails if a message with code arrives within d.
func (p *rawPeer) expectNone(code wire.Code, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-p.msgs:
			if !ok {
				return
			}
			require.NotEqual(p.t, code, msg.Code(), "unexpected %s", code)
		case <-timer.C:
			return
		}
	}
}

// sendBlocks delivers blocks as separate messages.
func (p *rawPeer) sendBlocks(blocks []*types.Block) {
	for _, b := range blocks {
		p.send(&wire.BlockMessage{Block: *b})
	}
}

func idsOf(blocks []*types.Block) []types.BlockID {
	ids := make([]types.BlockID, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID()
	}
	return ids
}

func (p *rawPeer) hello(chainID string) {
	p.send(&wire.Hello{
		UserAgent:       "scripted",
		ProtocolVersion: version.ProtocolVersion,
		NodeID:          p.key.ID,
		ChainID:         chainID,
	})
}

func (p *rawPeer) handshake(chainID string) {
	p.hello(chainID)
	p.expect(wire.CodeConnectionAccepted)
	p.send(&wire.ConnectionAccepted{})
	p.expect(wire.CodeAddressRequest)
	p.send(&wire.AddressList{})
}

func TestHandshakeRejectsOtherChain(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	n := startNode(t, cfg, memchain.New(memchain.DefaultOptions()))
	p := newRawPeer(t, n, cfg)

	p.hello("another-chain")
	rejected := p.expect(wire.CodeConnectionRejected).(*wire.ConnectionRejected)
	require.Equal(t, wire.RejectDifferentChain, rejected.Reason)

	p.send(&wire.ConnectionAccepted{})
	p.send(&wire.AddressList{})
	closing := p.expect(wire.CodeClosingConnection).(*wire.ClosingConnection)
	require.True(t, closing.ClosingDueToError)
	require.Contains(t, closing.Reason, wire.RejectDifferentChain.String())

	count, err := n.ActiveCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSynopsisReplyMustStartAtBlockOne(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	chain := memchain.New(memchain.DefaultOptions())
	n := startNode(t, cfg, chain)
	p := newRawPeer(t, n, cfg)
	p.handshake(cfg.ChainID)

	req := p.expect(wire.CodeFetchBlockchainItemIDs).(*wire.FetchBlockchainItemIDs)
	require.Empty(t, req.Synopsis)

	blocks := recentBlocks(12, cfg.Sync.BlockInterval)
	var ids []types.BlockID
	for _, b := range blocks[4:] {
		ids = append(ids, b.ID())
	}
	p.send(&wire.BlockchainItemIDsInventory{ItemType: types.ItemTypeBlock, IDs: ids})

	closing := p.expect(wire.CodeClosingConnection).(*wire.ClosingConnection)
	require.True(t, closing.ClosingDueToError)
	require.Contains(t, closing.Reason, "invalid response")

	require.Zero(t, chain.Height())
	require.NotEmpty(t, chain.Errors())
	st, err := n.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, st.Active)
	require.Zero(t, st.SyncItemsRemaining)
}

func TestInactivePeerIsDisconnected(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	cfg.Sync.BlockInterval = 50 * time.Millisecond
	cfg.Sync.InactivityBlocks = 4
	cfg.Sync.IgnoredRequestTimeout = 100 * time.Millisecond
	cfg.Sync.HealthCheckInterval = 20 * time.Millisecond

	n := startNode(t, cfg, memchain.New(memchain.DefaultOptions()))
	p := newRawPeer(t, n, cfg)
	p.handshake(cfg.ChainID)
	p.expect(wire.CodeFetchBlockchainItemIDs)
	p.send(&wire.BlockchainItemIDsInventory{ItemType: types.ItemTypeBlock})
	waitForActive(t, n, 1)

	// the probe sent on activation goes unanswered
	p.expect(wire.CodeCurrentTimeRequest)
	closing := p.expect(wire.CodeClosingConnection).(*wire.ClosingConnection)
	require.Equal(t, "You have been inactive for too long", closing.Reason)

	require.Never(t, func() bool {
		count, err := n.ActiveCount(context.Background())
		return err != nil || count != 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestDroppedSyncListReleasesBufferedBlocks(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	cfg.Sync.MaxBlocksToPrefetch = 10
	n := startNode(t, cfg, memchain.New(memchain.DefaultOptions()))

	blocks := recentBlocks(40, cfg.Sync.BlockInterval)
	p := newRawPeer(t, n, cfg)
	p.handshake(cfg.ChainID)
	p.expect(wire.CodeFetchBlockchainItemIDs)
	p.send(&wire.BlockchainItemIDsInventory{ItemType: types.ItemTypeBlock, IDs: idsOf(blocks)})

	req := p.expect(wire.CodeFetchItems).(*wire.FetchItems)
	require.Len(t, req.Hashes, cfg.Sync.SyncBatchPerPeer)

	// everything but the block the backlog waits for
	p.sendBlocks(blocks[1:cfg.Sync.SyncBatchPerPeer])

	ctx := context.Background()
	require.Eventually(t, func() bool {
		st, err := n.Stats(ctx)
		return err == nil && st.ReceivedSyncBlocks == cfg.Sync.SyncBatchPerPeer-1 && st.SyncFetchSuspended
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, p.conn.Close())
	require.Eventually(t, func() bool {
		st, err := n.Stats(ctx)
		return err == nil && st.Active == 0 && st.ReceivedSyncBlocks == 0 && !st.SyncFetchSuspended
	}, waitFor, 10*time.Millisecond)
}

func TestForkOlderThanUndoHistoryOnlyStopsSync(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	interval := cfg.Sync.BlockInterval
	blocks := recentBlocks(20, interval)
	opts := memchain.DefaultOptions()
	opts.UndoDepth = 5
	chain := chainWith(t, opts, blocks)
	n := startNode(t, cfg, chain)

	// a fork off #15, the oldest block we can still undo
	base := blocks[14]
	fork := memchain.GenerateBlocks(base.ID(), 10, base.Timestamp.Add(interval), interval, "fork")

	p := newRawPeer(t, n, cfg)
	p.handshake(cfg.ChainID)
	req := p.expect(wire.CodeFetchBlockchainItemIDs).(*wire.FetchBlockchainItemIDs)
	require.Equal(t, base.ID(), req.Synopsis[0])
	p.send(&wire.BlockchainItemIDsInventory{
		ItemType: types.ItemTypeBlock,
		IDs:      append([]types.BlockID{base.ID()}, idsOf(fork)...),
	})
	fetch := p.expect(wire.CodeFetchItems).(*wire.FetchItems)
	require.Len(t, fetch.Hashes, len(fork))

	// our chain moves on and #15 drops out of the undo history
	last := blocks[len(blocks)-1]
	require.NoError(t, chain.Apply(memchain.GenerateBlocks(last.ID(), 10, last.Timestamp.Add(interval), interval, "producer")...))
	p.sendBlocks(fork)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		st, err := n.Stats(ctx)
		return err == nil && callStats(n, "handle_block").Calls > 0 &&
			st.BlocksInFlight == 0 && st.ReceivedSyncBlocks == 0 && st.SyncItemsRemaining == 0
	}, waitFor, 10*time.Millisecond)

	p.expectNone(wire.CodeClosingConnection, 300*time.Millisecond)
	count, err := n.ActiveCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.EqualValues(t, 30, chain.Height())
	require.Empty(t, chain.Errors())
}

func TestRejectedSyncBlockDisconnectsEveryPeerOfferingIt(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	blocks := recentBlocks(5, cfg.Sync.BlockInterval)
	bad := blocks[0].ID()

	opts := memchain.DefaultOptions()
	opts.Validate = func(_ context.Context, b *types.Block) error {
		if b.ID() == bad {
			return errors.New("bad producer signature")
		}
		return nil
	}
	chain := memchain.New(opts)
	n := startNode(t, cfg, chain)

	p1 := newRawPeer(t, n, cfg)
	p1.handshake(cfg.ChainID)
	p1.expect(wire.CodeFetchBlockchainItemIDs)
	p2 := newRawPeer(t, n, cfg)
	p2.handshake(cfg.ChainID)
	p2.expect(wire.CodeFetchBlockchainItemIDs)

	inv := &wire.BlockchainItemIDsInventory{ItemType: types.ItemTypeBlock, IDs: idsOf(blocks)}
	p1.send(inv)
	p1.expect(wire.CodeFetchItems)
	p2.send(inv)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		statuses, err := n.Peers(ctx)
		if err != nil || len(statuses) != 2 {
			return false
		}
		for _, st := range statuses {
			if st.IDsToGet != len(blocks) {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)

	p1.sendBlocks(blocks)

	for _, p := range []*rawPeer{p1, p2} {
		closing := p.expect(wire.CodeClosingConnection).(*wire.ClosingConnection)
		require.True(t, closing.ClosingDueToError)
		require.Equal(t, "You offered us a block that we reject as invalid", closing.Reason)
	}
	waitForActive(t, n, 0)
	require.Zero(t, chain.Height())
}

func TestAcceptedBlockIsNotDeliveredAgainBySync(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	blocks := recentBlocks(5, cfg.Sync.BlockInterval)
	chain := memchain.New(memchain.DefaultOptions())
	n := startNode(t, cfg, chain)

	p := newRawPeer(t, n, cfg)
	p.handshake(cfg.ChainID)
	p.expect(wire.CodeFetchBlockchainItemIDs)
	p.send(&wire.BlockchainItemIDsInventory{ItemType: types.ItemTypeBlock, IDs: idsOf(blocks)})
	p.expect(wire.CodeFetchItems)

	// the first two arrive through another path while the fetch is out
	ctx := context.Background()
	require.NoError(t, chain.Apply(blocks[:2]...))
	for _, b := range blocks[:2] {
		require.NoError(t, n.Broadcast(ctx, &wire.BlockMessage{Block: *b}))
	}
	p.sendBlocks(blocks)

	require.Eventually(t, func() bool { return chain.Height() == 5 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return callStats(n, "handle_block").Calls == 3
	}, waitFor, 10*time.Millisecond)
	require.Never(t, func() bool {
		return callStats(n, "handle_block").Calls > 3
	}, 300*time.Millisecond, 20*time.Millisecond)

	st, err := n.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.ReceivedSyncBlocks)
	require.Equal(t, blocks[4].ID(), chain.GetHeadBlockID())
}

func TestInventoryNotEchoedOrRepeated(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, waitFor))

	cfg := config.TestConfig()
	chain := memchain.New(memchain.DefaultOptions())
	n := startNode(t, cfg, chain)

	origin := newRawPeer(t, n, cfg)
	other := newRawPeer(t, n, cfg)
	for _, p := range []*rawPeer{origin, other} {
		p.handshake(cfg.ChainID)
		p.expect(wire.CodeFetchBlockchainItemIDs)
		p.send(&wire.BlockchainItemIDsInventory{ItemType: types.ItemTypeBlock})
	}
	waitForActive(t, n, 2)

	tx := types.Transaction{Expiration: time.Now().Add(time.Hour), Payload: []byte("transfer 10")}
	origin.send(&wire.ItemIDsInventory{ItemType: types.ItemTypeTransaction, Hashes: []types.Hash{tx.ID()}})
	req := origin.expect(wire.CodeFetchItems).(*wire.FetchItems)
	require.Equal(t, []types.Hash{tx.ID()}, req.Hashes)
	origin.send(&wire.TransactionMessage{Transaction: tx})

	inv := other.expect(wire.CodeItemIDsInventory).(*wire.ItemIDsInventory)
	require.Equal(t, types.ItemTypeTransaction, inv.ItemType)
	require.Equal(t, []types.Hash{tx.ID()}, inv.Hashes)
	require.Eventually(t, func() bool { return chain.PendingTransactions() == 1 }, waitFor, 10*time.Millisecond)

	// offering it again within the inventory TTL reaches nobody
	require.NoError(t, n.Broadcast(context.Background(), &wire.TransactionMessage{Transaction: tx}))
	origin.expectNone(wire.CodeItemIDsInventory, 300*time.Millisecond)
	other.expectNone(wire.CodeItemIDsInventory, 300*time.Millisecond)
}
