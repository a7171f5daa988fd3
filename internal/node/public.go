package node

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/gossipchain/netnode/internal/delegate"
	"github.com/gossipchain/netnode/internal/msgcache"
	"github.com/gossipchain/netnode/internal/p2p/conn"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/types"
)

// Broadcast advertises a block or transaction the chain has accepted
// locally. Peers fetch it from the message cache.
func (n *Node) Broadcast(ctx context.Context, msg wire.Message) error {
	var item types.ItemID
	switch m := msg.(type) {
	case *wire.BlockMessage:
		item = types.BlockItem(m.Block.ID())
	case *wire.TransactionMessage:
		item = types.TransactionItem(m.Transaction.ID())
	default:
		return ErrCannotBroadcast
	}

	hash, err := n.codec.Hash(msg)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", msg.Code(), err)
	}

	return n.exec(ctx, func() {
		now := time.Now()
		if m, ok := msg.(*wire.BlockMessage); ok && !n.recentlyAccepted.Contains(types.BlockID(item.Hash)) {
			n.onBlockAccepted(types.BlockID(item.Hash), &m.Block, false)
			n.trigger(triggerBacklog)
		}
		n.cacheAndAdvertise(msg, hash, item, msgcache.PropagationData{
			Received:   now,
			Validated:  now,
			Originator: n.nodeKey.ID,
		})
	})
}

// SyncFrom sets the hard fork schedule and tells the node which head the
// chain starts from. Called before Start it only records the values; on a
// running node every idle peer is asked for ids again.
func (n *Node) SyncFrom(ctx context.Context, head types.BlockID, hardForks []uint32) error {
	forks := append([]uint32(nil), hardForks...)
	sort.Slice(forks, func(i, j int) bool { return forks[i] < forks[j] })

	apply := func() {
		n.hardForks = forks
		if !head.IsZero() {
			n.recentlyAccepted.Add(head, struct{}{})
		}
		for _, s := range n.registry.Active() {
			if s.ItemIDsRequested == nil && s.NumIDsToGet() == 0 && s.IDsBeingProcessed.Cardinality() == 0 {
				n.startSynchronizingWithPeer(s)
			}
		}
	}

	if !n.IsRunning() {
		apply()
		return nil
	}
	return n.exec(ctx, apply)
}

// ConnectTo dials endpoint now, bypassing the reconnect backoff.
func (n *Node) ConnectTo(ctx context.Context, endpoint string) error {
	endpoint, err := conn.NormalizeAddress(endpoint)
	if err != nil {
		return err
	}

	var result error
	err = n.exec(ctx, func() {
		if _, ok := n.dialing[endpoint]; ok {
			result = ErrAlreadyConnected
			return
		}
		if _, ok := n.registry.FindByEndpoint(endpoint); ok {
			result = ErrAlreadyConnected
			return
		}
		if err := n.peerDB.AddAddress(endpoint, "", time.Now()); err != nil {
			result = err
			return
		}
		n.dial(endpoint)
	})
	if err != nil {
		return err
	}
	return result
}

// AddConnection adopts an established connection, for example one end of
// an in-process pipe, as a new handshaking session.
func (n *Node) AddConnection(ctx context.Context, c net.Conn, dir wire.Direction) (peers.ID, error) {
	wrapped := n.transport.Wrap(c)
	var id peers.ID
	err := n.exec(ctx, func() {
		if s := n.addConnection(wrapped, dir, c.RemoteAddr().String()); s != nil {
			id = s.ID()
		}
	})
	if err != nil {
		_ = wrapped.Close()
		return 0, err
	}
	if id == 0 {
		return 0, ErrNotRunning
	}
	return id, nil
}

// ListenAddress returns the address the node accepts connections on, or nil.
func (n *Node) ListenAddress() *net.TCPAddr {
	return n.transport.ListenAddress()
}

// Peers returns a snapshot of every session.
func (n *Node) Peers(ctx context.Context) ([]peers.Status, error) {
	var out []peers.Status
	err := n.exec(ctx, func() {
		for _, s := range n.registry.All() {
			out = append(out, s.Status())
		}
	})
	return out, err
}

// ActiveCount returns the number of active peers.
func (n *Node) ActiveCount(ctx context.Context) (int, error) {
	var count int
	err := n.exec(ctx, func() { count = n.registry.Count(peers.StateActive) })
	return count, err
}

// SetBandwidthLimits changes the node-wide upload and download limits, in
// bytes per second. Zero removes a limit.
func (n *Node) SetBandwidthLimits(upload, download int) {
	n.transport.Upload.SetLimit(upload)
	n.transport.Download.SetLimit(download)
}

// Stats summarizes the state of the node.
type Stats struct {
	Handshaking int
	Active      int
	Closing     int
	Terminating int

	BytesSent     uint64
	BytesReceived uint64

	SyncItemsRemaining uint32
	ReceivedSyncBlocks int
	BlocksInFlight     int
	SyncFetchSuspended bool
	DeliveriesPaused   bool
	FetchQueueSize     int
	BlockCacheSize     int
	TransactionCache   int

	UploadLimit   int
	DownloadLimit int
	Firewall      wire.FirewallState
}

// Stats returns a snapshot of the node's counters.
func (n *Node) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := n.exec(ctx, func() {
		st = Stats{
			Handshaking:        n.registry.Count(peers.StateHandshaking),
			Active:             n.registry.Count(peers.StateActive),
			Closing:            n.registry.Count(peers.StateClosing),
			Terminating:        n.registry.Count(peers.StateTerminating),
			BytesSent:          n.closedBytesSent,
			BytesReceived:      n.closedBytesReceived,
			SyncItemsRemaining: n.totalUnfetched,
			ReceivedSyncBlocks: len(n.receivedSyncItems),
			BlocksInFlight:     len(n.syncBlocksInFlight),
			SyncFetchSuspended: n.syncFetchSuspended,
			DeliveriesPaused:   n.deliveriesPaused,
			FetchQueueSize:     n.fetchQueue.Len(),
			BlockCacheSize:     n.blockCache.Len(),
			TransactionCache:   n.txCache.Len(),
			UploadLimit:        n.transport.Upload.Limit(),
			DownloadLimit:      n.transport.Download.Limit(),
			Firewall:           n.firewall,
		}
		for _, s := range n.registry.All() {
			st.BytesSent += s.Conn.BytesSent()
			st.BytesReceived += s.Conn.BytesReceived()
		}
	})
	return st, err
}

// DelegateCallStats returns the per-method statistics of calls into the
// chain.
func (n *Node) DelegateCallStats() []delegate.CallStats {
	return n.chain.Stats()
}
