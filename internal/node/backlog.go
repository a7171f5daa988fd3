package node

import (
	"context"
	"errors"

	"github.com/gossipchain/netnode/internal/delegate"
	"github.com/gossipchain/netnode/internal/p2p/peerdb"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/types"
)

// nextBacklogItem returns the first id at the front of some active peer's
// sync list that can be handled now: it was received, or it is already
// accepted or in flight. Peers we stopped syncing from are skipped.
func (n *Node) nextBacklogItem(active []*peers.Session) (types.BlockID, *types.Block, bool) {
	for _, s := range active {
		if s.InhibitFetchingSyncBlocks {
			continue
		}
		front, ok := s.FrontIDToGet()
		if !ok {
			continue
		}
		if block, ok := n.receivedSyncItems[front]; ok {
			return front, block, true
		}
		if _, ok := n.syncBlocksInFlight[front]; ok {
			return front, nil, true
		}
		if n.recentlyAccepted.Contains(front) {
			return front, nil, true
		}
	}
	return types.BlockID{}, nil, false
}

// processBacklog hands received sync blocks to the chain in the order the
// peers listed them. A block is only delivered once it is at the front of a
// peer's list, so the chain never sees a block before its parent.
func (n *Node) processBacklog() {
	defer n.updateUnfetchedCount()

	// Once the cap is hit, deliveries resume only after half of them
	// returned.
	if n.deliveriesPaused {
		if len(n.syncBlocksInFlight) >= n.cfg.Sync.MaxBlocksInFlight/2 {
			return
		}
		n.deliveriesPaused = false
	}

	for len(n.syncBlocksInFlight) < n.cfg.Sync.MaxBlocksInFlight {
		active := n.registry.Active()
		id, block, ok := n.nextBacklogItem(active)
		if !ok {
			break
		}
		delete(n.receivedSyncItems, id)

		for _, s := range active {
			if s.InhibitFetchingSyncBlocks {
				continue
			}
			if front, ok := s.FrontIDToGet(); ok && front == id {
				s.PopFrontIDToGet()
				s.IDsBeingProcessed.Add(id)
			}
		}

		if _, inFlight := n.syncBlocksInFlight[id]; inFlight {
			// the pending result will release these peers
			continue
		}
		if block == nil || n.recentlyAccepted.Contains(id) {
			n.onRedundantSyncBlock(id)
			continue
		}

		n.syncBlocksInFlight[id] = struct{}{}
		n.submitBlock(block, true, func(err error) { n.onSyncBlockHandled(id, block, err) })
	}

	if len(n.syncBlocksInFlight) >= n.cfg.Sync.MaxBlocksInFlight {
		n.deliveriesPaused = true
		n.syncFetchSuspended = true
	} else {
		n.maybeResumeSyncFetch()
	}
}

// maybeResumeSyncFetch lifts the sync fetch suspension once fewer than half
// the allowed deliveries are in flight and the received buffer has room.
func (n *Node) maybeResumeSyncFetch() {
	if n.syncFetchSuspended &&
		len(n.syncBlocksInFlight) < n.cfg.Sync.MaxBlocksInFlight/2 &&
		len(n.receivedSyncItems) < n.cfg.Sync.MaxBlocksToPrefetch {
		n.syncFetchSuspended = false
		n.trigger(triggerSyncFetch)
	}
}

// submitBlock delivers a block to the chain on the block executor. Blocks
// are delivered one at a time in submission order; done runs on the event
// loop.
func (n *Node) submitBlock(block *types.Block, syncMode bool, done func(error)) {
	ctx := n.ctx
	n.blockExec.Submit(func() {
		err := n.chain.HandleBlock(ctx, block, syncMode)
		n.post(func() { done(err) })
	})
}

// onRedundantSyncBlock releases peers waiting on a block the chain already
// has.
func (n *Node) onRedundantSyncBlock(id types.BlockID) {
	for _, s := range n.registry.Active() {
		if !s.IDsBeingProcessed.Contains(id) {
			continue
		}
		s.IDsBeingProcessed.Remove(id)
		n.markSeenByDelegate(s, id)
		n.continueSyncWithPeer(s)
	}
	n.trigger(triggerBacklog | triggerSyncFetch)
}

// continueSyncWithPeer asks for more ids once everything s gave us is
// processed.
func (n *Node) continueSyncWithPeer(s *peers.Session) {
	if s.NumIDsToGet() == 0 && s.IDsBeingProcessed.Cardinality() == 0 && s.ItemIDsRequested == nil {
		n.fetchNextBatchOfItemIDsFromPeer(s)
	}
}

// onSyncBlockHandled runs on the event loop with the chain's verdict on a
// sync block.
func (n *Node) onSyncBlockHandled(id types.BlockID, block *types.Block, err error) {
	delete(n.syncBlocksInFlight, id)
	n.maybeResumeSyncFetch()
	n.trigger(triggerBacklog | triggerSyncFetch)

	switch {
	case err == nil:
		n.onBlockAccepted(id, block, true)

		for _, s := range n.registry.Active() {
			if s.IDsBeingProcessed.Contains(id) {
				s.IDsBeingProcessed.Remove(id)
				s.LastBlockDelegateHasSeen = id
				s.LastBlockTimeDelegateHasSeen = block.Timestamp
				n.continueSyncWithPeer(s)
			} else if s.NumIDsToGet() == 0 && s.IDsBeingProcessed.Cardinality() == 0 &&
				s.FullySynced() && s.ItemIDsRequested == nil {
				// let peers that were in sync learn about our new head
				n.startSynchronizingWithPeer(s)
			}
		}

	case errors.Is(err, context.Canceled):
		return

	case errors.Is(err, delegate.ErrBlockOlderThanUndoHistory),
		errors.Is(err, delegate.ErrUnlinkableBlock) && n.forkTooOld.Contains(block.Previous):
		// Successors of a rejected fork block are unlinkable; they carry the
		// same verdict.
		n.forkTooOld.Add(id, struct{}{})
		for _, s := range n.registry.Active() {
			if s.IDsBeingProcessed.Contains(id) {
				s.IDsBeingProcessed.Remove(id)
				n.stopSyncingFromFork(s, id)
			}
		}
		n.pruneReceivedSyncItems()

	default:
		n.logger.Info("chain rejected sync block", "block", id.Short(), "err", err)
		for _, s := range n.registry.Active() {
			if s.IDsBeingProcessed.Contains(id) || s.HasIDToGet(id) {
				n.disconnectFromPeer(s, &peerError{
					sessionID:   s.ID(),
					reason:      "You offered us a block that we reject as invalid",
					err:         err,
					disposition: peerdb.DispositionProtocolViolation,
				})
			}
		}
	}
}

// stopSyncingFromFork stops fetching sync blocks from a peer whose chain
// forks off before our undo history. The peer stays connected.
func (n *Node) stopSyncingFromFork(s *peers.Session, id types.BlockID) {
	if !s.InhibitFetchingSyncBlocks {
		n.peerLogger(s).Info("peer is on a fork we cannot switch to", "block", id.Short())
	}
	s.InhibitFetchingSyncBlocks = true
	s.ClearIDsToGet()
	s.UnfetchedItemIDs = 0
	n.updateUnfetchedCount()
}

// onBlockAccepted does the bookkeeping shared by every block the chain
// accepted, whether synced, gossiped or produced locally.
func (n *Node) onBlockAccepted(id types.BlockID, block *types.Block, syncMode bool) {
	n.recentlyAccepted.Add(id, struct{}{})
	n.blockCache.OnBlockAccepted()
	n.txCache.OnBlockAccepted()
	for i := range block.Transactions {
		n.fetchQueue.Remove(types.TransactionItem(block.Transactions[i].ID()))
	}
	n.metrics.BlocksAccepted.With("sync", boolLabel(syncMode)).Add(1)
	n.checkHardFork(block.Number())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
