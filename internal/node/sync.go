package node

import (
	"errors"
	"time"

	"github.com/gossipchain/netnode/internal/delegate"
	"github.com/gossipchain/netnode/internal/p2p/peerdb"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/internal/synopsis"
	"github.com/gossipchain/netnode/types"
)

// startSynchronizingWithPeer resets the sync cursor of s and sends it our
// synopsis.
func (n *Node) startSynchronizingWithPeer(s *peers.Session) {
	s.ResetSync()
	n.pruneReceivedSyncItems()
	n.fetchNextBatchOfItemIDsFromPeer(s)
}

// fetchNextBatchOfItemIDsFromPeer asks s for the block ids following the
// newest entry of our synopsis it recognizes.
func (n *Node) fetchNextBatchOfItemIDsFromPeer(s *peers.Session) {
	if s.ItemIDsRequested != nil || s.State() != peers.StateActive {
		return
	}

	syn, err := n.createBlockchainSynopsisForPeer(s)
	if err != nil {
		if errors.Is(err, delegate.ErrBlockOlderThanUndoHistory) {
			n.stopSyncingFromFork(s, s.LastBlockDelegateHasSeen)
			s.WeNeedSyncItemsFromPeer = false
			n.pruneReceivedSyncItems()
			return
		}
		n.disconnectFromPeer(s, &peerError{
			sessionID:   s.ID(),
			reason:      "unable to create a synopsis for you",
			err:         err,
			disposition: peerdb.DispositionProtocolViolation,
		})
		return
	}

	s.ItemIDsRequested = &peers.SynopsisRequest{Synopsis: syn, Sent: time.Now()}
	n.peerLogger(s).Debug("requesting block ids", "synopsis", len(syn), "pending", s.NumIDsToGet())
	n.send(s, &wire.FetchBlockchainItemIDs{ItemType: types.ItemTypeBlock, Synopsis: syn})
}

// createBlockchainSynopsisForPeer combines the chain's synopsis up to the
// last block the peer gave us with the ids we still have to fetch from it.
func (n *Node) createBlockchainSynopsisForPeer(s *peers.Session) ([]types.BlockID, error) {
	syn, err := n.chain.GetBlockchainSynopsis(s.LastBlockDelegateHasSeen, uint32(s.NumIDsToGet()))
	if err != nil {
		return nil, err
	}
	return synopsis.Extend(syn, s.IDsToGet()), nil
}

// onFetchBlockchainItemIDs serves a peer's synopsis request.
func (n *Node) onFetchBlockchainItemIDs(s *peers.Session, m *wire.FetchBlockchainItemIDs) error {
	if m.ItemType != types.ItemTypeBlock {
		return violation(s.ID(), "block ids requested for item type %s", m.ItemType)
	}

	reply := &wire.BlockchainItemIDsInventory{ItemType: types.ItemTypeBlock}
	ids, remaining, err := n.chain.GetBlockIDs(m.Synopsis, n.cfg.Sync.BlockIDsPerReply)
	unreachableFork := false
	switch {
	case errors.Is(err, delegate.ErrPeerOnUnreachableFork):
		unreachableFork = true
	case err != nil:
		n.peerLogger(s).Error("failed to look up block ids", "err", err)
	default:
		reply.IDs = ids
		reply.TotalRemaining = remaining
	}
	n.send(s, reply)

	switch {
	case len(reply.IDs) == 0:
		s.PeerNeedsSyncItemsFromUs = false
	case len(reply.IDs) == 1 && reply.TotalRemaining == 0 && synopsis.Contains(m.Synopsis, reply.IDs[0]):
		// the only id is one they already have
		s.PeerNeedsSyncItemsFromUs = false
	default:
		s.PeerNeedsSyncItemsFromUs = true
	}

	if unreachableFork && s.InhibitFetchingSyncBlocks {
		return violation(s.ID(), "You are on a fork I'm unable to switch to")
	}

	// The peer has something newer than we know about.
	if !s.WeNeedSyncItemsFromPeer && len(m.Synopsis) > 0 {
		newest := m.Synopsis[len(m.Synopsis)-1]
		if !n.chain.HasItem(types.BlockItem(newest)) {
			n.startSynchronizingWithPeer(s)
		}
	}
	return nil
}

// onBlockchainItemIDsInventory merges a reply to our synopsis into the
// peer's list of ids to fetch.
func (n *Node) onBlockchainItemIDsInventory(s *peers.Session, m *wire.BlockchainItemIDsInventory) error {
	if s.ItemIDsRequested == nil {
		return violation(s.ID(), "received block ids we did not ask for")
	}
	if m.ItemType != types.ItemTypeBlock {
		return violation(s.ID(), "received block ids for item type %s", m.ItemType)
	}
	sent := s.ItemIDsRequested.Synopsis
	if err := synopsis.ValidateReply(sent, m.IDs); err != nil {
		return &peerError{
			sessionID:   s.ID(),
			reason:      "invalid response to fetch_blockchain_item_ids",
			err:         err,
			disposition: peerdb.DispositionProtocolViolation,
		}
	}
	s.ItemIDsRequested = nil

	ids := m.IDs
	switch {
	case len(ids) == 0:

	case s.NumIDsToGet() == 0:
		// Drop the ids the chain already has unless another peer is about to
		// hand the same run to the backlog.
		if !n.isFrontOfOtherPeer(ids[0], s.ID()) {
			if k := n.chain.FindFirstItemNotInBlockchain(ids); k > 0 {
				n.markSeenByDelegate(s, ids[k-1])
				ids = ids[k:]
			}
		}

	default:
		// The reply starts at an entry of the synopsis we built from our
		// pending list. Everything past that entry is replaced.
		for back, ok := s.BackIDToGet(); ok && back != ids[0]; back, ok = s.BackIDToGet() {
			s.PopBackIDToGet()
		}
		if s.NumIDsToGet() == 0 {
			n.markSeenByDelegate(s, ids[0])
		} else {
			s.PopBackIDToGet()
		}
		if s.NumIDsToGet() == 0 && n.chain.HasItem(types.BlockItem(ids[0])) {
			ids = ids[1:]
		}
	}

	remaining := uint64(s.NumIDsToGet()) + uint64(len(ids)) + uint64(m.TotalRemaining)
	if err := synopsis.CheckPlausible(
		s.LastBlockTimeDelegateHasSeen,
		remaining,
		n.cfg.Sync.BlockInterval,
		n.chain.GetBlockchainNow(),
		n.cfg.Sync.FutureSyncGrace,
	); err != nil {
		return &peerError{
			sessionID:   s.ID(),
			reason:      "You offered me more sync blocks than could possibly exist",
			err:         err,
			disposition: peerdb.DispositionProtocolViolation,
		}
	}

	s.AppendIDsToGet(ids...)
	s.UnfetchedItemIDs = m.TotalRemaining
	n.updateUnfetchedCount()
	// blocks buffered for the replaced tail of the list
	n.pruneReceivedSyncItems()

	if s.NumIDsToGet() == 0 && m.TotalRemaining == 0 {
		if s.IDsBeingProcessed.Cardinality() == 0 {
			s.WeNeedSyncItemsFromPeer = false
			n.peerLogger(s).Debug("in sync with peer")
		}
		return nil
	}

	s.WeNeedSyncItemsFromPeer = true
	if m.TotalRemaining > 0 && s.NumIDsToGet() <= n.cfg.Sync.MinBlockIDsToPrefetch {
		n.fetchNextBatchOfItemIDsFromPeer(s)
		return nil
	}
	n.trigger(triggerSyncFetch)
	return nil
}

// markSeenByDelegate records that the chain has id from s's point of view.
func (n *Node) markSeenByDelegate(s *peers.Session, id types.BlockID) {
	s.LastBlockDelegateHasSeen = id
	s.LastBlockTimeDelegateHasSeen = n.chain.GetBlockTime(id)
}

// isFrontOfOtherPeer reports whether id is the next sync id of an active
// peer other than except.
func (n *Node) isFrontOfOtherPeer(id types.BlockID, except peers.ID) bool {
	for _, p := range n.registry.Active() {
		if p.ID() == except {
			continue
		}
		if front, ok := p.FrontIDToGet(); ok && front == id {
			return true
		}
	}
	return false
}

// updateUnfetchedCount reports the number of sync blocks left to fetch when
// it changes. The count is the longest remaining list of any peer.
func (n *Node) updateUnfetchedCount() {
	var total uint32
	for _, s := range n.registry.Active() {
		if c := uint32(s.NumIDsToGet()) + s.UnfetchedItemIDs; c > total {
			total = c
		}
	}
	if total != n.totalUnfetched {
		n.totalUnfetched = total
		n.chain.SyncStatus(types.ItemTypeBlock, total)
	}
}

// skipSyncID reports ids the sync fetcher must not request: already
// received, requested, in flight or accepted.
func (n *Node) skipSyncID(id types.BlockID) bool {
	if _, ok := n.receivedSyncItems[id]; ok {
		return true
	}
	if _, ok := n.activeSyncRequests[id]; ok {
		return true
	}
	if _, ok := n.syncBlocksInFlight[id]; ok {
		return true
	}
	return n.recentlyAccepted.Contains(id)
}

// fetchSyncItems requests the next batch of sync blocks from every idle
// peer. A block is requested from one peer at a time.
//
// While fetching is suspended only the id at the front of each list is
// requested, which is the one the backlog waits for.
func (n *Node) fetchSyncItems() {
	now := time.Now()
	for _, s := range n.registry.Active() {
		if !s.WeNeedSyncItemsFromPeer || s.InhibitFetchingSyncBlocks || !s.Idle() {
			continue
		}

		ids := s.IDsToGet()
		if n.syncFetchSuspended && len(ids) > 1 {
			ids = ids[:1]
		}
		var batch []types.BlockID
		for _, id := range ids {
			if n.skipSyncID(id) {
				continue
			}
			batch = append(batch, id)
			if len(batch) == n.cfg.Sync.SyncBatchPerPeer {
				break
			}
		}
		if len(batch) == 0 {
			continue
		}

		for _, id := range batch {
			s.SyncItemsRequested.Add(id)
			n.activeSyncRequests[id] = now
		}
		s.LastSyncItemReceived = now
		n.peerLogger(s).Debug("requesting sync blocks", "count", len(batch), "first", batch[0].Short())
		n.send(s, &wire.FetchItems{ItemType: types.ItemTypeBlock, Hashes: hashesOf(batch)})
	}
}

// onSyncBlock stores a block we requested during sync for the backlog.
func (n *Node) onSyncBlock(s *peers.Session, id types.BlockID, block *types.Block) {
	s.SyncItemsRequested.Remove(id)
	s.LastSyncItemReceived = time.Now()
	delete(n.activeSyncRequests, id)

	if !n.wantedBySyncList(id) {
		// the list that asked for it was replaced in the meantime
		n.trigger(triggerSyncFetch)
		return
	}
	n.receivedSyncItems[id] = block
	if len(n.receivedSyncItems) >= n.cfg.Sync.MaxBlocksToPrefetch {
		n.syncFetchSuspended = true
	}
	n.trigger(triggerBacklog | triggerSyncFetch)
}

// wantedBySyncList reports whether id is still on the sync list of an
// active peer we sync from.
func (n *Node) wantedBySyncList(id types.BlockID) bool {
	for _, s := range n.registry.Active() {
		if !s.InhibitFetchingSyncBlocks && s.HasIDToGet(id) {
			return true
		}
	}
	return false
}

// pruneReceivedSyncItems drops buffered sync blocks no active peer lists
// any more, then re-evaluates the fetch suspension.
func (n *Node) pruneReceivedSyncItems() {
	for id := range n.receivedSyncItems {
		if !n.wantedBySyncList(id) {
			delete(n.receivedSyncItems, id)
		}
	}
	n.maybeResumeSyncFetch()
}

// hashesOf converts block ids to plain hashes for fetch requests.
func hashesOf(ids []types.BlockID) []types.Hash {
	out := make([]types.Hash, len(ids))
	for i, id := range ids {
		out[i] = types.Hash(id)
	}
	return out
}
