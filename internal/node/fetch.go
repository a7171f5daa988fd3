package node

import (
	"context"
	"errors"
	"time"

	"github.com/gossipchain/netnode/internal/delegate"
	"github.com/gossipchain/netnode/internal/itemqueue"
	"github.com/gossipchain/netnode/internal/msgcache"
	"github.com/gossipchain/netnode/internal/p2p/peerdb"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/types"
)

// maxHashesPerMessage bounds the hashes carried by one fetch_items or
// item_ids_inventory message.
const maxHashesPerMessage = 1000

func (n *Node) cacheFor(t types.ItemType) *msgcache.Cache {
	if t == types.ItemTypeBlock {
		return n.blockCache
	}
	return n.txCache
}

// haveItem reports whether item needs no fetching: it is cached, being
// handled, known to the chain or part of the running sync.
func (n *Node) haveItem(item types.ItemID) bool {
	if n.cacheFor(item.Type).ContainsByContentHash(item.Hash) {
		return true
	}
	if _, ok := n.liveInFlight[item]; ok {
		return true
	}
	if item.Type == types.ItemTypeBlock && n.skipSyncID(types.BlockID(item.Hash)) {
		return true
	}
	return n.chain.HasItem(item)
}

// itemRequested reports whether item is outstanding with some active peer.
func (n *Node) itemRequested(item types.ItemID) bool {
	for _, s := range n.registry.Active() {
		if _, ok := s.ItemsRequested[item]; ok {
			return true
		}
	}
	return false
}

type assignment struct {
	session *peers.Session
	item    types.ItemID
}

// fetchItems hands queued live items to the peers that advertised them,
// preferring the least loaded peer. Items no peer delivered within the
// fetch expiry are dropped.
func (n *Node) fetchItems() {
	now := time.Now()
	for _, p := range n.fetchQueue.RemoveOlderThan(now.Add(-n.cfg.Sync.FetchExpiry())) {
		n.logger.Debug("dropping item nobody delivered", "item", p.ItemID)
	}
	if n.fetchQueue.Len() == 0 {
		return
	}

	active := n.registry.Active()
	load := make(map[peers.ID]int, len(active))
	for _, s := range active {
		load[s.ID()] = len(s.ItemsRequested)
	}

	var (
		assigned []assignment
		wake     time.Time
	)
	n.fetchQueue.Ascend(func(p itemqueue.PrioritizedItemID) bool {
		var best *peers.Session
		for _, s := range active {
			if load[s.ID()] >= n.cfg.Sync.LiveItemsPerPeer || !s.AdvertisedToUs.Contains(p.ItemID) {
				continue
			}
			if p.Type == types.ItemTypeTransaction && s.TransactionsInhibited(now) {
				if wake.IsZero() || s.InhibitTransactionsUntil.Before(wake) {
					wake = s.InhibitTransactionsUntil
				}
				continue
			}
			if best == nil || load[s.ID()] < load[best.ID()] {
				best = s
			}
		}
		if best != nil {
			load[best.ID()]++
			assigned = append(assigned, assignment{session: best, item: p.ItemID})
		}
		return true
	})

	// Requests are grouped per peer and item type, blocks first since the
	// queue yields them first.
	type batchKey struct {
		id peers.ID
		t  types.ItemType
	}
	var (
		order   []batchKey
		batches = make(map[batchKey][]types.Hash)
		byID    = make(map[peers.ID]*peers.Session)
	)
	for _, a := range assigned {
		n.fetchQueue.Remove(a.item)
		a.session.ItemsRequested[a.item] = now

		key := batchKey{id: a.session.ID(), t: a.item.Type}
		if _, ok := batches[key]; !ok {
			order = append(order, key)
		}
		batches[key] = append(batches[key], a.item.Hash)
		byID[key.id] = a.session
	}
	for _, key := range order {
		s := byID[key.id]
		if s.State() != peers.StateActive {
			continue
		}
		hashes := batches[key]
		n.peerLogger(s).Debug("requesting items", "type", key.t, "count", len(hashes))
		n.send(s, &wire.FetchItems{ItemType: key.t, Hashes: hashes})
	}

	if !wake.IsZero() && n.fetchQueue.Len() > 0 && (n.fetchWakeAt.IsZero() || wake.Before(n.fetchWakeAt)) {
		n.fetchWakeAt = wake
		n.fetchWake.Reset(time.Until(wake))
	}
}

// onItemIDsInventory records a peer's advertisement and queues the items we
// do not have.
func (n *Node) onItemIDsInventory(s *peers.Session, m *wire.ItemIDsInventory) error {
	if !m.ItemType.Valid() {
		return violation(s.ID(), "inventory for unknown item type %s", m.ItemType)
	}
	if len(m.Hashes) > maxHashesPerMessage {
		return violation(s.ID(), "inventory of %d items exceeds %d", len(m.Hashes), maxHashesPerMessage)
	}

	now := time.Now()
	s.AdvertisedToUs.Prune(now.Add(-n.cfg.Sync.InventoryTTL))

	limit := int(n.cfg.Sync.InventoryTTL / n.cfg.Sync.BlockInterval)
	if m.ItemType == types.ItemTypeTransaction {
		limit = int(n.cfg.Sync.InventoryTTL.Seconds()) * n.cfg.Sync.MaxTransactionsPerSecond
	}

	queued := false
	for _, h := range m.Hashes {
		item := types.NewItemID(m.ItemType, h)
		if s.AdvertisedToUs.Count(m.ItemType) >= limit && !s.AdvertisedToUs.Contains(item) {
			return violation(s.ID(), "You are sending us more %s inventory than could be legitimate", m.ItemType)
		}
		s.AdvertisedToUs.Add(item, now)

		if n.recentlyFailed.Contains(item) || n.haveItem(item) || n.itemRequested(item) {
			continue
		}
		n.fetchQueue.Push(item, now)
		queued = true
	}
	if queued {
		n.trigger(triggerFetch)
	}
	return nil
}

// onItemNotAvailable handles a peer that cannot serve an item we asked for.
func (n *Node) onItemNotAvailable(s *peers.Session, m *wire.ItemNotAvailable) error {
	item := m.Item

	if item.Type == types.ItemTypeBlock {
		id := types.BlockID(item.Hash)
		if s.SyncItemsRequested.Contains(id) {
			s.SyncItemsRequested.Remove(id)
			delete(n.activeSyncRequests, id)
			n.trigger(triggerSyncFetch)
			if s.PeerNeedsSyncItemsFromUs {
				// The peer most likely switched forks while we synced from
				// it.
				s.InhibitFetchingSyncBlocks = true
				n.pruneReceivedSyncItems()
				return nil
			}
			return &peerError{
				sessionID:   s.ID(),
				reason:      "You are missing a sync item you claim to have, your database is probably corrupted",
				disposition: peerdb.DispositionProtocolViolation,
			}
		}
	}

	if _, ok := s.ItemsRequested[item]; !ok {
		n.peerLogger(s).Debug("peer does not have an item we did not ask for", "item", item)
		return nil
	}
	delete(s.ItemsRequested, item)
	s.AdvertisedToUs.Remove(item)
	if n.advertisedByActivePeer(item, s.ID()) {
		n.fetchQueue.Push(item, time.Now())
	}
	n.trigger(triggerFetch)
	return nil
}

// lookupItem finds an item we can serve: cached messages first, then blocks
// from the chain.
func (n *Node) lookupItem(item types.ItemID) wire.Message {
	cache := n.cacheFor(item.Type)
	if msg, err := cache.GetByContentHash(item.Hash); err == nil {
		return msg
	}
	if msg, err := cache.Get(item.Hash); err == nil {
		return msg
	}
	if item.Type == types.ItemTypeBlock {
		if block, err := n.chain.GetBlock(types.BlockID(item.Hash)); err == nil {
			return &wire.BlockMessage{Block: *block}
		}
	}
	return nil
}

// onFetchItems serves a peer's request for blocks or transactions.
func (n *Node) onFetchItems(s *peers.Session, m *wire.FetchItems) error {
	if !m.ItemType.Valid() {
		return violation(s.ID(), "fetch for unknown item type %s", m.ItemType)
	}
	if len(m.Hashes) > maxHashesPerMessage {
		return violation(s.ID(), "fetch of %d items exceeds %d", len(m.Hashes), maxHashesPerMessage)
	}

	now := time.Now()
	for _, h := range m.Hashes {
		item := types.NewItemID(m.ItemType, h)
		msg := n.lookupItem(item)
		if msg == nil {
			if !n.send(s, &wire.ItemNotAvailable{Item: item}) {
				return nil
			}
			continue
		}
		s.AdvertisedToPeer.Add(item, now)
		if !n.send(s, msg) {
			return nil
		}
	}
	return nil
}

// onBlock routes a received block to the sync backlog or the live path.
func (n *Node) onBlock(s *peers.Session, m *wire.BlockMessage, hash types.Hash) error {
	block := &m.Block
	if err := block.ValidateBasic(); err != nil {
		return &peerError{
			sessionID:   s.ID(),
			reason:      "You sent me a malformed block",
			err:         err,
			disposition: peerdb.DispositionProtocolViolation,
		}
	}
	id := block.ID()

	if s.SyncItemsRequested.Contains(id) {
		n.onSyncBlock(s, id, block)
		return nil
	}

	item := types.BlockItem(id)
	if _, ok := s.ItemsRequested[item]; !ok {
		return violation(s.ID(), "You sent me a block that I didn't ask for")
	}
	delete(s.ItemsRequested, item)
	n.trigger(triggerFetch)

	if n.recentlyAccepted.Contains(id) {
		return nil
	}
	if _, ok := n.liveInFlight[item]; ok {
		return nil
	}
	if _, ok := n.syncBlocksInFlight[id]; ok {
		return nil
	}

	n.liveInFlight[item] = struct{}{}
	prop := msgcache.PropagationData{Received: time.Now(), Originator: s.NodeID}
	origin := s.ID()
	n.submitBlock(block, false, func(err error) {
		n.onLiveBlockHandled(origin, m, hash, prop, err)
	})
	return nil
}

// onLiveBlockHandled runs on the event loop with the chain's verdict on a
// gossiped block.
func (n *Node) onLiveBlockHandled(origin peers.ID, m *wire.BlockMessage, hash types.Hash, prop msgcache.PropagationData, err error) {
	block := &m.Block
	id := block.ID()
	item := types.BlockItem(id)
	delete(n.liveInFlight, item)
	s, ok := n.registry.Get(origin)
	if ok && s.State() != peers.StateActive {
		ok = false
	}

	switch {
	case err == nil:
		n.onBlockAccepted(id, block, false)
		for _, p := range n.registry.Active() {
			if p.AdvertisedToUs.Contains(item) && p.NumIDsToGet() == 0 && p.ItemIDsRequested == nil {
				p.LastBlockDelegateHasSeen = id
				p.LastBlockTimeDelegateHasSeen = block.Timestamp
			}
		}
		prop.Validated = time.Now()
		n.cacheAndAdvertise(m, hash, item, prop)
		n.trigger(triggerBacklog)

	case errors.Is(err, context.Canceled):

	case errors.Is(err, delegate.ErrUnlinkableBlock):
		// We are behind the peer; catch up through sync.
		if ok && !s.WeNeedSyncItemsFromPeer {
			n.startSynchronizingWithPeer(s)
		}

	case errors.Is(err, delegate.ErrBlockOlderThanUndoHistory):
		n.logger.Info("ignoring block on a fork we cannot switch to", "block", id.Short())

	default:
		n.recentlyFailed.Add(item, struct{}{})
		if ok {
			n.disconnectFromPeer(s, &peerError{
				sessionID:   origin,
				reason:      "You offered us a block that we reject as invalid",
				err:         err,
				disposition: peerdb.DispositionProtocolViolation,
			})
		}
	}
}

// onTransaction hands a requested transaction to the chain.
func (n *Node) onTransaction(s *peers.Session, m *wire.TransactionMessage, hash types.Hash) error {
	tx := &m.Transaction
	if err := tx.ValidateBasic(); err != nil {
		return &peerError{
			sessionID:   s.ID(),
			reason:      "You sent me a malformed transaction",
			err:         err,
			disposition: peerdb.DispositionProtocolViolation,
		}
	}

	item := types.TransactionItem(tx.ID())
	if _, ok := s.ItemsRequested[item]; !ok {
		return violation(s.ID(), "You sent me a transaction that I didn't ask for")
	}
	delete(s.ItemsRequested, item)
	n.trigger(triggerFetch)

	if n.txCache.ContainsByContentHash(item.Hash) {
		return nil
	}
	if _, ok := n.liveInFlight[item]; ok {
		return nil
	}
	n.liveInFlight[item] = struct{}{}

	ctx := n.ctx
	origin := s.ID()
	prop := msgcache.PropagationData{Received: time.Now(), Originator: s.NodeID}
	n.txExec.Submit(func() {
		err := n.chain.HandleTransaction(ctx, tx)
		n.post(func() { n.onTransactionHandled(origin, m, hash, prop, err) })
	})
	return nil
}

// onTransactionHandled runs on the event loop with the chain's verdict on a
// transaction.
func (n *Node) onTransactionHandled(origin peers.ID, m *wire.TransactionMessage, hash types.Hash, prop msgcache.PropagationData, err error) {
	item := types.TransactionItem(m.Transaction.ID())
	delete(n.liveInFlight, item)
	s, ok := n.registry.Get(origin)
	if ok && s.State() != peers.StateActive {
		ok = false
	}

	switch {
	case err == nil:
		prop.Validated = time.Now()
		n.cacheAndAdvertise(m, hash, item, prop)

	case errors.Is(err, context.Canceled):

	case errors.Is(err, delegate.ErrInsufficientRelayFee):
		n.recentlyFailed.Add(item, struct{}{})
		if ok {
			n.peerLogger(s).Debug("peer relayed an underpriced transaction", "tx", item.Hash.Short())
			s.InhibitTransactionsUntil = time.Now().Add(n.cfg.Sync.RelayFeePenalty)
		}

	default:
		n.recentlyFailed.Add(item, struct{}{})
		if ok {
			n.disconnectFromPeer(s, &peerError{
				sessionID:   origin,
				reason:      "You offered us a transaction that we reject as invalid",
				err:         err,
				disposition: peerdb.DispositionProtocolViolation,
			})
		}
	}
}
