package node

import (
	"time"

	"github.com/gossipchain/netnode/internal/msgcache"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/types"
)

// cacheAndAdvertise stores an accepted item so peers can fetch it and
// queues it for advertisement.
func (n *Node) cacheAndAdvertise(msg wire.Message, msgHash types.Hash, item types.ItemID, prop msgcache.PropagationData) {
	n.cacheFor(item.Type).Insert(msg, msgHash, item.Hash, prop)
	n.fetchQueue.Remove(item)
	n.addNewInventory(item)
}

func (n *Node) addNewInventory(item types.ItemID) {
	if _, ok := n.newInventorySet[item]; ok {
		return
	}
	n.newInventorySet[item] = struct{}{}
	n.newInventory = append(n.newInventory, item)
	n.trigger(triggerAdvertise)
}

// advertiseInventory offers the new items to every active peer that is not
// syncing from us. An item is never offered back to the peer we got it
// from, to a peer that offered it to us, or to one we already offered it to
// within the inventory TTL.
func (n *Node) advertiseInventory() {
	if len(n.newInventory) == 0 {
		return
	}
	items := n.newInventory
	n.newInventory = nil
	n.newInventorySet = make(map[types.ItemID]struct{})

	now := time.Now()
	cutoff := now.Add(-n.cfg.Sync.InventoryTTL)
	for _, s := range n.registry.Active() {
		if s.PeerNeedsSyncItemsFromUs {
			continue
		}
		s.AdvertisedToPeer.Prune(cutoff)

		var blocks, txs []types.Hash
		for _, item := range items {
			if s.AdvertisedToUs.Contains(item) || s.AdvertisedToPeer.Contains(item) ||
				n.originatedBy(item, s) {
				continue
			}
			s.AdvertisedToPeer.Add(item, now)
			if item.Type == types.ItemTypeBlock {
				blocks = append(blocks, item.Hash)
			} else {
				txs = append(txs, item.Hash)
			}
		}

		if !n.sendInventory(s, types.ItemTypeBlock, blocks) {
			continue
		}
		n.sendInventory(s, types.ItemTypeTransaction, txs)
	}
}

// originatedBy reports whether item reached us from s.
func (n *Node) originatedBy(item types.ItemID, s *peers.Session) bool {
	if s.NodeID == "" {
		return false
	}
	prop, err := n.cacheFor(item.Type).GetPropagation(item.Hash)
	return err == nil && prop.Originator == s.NodeID
}

// sendInventory sends hashes in messages of at most maxHashesPerMessage.
func (n *Node) sendInventory(s *peers.Session, t types.ItemType, hashes []types.Hash) bool {
	for len(hashes) > 0 {
		k := len(hashes)
		if k > maxHashesPerMessage {
			k = maxHashesPerMessage
		}
		if !n.send(s, &wire.ItemIDsInventory{ItemType: t, Hashes: hashes[:k]}) {
			return false
		}
		hashes = hashes[k:]
	}
	return true
}
