// Package msgcache holds recently seen blocks and transactions so they can
// be served to peers that ask for them. Entries age by a block clock that
// advances once per accepted block, not by wall time.
package msgcache

import (
	"bytes"
	"errors"
	"time"

	"github.com/google/btree"

	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/types"
)

// ErrNotFound is returned for hashes that are not in the cache.
var ErrNotFound = errors.New("message not in cache")

// PropagationData records how a message reached us.
type PropagationData struct {
	Received   time.Time
	Validated  time.Time
	Originator types.NodeID
}

type entry struct {
	msg         wire.Message
	msgHash     types.Hash
	contentHash types.Hash
	clock       uint64
	propagation PropagationData
}

// clockKey orders entries by insertion clock, then by message hash.
type clockKey struct {
	clock uint64
	hash  types.Hash
}

func (k clockKey) Less(than btree.Item) bool {
	o := than.(clockKey)
	if k.clock != o.clock {
		return k.clock < o.clock
	}
	return bytes.Compare(k.hash[:], o.hash[:]) < 0
}

// Cache is not safe for concurrent use.
type Cache struct {
	window uint64
	clock  uint64

	byHash    map[types.Hash]*entry
	byContent map[types.Hash]*entry
	byClock   *btree.BTree
}

// New returns a cache that keeps entries for window accepted blocks.
func New(window uint32) *Cache {
	return &Cache{
		window:    uint64(window),
		byHash:    make(map[types.Hash]*entry),
		byContent: make(map[types.Hash]*entry),
		byClock:   btree.New(8),
	}
}

// Insert stores msg under its message hash and content hash. A message that
// is already cached keeps its original insertion clock.
func (c *Cache) Insert(msg wire.Message, msgHash, contentHash types.Hash, prop PropagationData) {
	if _, ok := c.byHash[msgHash]; ok {
		return
	}
	e := &entry{
		msg:         msg,
		msgHash:     msgHash,
		contentHash: contentHash,
		clock:       c.clock,
		propagation: prop,
	}
	c.byHash[msgHash] = e
	if _, ok := c.byContent[contentHash]; !ok {
		c.byContent[contentHash] = e
	}
	c.byClock.ReplaceOrInsert(clockKey{clock: e.clock, hash: msgHash})
}

// Get looks a message up by message hash.
func (c *Cache) Get(msgHash types.Hash) (wire.Message, error) {
	e, ok := c.byHash[msgHash]
	if !ok {
		return nil, ErrNotFound
	}
	return e.msg, nil
}

// GetByContentHash looks a message up by block or transaction id.
func (c *Cache) GetByContentHash(contentHash types.Hash) (wire.Message, error) {
	e, ok := c.byContent[contentHash]
	if !ok {
		return nil, ErrNotFound
	}
	return e.msg, nil
}

// GetPropagation returns the propagation data stored with the message
// carrying a block or transaction id.
func (c *Cache) GetPropagation(contentHash types.Hash) (PropagationData, error) {
	e, ok := c.byContent[contentHash]
	if !ok {
		return PropagationData{}, ErrNotFound
	}
	return e.propagation, nil
}

func (c *Cache) Contains(msgHash types.Hash) bool {
	_, ok := c.byHash[msgHash]
	return ok
}

func (c *Cache) ContainsByContentHash(contentHash types.Hash) bool {
	_, ok := c.byContent[contentHash]
	return ok
}

// OnBlockAccepted advances the block clock and evicts entries that fell
// out of the window.
func (c *Cache) OnBlockAccepted() {
	c.clock++
	if c.clock <= c.window {
		return
	}
	cutoff := c.clock - c.window

	for c.byClock.Len() > 0 {
		min := c.byClock.Min().(clockKey)
		if min.clock >= cutoff {
			break
		}
		c.byClock.DeleteMin()
		c.remove(min.hash)
	}
}

func (c *Cache) remove(msgHash types.Hash) {
	e, ok := c.byHash[msgHash]
	if !ok {
		return
	}
	delete(c.byHash, msgHash)
	if c.byContent[e.contentHash] == e {
		delete(c.byContent, e.contentHash)
	}
}

// Clock returns the current block clock.
func (c *Cache) Clock() uint64 { return c.clock }

// Len returns the number of cached messages.
func (c *Cache) Len() int { return len(c.byHash) }
