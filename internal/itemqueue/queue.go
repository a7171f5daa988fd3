// Package itemqueue implements the ordered set of items waiting to be
// fetched from peers. Blocks always come before transactions; within a type
// items are served in discovery order.
package itemqueue

import (
	"time"

	"github.com/google/btree"

	"github.com/gossipchain/netnode/types"
)

// PrioritizedItemID is an item waiting to be fetched.
type PrioritizedItemID struct {
	types.ItemID
	Seq        uint64
	Discovered time.Time
}

// Less orders blocks before transactions, then by sequence number.
func (p PrioritizedItemID) Less(than btree.Item) bool {
	o := than.(PrioritizedItemID)
	if p.Type != o.Type {
		return p.Type == types.ItemTypeBlock
	}
	return p.Seq < o.Seq
}

// Queue is unique by ItemID. It is not safe for concurrent use.
type Queue struct {
	seq   uint64
	tree  *btree.BTree
	items map[types.ItemID]PrioritizedItemID
}

func New() *Queue {
	return &Queue{
		tree:  btree.New(8),
		items: make(map[types.ItemID]PrioritizedItemID),
	}
}

// Push queues id unless it is already queued. It reports whether the item
// was added. A queued item keeps the time it was first discovered.
func (q *Queue) Push(id types.ItemID, now time.Time) bool {
	if _, ok := q.items[id]; ok {
		return false
	}
	q.seq++
	p := PrioritizedItemID{ItemID: id, Seq: q.seq, Discovered: now}
	q.items[id] = p
	q.tree.ReplaceOrInsert(p)
	return true
}

// Remove drops id from the queue.
func (q *Queue) Remove(id types.ItemID) bool {
	p, ok := q.items[id]
	if !ok {
		return false
	}
	delete(q.items, id)
	q.tree.Delete(p)
	return true
}

func (q *Queue) Contains(id types.ItemID) bool {
	_, ok := q.items[id]
	return ok
}

func (q *Queue) Len() int { return len(q.items) }

// Ascend calls fn for every item in priority order until fn returns false.
// fn must not modify the queue.
func (q *Queue) Ascend(fn func(PrioritizedItemID) bool) {
	q.tree.Ascend(func(i btree.Item) bool {
		return fn(i.(PrioritizedItemID))
	})
}

// RemoveOlderThan drops items discovered before cutoff and returns them.
func (q *Queue) RemoveOlderThan(cutoff time.Time) []PrioritizedItemID {
	var stale []PrioritizedItemID
	q.Ascend(func(p PrioritizedItemID) bool {
		if p.Discovered.Before(cutoff) {
			stale = append(stale, p)
		}
		return true
	})
	for _, p := range stale {
		q.Remove(p.ItemID)
	}
	return stale
}
