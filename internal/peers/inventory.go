package peers

import (
	"time"

	"github.com/ef-ds/deque"

	"github.com/gossipchain/netnode/types"
)

type inventoryEntry struct {
	id   types.ItemID
	seen time.Time
}

// InventorySet is a set of item ids, each stamped with the time it was
// added. Entries are pruned in insertion order once they are older than a
// TTL. It is not safe for concurrent use.
type InventorySet struct {
	items  map[types.ItemID]time.Time
	order  deque.Deque
	counts map[types.ItemType]int
}

func NewInventorySet() *InventorySet {
	return &InventorySet{
		items:  make(map[types.ItemID]time.Time),
		counts: make(map[types.ItemType]int),
	}
}

// Add inserts id stamped with now. Ids already present keep their stamp.
func (s *InventorySet) Add(id types.ItemID, now time.Time) bool {
	if _, ok := s.items[id]; ok {
		return false
	}
	s.items[id] = now
	s.counts[id.Type]++
	s.order.PushBack(inventoryEntry{id: id, seen: now})
	return true
}

func (s *InventorySet) Contains(id types.ItemID) bool {
	_, ok := s.items[id]
	return ok
}

// Seen returns when id was added.
func (s *InventorySet) Seen(id types.ItemID) (time.Time, bool) {
	t, ok := s.items[id]
	return t, ok
}

func (s *InventorySet) Remove(id types.ItemID) bool {
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	s.counts[id.Type]--
	return true
}

// Prune removes entries added before cutoff and returns how many went.
func (s *InventorySet) Prune(cutoff time.Time) int {
	removed := 0
	for {
		v, ok := s.order.Front()
		if !ok {
			break
		}
		e := v.(inventoryEntry)
		if !e.seen.Before(cutoff) {
			break
		}
		s.order.PopFront()

		// entries removed or re-added since are stale in the queue
		if seen, ok := s.items[e.id]; ok && seen.Equal(e.seen) {
			delete(s.items, e.id)
			s.counts[e.id.Type]--
			removed++
		}
	}
	return removed
}

func (s *InventorySet) Len() int { return len(s.items) }

// Count returns how many entries of the given type the set holds.
func (s *InventorySet) Count(t types.ItemType) int { return s.counts[t] }

// Each calls fn for every entry in no particular order.
func (s *InventorySet) Each(fn func(id types.ItemID, seen time.Time)) {
	for id, seen := range s.items {
		fn(id, seen)
	}
}

// Clear empties the set.
func (s *InventorySet) Clear() {
	s.items = make(map[types.ItemID]time.Time)
	s.counts = make(map[types.ItemType]int)
	s.order = deque.Deque{}
}
