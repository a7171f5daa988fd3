package itemqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/gossipchain/netnode/types"
)

func item(t types.ItemType, s string) types.ItemID {
	return types.NewItemID(t, types.HashBytes([]byte(s)))
}

// pop removes and returns the highest priority item.
func pop(q *Queue) (PrioritizedItemID, bool) {
	var (
		first PrioritizedItemID
		found bool
	)
	q.Ascend(func(p PrioritizedItemID) bool {
		first, found = p, true
		return false
	})
	if found {
		q.Remove(first.ItemID)
	}
	return first, found
}

func TestQueueOrdering(t *testing.T) {
	q := New()
	now := time.Now()

	tx1 := item(types.ItemTypeTransaction, "tx1")
	b1 := item(types.ItemTypeBlock, "b1")
	tx2 := item(types.ItemTypeTransaction, "tx2")
	b2 := item(types.ItemTypeBlock, "b2")

	for _, id := range []types.ItemID{tx1, b1, tx2, b2} {
		require.True(t, q.Push(id, now))
	}
	require.False(t, q.Push(b1, now))
	require.Equal(t, 4, q.Len())

	var order []types.ItemID
	for {
		p, ok := pop(q)
		if !ok {
			break
		}
		order = append(order, p.ItemID)
	}
	require.Equal(t, []types.ItemID{b1, b2, tx1, tx2}, order)
}

func TestQueueExpiresByFirstDiscovery(t *testing.T) {
	q := New()
	start := time.Unix(1000, 0)

	a := item(types.ItemTypeTransaction, "a")
	b := item(types.ItemTypeTransaction, "b")
	require.True(t, q.Push(a, start))
	require.True(t, q.Push(b, start.Add(time.Minute)))

	// advertised again later, still expires by when it was first seen
	require.False(t, q.Push(a, start.Add(2*time.Minute)))

	stale := q.RemoveOlderThan(start.Add(time.Second))
	require.Len(t, stale, 1)
	require.Equal(t, a, stale[0].ItemID)
	require.Equal(t, start, stale[0].Discovered)
	require.True(t, q.Contains(b))
	require.False(t, q.Contains(a))

	require.True(t, q.Remove(b))
	require.False(t, q.Remove(b))
	require.Zero(t, q.Len())
}

func TestQueueProperties(t *testing.T) {
	rapid.Check(t, rapid.Run(&queueModel{}))
}

type queueModel struct {
	q *Queue

	blocks []types.ItemID
	txs    []types.ItemID
}

func (m *queueModel) Init(t *rapid.T) {
	m.q = New()
	m.blocks = nil
	m.txs = nil
}

func (m *queueModel) Push(t *rapid.T) {
	isBlock := rapid.Bool().Draw(t, "block").(bool)
	key := rapid.IntRange(0, 30).Draw(t, "key").(int)

	typ := types.ItemTypeTransaction
	if isBlock {
		typ = types.ItemTypeBlock
	}
	id := item(typ, string(rune('a'+key)))

	added := m.q.Push(id, time.Now())
	require.Equal(t, !m.contains(id), added)
	if !added {
		return
	}
	if isBlock {
		m.blocks = append(m.blocks, id)
	} else {
		m.txs = append(m.txs, id)
	}
}

func (m *queueModel) Pop(t *rapid.T) {
	p, ok := pop(m.q)
	switch {
	case len(m.blocks) > 0:
		require.True(t, ok)
		require.Equal(t, m.blocks[0], p.ItemID)
		m.blocks = m.blocks[1:]
	case len(m.txs) > 0:
		require.True(t, ok)
		require.Equal(t, m.txs[0], p.ItemID)
		m.txs = m.txs[1:]
	default:
		require.False(t, ok)
	}
}

func (m *queueModel) Remove(t *rapid.T) {
	all := append(append([]types.ItemID{}, m.blocks...), m.txs...)
	if len(all) == 0 {
		return
	}
	id := all[rapid.IntRange(0, len(all)-1).Draw(t, "index").(int)]
	require.True(t, m.q.Remove(id))
	m.blocks = without(m.blocks, id)
	m.txs = without(m.txs, id)
}

func (m *queueModel) Check(t *rapid.T) {
	require.Equal(t, len(m.blocks)+len(m.txs), m.q.Len())

	var got []types.ItemID
	m.q.Ascend(func(p PrioritizedItemID) bool {
		got = append(got, p.ItemID)
		return true
	})
	want := append(append([]types.ItemID{}, m.blocks...), m.txs...)
	if len(want) == 0 {
		require.Empty(t, got)
		return
	}
	require.Equal(t, want, got)
}

func (m *queueModel) contains(id types.ItemID) bool {
	for _, x := range m.blocks {
		if x == id {
			return true
		}
	}
	for _, x := range m.txs {
		if x == id {
			return true
		}
	}
	return false
}

func without(list []types.ItemID, id types.ItemID) []types.ItemID {
	for i, x := range list {
		if x == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
