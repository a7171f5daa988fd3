package msgcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/types"
)

func txMessage(payload string) (*wire.TransactionMessage, types.Hash, types.Hash) {
	msg := &wire.TransactionMessage{Transaction: types.Transaction{
		Expiration: time.Unix(1700000000, 0),
		Payload:    []byte(payload),
	}}
	return msg, types.HashBytes([]byte("msg:" + payload)), msg.Transaction.ID()
}

func TestCacheLookups(t *testing.T) {
	c := New(3)
	msg, msgHash, contentHash := txMessage("a")
	prop := PropagationData{Received: time.Unix(10, 0), Originator: "peer"}

	c.Insert(msg, msgHash, contentHash, prop)

	got, err := c.Get(msgHash)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	got, err = c.GetByContentHash(contentHash)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	gotProp, err := c.GetPropagation(contentHash)
	require.NoError(t, err)
	require.Equal(t, prop, gotProp)

	assert.True(t, c.Contains(msgHash))
	assert.True(t, c.ContainsByContentHash(contentHash))
	assert.False(t, c.Contains(contentHash))

	_, err = c.Get(types.HashBytes([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetByContentHash(types.HashBytes([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetPropagation(msgHash)
	require.ErrorIs(t, err, ErrNotFound)
}

// oldestClock returns the insertion clock of the oldest entry.
func oldestClock(c *Cache) (uint64, bool) {
	if c.byClock.Len() == 0 {
		return 0, false
	}
	return c.byClock.Min().(clockKey).clock, true
}

func TestCacheEvictsByBlockClock(t *testing.T) {
	c := New(2)
	first, h1, ch1 := txMessage("first")
	c.Insert(first, h1, ch1, PropagationData{})

	c.OnBlockAccepted()
	second, h2, ch2 := txMessage("second")
	c.Insert(second, h2, ch2, PropagationData{})

	c.OnBlockAccepted()
	require.Equal(t, 2, c.Len())

	c.OnBlockAccepted()
	require.False(t, c.Contains(h1))
	require.False(t, c.ContainsByContentHash(ch1))
	require.True(t, c.Contains(h2))

	c.OnBlockAccepted()
	require.Zero(t, c.Len())
	_, ok := oldestClock(c)
	require.False(t, ok)
}

func TestCacheDuplicateInsertKeepsClock(t *testing.T) {
	c := New(1)
	msg, h, ch := txMessage("dup")
	c.Insert(msg, h, ch, PropagationData{})
	c.OnBlockAccepted()
	c.Insert(msg, h, ch, PropagationData{})

	oldest, ok := oldestClock(c)
	require.True(t, ok)
	require.Zero(t, oldest)
	require.Equal(t, 1, c.Len())

	c.OnBlockAccepted()
	require.False(t, c.Contains(h))
}

func TestCacheProperties(t *testing.T) {
	rapid.Check(t, rapid.Run(&cacheModel{}))
}

type cacheModel struct {
	cache  *Cache
	window uint64
	clock  uint64

	// message hash -> insertion clock
	model map[types.Hash]uint64
	n     int
}

func (m *cacheModel) Init(t *rapid.T) {
	m.window = uint64(rapid.IntRange(1, 5).Draw(t, "window").(int))
	m.cache = New(uint32(m.window))
	m.clock = 0
	m.model = make(map[types.Hash]uint64)
	m.n = 0
}

func (m *cacheModel) Insert(t *rapid.T) {
	m.n++
	payload := rapid.StringN(1, 8, -1).Draw(t, "payload").(string)
	msg, h, ch := txMessage(payload)
	m.cache.Insert(msg, h, ch, PropagationData{})
	if _, ok := m.model[h]; !ok {
		m.model[h] = m.clock
	}
}

func (m *cacheModel) OnBlockAccepted(t *rapid.T) {
	m.cache.OnBlockAccepted()
	m.clock++
	for h, clock := range m.model {
		if clock+m.window < m.clock {
			delete(m.model, h)
		}
	}
}

func (m *cacheModel) Check(t *rapid.T) {
	require.Equal(t, len(m.model), m.cache.Len())
	require.Equal(t, m.clock, m.cache.Clock())
	for h := range m.model {
		require.True(t, m.cache.Contains(h))
	}
	if oldest, ok := oldestClock(m.cache); ok {
		require.LessOrEqual(t, m.clock-oldest, m.window)
	}
}
