package memchain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gossipchain/netnode/internal/delegate"
	"github.com/gossipchain/netnode/types"
)

var genesisTime = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

func newChain(t *testing.T, n int) (*Chain, []*types.Block) {
	t.Helper()
	c := New(Options{UndoDepth: 10, Now: func() time.Time { return genesisTime.Add(time.Hour) }})
	blocks := GenerateBlocks(types.ZeroBlockID, n, genesisTime, 3*time.Second, "main")
	require.NoError(t, c.Apply(blocks...))
	return c, blocks
}

func TestApplyAndQuery(t *testing.T) {
	c, blocks := newChain(t, 20)

	require.EqualValues(t, 20, c.Height())
	require.Equal(t, blocks[19].ID(), c.GetHeadBlockID())
	require.True(t, c.HasItem(types.BlockItem(blocks[5].ID())))
	require.Equal(t, blocks[3].Timestamp, c.GetBlockTime(blocks[3].ID()))
	require.True(t, c.GetBlockTime(types.ZeroBlockID).IsZero())

	require.Equal(t, 3, c.FindFirstItemNotInBlockchain([]types.BlockID{blocks[0].ID(), blocks[1].ID(), blocks[2].ID(), {0xff}}))

	b, err := c.GetBlock(blocks[7].ID())
	require.NoError(t, err)
	require.Equal(t, blocks[7], b)

	_, err = c.GetBlock(types.BlockID{1})
	require.ErrorIs(t, err, delegate.ErrItemNotFound)

	// applying twice is harmless
	require.NoError(t, c.Apply(blocks[4]))
	require.Len(t, c.Accepted(), 20)

	orphan := types.NewBlock(types.BlockID{0, 0, 0, 40, 1}, genesisTime, "x", nil)
	err = c.HandleBlock(context.Background(), orphan, false)
	require.ErrorIs(t, err, delegate.ErrUnlinkableBlock)
}

func TestGetBlockIDs(t *testing.T) {
	c, blocks := newChain(t, 20)

	ids, remaining, err := c.GetBlockIDs(nil, 5)
	require.NoError(t, err)
	require.Len(t, ids, 5)
	require.Equal(t, blocks[0].ID(), ids[0])
	require.EqualValues(t, 15, remaining)

	syn := []types.BlockID{blocks[0].ID(), blocks[9].ID(), {0xff}}
	ids, remaining, err = c.GetBlockIDs(syn, 100)
	require.NoError(t, err)
	require.Equal(t, blocks[9].ID(), ids[0], "reply starts with the common block")
	require.Len(t, ids, 11)
	require.Zero(t, remaining)

	_, _, err = c.GetBlockIDs([]types.BlockID{{0xff}}, 10)
	require.ErrorIs(t, err, delegate.ErrPeerOnUnreachableFork)
}

func TestGetBlockchainSynopsis(t *testing.T) {
	c, blocks := newChain(t, 30)

	syn, err := c.GetBlockchainSynopsis(types.ZeroBlockID, 0)
	require.NoError(t, err)
	require.Equal(t, blocks[19].ID(), syn[0], "synopsis starts at the last irreversible block")
	require.Equal(t, blocks[29].ID(), syn[len(syn)-1])

	syn, err = c.GetBlockchainSynopsis(blocks[24].ID(), 0)
	require.NoError(t, err)
	require.Equal(t, blocks[24].ID(), syn[len(syn)-1])

	empty := New(DefaultOptions())
	syn, err = empty.GetBlockchainSynopsis(types.ZeroBlockID, 0)
	require.NoError(t, err)
	require.Empty(t, syn)
}

func TestForkSwitch(t *testing.T) {
	c, blocks := newChain(t, 20)

	// a longer fork from #15 replaces the tail of the main chain
	fork := GenerateBlocks(blocks[14].ID(), 7, genesisTime.Add(time.Minute), 3*time.Second, "fork")
	for _, b := range fork[:5] {
		require.NoError(t, c.Apply(b))
	}
	require.Equal(t, blocks[19].ID(), c.GetHeadBlockID(), "equal length fork does not switch")

	require.NoError(t, c.Apply(fork[5]))
	require.Equal(t, fork[5].ID(), c.GetHeadBlockID())
	require.EqualValues(t, 21, c.Height())

	syn, err := c.GetBlockchainSynopsis(blocks[19].ID(), 0)
	require.NoError(t, err)
	require.Equal(t, blocks[19].ID(), syn[len(syn)-1])

	// a fork from before the undo window is refused
	old := GenerateBlocks(blocks[2].ID(), 1, genesisTime.Add(time.Hour), 3*time.Second, "old")
	err = c.Apply(old...)
	require.ErrorIs(t, err, delegate.ErrBlockOlderThanUndoHistory)
}

func TestTransactions(t *testing.T) {
	now := genesisTime.Add(time.Hour)
	c := New(Options{UndoDepth: 10, Now: func() time.Time { return now }, MinRelayPayload: 2})

	tx := &types.Transaction{Expiration: now.Add(time.Minute), Payload: []byte("pay")}
	require.NoError(t, c.HandleTransaction(context.Background(), tx))
	require.NoError(t, c.HandleTransaction(context.Background(), tx))
	require.Equal(t, 1, c.PendingTransactions())
	require.True(t, c.HasItem(types.TransactionItem(tx.ID())))

	err := c.HandleTransaction(context.Background(), &types.Transaction{Expiration: now.Add(time.Minute), Payload: []byte("x")})
	require.ErrorIs(t, err, delegate.ErrInsufficientRelayFee)

	err = c.HandleTransaction(context.Background(), &types.Transaction{Expiration: now.Add(-time.Minute), Payload: []byte("xyz")})
	require.Error(t, err)

	b, err := c.Produce("me")
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)
	require.Zero(t, c.PendingTransactions())
	require.True(t, c.HasItem(types.TransactionItem(tx.ID())))
}

func TestValidateHook(t *testing.T) {
	reject := errors.New("bad producer")
	c := New(Options{UndoDepth: 10, Validate: func(_ context.Context, b *types.Block) error {
		if b.Producer == "evil" {
			return reject
		}
		return nil
	}})

	good := GenerateBlocks(types.ZeroBlockID, 1, genesisTime, time.Second, "good")
	require.NoError(t, c.Apply(good...))

	bad := GenerateBlocks(good[0].ID(), 1, genesisTime, time.Second, "evil")
	require.ErrorIs(t, c.Apply(bad...), reject)
	assert.EqualValues(t, 1, c.Height())
}

func TestNotifications(t *testing.T) {
	c := New(DefaultOptions())
	c.SyncStatus(types.ItemTypeBlock, 12)
	c.ConnectionCountChanged(3)
	c.ErrorEncountered("peer misbehaved", errors.New("boom"))

	assert.EqualValues(t, 12, c.SyncRemaining(types.ItemTypeBlock))
	assert.Equal(t, 3, c.ConnectionCount())
	assert.Equal(t, []string{"peer misbehaved: boom"}, c.Errors())
	assert.Zero(t, c.FindFirstItemNotInBlockchain(nil))
}
