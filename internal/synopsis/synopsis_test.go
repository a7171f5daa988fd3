package synopsis

import (
	"encoding/binary"
	"math/bits"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/gossipchain/netnode/types"
)

func blockID(num uint32, fork byte) types.BlockID {
	var id types.BlockID
	binary.BigEndian.PutUint32(id[:4], num)
	id[4] = fork
	id[5] = 0xaa
	return id
}

func chain(from, to uint32, fork byte) []types.BlockID {
	var out []types.BlockID
	for n := from; n <= to; n++ {
		out = append(out, blockID(n, fork))
	}
	return out
}

func TestNumbers(t *testing.T) {
	assert.Equal(t, []uint32{1, 6, 9, 10}, Numbers(1, 10, 10))
	assert.Equal(t, []uint32{1}, Numbers(0, 1, 1))
	assert.Nil(t, Numbers(1, 0, 0))
	// a longer expected chain spreads the entries wider
	assert.Equal(t, []uint32{1}, Numbers(1, 10, 100))
	assert.Equal(t, []uint32{1, 51, 76}, Numbers(1, 80, 100))
}

func TestNumbersProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		low := uint32(rapid.IntRange(0, 1000).Draw(t, "low").(int))
		high := low + uint32(rapid.IntRange(0, 100000).Draw(t, "span").(int))
		after := uint32(rapid.IntRange(0, 100000).Draw(t, "after").(int))

		nums := Numbers(low, high, high+after)
		if high == 0 {
			require.Empty(t, nums)
			return
		}
		require.NotEmpty(t, nums)

		start := low
		if start == 0 {
			start = 1
		}
		require.Equal(t, start, nums[0])
		for i := 1; i < len(nums); i++ {
			require.Greater(t, nums[i], nums[i-1])
		}
		require.LessOrEqual(t, nums[len(nums)-1], high)

		span := uint(high+after-start) + 2
		require.LessOrEqual(t, len(nums), bits.Len(span)+1)
	})
}

func TestExtend(t *testing.T) {
	pending := chain(11, 20, 0)

	syn := Extend([]types.BlockID{blockID(1, 0), blockID(6, 0), blockID(10, 0)}, pending)
	require.Len(t, syn, 7)
	require.Equal(t, blockID(11, 0), syn[3])
	require.Equal(t, blockID(20, 0), syn[len(syn)-1])

	// with no synopsis from the chain the list starts at #1
	syn = Extend(nil, chain(1, 4, 0))
	require.Equal(t, []types.BlockID{blockID(1, 0), blockID(3, 0), blockID(4, 0)}, syn)

	require.Nil(t, Extend(nil, nil))
}

func TestValidateReply(t *testing.T) {
	sent := []types.BlockID{blockID(1, 0), blockID(5, 0), blockID(7, 0)}

	testCases := []struct {
		name    string
		sent    []types.BlockID
		ids     []types.BlockID
		wantErr error
	}{
		{"empty reply", sent, nil, nil},
		{"extends synopsis", sent, chain(5, 9, 0), nil},
		{"genesis for empty synopsis", nil, chain(1, 3, 0), nil},
		{"empty synopsis must start at genesis", nil, chain(5, 6, 0), ErrNotFromGenesis},
		{"first id not offered", sent, chain(6, 9, 0), ErrNotInSynopsis},
		{"first id on another fork", sent, chain(5, 6, 1), ErrNotInSynopsis},
		{"gap", sent, []types.BlockID{blockID(5, 0), blockID(7, 0)}, ErrNotSequential},
		{"repeat", nil, []types.BlockID{blockID(1, 0), blockID(1, 0)}, ErrNotSequential},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateReply(tc.sent, tc.ids)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCheckPlausible(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	interval := 3 * time.Second
	grace := 3 * time.Second

	require.NoError(t, CheckPlausible(now, 0, interval, now, grace))
	require.NoError(t, CheckPlausible(now.Add(-time.Minute), 21, interval, now, grace))
	require.ErrorIs(t, CheckPlausible(now.Add(-time.Minute), 22, interval, now, grace), ErrImplausibleChain)
	require.ErrorIs(t, CheckPlausible(now.Add(time.Hour), 1, interval, now, grace), ErrImplausibleChain)

	// nothing known yet: any count is believable
	require.NoError(t, CheckPlausible(time.Time{}, 1<<40, interval, now, grace))
}
