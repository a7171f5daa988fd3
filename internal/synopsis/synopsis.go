// Package synopsis builds and checks the sparse block id lists peers
// exchange to find the point where their chains diverge.
//
// A synopsis lists block ids at exponentially growing distances from a low
// block towards the head, so its length is logarithmic in the range it
// covers. The peer answers with consecutive ids starting at the newest
// synopsis entry it shares with us.
package synopsis

import (
	"errors"
	"fmt"
	"time"

	"github.com/gossipchain/netnode/types"
)

var (
	ErrNotSequential    = errors.New("block ids are not sequential")
	ErrNotFromGenesis   = errors.New("reply to an empty synopsis must start at block #1")
	ErrNotInSynopsis    = errors.New("first block id is not in our synopsis")
	ErrImplausibleChain = errors.New("more blocks than could possibly exist")
)

func step(low, trueHigh uint32) uint32 {
	return (trueHigh - low + 2) / 2
}

// Numbers returns the block numbers a synopsis of [low, high] contains when
// the caller expects the chain to reach trueHigh. The gap to the next entry
// is half the remaining distance to trueHigh, so entries bunch up near the
// head. low is raised to 1; an empty range yields nil.
func Numbers(low, high, trueHigh uint32) []uint32 {
	if low == 0 {
		low = 1
	}
	if trueHigh < high {
		trueHigh = high
	}

	var out []uint32
	for low <= high {
		out = append(out, low)
		next := low + step(low, trueHigh)
		if next <= low {
			break
		}
		low = next
	}
	return out
}

// Extend appends entries from pending, a run of consecutive block ids we
// still have to fetch, spaced the same way so the combined synopsis reaches
// the end of what the peer already told us about.
func Extend(syn []types.BlockID, pending []types.BlockID) []types.BlockID {
	if len(pending) == 0 {
		return syn
	}

	firstNum := pending[0].Number()
	trueHigh := firstNum + uint32(len(pending)) - 1

	low := uint32(1)
	if len(syn) > 0 {
		low = syn[0].Number()
	}
	if low == 0 {
		low = 1
	}

	for low <= trueHigh {
		if low >= firstNum {
			syn = append(syn, pending[low-firstNum])
		}
		next := low + step(low, trueHigh)
		if next <= low {
			break
		}
		low = next
	}
	return syn
}

// ValidateReply checks a peer's answer to the synopsis we sent. An empty
// reply is valid: the peer has nothing after our synopsis.
func ValidateReply(sent, ids []types.BlockID) error {
	if len(ids) == 0 {
		return nil
	}

	for i := 1; i < len(ids); i++ {
		if ids[i].Number() != ids[i-1].Number()+1 {
			return fmt.Errorf("%w: #%d follows #%d", ErrNotSequential, ids[i].Number(), ids[i-1].Number())
		}
	}

	if len(sent) == 0 {
		if ids[0].Number() != 1 {
			return fmt.Errorf("%w: got #%d", ErrNotFromGenesis, ids[0].Number())
		}
		return nil
	}

	if !Contains(sent, ids[0]) {
		return fmt.Errorf("%w: %s", ErrNotInSynopsis, ids[0].Short())
	}
	return nil
}

// Contains reports whether id is one of syn's entries.
func Contains(syn []types.BlockID, id types.BlockID) bool {
	for _, s := range syn {
		if s == id {
			return true
		}
	}
	return false
}

// CheckPlausible rejects a claim of remaining blocks that would put the
// newest of them further in the future than grace allows, given that the
// last block we know of was produced at lastBlockTime.
func CheckPlausible(lastBlockTime time.Time, remaining uint64, blockInterval time.Duration, now time.Time, grace time.Duration) error {
	if remaining == 0 || lastBlockTime.IsZero() {
		return nil
	}
	limit := now.Add(grace)
	if lastBlockTime.After(limit) {
		return fmt.Errorf("%w: last known block is in the future", ErrImplausibleChain)
	}

	// largest count that still fits before the limit, avoiding overflow
	fits := uint64(limit.Sub(lastBlockTime) / blockInterval)
	if remaining > fits {
		return fmt.Errorf("%w: %d remaining after %s at %s per block",
			ErrImplausibleChain, remaining, lastBlockTime.Format(time.RFC3339), blockInterval)
	}
	return nil
}
