// Package delegate defines what the network layer needs from the blockchain
// it serves. The chain validates and stores items; the network layer only
// moves them around.
package delegate

import (
	"context"
	"errors"
	"time"

	"github.com/gossipchain/netnode/types"
)

var (
	// ErrBlockOlderThanUndoHistory means the block is on a fork that branched
	// off before the oldest block we can still undo. It is not a sign of
	// malice; we simply cannot follow the peer.
	ErrBlockOlderThanUndoHistory = errors.New("block is older than our undo history")
	ErrUnlinkableBlock           = errors.New("block does not link to a known block")
	ErrPeerOnUnreachableFork     = errors.New("peer is on a fork we cannot reach")
	ErrInsufficientRelayFee      = errors.New("insufficient relay fee")
	ErrItemNotFound              = errors.New("item not found")
)

// Delegate is implemented by the blockchain. Query methods must be fast and
// must not block; HandleBlock and HandleTransaction may take as long as
// validation requires and are never called from the network event loop.
type Delegate interface {
	// HasItem reports whether the chain already knows the item.
	HasItem(id types.ItemID) bool

	// HandleBlock validates and applies a block. syncMode is true while the
	// block arrives as part of catching up rather than live gossip.
	HandleBlock(ctx context.Context, block *types.Block, syncMode bool) error
	HandleTransaction(ctx context.Context, tx *types.Transaction) error

	// GetBlockIDs returns up to limit consecutive ids starting at the newest
	// synopsis entry on our chain, and how many blocks follow the last one.
	GetBlockIDs(synopsis []types.BlockID, limit uint32) (ids []types.BlockID, remaining uint32, err error)

	// GetBlockchainSynopsis summarizes our chain up to referencePoint, or up
	// to the head when it is zero. countAfter is how many further ids the
	// caller already knows about, which widens the spacing.
	GetBlockchainSynopsis(referencePoint types.BlockID, countAfter uint32) ([]types.BlockID, error)

	GetBlock(id types.BlockID) (*types.Block, error)
	GetBlockNumber(id types.BlockID) uint32
	GetBlockTime(id types.BlockID) time.Time
	GetHeadBlockID() types.BlockID
	GetBlockchainNow() time.Time

	// FindFirstItemNotInBlockchain returns the index of the first id the
	// chain does not know, or len(ids) if it knows all of them.
	FindFirstItemNotInBlockchain(ids []types.BlockID) int

	SyncStatus(itemType types.ItemType, remaining uint32)
	ConnectionCountChanged(count int)
	ErrorEncountered(message string, err error)
}
