// Package memchain is an in-memory chain that implements delegate.Delegate.
// It follows the longest chain it can reach within its undo depth and is
// used by the start command for local networks and by tests.
package memchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gossipchain/netnode/internal/delegate"
	"github.com/gossipchain/netnode/internal/synopsis"
	"github.com/gossipchain/netnode/types"
)

// Options configures a Chain.
type Options struct {
	// UndoDepth is how many blocks behind the head can still be replaced by
	// a fork.
	UndoDepth uint32
	Now       func() time.Time
	// MinRelayPayload stands in for a relay fee: transactions with shorter
	// payloads are refused with ErrInsufficientRelayFee.
	MinRelayPayload int
	// Validate, if set, runs before a block is applied. A non-nil error
	// rejects the block.
	Validate func(ctx context.Context, b *types.Block) error
}

func DefaultOptions() Options {
	return Options{UndoDepth: 100, Now: time.Now}
}

// Chain is safe for concurrent use.
type Chain struct {
	opts Options

	mtx     sync.RWMutex
	main    []types.BlockID
	blocks  map[types.BlockID]*types.Block
	pool    map[types.TransactionID]*types.Transaction
	order   []types.TransactionID
	applied map[types.TransactionID]types.BlockID

	accepted      []types.BlockID
	syncRemaining map[types.ItemType]uint32
	connections   int
	errors        []string
}

var _ delegate.Delegate = (*Chain)(nil)

func New(opts Options) *Chain {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Chain{
		opts:          opts,
		blocks:        make(map[types.BlockID]*types.Block),
		pool:          make(map[types.TransactionID]*types.Transaction),
		applied:       make(map[types.TransactionID]types.BlockID),
		syncRemaining: make(map[types.ItemType]uint32),
	}
}

// GenerateBlocks builds n blocks extending prev, spaced by interval.
func GenerateBlocks(prev types.BlockID, n int, start time.Time, interval time.Duration, producer string) []*types.Block {
	out := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		b := types.NewBlock(prev, start.Add(time.Duration(i)*interval), producer, nil)
		out = append(out, b)
		prev = b.ID()
	}
	return out
}

func (c *Chain) head() types.BlockID {
	if len(c.main) == 0 {
		return types.ZeroBlockID
	}
	return c.main[len(c.main)-1]
}

func (c *Chain) onMain(id types.BlockID) bool {
	n := id.Number()
	return n >= 1 && int(n) <= len(c.main) && c.main[n-1] == id
}

func (c *Chain) irreversible() uint32 {
	head := uint32(len(c.main))
	if head > c.opts.UndoDepth {
		return head - c.opts.UndoDepth
	}
	return 0
}

// branch walks back from id until it reaches the main chain. It returns the
// off-main ids oldest first and the number of the block they fork from.
func (c *Chain) branch(id types.BlockID) ([]types.BlockID, uint32, bool) {
	var ids []types.BlockID
	for !id.IsZero() && !c.onMain(id) {
		b, ok := c.blocks[id]
		if !ok {
			return nil, 0, false
		}
		ids = append(ids, id)
		id = b.Previous
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, id.Number(), true
}

func (c *Chain) HandleBlock(ctx context.Context, b *types.Block, syncMode bool) error {
	if err := b.ValidateBasic(); err != nil {
		return err
	}
	if c.opts.Validate != nil {
		if err := c.opts.Validate(ctx, b); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.apply(b)
}

func (c *Chain) apply(b *types.Block) error {
	id := b.ID()
	if _, ok := c.blocks[id]; ok {
		return nil
	}
	if !b.Previous.IsZero() {
		if _, ok := c.blocks[b.Previous]; !ok {
			return fmt.Errorf("%w: %s", delegate.ErrUnlinkableBlock, b.Previous.Short())
		}
	}

	if b.Previous == c.head() {
		c.blocks[id] = b
		c.extend(id)
		return nil
	}

	branch, forkPoint, ok := c.branch(b.Previous)
	if !ok {
		return fmt.Errorf("%w: %s", delegate.ErrUnlinkableBlock, b.Previous.Short())
	}
	if forkPoint < c.irreversible() {
		return fmt.Errorf("%w: forks at #%d", delegate.ErrBlockOlderThanUndoHistory, forkPoint)
	}

	c.blocks[id] = b
	if b.Number() <= uint32(len(c.main)) {
		// shorter or equal fork, keep it around in case it grows
		return nil
	}

	for _, undone := range c.main[forkPoint:] {
		for _, tx := range c.blocks[undone].Transactions {
			delete(c.applied, tx.ID())
		}
	}
	c.main = c.main[:forkPoint]
	for _, bid := range append(branch, id) {
		c.extend(bid)
	}
	return nil
}

func (c *Chain) extend(id types.BlockID) {
	c.main = append(c.main, id)
	c.accepted = append(c.accepted, id)
	for _, tx := range c.blocks[id].Transactions {
		txID := tx.ID()
		c.applied[txID] = id
		delete(c.pool, txID)
	}
}

// Apply feeds blocks to the chain outside of any network activity.
func (c *Chain) Apply(blocks ...*types.Block) error {
	for _, b := range blocks {
		if err := c.HandleBlock(context.Background(), b, false); err != nil {
			return err
		}
	}
	return nil
}

// Produce builds a block on top of the head with every pending
// transaction and applies it.
func (c *Chain) Produce(producer string) (*types.Block, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	txs := make([]types.Transaction, 0, len(c.order))
	for _, txID := range c.order {
		if tx, ok := c.pool[txID]; ok {
			txs = append(txs, *tx)
		}
		if len(txs) == types.MaxTransactionsPerBlock {
			break
		}
	}
	c.order = nil

	now := c.opts.Now()
	if head := c.head(); !head.IsZero() {
		if prev := c.blocks[head].Timestamp.Add(time.Second); now.Before(prev) {
			now = prev
		}
	}
	b := types.NewBlock(c.head(), now, producer, txs)
	if err := c.apply(b); err != nil {
		return nil, err
	}
	for txID := range c.pool {
		c.order = append(c.order, txID)
	}
	return b, nil
}

func (c *Chain) HandleTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if len(tx.Payload) < c.opts.MinRelayPayload {
		return delegate.ErrInsufficientRelayFee
	}
	if tx.Expiration.Before(c.opts.Now()) {
		return errors.New("transaction expired")
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	txID := tx.ID()
	if _, ok := c.applied[txID]; ok {
		return nil
	}
	if _, ok := c.pool[txID]; ok {
		return nil
	}
	c.pool[txID] = tx
	c.order = append(c.order, txID)
	return nil
}

func (c *Chain) HasItem(id types.ItemID) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	switch id.Type {
	case types.ItemTypeBlock:
		_, ok := c.blocks[types.BlockID(id.Hash)]
		return ok
	case types.ItemTypeTransaction:
		if _, ok := c.pool[id.Hash]; ok {
			return true
		}
		_, ok := c.applied[id.Hash]
		return ok
	default:
		return false
	}
}

func (c *Chain) GetBlockIDs(syn []types.BlockID, limit uint32) ([]types.BlockID, uint32, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	head := uint32(len(c.main))
	start := uint32(1)
	if len(syn) > 0 {
		found := false
		for i := len(syn) - 1; i >= 0; i-- {
			if c.onMain(syn[i]) {
				start = syn[i].Number()
				found = true
				break
			}
		}
		if !found {
			return nil, 0, delegate.ErrPeerOnUnreachableFork
		}
	}
	if head == 0 || limit == 0 {
		return nil, 0, nil
	}

	end := head
	if end-start+1 > limit {
		end = start + limit - 1
	}
	ids := make([]types.BlockID, 0, end-start+1)
	ids = append(ids, c.main[start-1:end]...)
	return ids, head - end, nil
}

func (c *Chain) GetBlockchainSynopsis(ref types.BlockID, countAfter uint32) ([]types.BlockID, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if len(c.main) == 0 {
		return nil, nil
	}

	var (
		high      = uint32(len(c.main))
		fork      []types.BlockID
		forkPoint = high
	)
	if !ref.IsZero() {
		if _, ok := c.blocks[ref]; !ok {
			return nil, fmt.Errorf("%w: reference point %s", delegate.ErrItemNotFound, ref.Short())
		}
		high = ref.Number()
		forkPoint = high
		if !c.onMain(ref) {
			var ok bool
			fork, forkPoint, ok = c.branch(ref)
			if !ok {
				return nil, fmt.Errorf("%w: reference point %s", delegate.ErrItemNotFound, ref.Short())
			}
		}
	}

	low := c.irreversible()
	if forkPoint < low {
		return nil, fmt.Errorf("%w: reference point %s", delegate.ErrBlockOlderThanUndoHistory, ref.Short())
	}
	if low > high {
		low = high
	}

	nums := synopsis.Numbers(low, high, high+countAfter)
	out := make([]types.BlockID, 0, len(nums))
	for _, n := range nums {
		if n <= forkPoint {
			out = append(out, c.main[n-1])
		} else {
			out = append(out, fork[n-forkPoint-1])
		}
	}
	return out, nil
}

func (c *Chain) GetBlock(id types.BlockID) (*types.Block, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	b, ok := c.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: block %s", delegate.ErrItemNotFound, id.Short())
	}
	return b, nil
}

func (c *Chain) GetBlockNumber(id types.BlockID) uint32 { return id.Number() }

func (c *Chain) GetBlockTime(id types.BlockID) time.Time {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if b, ok := c.blocks[id]; ok {
		return b.Timestamp
	}
	return time.Time{}
}

func (c *Chain) GetHeadBlockID() types.BlockID {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.head()
}

func (c *Chain) GetBlockchainNow() time.Time { return c.opts.Now() }

func (c *Chain) FindFirstItemNotInBlockchain(ids []types.BlockID) int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	for i, id := range ids {
		if _, ok := c.blocks[id]; !ok {
			return i
		}
	}
	return len(ids)
}

func (c *Chain) SyncStatus(itemType types.ItemType, remaining uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.syncRemaining[itemType] = remaining
}

func (c *Chain) ConnectionCountChanged(count int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.connections = count
}

func (c *Chain) ErrorEncountered(message string, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err != nil {
		message = message + ": " + err.Error()
	}
	c.errors = append(c.errors, message)
}

//-----------------------------------------------------------------------------
// inspection

// Height is the number of the head block.
func (c *Chain) Height() uint32 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return uint32(len(c.main))
}

// Accepted returns every block that became part of the main chain, in the
// order that happened.
func (c *Chain) Accepted() []types.BlockID {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return append([]types.BlockID(nil), c.accepted...)
}

// MainChain returns the ids of the main chain from block #1.
func (c *Chain) MainChain() []types.BlockID {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return append([]types.BlockID(nil), c.main...)
}

func (c *Chain) PendingTransactions() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.pool)
}

func (c *Chain) SyncRemaining(itemType types.ItemType) uint32 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.syncRemaining[itemType]
}

func (c *Chain) ConnectionCount() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.connections
}

func (c *Chain) Errors() []string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return append([]string(nil), c.errors...)
}
