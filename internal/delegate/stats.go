package delegate

import (
	"context"
	"sort"
	"time"

	"go.uber.org/atomic"

	"github.com/gossipchain/netnode/types"
)

// CallStats summarizes the calls made to one delegate method.
type CallStats struct {
	Method        string
	Calls         uint64
	Errors        uint64
	TotalDuration time.Duration
	MaxDuration   time.Duration
}

type callCounter struct {
	calls  atomic.Uint64
	errors atomic.Uint64
	total  atomic.Duration
	max    atomic.Duration
}

func (c *callCounter) observe(d time.Duration, failed bool) {
	c.calls.Inc()
	if failed {
		c.errors.Inc()
	}
	c.total.Add(d)
	for {
		cur := c.max.Load()
		if d <= cur || c.max.CAS(cur, d) {
			return
		}
	}
}

const (
	methodHasItem                      = "has_item"
	methodHandleBlock                  = "handle_block"
	methodHandleTransaction            = "handle_transaction"
	methodGetBlockIDs                  = "get_block_ids"
	methodGetBlockchainSynopsis        = "get_blockchain_synopsis"
	methodGetBlock                     = "get_block"
	methodGetBlockNumber               = "get_block_number"
	methodGetBlockTime                 = "get_block_time"
	methodGetHeadBlockID               = "get_head_block_id"
	methodGetBlockchainNow             = "get_blockchain_now"
	methodFindFirstItemNotInBlockchain = "find_first_item_not_in_blockchain"
	methodSyncStatus                   = "sync_status"
	methodConnectionCountChanged       = "connection_count_changed"
	methodErrorEncountered             = "error_encountered"
)

var allMethods = []string{
	methodHasItem, methodHandleBlock, methodHandleTransaction, methodGetBlockIDs,
	methodGetBlockchainSynopsis, methodGetBlock, methodGetBlockNumber, methodGetBlockTime,
	methodGetHeadBlockID, methodGetBlockchainNow, methodFindFirstItemNotInBlockchain,
	methodSyncStatus, methodConnectionCountChanged, methodErrorEncountered,
}

// StatsDelegate wraps a Delegate and records how often and how long each
// method is called.
type StatsDelegate struct {
	next    Delegate
	metrics *Metrics
	calls   map[string]*callCounter
}

var _ Delegate = (*StatsDelegate)(nil)

func NewStatsDelegate(next Delegate, m *Metrics) *StatsDelegate {
	if m == nil {
		m = NopMetrics()
	}
	calls := make(map[string]*callCounter, len(allMethods))
	for _, name := range allMethods {
		calls[name] = &callCounter{}
	}
	return &StatsDelegate{next: next, metrics: m, calls: calls}
}

func (s *StatsDelegate) track(method string, start time.Time, err error) {
	d := time.Since(start)
	s.calls[method].observe(d, err != nil)
	s.metrics.CallDuration.With("method", method).Observe(d.Seconds())
	if err != nil {
		s.metrics.CallErrors.With("method", method).Add(1)
	}
}

// Stats returns the counters of every method that was called at least
// once, sorted by method name.
func (s *StatsDelegate) Stats() []CallStats {
	out := make([]CallStats, 0, len(s.calls))
	for name, c := range s.calls {
		if c.calls.Load() == 0 {
			continue
		}
		out = append(out, CallStats{
			Method:        name,
			Calls:         c.calls.Load(),
			Errors:        c.errors.Load(),
			TotalDuration: c.total.Load(),
			MaxDuration:   c.max.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

func (s *StatsDelegate) HasItem(id types.ItemID) bool {
	defer s.track(methodHasItem, time.Now(), nil)
	return s.next.HasItem(id)
}

func (s *StatsDelegate) HandleBlock(ctx context.Context, block *types.Block, syncMode bool) (err error) {
	defer func(start time.Time) { s.track(methodHandleBlock, start, err) }(time.Now())
	return s.next.HandleBlock(ctx, block, syncMode)
}

func (s *StatsDelegate) HandleTransaction(ctx context.Context, tx *types.Transaction) (err error) {
	defer func(start time.Time) { s.track(methodHandleTransaction, start, err) }(time.Now())
	return s.next.HandleTransaction(ctx, tx)
}

func (s *StatsDelegate) GetBlockIDs(synopsis []types.BlockID, limit uint32) (ids []types.BlockID, remaining uint32, err error) {
	defer func(start time.Time) { s.track(methodGetBlockIDs, start, err) }(time.Now())
	return s.next.GetBlockIDs(synopsis, limit)
}

func (s *StatsDelegate) GetBlockchainSynopsis(ref types.BlockID, countAfter uint32) (ids []types.BlockID, err error) {
	defer func(start time.Time) { s.track(methodGetBlockchainSynopsis, start, err) }(time.Now())
	return s.next.GetBlockchainSynopsis(ref, countAfter)
}

func (s *StatsDelegate) GetBlock(id types.BlockID) (b *types.Block, err error) {
	defer func(start time.Time) { s.track(methodGetBlock, start, err) }(time.Now())
	return s.next.GetBlock(id)
}

func (s *StatsDelegate) GetBlockNumber(id types.BlockID) uint32 {
	defer s.track(methodGetBlockNumber, time.Now(), nil)
	return s.next.GetBlockNumber(id)
}

func (s *StatsDelegate) GetBlockTime(id types.BlockID) time.Time {
	defer s.track(methodGetBlockTime, time.Now(), nil)
	return s.next.GetBlockTime(id)
}

func (s *StatsDelegate) GetHeadBlockID() types.BlockID {
	defer s.track(methodGetHeadBlockID, time.Now(), nil)
	return s.next.GetHeadBlockID()
}

func (s *StatsDelegate) GetBlockchainNow() time.Time {
	defer s.track(methodGetBlockchainNow, time.Now(), nil)
	return s.next.GetBlockchainNow()
}

func (s *StatsDelegate) FindFirstItemNotInBlockchain(ids []types.BlockID) int {
	defer s.track(methodFindFirstItemNotInBlockchain, time.Now(), nil)
	return s.next.FindFirstItemNotInBlockchain(ids)
}

func (s *StatsDelegate) SyncStatus(itemType types.ItemType, remaining uint32) {
	defer s.track(methodSyncStatus, time.Now(), nil)
	s.next.SyncStatus(itemType, remaining)
}

func (s *StatsDelegate) ConnectionCountChanged(count int) {
	defer s.track(methodConnectionCountChanged, time.Now(), nil)
	s.next.ConnectionCountChanged(count)
}

func (s *StatsDelegate) ErrorEncountered(message string, err error) {
	defer s.track(methodErrorEncountered, time.Now(), nil)
	s.next.ErrorEncountered(message, err)
}
