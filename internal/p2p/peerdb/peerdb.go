// Package peerdb persists what the node has learned about potential peers:
// where they can be reached, how the last attempts went, and when they may
// be dialed again.
package peerdb

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/orderedcode"
	"github.com/mroth/weightedrand"
	"github.com/sethvargo/go-retry"
	dbm "github.com/tendermint/tm-db"

	"github.com/gossipchain/netnode/types"
)

// Disposition is the outcome of the last connection to a peer.
type Disposition uint8

const (
	DispositionNeverTried Disposition = iota
	DispositionSucceeded
	DispositionConnectFailed
	DispositionHandshakeRejected
	DispositionProtocolViolation
	DispositionTimedOut
	DispositionClosed
)

func (d Disposition) String() string {
	switch d {
	case DispositionSucceeded:
		return "succeeded"
	case DispositionConnectFailed:
		return "connect_failed"
	case DispositionHandshakeRejected:
		return "handshake_rejected"
	case DispositionProtocolViolation:
		return "protocol_violation"
	case DispositionTimedOut:
		return "timed_out"
	case DispositionClosed:
		return "closed"
	default:
		return "never_tried"
	}
}

// Record is what we know about one endpoint.
type Record struct {
	Endpoint        string       `cbor:"1,keyasint"`
	NodeID          types.NodeID `cbor:"2,keyasint,omitempty"`
	LastSeen        time.Time    `cbor:"3,keyasint"`
	LastAttempt     time.Time    `cbor:"4,keyasint"`
	LastDisposition Disposition  `cbor:"5,keyasint"`
	// Failures counts consecutive failures and drives the reconnect backoff.
	Failures      uint32 `cbor:"6,keyasint"`
	TotalFailures uint32 `cbor:"7,keyasint"`
	Successes     uint32 `cbor:"8,keyasint"`
	LastError     string `cbor:"9,keyasint,omitempty"`
	// Self marks an endpoint that turned out to be this node.
	Self       bool `cbor:"10,keyasint,omitempty"`
	Persistent bool `cbor:"11,keyasint,omitempty"`
}

var recordEncoding = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Options configures a Store.
type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Store keeps every record in memory and writes changes through to the
// database. It is safe for concurrent use.
type Store struct {
	opts Options
	db   dbm.DB

	mtx     sync.Mutex
	records map[string]*Record
	rng     *rand.Rand
}

// New loads all records from db.
func New(db dbm.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("no database provided")
	}
	if opts.BackoffBase <= 0 {
		return nil, errors.New("backoff base must be positive")
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}

	s := &Store{
		opts:    opts,
		db:      db,
		records: make(map[string]*Record),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // nolint:gosec
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	start, end := keyRecordRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		rec := new(Record)
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return fmt.Errorf("invalid peer record: %w", err)
		}
		s.records[rec.Endpoint] = rec
	}
	return iter.Error()
}

func (s *Store) save(rec *Record) error {
	bz, err := recordEncoding.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(keyRecord(rec.Endpoint), bz)
}

// update applies fn to the record for endpoint, creating it if needed, and
// persists the result.
func (s *Store) update(endpoint string, fn func(*Record)) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rec, ok := s.records[endpoint]
	if !ok {
		rec = &Record{Endpoint: endpoint}
		s.records[endpoint] = rec
	}
	fn(rec)
	return s.save(rec)
}

// Get returns a copy of the record for endpoint.
func (s *Store) Get(endpoint string) (Record, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rec, ok := s.records[endpoint]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Size returns the number of known endpoints.
func (s *Store) Size() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.records)
}

// List returns copies of all records, most recently seen first.
func (s *Store) List() []Record {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// AddAddress merges an endpoint learned from another peer. Existing records
// keep their history and only move their last-seen time forward.
func (s *Store) AddAddress(endpoint string, nodeID types.NodeID, lastSeen time.Time) error {
	return s.update(endpoint, func(rec *Record) {
		if nodeID != "" && rec.NodeID == "" {
			rec.NodeID = nodeID
		}
		if lastSeen.After(rec.LastSeen) {
			rec.LastSeen = lastSeen
		}
	})
}

// AddPersistent registers an endpoint that is always redialed.
func (s *Store) AddPersistent(endpoint string) error {
	return s.update(endpoint, func(rec *Record) { rec.Persistent = true })
}

// RecordAttempt notes that we are dialing endpoint.
func (s *Store) RecordAttempt(endpoint string, now time.Time) error {
	return s.update(endpoint, func(rec *Record) { rec.LastAttempt = now })
}

// RecordSuccess notes a completed handshake and resets the failure streak.
func (s *Store) RecordSuccess(endpoint string, nodeID types.NodeID, now time.Time) error {
	return s.update(endpoint, func(rec *Record) {
		if nodeID != "" {
			rec.NodeID = nodeID
		}
		rec.LastSeen = now
		rec.LastDisposition = DispositionSucceeded
		rec.Failures = 0
		rec.Successes++
		rec.LastError = ""
	})
}

// RecordFailure notes a failed connection and penalizes the endpoint.
func (s *Store) RecordFailure(endpoint string, d Disposition, reason string, now time.Time) error {
	return s.update(endpoint, func(rec *Record) {
		rec.LastDisposition = d
		rec.LastError = reason
		rec.Failures++
		rec.TotalFailures++
		if rec.LastAttempt.IsZero() {
			rec.LastAttempt = now
		}
	})
}

// RecordClosed notes a connection that ended without fault on either side.
func (s *Store) RecordClosed(endpoint string, now time.Time) error {
	return s.update(endpoint, func(rec *Record) {
		rec.LastSeen = now
		rec.LastDisposition = DispositionClosed
	})
}

// MarkSelf flags endpoint as our own so it is never dialed.
func (s *Store) MarkSelf(endpoint string) error {
	return s.update(endpoint, func(rec *Record) { rec.Self = true })
}

// Backoff returns how long to wait after the last attempt before dialing an
// endpoint with the given number of consecutive failures.
func (s *Store) Backoff(failures uint32) time.Duration {
	if failures == 0 {
		return 0
	}
	b := retry.WithCappedDuration(s.opts.BackoffMax, retry.NewExponential(s.opts.BackoffBase))

	var d time.Duration
	for i := uint32(0); i < failures; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
		if d >= s.opts.BackoffMax {
			break
		}
	}
	return d
}

// NextAttempt returns the earliest time rec may be dialed again.
func (s *Store) NextAttempt(rec Record) time.Time {
	if rec.LastAttempt.IsZero() {
		return time.Time{}
	}
	return rec.LastAttempt.Add(s.Backoff(rec.Failures))
}

func weight(rec *Record) uint {
	w := (1 + 4*uint(rec.Successes)) * 8 / (1 + uint(rec.Failures))
	if w == 0 {
		w = 1
	}
	return w
}

// Candidates picks up to n endpoints to dial. Persistent endpoints that are
// due come first; the rest are drawn at random, weighted towards reliable
// peers. skip reports endpoints that must not be dialed, e.g. because they
// are already connected.
func (s *Store) Candidates(now time.Time, n int, skip func(endpoint string) bool) []Record {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var (
		out     []Record
		choices []weightedrand.Choice
	)
	for _, rec := range s.records {
		if rec.Self || (skip != nil && skip(rec.Endpoint)) {
			continue
		}
		if !rec.LastAttempt.IsZero() && now.Before(rec.LastAttempt.Add(s.Backoff(rec.Failures))) {
			continue
		}
		if rec.Persistent {
			out = append(out, *rec)
			continue
		}
		choices = append(choices, weightedrand.NewChoice(rec, weight(rec)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })

	for len(out) < n && len(choices) > 0 {
		chooser, err := weightedrand.NewChooser(choices...)
		if err != nil {
			break
		}
		picked := chooser.PickSource(s.rng).(*Record)
		out = append(out, *picked)

		for i := range choices {
			if choices[i].Item.(*Record) == picked {
				choices = append(choices[:i], choices[i+1:]...)
				break
			}
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

const prefixRecord int64 = 1

func keyRecord(endpoint string) []byte {
	key, err := orderedcode.Append(nil, prefixRecord, endpoint)
	if err != nil {
		panic(err)
	}
	return key
}

func keyRecordRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixRecord, "")
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixRecord, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}
