// Package peers holds the per-connection state of the network layer and the
// registry that partitions connections by lifecycle state.
//
// None of the types here are safe for concurrent use. They are owned by the
// node's event loop.
package peers

import (
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/types"
)

// ID identifies a session for its whole lifetime. IDs are never reused.
type ID uint64

func (id ID) String() string { return fmt.Sprintf("%d", uint64(id)) }

// State is the lifecycle state of a session.
type State uint8

const (
	StateHandshaking State = iota
	StateActive
	StateClosing
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// HandshakeState tracks one side's verdict on the hello exchange.
type HandshakeState uint8

const (
	HandshakeJustConnected HandshakeState = iota
	HandshakeAccepted
	HandshakeRejected
)

func (h HandshakeState) String() string {
	switch h {
	case HandshakeAccepted:
		return "accepted"
	case HandshakeRejected:
		return "rejected"
	default:
		return "just_connected"
	}
}

// Sender delivers messages to the remote side of a session.
type Sender interface {
	// Send queues msg without blocking. An error means the message could not
	// be queued and the connection should be dropped.
	Send(msg wire.Message) error
	// SendAndClose queues a final message and closes the connection once it
	// has been written.
	SendAndClose(msg wire.Message) error
	Close() error
	BytesSent() uint64
	BytesReceived() uint64
}

// SynopsisRequest is an outstanding fetch_blockchain_item_ids.
type SynopsisRequest struct {
	Synopsis []types.BlockID
	Sent     time.Time
}

// Session is the state of one connection.
type Session struct {
	id    ID
	state State

	Conn      Sender
	Direction wire.Direction

	// RemoteEndpoint is the address the socket is connected to.
	RemoteEndpoint string
	// InboundEndpoint is where the peer accepts connections, if known.
	InboundEndpoint string

	NodeID                   types.NodeID
	InboundPort              uint16
	UserAgent                string
	ProtocolVersion          uint32
	LastKnownForkBlockNumber uint32
	Firewalled               wire.FirewallState

	HelloReceived  bool
	OurState       HandshakeState
	TheirState     HandshakeState
	RejectReason   wire.RejectionReason
	AddressesAsked bool

	WeRequestedClose   bool
	TheyRequestedClose bool
	CloseReason        string
	CloseError         error

	ConnectionInitiated   time.Time
	ConnectionClosed      time.Time
	ConnectionTerminated  time.Time
	LastMessageReceived   time.Time
	LastMessageSent       time.Time
	LastAddressRequest    time.Time
	LastKeepaliveSent     time.Time
	ClockOffset           time.Duration
	RoundTripDelay        time.Duration
	FirewallCheckPending  bool
	FirewallCheckEndpoint string

	// Synchronizing from the peer. idsToGetIndex counts the entries of
	// idsToGet by id.
	idsToGet                     []types.BlockID
	idsToGetIndex                map[types.BlockID]int
	UnfetchedItemIDs             uint32
	WeNeedSyncItemsFromPeer      bool
	PeerNeedsSyncItemsFromUs     bool
	LastBlockDelegateHasSeen     types.BlockID
	LastBlockTimeDelegateHasSeen time.Time
	InhibitFetchingSyncBlocks    bool
	ItemIDsRequested             *SynopsisRequest
	SyncItemsRequested           mapset.Set[types.BlockID]
	IDsBeingProcessed            mapset.Set[types.BlockID]
	LastSyncItemReceived         time.Time

	// Live gossip.
	ItemsRequested           map[types.ItemID]time.Time
	AdvertisedToUs           *InventorySet
	AdvertisedToPeer         *InventorySet
	InhibitTransactionsUntil time.Time
}

// NewSession returns a session in the handshaking state. The registry
// assigns its id.
func NewSession(conn Sender, dir wire.Direction, remote string, now time.Time) *Session {
	return &Session{
		Conn:                conn,
		Direction:           dir,
		RemoteEndpoint:      remote,
		ConnectionInitiated: now,
		idsToGetIndex:       make(map[types.BlockID]int),
		SyncItemsRequested:  mapset.NewThreadUnsafeSet[types.BlockID](),
		IDsBeingProcessed:   mapset.NewThreadUnsafeSet[types.BlockID](),
		ItemsRequested:      make(map[types.ItemID]time.Time),
		AdvertisedToUs:      NewInventorySet(),
		AdvertisedToPeer:    NewInventorySet(),
	}
}

func (s *Session) ID() ID { return s.id }

func (s *Session) State() State { return s.state }

func (s *Session) String() string {
	return fmt.Sprintf("Session{%d %s %s}", s.id, s.RemoteEndpoint, s.state)
}

// Send queues msg and records the send time.
func (s *Session) Send(msg wire.Message, now time.Time) error {
	if s.Conn == nil {
		return fmt.Errorf("session %d has no connection", s.id)
	}
	if err := s.Conn.Send(msg); err != nil {
		return err
	}
	s.LastMessageSent = now
	return nil
}

// Endpoint returns the best endpoint to identify the peer by: where it
// listens if known, else the address of the socket.
func (s *Session) Endpoint() string {
	if s.InboundEndpoint != "" {
		return s.InboundEndpoint
	}
	return s.RemoteEndpoint
}

// Idle reports whether we have no requests of any kind outstanding with
// the peer.
func (s *Session) Idle() bool {
	return len(s.ItemsRequested) == 0 &&
		s.SyncItemsRequested.Cardinality() == 0 &&
		s.ItemIDsRequested == nil
}

// FullySynced reports whether neither side needs sync items from the other.
func (s *Session) FullySynced() bool {
	return !s.WeNeedSyncItemsFromPeer && !s.PeerNeedsSyncItemsFromUs
}

// IDsToGet returns the ids still to fetch from the peer, oldest first. The
// slice must not be modified.
func (s *Session) IDsToGet() []types.BlockID { return s.idsToGet }

func (s *Session) NumIDsToGet() int { return len(s.idsToGet) }

// HasIDToGet reports whether id is in the peer's remaining sync list.
func (s *Session) HasIDToGet(id types.BlockID) bool {
	return s.idsToGetIndex[id] > 0
}

// FrontIDToGet returns the next sync id expected from the peer.
func (s *Session) FrontIDToGet() (types.BlockID, bool) {
	if len(s.idsToGet) == 0 {
		return types.BlockID{}, false
	}
	return s.idsToGet[0], true
}

// BackIDToGet returns the newest id of the sync list.
func (s *Session) BackIDToGet() (types.BlockID, bool) {
	if len(s.idsToGet) == 0 {
		return types.BlockID{}, false
	}
	return s.idsToGet[len(s.idsToGet)-1], true
}

// AppendIDsToGet adds ids to the end of the sync list.
func (s *Session) AppendIDsToGet(ids ...types.BlockID) {
	s.idsToGet = append(s.idsToGet, ids...)
	for _, id := range ids {
		s.idsToGetIndex[id]++
	}
}

// PopFrontIDToGet drops the next sync id.
func (s *Session) PopFrontIDToGet() {
	if len(s.idsToGet) > 0 {
		s.unindex(s.idsToGet[0])
		s.idsToGet[0] = types.BlockID{}
		s.idsToGet = s.idsToGet[1:]
	}
}

// PopBackIDToGet drops the newest sync id.
func (s *Session) PopBackIDToGet() {
	if last := len(s.idsToGet) - 1; last >= 0 {
		s.unindex(s.idsToGet[last])
		s.idsToGet = s.idsToGet[:last]
	}
}

// ClearIDsToGet empties the sync list.
func (s *Session) ClearIDsToGet() {
	s.idsToGet = nil
	s.idsToGetIndex = make(map[types.BlockID]int)
}

func (s *Session) unindex(id types.BlockID) {
	if s.idsToGetIndex[id] <= 1 {
		delete(s.idsToGetIndex, id)
		return
	}
	s.idsToGetIndex[id]--
}

// ResetSync clears the sync cursor so a new synopsis exchange can start.
func (s *Session) ResetSync() {
	s.ClearIDsToGet()
	s.UnfetchedItemIDs = 0
	s.WeNeedSyncItemsFromPeer = true
	s.LastBlockDelegateHasSeen = types.ZeroBlockID
	s.LastBlockTimeDelegateHasSeen = time.Time{}
	s.InhibitFetchingSyncBlocks = false
}

// TransactionsInhibited reports whether transaction fetching from the peer
// is paused at now.
func (s *Session) TransactionsInhibited(now time.Time) bool {
	return now.Before(s.InhibitTransactionsUntil)
}

// Status is a snapshot of a session for reporting.
type Status struct {
	ID                       ID
	NodeID                   types.NodeID
	Endpoint                 string
	Direction                wire.Direction
	State                    State
	UserAgent                string
	Firewalled               wire.FirewallState
	ClockOffset              time.Duration
	RoundTripDelay           time.Duration
	BytesSent                uint64
	BytesReceived            uint64
	ConnectionInitiated      time.Time
	LastMessageReceived      time.Time
	LastMessageSent          time.Time
	WeNeedSyncItemsFromPeer  bool
	PeerNeedsSyncItemsFromUs bool
	UnfetchedItemIDs         uint32
	IDsToGet                 int
	SyncItemsRequested       int
	ItemsRequested           int
	AdvertisedToUs           int
	AdvertisedToPeer         int
}

func (s *Session) Status() Status {
	st := Status{
		ID:                       s.id,
		NodeID:                   s.NodeID,
		Endpoint:                 s.Endpoint(),
		Direction:                s.Direction,
		State:                    s.state,
		UserAgent:                s.UserAgent,
		Firewalled:               s.Firewalled,
		ClockOffset:              s.ClockOffset,
		RoundTripDelay:           s.RoundTripDelay,
		ConnectionInitiated:      s.ConnectionInitiated,
		LastMessageReceived:      s.LastMessageReceived,
		LastMessageSent:          s.LastMessageSent,
		WeNeedSyncItemsFromPeer:  s.WeNeedSyncItemsFromPeer,
		PeerNeedsSyncItemsFromUs: s.PeerNeedsSyncItemsFromUs,
		UnfetchedItemIDs:         s.UnfetchedItemIDs,
		IDsToGet:                 len(s.idsToGet),
		SyncItemsRequested:       s.SyncItemsRequested.Cardinality(),
		ItemsRequested:           len(s.ItemsRequested),
		AdvertisedToUs:           s.AdvertisedToUs.Len(),
		AdvertisedToPeer:         s.AdvertisedToPeer.Len(),
	}
	if s.Conn != nil {
		st.BytesSent = s.Conn.BytesSent()
		st.BytesReceived = s.Conn.BytesReceived()
	}
	return st
}
